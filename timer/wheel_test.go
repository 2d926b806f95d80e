package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWheelFiresInOrder(t *testing.T) {
	sink := make(chan Event, 8)
	w := New(sink, nil)
	defer w.Close()

	w.Schedule(Kind(1), 10*time.Millisecond, "a")
	w.Schedule(Kind(2), 30*time.Millisecond, "b")
	w.Schedule(Kind(3), 20*time.Millisecond, "c")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-sink:
			got = append(got, e.Target)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for timer event")
		}
	}

	assert.Equal(t, []string{"a", "c", "b"}, got)
}

func TestWheelCancel(t *testing.T) {
	sink := make(chan Event, 4)
	w := New(sink, nil)
	defer w.Close()

	h := w.Schedule(Kind(1), 10*time.Millisecond, "canceled")
	w.Schedule(Kind(1), 20*time.Millisecond, "fires")

	w.Cancel(h)

	select {
	case e := <-sink:
		assert.Equal(t, "fires", e.Target)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer event")
	}

	select {
	case e := <-sink:
		t.Fatalf("unexpected second event after cancel: %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWheelCancelIsIdempotent(t *testing.T) {
	sink := make(chan Event, 1)
	w := New(sink, nil)
	defer w.Close()

	h := w.Schedule(Kind(1), 5*time.Millisecond, "x")
	w.Cancel(h)
	w.Cancel(h) // must not panic

	select {
	case e := <-sink:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWheelInjectedClock(t *testing.T) {
	base := time.Now()
	cur := base
	sink := make(chan Event, 1)
	w := New(sink, func() time.Time { return cur })
	defer w.Close()

	w.Schedule(Kind(1), time.Hour, "later")

	select {
	case e := <-sink:
		t.Fatalf("unexpected early event: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}

	cur = base.Add(2 * time.Hour)
	w.mu.Lock()
	w.rearm()
	w.mu.Unlock()

	select {
	case e := <-sink:
		assert.Equal(t, "later", e.Target)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer event after clock jump")
	}
}

func TestWheelCloseStopsDelivery(t *testing.T) {
	sink := make(chan Event)
	w := New(sink, nil)

	w.Schedule(Kind(1), 5*time.Millisecond, "x")
	w.Close()

	select {
	case e := <-sink:
		t.Fatalf("unexpected event after close: %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHandleZeroValueCancelIsNoop(t *testing.T) {
	sink := make(chan Event, 1)
	w := New(sink, nil)
	defer w.Close()

	require.NotPanics(t, func() {
		w.Cancel(Handle{})
	})
}

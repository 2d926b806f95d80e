package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct{ N int }

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := Subscribe[testEvent](b)

	Publish(b, testEvent{N: 1})
	Publish(b, testEvent{N: 2})

	select {
	case e := <-ch:
		assert.Equal(t, 1, e.N)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}
	select {
	case e := <-ch:
		assert.Equal(t, 2, e.N)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { Publish(b, testEvent{N: 1}) })
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	a := Subscribe[testEvent](b)
	c := Subscribe[testEvent](b)

	Publish(b, testEvent{N: 42})

	require.Equal(t, 42, (<-a).N)
	require.Equal(t, 42, (<-c).N)
}

func TestDroppedEventsUnderBackpressure(t *testing.T) {
	b := New()
	ch := Subscribe[testEvent](b)

	for i := 0; i < defaultBufferSize+10; i++ {
		Publish(b, testEvent{N: i})
	}

	// The channel never blocks the publisher for a non-critical type, and
	// the subscriber's backlog is bounded: draining without blocking yields
	// at least one event and never more than the buffer's worth.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			goto done
		}
	}
done:
	assert.LessOrEqual(t, drained, defaultBufferSize)
	assert.Greater(t, drained, 0)
}

func TestCriticalEventNeverDropped(t *testing.T) {
	b := New()
	ch := Subscribe[DialogTerminated](b)

	const n = 100
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			Publish(b, DialogTerminated{CallID: "c", Reason: "bye"})
		}
		close(done)
	}()

	received := 0
	timeout := time.After(2 * time.Second)
	for received < n {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("only received %d/%d critical events", received, n)
		}
	}
	<-done
}

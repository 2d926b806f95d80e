// Package eventbus implements typed publish/subscribe fan-out of lifecycle
// events (SessionStateChanged, MediaFlowStarted, DialogTerminated, ...)
// delivered by reference to bounded per-subscriber channels, with a
// dedicated large-buffer lane for events that must never be dropped: that
// lane is bounded too, and when it is full the publisher blocks.
package eventbus

import (
	"reflect"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultBufferSize bounds a non-critical subscriber's backlog before the
// oldest pending event is dropped to make room for the newest one.
const defaultBufferSize = 64

// droppedTotal counts events dropped under subscriber backpressure, labeled
// by the Go type name of the event.
var droppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sipcore_eventbus_dropped_total",
		Help: "Events dropped from a bounded subscriber channel under backpressure.",
	},
	[]string{"event_type"},
)

func init() {
	prometheus.MustRegister(droppedTotal)
}

// Critical marks an event type that must never be dropped
// (SessionStateChanged, DialogTerminated). Event types embed this to opt
// into the large-buffer blocking lane instead of the drop-oldest default one.
type Critical struct{}

func (Critical) critical() {}

type criticalMarker interface {
	critical()
}

type subscriber struct {
	ch       chan any
	critical bool
}

// Bus is a typed, zero-copy-by-reference event fan-out. One Bus is
// instantiated per Endpoint; it has no package-level state of its own
// beyond the shared prometheus counter.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]*subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]*subscriber)}
}

// Subscribe returns a channel delivering every event of type E published
// after this call. Non-critical event types get a bounded channel; if the
// subscriber falls behind, the oldest buffered event is dropped to admit
// the new one and droppedTotal is incremented. Critical event types
// (embedding Critical) get a channel buffered to 1<<16 events, which is
// bounded, not unbounded: Publish sends to it without a default case, so a
// full critical subscriber blocks the publisher rather than losing events.
//
// The returned channel is unbuffered and the forwarding goroutine holds at
// most one event in hand, so the internal channel gets one slot fewer than
// bufferFor: the total backlog per subscriber is exactly bufferFor events.
func Subscribe[E any](b *Bus) <-chan E {
	var zero E
	t := reflect.TypeOf(zero)

	out := make(chan E)
	critical := isCritical(zero)

	raw := make(chan any, bufferFor(zero)-1)
	sub := &subscriber{ch: raw, critical: critical}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	go func() {
		defer close(out)
		for v := range raw {
			out <- v.(E)
		}
	}()

	return out
}

func bufferFor(v any) int {
	if isCritical(v) {
		return 1 << 16
	}
	return defaultBufferSize
}

func isCritical(v any) bool {
	_, ok := v.(criticalMarker)
	return ok
}

// Publish delivers event to every current subscriber of its concrete type.
// Delivery is by reference (no serialization): subscribers of a pointer
// event type all see the same value. Non-critical subscribers that are full
// have their oldest pending event dropped (and droppedTotal incremented)
// to make room; critical subscribers block the publisher until there is
// room, since their channel is sized never to fill in practice.
func Publish[E any](b *Bus, event E) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[t]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.critical {
			sub.ch <- event
			continue
		}
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				droppedTotal.WithLabelValues(t.String()).Inc()
			default:
			}
			select {
			case sub.ch <- event:
			default:
				droppedTotal.WithLabelValues(t.String()).Inc()
			}
		}
	}
}

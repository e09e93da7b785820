package rfbserver

import (
	"go.uber.org/atomic"
)

// Event is an input event emitted by a client session. The embedding
// application drains events through Server.PollEvents.
type Event interface {
	// Session returns the ID of the session that produced the event.
	Session() uint32
}

// KeyEvent is a keyboard press or release with an X11 keysym.
type KeyEvent struct {
	SessionID uint32
	Down      bool
	Key       Key
}

// Session returns the originating session ID.
func (e KeyEvent) Session() uint32 { return e.SessionID }

// PointerEvent is a pointer position report with the current button mask.
type PointerEvent struct {
	SessionID uint32
	Mask      ButtonMask
	X, Y      uint16
}

// Session returns the originating session ID.
func (e PointerEvent) Session() uint32 { return e.SessionID }

// CutTextEvent carries clipboard text pasted by a client.
type CutTextEvent struct {
	SessionID uint32
	Text      string
}

// Session returns the originating session ID.
func (e CutTextEvent) Session() uint32 { return e.SessionID }

// defaultEventBuffer is the bus capacity when the configuration leaves it zero.
const defaultEventBuffer = 256

// EventBus is a one-way queue from sessions to the embedding application.
// Delivery is best-effort: when the buffer is full the event is dropped and a
// counter incremented, so a slow consumer never blocks a session's read loop.
type EventBus struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEventBus creates a bus with the given buffer capacity.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = defaultEventBuffer
	}
	return &EventBus{ch: make(chan Event, capacity)}
}

// Publish enqueues an event without blocking.
func (b *EventBus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Inc()
	}
}

// Poll drains and returns all currently queued events.
func (b *EventBus) Poll() []Event {
	var out []Event
	for {
		select {
		case e := <-b.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

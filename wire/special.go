package wire

import (
	"time"

	"deedles.dev/xsync/cq"
)

// SpecialEvent is a private queue of XGE events for a single event
// context, the equivalent of an XCB special event channel. Events for
// a registered context are routed here instead of the main event
// queue, so a presentation loop can consume them without interfering
// with other users of the connection.
type SpecialEvent struct {
	conn    *Conn
	eid     XID
	queue   *cq.BulkQueue[Event, []Event]
	pending []Event
}

// RouteGeneric marks an extension's XGE events as routable by event
// context. Every XGE event of the extension must carry the context XID
// at the same fixed offset; Present does.
func (c *Conn) RouteGeneric(ext *Extension) {
	c.specialmu.Lock()
	c.routes[ext.MajorOpcode] = true
	c.specialmu.Unlock()
}

// RegisterSpecial creates a special event queue for the event context
// eid. The caller must separately ask the extension to start sending
// events for that context (Present SelectInput).
func (c *Conn) RegisterSpecial(eid XID) *SpecialEvent {
	se := SpecialEvent{
		conn:  c,
		eid:   eid,
		queue: cq.New(func(v []Event) []Event { return v }),
	}

	c.specialmu.Lock()
	c.special[eid] = &se
	c.specialmu.Unlock()

	return &se
}

// Unregister removes the queue from the connection. Events already
// queued are discarded.
func (se *SpecialEvent) Unregister() {
	se.conn.specialmu.Lock()
	delete(se.conn.special, se.eid)
	se.conn.specialmu.Unlock()
	se.queue.Stop()
}

func (se *SpecialEvent) push(ev Event) {
	select {
	case se.queue.Add() <- ev:
	case <-se.conn.done:
	}
}

// Poll returns the next queued event without blocking.
func (se *SpecialEvent) Poll() (Event, bool) {
	if len(se.pending) > 0 {
		ev := se.pending[0]
		se.pending = se.pending[1:]
		return ev, true
	}

	select {
	case evs := <-se.queue.Get():
		se.pending = append(se.pending, evs...)
	default:
	}

	if len(se.pending) == 0 {
		return Event{}, false
	}
	ev := se.pending[0]
	se.pending = se.pending[1:]
	return ev, true
}

// Wait blocks until an event arrives, the timeout elapses, or the
// connection fails. A zero event with a nil error means the timeout
// elapsed. A connection failure is terminal for the window that the
// event context watches, and is reported as ErrDisconnected.
func (se *SpecialEvent) Wait(timeout time.Duration) (Event, bool, error) {
	if ev, ok := se.Poll(); ok {
		return ev, true, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case evs := <-se.queue.Get():
		se.pending = append(se.pending, evs...)
		if len(se.pending) == 0 {
			return Event{}, false, nil
		}
		ev := se.pending[0]
		se.pending = se.pending[1:]
		return ev, true, nil

	case <-t.C:
		return Event{}, false, nil

	case <-se.conn.done:
		return Event{}, false, ErrDisconnected
	}
}

// Note that Poll and Wait are not safe for concurrent use with each
// other; the presenter serializes them under its own mutex.

package wire

import "deedles.dev/xpresent/internal/debug"

// Event is a single event packet from the server. For generic (XGE)
// events, Data includes the extended length.
type Event struct {
	// Code is the response type with the send-event bit cleared.
	Code byte

	// Extension and EvType identify generic events. They are zero for
	// core events.
	Extension byte
	EvType    uint16

	Data []byte
}

// Uint16 reads a little-endian value at the given byte offset.
func (ev Event) Uint16(off int) uint16 {
	return order.Uint16(ev.Data[off:])
}

// Uint32 reads a little-endian value at the given byte offset.
func (ev Event) Uint32(off int) uint32 {
	return order.Uint32(ev.Data[off:])
}

// Uint64 reads a little-endian value at the given byte offset.
func (ev Event) Uint64(off int) uint64 {
	return order.Uint64(ev.Data[off:])
}

// GenericEvent is the response type of XGE events.
const GenericEvent = 35

// xgeContextOffset is the offset of the event context XID within every
// XGE event of the extensions this package routes. Present places the
// context first in all of its events; registration in RouteGeneric is
// the contract that the extension does so.
const xgeContextOffset = 12

func decodeEvent(b []byte) Event {
	ev := Event{
		Code: b[0] &^ 0x80,
		Data: b,
	}
	if ev.Code == GenericEvent {
		ev.Extension = b[1]
		ev.EvType = order.Uint16(b[8:])
	}
	return ev
}

// Cap on events that accumulate without a reader. X servers do not
// send unsolicited events at any real rate to clients that never
// select for input, so hitting this means something is wrong.
const maxQueuedEvents = 256

func (c *Conn) queueEvent(ev Event) {
	c.eventmu.Lock()
	defer c.eventmu.Unlock()

	if len(c.events) >= maxQueuedEvents {
		debug.Printf("event queue overflow, dropping event %v", c.events[0].Code)
		c.events = c.events[1:]
	}
	c.events = append(c.events, ev)
}

// PollEvent returns the next queued non-special event, if any.
func (c *Conn) PollEvent() (Event, bool) {
	c.eventmu.Lock()
	defer c.eventmu.Unlock()

	if len(c.events) == 0 {
		return Event{}, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

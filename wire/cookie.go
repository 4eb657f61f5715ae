package wire

import (
	"fmt"
	"os"
)

// Reply holds the raw data of a reply, along with any file descriptors
// that arrived with it. Offsets into Data match the on-wire layout,
// including the 32-byte reply header.
type Reply struct {
	Data []byte
	FDs  []*os.File
}

// Byte1 returns the data byte in the reply header.
func (r *Reply) Byte1() byte {
	return r.Data[1]
}

func (r *Reply) Uint16(off int) uint16 {
	return order.Uint16(r.Data[off:])
}

func (r *Reply) Uint32(off int) uint32 {
	return order.Uint32(r.Data[off:])
}

func (r *Reply) Uint64(off int) uint64 {
	return order.Uint64(r.Data[off:])
}

// Close closes any file descriptors still attached to the reply.
func (r *Reply) Close() {
	for _, f := range r.FDs {
		if f != nil {
			f.Close()
		}
	}
	r.FDs = nil
}

// XError is an error packet sent by the server in response to a
// request.
type XError struct {
	Code     byte
	Sequence uint16
	BadValue uint32
	Minor    uint16
	Major    byte
}

func decodeXError(b []byte) *XError {
	return &XError{
		Code:     b[1],
		Sequence: order.Uint16(b[2:]),
		BadValue: order.Uint32(b[4:]),
		Minor:    order.Uint16(b[8:]),
		Major:    b[10],
	}
}

func (err *XError) Error() string {
	return fmt.Sprintf("X error %v (major %v, minor %v, bad value %#x, seq %v)",
		err.Code, err.Major, err.Minor, err.BadValue, err.Sequence)
}

type replyOrError struct {
	reply *Reply
	err   error
}

// Cookie pairs a request with the reply that the server will send for
// it.
type Cookie struct {
	conn *Conn
	seq  uint64
	ch   chan replyOrError
}

func newCookie(c *Conn) *Cookie {
	return &Cookie{
		conn: c,
		ch:   make(chan replyOrError, 1),
	}
}

func (ck *Cookie) deliver(reply *Reply, xerr *XError, err error) {
	if xerr != nil {
		err = xerr
	}
	select {
	case ck.ch <- replyOrError{reply: reply, err: err}:
	default:
	}
}

// Reply blocks until the reply or error for this cookie arrives. The
// caller owns any file descriptors attached to the returned Reply.
func (ck *Cookie) Reply() (*Reply, error) {
	select {
	case r := <-ck.ch:
		return r.reply, r.err
	case <-ck.conn.done:
		return nil, ErrDisconnected
	}
}

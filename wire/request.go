package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Requests are always encoded little-endian; the handshake advertises
// the matching byte order to the server.
var order = binary.LittleEndian

func pad4(n int) int {
	return (4 - n%4) % 4
}

// Request is an X11 request under construction.
type Request struct {
	name  string
	major byte
	minor byte
	data  bytes.Buffer
	fds   []*os.File
	err   error
}

// NewRequest starts building a request. For core requests, minor is
// the data byte of the header, or 0. For extension requests, major is
// the extension's major opcode and minor the request's minor opcode.
// name is included purely for debugging purposes.
func NewRequest(name string, major, minor byte) *Request {
	return &Request{
		name:  name,
		major: major,
		minor: minor,
	}
}

func (r *Request) Byte(v byte) {
	if r.err != nil {
		return
	}
	r.data.WriteByte(v)
}

func (r *Request) Uint16(v uint16) {
	if r.err != nil {
		return
	}
	var b [2]byte
	order.PutUint16(b[:], v)
	r.data.Write(b[:])
}

func (r *Request) Uint32(v uint32) {
	if r.err != nil {
		return
	}
	var b [4]byte
	order.PutUint32(b[:], v)
	r.data.Write(b[:])
}

func (r *Request) Uint64(v uint64) {
	if r.err != nil {
		return
	}
	var b [8]byte
	order.PutUint64(b[:], v)
	r.data.Write(b[:])
}

func (r *Request) XID(v XID) {
	r.Uint32(uint32(v))
}

func (r *Request) Pad(n int) {
	if r.err != nil {
		return
	}
	for range n {
		r.data.WriteByte(0)
	}
}

// String8 writes a string without a length prefix, padded to a 4-byte
// boundary.
func (r *Request) String8(s string) {
	if r.err != nil {
		return
	}
	r.data.WriteString(s)
	r.Pad(pad4(len(s)))
}

// File attaches a file descriptor to the request. The descriptor is
// duplicated; the duplicate is closed by the wire layer once the
// request has been written to the socket.
func (r *Request) File(f *os.File) {
	if r.err != nil {
		return
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		r.err = err
		return
	}
	r.fds = append(r.fds, os.NewFile(uintptr(fd), f.Name()))
}

// TakeFile attaches a file descriptor that the caller no longer owns.
// It is closed after the request is written, whether or not the write
// succeeds.
func (r *Request) TakeFile(f *os.File) {
	if f == nil {
		r.err = errors.New("nil file descriptor")
		return
	}
	r.fds = append(r.fds, f)
}

func (r *Request) closeFDs() {
	for _, f := range r.fds {
		f.Close()
	}
	r.fds = nil
}

func (r *Request) encode() []byte {
	body := r.data.Bytes()
	n := pad4(len(body))
	total := 4 + len(body) + n

	buf := make([]byte, 4, total)
	buf[0] = r.major
	buf[1] = r.minor
	order.PutUint16(buf[2:4], uint16(total/4))
	buf = append(buf, body...)
	return buf[:total]
}

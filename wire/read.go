package wire

import (
	"errors"
	"os"

	"deedles.dev/xpresent/internal/debug"
	"golang.org/x/sys/unix"
)

// readFull reads exactly len(buf) bytes from the socket, collecting
// any file descriptors that arrive in control messages along the way.
func (c *Conn) readFull(buf []byte, fds *[]*os.File) error {
	for len(buf) > 0 {
		oob := make([]byte, unix.CmsgSpace(16*4))
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if n > 0 {
			buf = buf[n:]
		}
		if oobn > 0 {
			cmsgs, cerr := unix.ParseSocketControlMessage(oob[:oobn])
			if cerr != nil {
				return cerr
			}
			for _, cmsg := range cmsgs {
				raw, cerr := unix.ParseUnixRights(&cmsg)
				if cerr != nil {
					if errors.Is(cerr, unix.EINVAL) {
						continue
					}
					return cerr
				}
				for _, fd := range raw {
					*fds = append(*fds, os.NewFile(uintptr(fd), ""))
				}
			}
		}
		if err != nil {
			return err
		}
		if n == 0 && oobn == 0 {
			return errors.New("short read from X socket")
		}
	}
	return nil
}

func (c *Conn) read() {
	defer c.shutdown()

	for {
		var fds []*os.File
		head := make([]byte, 32)
		if err := c.readFull(head, &fds); err != nil {
			closeAll(fds)
			if c.Alive() {
				debug.Printf("X read loop: %v", err)
			}
			return
		}

		switch head[0] & 0x7f {
		case 0:
			closeAll(fds)
			c.routeError(decodeXError(head))

		case 1:
			length := order.Uint32(head[4:])
			data := head
			if length > 0 {
				data = append(data, make([]byte, 4*length)...)
				if err := c.readFull(data[32:], &fds); err != nil {
					closeAll(fds)
					return
				}
			}
			c.routeReply(&Reply{Data: data, FDs: fds})

		case GenericEvent:
			length := order.Uint32(head[4:])
			data := head
			if length > 0 {
				data = append(data, make([]byte, 4*length)...)
				if err := c.readFull(data[32:], &fds); err != nil {
					closeAll(fds)
					return
				}
			}
			closeAll(fds)
			c.routeGeneric(decodeEvent(data))

		default:
			closeAll(fds)
			c.queueEvent(decodeEvent(head))
		}
	}
}

func closeAll(fds []*os.File) {
	for _, f := range fds {
		f.Close()
	}
}

func (c *Conn) takeCookie(seq uint16) *Cookie {
	c.cookiemu.Lock()
	defer c.cookiemu.Unlock()

	ck := c.cookies[seq]
	delete(c.cookies, seq)
	return ck
}

func (c *Conn) routeError(xerr *XError) {
	if ck := c.takeCookie(xerr.Sequence); ck != nil {
		ck.deliver(nil, xerr, nil)
		return
	}
	debug.Printf("async X error: %v", xerr)
}

func (c *Conn) routeReply(reply *Reply) {
	seq := order.Uint16(reply.Data[2:])
	if ck := c.takeCookie(seq); ck != nil {
		ck.deliver(reply, nil, nil)
		return
	}
	debug.Printf("reply with no cookie, seq=%v", seq)
	reply.Close()
}

func (c *Conn) routeGeneric(ev Event) {
	c.specialmu.Lock()
	routed := c.routes[ev.Extension]
	var se *SpecialEvent
	if routed && len(ev.Data) >= xgeContextOffset+4 {
		eid := XID(order.Uint32(ev.Data[xgeContextOffset:]))
		se = c.special[eid]
	}
	c.specialmu.Unlock()

	if se != nil {
		se.push(ev)
		return
	}
	c.queueEvent(ev)
}

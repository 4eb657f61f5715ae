// Package wire implements the client side of the X11 wire protocol
// over a Unix domain socket.
//
// Unlike a plain TCP X connection, a Unix domain socket can carry file
// descriptors in SCM_RIGHTS control messages. DRI3 depends on that for
// every buffer and syncobj exchange, so the Conn type only wraps
// *net.UnixConn; there is no way to construct one over any other
// transport.
package wire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"deedles.dev/xpresent/internal/debug"
	"golang.org/x/sys/unix"
)

// XID is an X11 resource identifier.
type XID uint32

// ErrDisconnected is returned by operations on a connection whose
// socket has been closed or whose read loop has failed.
var ErrDisconnected = errors.New("X connection closed")

// Conn represents a connection to an X server.
type Conn struct {
	conn *net.UnixConn
	ext  string // display string this connection was opened from

	setup  *Setup
	screen int // default screen parsed from the display string

	done  chan struct{}
	close sync.Once

	writemu sync.Mutex
	sendSeq uint64

	cookiemu sync.Mutex
	cookies  map[uint16]*Cookie

	xidmu   sync.Mutex
	xidLast uint32

	extmu      sync.Mutex
	extensions map[string]*Extension

	specialmu sync.Mutex
	special   map[XID]*SpecialEvent
	routes    map[byte]bool // extension major opcodes with XGE routing

	eventmu sync.Mutex
	events  []Event
}

// DisplayPath resolves an X11 display string to the path of its Unix
// domain socket and a default screen number. It accepts the same forms
// as libxcb for local connections: ":0", "unix:0.1", or an absolute
// socket path.
func DisplayPath(display string) (path string, screen int, err error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return "", 0, errors.New("DISPLAY is not set")
	}

	host, rest, ok := strings.Cut(display, ":")
	if !ok {
		return "", 0, fmt.Errorf("parse display %q: missing ':'", display)
	}
	if host != "" && host != "unix" && !filepath.IsAbs(host) {
		return "", 0, fmt.Errorf("display %q is not local", display)
	}

	num, screenstr, _ := strings.Cut(rest, ".")
	d, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("parse display %q: %w", display, err)
	}
	if screenstr != "" {
		screen, err = strconv.Atoi(screenstr)
		if err != nil {
			return "", 0, fmt.Errorf("parse display %q: %w", display, err)
		}
	}

	if filepath.IsAbs(host) {
		return host, screen, nil
	}
	return fmt.Sprintf("/tmp/.X11-unix/X%v", d), screen, nil
}

// Dial opens a connection to the X server named by display, or by the
// DISPLAY environment variable if display is empty.
func Dial(display string) (*Conn, error) {
	path, screen, err := DisplayPath(display)
	if err != nil {
		return nil, err
	}

	s, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}

	c, err := NewConn(s.(*net.UnixConn), display)
	if err != nil {
		s.Close()
		return nil, err
	}
	c.screen = screen
	return c, nil
}

// NewConn performs the setup handshake on c and starts the read loop.
// After this is called, use the returned Conn's Close method to close
// c instead of calling its own Close method.
func NewConn(uc *net.UnixConn, display string) (*Conn, error) {
	c := Conn{
		conn:       uc,
		ext:        display,
		done:       make(chan struct{}),
		cookies:    make(map[uint16]*Cookie),
		extensions: make(map[string]*Extension),
		special:    make(map[XID]*SpecialEvent),
		routes:     make(map[byte]bool),
	}

	setup, err := c.handshake(display)
	if err != nil {
		return nil, fmt.Errorf("X setup handshake: %w", err)
	}
	c.setup = setup

	go c.read()

	return &c, nil
}

// Close closes the underlying connection. Pending replies and blocked
// special-event waits fail with ErrDisconnected.
func (c *Conn) Close() error {
	c.shutdown()
	return c.conn.Close()
}

func (c *Conn) shutdown() {
	c.close.Do(func() { close(c.done) })

	c.cookiemu.Lock()
	for seq, ck := range c.cookies {
		delete(c.cookies, seq)
		ck.deliver(nil, nil, ErrDisconnected)
	}
	c.cookiemu.Unlock()
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection is still usable.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Setup returns the parsed connection setup data.
func (c *Conn) Setup() *Setup {
	return c.setup
}

// DefaultScreen returns the screen number parsed from the display
// string, or 0.
func (c *Conn) DefaultScreen() int {
	return c.screen
}

// NewXID allocates an unused resource identifier.
func (c *Conn) NewXID() (XID, error) {
	c.xidmu.Lock()
	defer c.xidmu.Unlock()

	inc := c.setup.ResourceIDMask & -c.setup.ResourceIDMask
	if c.xidLast > 0 && c.xidLast >= c.setup.ResourceIDMask-inc+1 {
		// TODO: Use XC-MISC to recycle released IDs.
		return 0, errors.New("out of resource identifiers")
	}
	c.xidLast += inc
	return XID(c.xidLast | c.setup.ResourceIDBase), nil
}

func (c *Conn) nextSeq() uint64 {
	c.sendSeq++
	return c.sendSeq
}

// send writes a built request to the socket and returns the sequence
// number it was assigned. Any file descriptors attached to the request
// are closed after the message is written: ownership passes to the
// wire layer exactly once.
func (c *Conn) send(r *Request) (uint64, error) {
	if r.err != nil {
		r.closeFDs()
		return 0, r.err
	}
	if !c.Alive() {
		r.closeFDs()
		return 0, ErrDisconnected
	}

	buf := r.encode()
	var oob []byte
	if len(r.fds) > 0 {
		fds := make([]int, len(r.fds))
		for i, f := range r.fds {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.writemu.Lock()
	seq := c.nextSeq()
	_, _, err := c.conn.WriteMsgUnix(buf, oob, nil)
	c.writemu.Unlock()

	r.closeFDs()
	if err != nil {
		return 0, fmt.Errorf("write request: %w", err)
	}
	debug.Printf("-> %v seq=%v len=%v fds=%v", r.name, seq, len(buf), len(oob))
	return seq, nil
}

// Send sends a request for which no reply is expected.
func (c *Conn) Send(r *Request) error {
	_, err := c.send(r)
	return err
}

// SendReply sends a request and returns a Cookie for its reply.
func (c *Conn) SendReply(r *Request) (*Cookie, error) {
	ck := newCookie(c)

	// The reply can arrive as soon as the request is written. Holding
	// the cookie lock across both the send and the registration keeps
	// the read loop from looking up this sequence number before its
	// cookie is in the map.
	c.cookiemu.Lock()
	seq, err := c.send(r)
	if err != nil {
		c.cookiemu.Unlock()
		return nil, err
	}
	ck.seq = seq
	c.cookies[uint16(seq)] = ck
	c.cookiemu.Unlock()

	return ck, nil
}

// Extension looks up an extension by name, querying the server the
// first time and caching the result.
func (c *Conn) Extension(name string) (*Extension, error) {
	c.extmu.Lock()
	ext, ok := c.extensions[name]
	c.extmu.Unlock()
	if ok {
		return ext, nil
	}

	ext, err := c.queryExtension(name)
	if err != nil {
		return nil, err
	}

	c.extmu.Lock()
	c.extensions[name] = ext
	c.extmu.Unlock()
	return ext, nil
}

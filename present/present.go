// Package present speaks the Present extension: queueing pixmaps for
// display on a window and receiving completion and idle notifications.
package present

import (
	"fmt"

	"deedles.dev/xpresent/wire"
)

const (
	minorQueryVersion      = 0
	minorPixmap            = 1
	minorSelectInput       = 3
	minorQueryCapabilities = 4
	minorPixmapSynced      = 5
)

// Present options, passed with each presentation request.
const (
	OptionAsync      = 1 << 0
	OptionCopy       = 1 << 1
	OptionSuboptimal = 1 << 3
)

// Server capability bits from QueryCapabilities.
const (
	CapabilityAsync        = 1 << 0
	CapabilityFence        = 1 << 1
	CapabilityUST          = 1 << 2
	CapabilityAsyncMayTear = 1 << 3
	CapabilitySyncobj      = 1 << 4
)

// Event mask bits for SelectInput.
const (
	EventMaskConfigure = 1 << 0
	EventMaskComplete  = 1 << 1
	EventMaskIdle      = 1 << 2
)

// Present is a handle to the extension on one connection.
type Present struct {
	conn  *wire.Conn
	ext   *wire.Extension
	Major uint32
	Minor uint32
}

// New queries the server for Present and negotiates a version. The
// server must speak major version 1 with at least reqMinor; up to
// maxMinor is requested. XGE events for the extension are routed by
// event context from then on.
func New(c *wire.Conn, reqMinor, maxMinor uint32) (*Present, error) {
	ext, err := c.Extension("Present")
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, fmt.Errorf("server does not support Present")
	}

	p := Present{conn: c, ext: ext}

	r := wire.NewRequest("PresentQueryVersion", ext.MajorOpcode, minorQueryVersion)
	r.Uint32(1)
	r.Uint32(maxMinor)

	ck, err := c.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	p.Major = reply.Uint32(8)
	p.Minor = reply.Uint32(12)
	if p.Major != 1 || p.Minor < reqMinor {
		return nil, fmt.Errorf("Present version %v.%v is too old (need 1.%v)", p.Major, p.Minor, reqMinor)
	}

	c.RouteGeneric(ext)
	return &p, nil
}

// QueryCapabilities returns the server's capability bits for a
// window or CRTC.
func (p *Present) QueryCapabilities(target wire.XID) (uint32, error) {
	r := wire.NewRequest("PresentQueryCapabilities", p.ext.MajorOpcode, minorQueryCapabilities)
	r.XID(target)

	ck, err := p.conn.SendReply(r)
	if err != nil {
		return 0, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return 0, err
	}
	return reply.Uint32(8), nil
}

// SelectInput registers the event context eid to receive the masked
// Present events for the window, and returns the special event queue
// they will arrive on. Passing a zero mask deregisters the context;
// the caller should then Unregister the queue.
func (p *Present) SelectInput(eid, window wire.XID, mask uint32) (*wire.SpecialEvent, error) {
	var se *wire.SpecialEvent
	if mask != 0 {
		se = p.conn.RegisterSpecial(eid)
	}

	r := wire.NewRequest("PresentSelectInput", p.ext.MajorOpcode, minorSelectInput)
	r.XID(eid)
	r.XID(window)
	r.Uint32(mask)

	if err := p.conn.Send(r); err != nil {
		if se != nil {
			se.Unregister()
		}
		return nil, err
	}
	return se, nil
}

// PixmapArgs are the common arguments of Pixmap and PixmapSynced.
// Zero values give an unthrottled, full-window presentation.
type PixmapArgs struct {
	Window    wire.XID
	Pixmap    wire.XID
	Serial    uint32
	Valid     wire.XID
	Update    wire.XID
	Options   uint32
	TargetMSC uint64
	Divisor   uint64
	Remainder uint64
}

// Pixmap queues a pixmap for presentation, synchronized by the
// server's implicit fencing. No idle fence is passed; IdleNotify is
// the only idle signal.
func (p *Present) Pixmap(args *PixmapArgs) error {
	r := wire.NewRequest("PresentPixmap", p.ext.MajorOpcode, minorPixmap)
	r.XID(args.Window)
	r.XID(args.Pixmap)
	r.Uint32(args.Serial)
	r.XID(args.Valid)
	r.XID(args.Update)
	r.Uint16(0) // x_off
	r.Uint16(0) // y_off
	r.Uint32(0) // target_crtc
	r.Uint32(0) // wait_fence
	r.Uint32(0) // idle_fence
	r.Uint32(args.Options)
	r.Pad(4)
	r.Uint64(args.TargetMSC)
	r.Uint64(args.Divisor)
	r.Uint64(args.Remainder)
	return p.conn.Send(r)
}

// PixmapSynced queues a pixmap for presentation gated on explicit
// timeline syncobj points: the server waits for acquirePoint on the
// acquire syncobj before sampling the pixmap and signals releasePoint
// on the release syncobj when it is done with it.
func (p *Present) PixmapSynced(args *PixmapArgs, acquire, release wire.XID, acquirePoint, releasePoint uint64) error {
	r := wire.NewRequest("PresentPixmapSynced", p.ext.MajorOpcode, minorPixmapSynced)
	r.XID(args.Window)
	r.XID(args.Pixmap)
	r.Uint32(args.Serial)
	r.XID(args.Valid)
	r.XID(args.Update)
	r.Uint16(0) // x_off
	r.Uint16(0) // y_off
	r.Uint32(0) // target_crtc
	r.XID(acquire)
	r.XID(release)
	r.Uint64(acquirePoint)
	r.Uint64(releasePoint)
	r.Uint32(args.Options)
	r.Pad(4)
	r.Uint64(args.TargetMSC)
	r.Uint64(args.Divisor)
	r.Uint64(args.Remainder)
	return p.conn.Send(r)
}

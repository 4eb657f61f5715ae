package wire

// Core protocol requests. Only the handful that the presentation
// pipeline needs are implemented.

const (
	opGetWindowAttributes = 3
	opGetGeometry         = 14
	opFreePixmap          = 54
	opCreateGC            = 55
	opFreeGC              = 60
	opCopyArea            = 62
	opQueryExtension      = 98
)

// Extension describes a server extension.
type Extension struct {
	Name        string
	MajorOpcode byte
	FirstEvent  byte
	FirstError  byte
}

func (c *Conn) queryExtension(name string) (*Extension, error) {
	r := NewRequest("QueryExtension", opQueryExtension, 0)
	r.Uint16(uint16(len(name)))
	r.Pad(2)
	r.String8(name)

	ck, err := c.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	if reply.Data[8] == 0 {
		return nil, nil
	}
	return &Extension{
		Name:        name,
		MajorOpcode: reply.Data[9],
		FirstEvent:  reply.Data[10],
		FirstError:  reply.Data[11],
	}, nil
}

// Geometry is a GetGeometry reply.
type Geometry struct {
	Root          XID
	Depth         byte
	X, Y          int16
	Width, Height uint16
	BorderWidth   uint16
}

// GetGeometry fetches the size and depth of a drawable.
func (c *Conn) GetGeometry(drawable XID) (*Geometry, error) {
	r := NewRequest("GetGeometry", opGetGeometry, 0)
	r.XID(drawable)

	ck, err := c.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	return &Geometry{
		Depth:       reply.Byte1(),
		Root:        XID(reply.Uint32(8)),
		X:           int16(reply.Uint16(12)),
		Y:           int16(reply.Uint16(14)),
		Width:       reply.Uint16(16),
		Height:      reply.Uint16(18),
		BorderWidth: reply.Uint16(20),
	}, nil
}

// WindowAttributes is the subset of a GetWindowAttributes reply that
// surface creation needs.
type WindowAttributes struct {
	Visual uint32
	Class  uint16
}

// GetWindowAttributes fetches the attributes of a window.
func (c *Conn) GetWindowAttributes(window XID) (*WindowAttributes, error) {
	r := NewRequest("GetWindowAttributes", opGetWindowAttributes, 0)
	r.XID(window)

	ck, err := c.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	return &WindowAttributes{
		Visual: reply.Uint32(8),
		Class:  reply.Uint16(12),
	}, nil
}

// FreePixmap releases a server-side pixmap.
func (c *Conn) FreePixmap(pixmap XID) error {
	r := NewRequest("FreePixmap", opFreePixmap, 0)
	r.XID(pixmap)
	return c.Send(r)
}

// CreateGC creates a graphics context with default values.
func (c *Conn) CreateGC(gc, drawable XID) error {
	r := NewRequest("CreateGC", opCreateGC, 0)
	r.XID(gc)
	r.XID(drawable)
	r.Uint32(0) // value mask
	return c.Send(r)
}

// FreeGC releases a graphics context.
func (c *Conn) FreeGC(gc XID) error {
	r := NewRequest("FreeGC", opFreeGC, 0)
	r.XID(gc)
	return c.Send(r)
}

// CopyArea copies a rectangle between two drawables of the same depth.
func (c *Conn) CopyArea(src, dst, gc XID, srcX, srcY, dstX, dstY int16, width, height uint16) error {
	r := NewRequest("CopyArea", opCopyArea, 0)
	r.XID(src)
	r.XID(dst)
	r.XID(gc)
	r.Uint16(uint16(srcX))
	r.Uint16(uint16(srcY))
	r.Uint16(uint16(dstX))
	r.Uint16(uint16(dstY))
	r.Uint16(width)
	r.Uint16(height)
	return c.Send(r)
}

package wire

import (
	"errors"
	"fmt"
	"os"
)

// Setup holds the parts of the connection setup reply that this
// library uses.
type Setup struct {
	ProtocolMajor  uint16
	ProtocolMinor  uint16
	ResourceIDBase uint32
	ResourceIDMask uint32
	MaxRequestLen  uint16
	Vendor         string
	Screens        []Screen
}

// Screen describes one root window.
type Screen struct {
	Root         XID
	WidthPixels  uint16
	HeightPixels uint16
	RootVisual   uint32
	RootDepth    byte
	Depths       []Depth
}

// Depth is the set of visuals available at one depth.
type Depth struct {
	Depth   byte
	Visuals []VisualType
}

// VisualType describes a single visual.
type VisualType struct {
	ID              uint32
	Class           byte
	BitsPerRGB      byte
	ColormapEntries uint16
	RedMask         uint32
	GreenMask       uint32
	BlueMask        uint32
}

// VisualClassTrueColor is the visual class used for direct-mapped RGB
// windows.
const VisualClassTrueColor = 4

// TrueColorVisual finds a TrueColor visual at the given depth whose
// channel masks match exactly.
func (s *Screen) TrueColorVisual(depth byte, redMask, greenMask, blueMask uint32) (VisualType, bool) {
	for _, d := range s.Depths {
		if d.Depth != depth {
			continue
		}
		for _, v := range d.Visuals {
			if v.Class != VisualClassTrueColor {
				continue
			}
			if v.RedMask == redMask && v.GreenMask == greenMask && v.BlueMask == blueMask {
				return v, true
			}
		}
	}
	return VisualType{}, false
}

// VisualDepth returns the depth at which the given visual appears, or
// false if the screen does not expose it.
func (s *Screen) VisualDepth(visual uint32) (byte, bool) {
	for _, d := range s.Depths {
		for _, v := range d.Visuals {
			if v.ID == visual {
				return d.Depth, true
			}
		}
	}
	return 0, false
}

func (c *Conn) handshake(display string) (*Setup, error) {
	authName, authData := authority(display)

	var req []byte
	req = append(req, 'l', 0)
	req = appendUint16(req, 11) // protocol major
	req = appendUint16(req, 0)  // protocol minor
	req = appendUint16(req, uint16(len(authName)))
	req = appendUint16(req, uint16(len(authData)))
	req = append(req, 0, 0)
	req = append(req, authName...)
	req = append(req, make([]byte, pad4(len(authName)))...)
	req = append(req, authData...)
	req = append(req, make([]byte, pad4(len(authData)))...)

	if _, err := c.conn.Write(req); err != nil {
		return nil, err
	}

	var fds []*os.File
	head := make([]byte, 8)
	if err := c.readFull(head, &fds); err != nil {
		return nil, err
	}
	closeAll(fds)

	extra := make([]byte, 4*int(order.Uint16(head[6:])))
	if err := c.readFull(extra, &fds); err != nil {
		return nil, err
	}
	closeAll(fds)

	switch head[0] {
	case 0:
		n := int(head[1])
		if n > len(extra) {
			n = len(extra)
		}
		return nil, fmt.Errorf("setup failed: %v", string(extra[:n]))
	case 2:
		return nil, errors.New("setup requires further authentication")
	}

	setup := Setup{
		ProtocolMajor: order.Uint16(head[2:]),
		ProtocolMinor: order.Uint16(head[4:]),
	}
	if err := parseSetup(&setup, extra); err != nil {
		return nil, err
	}
	return &setup, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

type setupReader struct {
	data []byte
	off  int
	err  error
}

func (r *setupReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = errors.New("truncated setup data")
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *setupReader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *setupReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return order.Uint16(b)
}

func (r *setupReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func parseSetup(setup *Setup, data []byte) error {
	r := setupReader{data: data}

	r.u32() // release number
	setup.ResourceIDBase = r.u32()
	setup.ResourceIDMask = r.u32()
	r.u32() // motion buffer size
	vendorLen := r.u16()
	setup.MaxRequestLen = r.u16()
	numScreens := r.u8()
	numFormats := r.u8()
	r.bytes(4) // image byte order, bitmap bit order, scanline unit/pad
	r.bytes(2) // min/max keycode
	r.bytes(4)

	setup.Vendor = string(r.bytes(int(vendorLen)))
	r.bytes(pad4(int(vendorLen)))
	r.bytes(8 * int(numFormats))

	setup.Screens = make([]Screen, 0, numScreens)
	for range numScreens {
		var scr Screen
		scr.Root = XID(r.u32())
		r.u32() // default colormap
		r.u32() // white pixel
		r.u32() // black pixel
		r.u32() // current input masks
		scr.WidthPixels = r.u16()
		scr.HeightPixels = r.u16()
		r.u16() // width mm
		r.u16() // height mm
		r.u16() // min installed maps
		r.u16() // max installed maps
		scr.RootVisual = r.u32()
		r.u8() // backing stores
		r.u8() // save unders
		scr.RootDepth = r.u8()
		numDepths := r.u8()

		scr.Depths = make([]Depth, 0, numDepths)
		for range numDepths {
			var d Depth
			d.Depth = r.u8()
			r.u8()
			numVisuals := r.u16()
			r.bytes(4)

			d.Visuals = make([]VisualType, 0, numVisuals)
			for range numVisuals {
				v := VisualType{
					ID:              r.u32(),
					Class:           r.u8(),
					BitsPerRGB:      r.u8(),
					ColormapEntries: r.u16(),
					RedMask:         r.u32(),
					GreenMask:       r.u32(),
					BlueMask:        r.u32(),
				}
				r.bytes(4)
				d.Visuals = append(d.Visuals, v)
			}
			scr.Depths = append(scr.Depths, d)
		}
		setup.Screens = append(setup.Screens, scr)
	}

	return r.err
}

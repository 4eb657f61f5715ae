// Package dri3 speaks the DRI3 extension: exchanging dma-buf file
// descriptors and DRM syncobjs with the X server.
package dri3

import (
	"fmt"
	"os"

	"deedles.dev/xpresent/wire"
)

const (
	minorQueryVersion          = 0
	minorOpen                  = 1
	minorGetSupportedModifiers = 6
	minorPixmapFromBuffers     = 7
	minorBuffersFromPixmap     = 8
	minorImportSyncobj         = 10
	minorFreeSyncobj           = 11
)

// MaxPlanes is the largest number of planes a pixmap may carry on the
// wire.
const MaxPlanes = 4

// DRI3 is a handle to the extension on one connection.
type DRI3 struct {
	conn  *wire.Conn
	ext   *wire.Extension
	Major uint32
	Minor uint32
}

// New queries the server for DRI3 and negotiates a version. The server
// must speak major version 1 with at least reqMinor; up to maxMinor is
// requested.
func New(c *wire.Conn, reqMinor, maxMinor uint32) (*DRI3, error) {
	ext, err := c.Extension("DRI3")
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, fmt.Errorf("server does not support DRI3")
	}

	d := DRI3{conn: c, ext: ext}

	r := wire.NewRequest("DRI3QueryVersion", ext.MajorOpcode, minorQueryVersion)
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

	d.Major = reply.Uint32(8)
	d.Minor = reply.Uint32(12)
	if d.Major != 1 || d.Minor < reqMinor {
		return nil, fmt.Errorf("DRI3 version %v.%v is too old (need 1.%v)", d.Major, d.Minor, reqMinor)
	}
	return &d, nil
}

// Open asks the server for a file descriptor to the DRM device that
// drives the drawable. The caller owns the returned file.
func (d *DRI3) Open(drawable wire.XID) (*os.File, error) {
	r := wire.NewRequest("DRI3Open", d.ext.MajorOpcode, minorOpen)
	r.XID(drawable)
	r.Uint32(0) // provider

	ck, err := d.conn.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	if len(reply.FDs) != 1 {
		reply.Close()
		return nil, fmt.Errorf("DRI3Open returned %v fds, want 1", len(reply.FDs))
	}
	f := reply.FDs[0]
	reply.FDs = nil
	reply.Close()
	return f, nil
}

// SupportedModifiers returns the format modifiers the server can
// scan out for the window and for the screen as a whole, for buffers
// of the given depth and bits per pixel.
func (d *DRI3) SupportedModifiers(window wire.XID, depth, bpp byte) (windowMods, screenMods []uint64, err error) {
	r := wire.NewRequest("DRI3GetSupportedModifiers", d.ext.MajorOpcode, minorGetSupportedModifiers)
	r.XID(window)
	r.Byte(depth)
	r.Byte(bpp)
	r.Pad(2)

	ck, err := d.conn.SendReply(r)
	if err != nil {
		return nil, nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, nil, err
	}

	numWindow := int(reply.Uint32(8))
	numScreen := int(reply.Uint32(12))
	if len(reply.Data) < 32+8*(numWindow+numScreen) {
		return nil, nil, fmt.Errorf("truncated GetSupportedModifiers reply")
	}

	windowMods = make([]uint64, numWindow)
	for i := range windowMods {
		windowMods[i] = reply.Uint64(32 + 8*i)
	}
	screenMods = make([]uint64, numScreen)
	for i := range screenMods {
		screenMods[i] = reply.Uint64(32 + 8*numWindow + 8*i)
	}
	return windowMods, screenMods, nil
}

// Plane is one plane of a dma-buf backed pixmap.
type Plane struct {
	FD     *os.File
	Stride uint32
	Offset uint32
}

// PixmapFromBuffers creates a server pixmap backed by the given
// dma-buf planes. The plane file descriptors are consumed whether or
// not the request succeeds.
func (d *DRI3) PixmapFromBuffers(pixmap, window wire.XID, width, height uint16, depth, bpp byte, modifier uint64, planes []Plane) error {
	if len(planes) == 0 || len(planes) > MaxPlanes {
		for _, p := range planes {
			p.FD.Close()
		}
		return fmt.Errorf("pixmap with %v planes", len(planes))
	}

	r := wire.NewRequest("DRI3PixmapFromBuffers", d.ext.MajorOpcode, minorPixmapFromBuffers)
	r.XID(pixmap)
	r.XID(window)
	r.Byte(byte(len(planes)))
	r.Pad(3)
	r.Uint16(width)
	r.Uint16(height)
	for i := range MaxPlanes {
		if i < len(planes) {
			r.Uint32(planes[i].Stride)
			r.Uint32(planes[i].Offset)
			continue
		}
		r.Uint32(0)
		r.Uint32(0)
	}
	r.Byte(depth)
	r.Byte(bpp)
	r.Pad(2)
	r.Uint64(modifier)
	for _, p := range planes {
		r.TakeFile(p.FD)
	}

	return d.conn.Send(r)
}

// PixmapBuffers is a BuffersFromPixmap reply: the dma-buf planes
// backing a server pixmap, plus its geometry.
type PixmapBuffers struct {
	Width    uint16
	Height   uint16
	Modifier uint64
	Depth    byte
	BPP      byte
	Planes   []Plane
}

// Close releases every plane fd.
func (pb *PixmapBuffers) Close() {
	for _, p := range pb.Planes {
		p.FD.Close()
	}
	pb.Planes = nil
}

// BuffersFromPixmap exports the dma-buf planes backing a server
// pixmap. The caller owns the returned fds.
func (d *DRI3) BuffersFromPixmap(pixmap wire.XID) (*PixmapBuffers, error) {
	r := wire.NewRequest("DRI3BuffersFromPixmap", d.ext.MajorOpcode, minorBuffersFromPixmap)
	r.XID(pixmap)

	ck, err := d.conn.SendReply(r)
	if err != nil {
		return nil, err
	}
	reply, err := ck.Reply()
	if err != nil {
		return nil, err
	}

	n := int(reply.Byte1())
	if n == 0 || n > MaxPlanes || len(reply.FDs) != n {
		reply.Close()
		return nil, fmt.Errorf("BuffersFromPixmap returned %v buffers and %v fds", n, len(reply.FDs))
	}
	if len(reply.Data) < 32+8*n {
		reply.Close()
		return nil, fmt.Errorf("truncated BuffersFromPixmap reply")
	}

	pb := PixmapBuffers{
		Width:    reply.Uint16(8),
		Height:   reply.Uint16(10),
		Modifier: reply.Uint64(16),
		Depth:    reply.Data[24],
		BPP:      reply.Data[25],
		Planes:   make([]Plane, n),
	}
	for i := range pb.Planes {
		pb.Planes[i] = Plane{
			FD:     reply.FDs[i],
			Stride: reply.Uint32(32 + 4*i),
			Offset: reply.Uint32(32 + 4*n + 4*i),
		}
	}
	reply.FDs = nil
	reply.Close()
	return &pb, nil
}

// ImportSyncobj shares a DRM syncobj with the server under the given
// XID. The fd is consumed.
func (d *DRI3) ImportSyncobj(syncobj, drawable wire.XID, fd *os.File) error {
	r := wire.NewRequest("DRI3ImportSyncobj", d.ext.MajorOpcode, minorImportSyncobj)
	r.XID(syncobj)
	r.XID(drawable)
	r.TakeFile(fd)
	return d.conn.Send(r)
}

// FreeSyncobj drops the server's reference to a shared syncobj.
func (d *DRI3) FreeSyncobj(syncobj wire.XID) error {
	r := wire.NewRequest("DRI3FreeSyncobj", d.ext.MajorOpcode, minorFreeSyncobj)
	r.XID(syncobj)
	return d.conn.Send(r)
}

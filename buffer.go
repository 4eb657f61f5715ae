package xpresent

import (
	"fmt"
	"os"

	"deedles.dev/xpresent/dri3"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/wire"
)

// Pool ceilings.
const (
	maxColorBuffers = 4
	maxPrimeBuffers = 2
)

type bufferStatus int

const (
	// bufferIdle buffers may be handed to the driver as render
	// targets.
	bufferIdle bufferStatus = iota

	// bufferInUse buffers have been presented and not yet released
	// by the server.
	bufferInUse

	// bufferIdleNotified buffers have received IdleNotify but still
	// need a GPU or CPU wait before reuse. Implicit and no-sync modes
	// only.
	bufferIdleNotified
)

// colorBuffer is one GPU buffer owned by a single window: the
// allocator object, the driver's handle onto it, and the lazily
// created server-side resources.
type colorBuffer struct {
	bo     driver.BO
	handle driver.Buffer
	pixmap wire.XID
	dmabuf *os.File
	tl     *timeline
	status bufferStatus
	serial uint32
}

// newColorBuffer allocates a buffer and imports it into the driver.
// keepFD additionally exports and retains the dma-buf fd, which the
// PRIME paths need for implicit sync and polling; the server-shared
// path cannot use it and skips the export.
func newColorBuffer(d *Display, width, height uint32, format *Format, modifiers []uint64, keepFD bool) (*colorBuffer, error) {
	bo, err := d.alloc.Alloc(width, height, uint32(format.FourCC), modifiers)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate %vx%v buffer: %v", ErrExhausted, width, height, err)
	}

	buf := colorBuffer{bo: bo}
	buf.handle, err = d.drv.ImportBuffer(bo)
	if err != nil {
		bo.Close()
		return nil, fmt.Errorf("%w: import buffer: %v", ErrExhausted, err)
	}

	if keepFD {
		buf.dmabuf, err = bo.FD()
		if err != nil {
			buf.free(d)
			return nil, fmt.Errorf("%w: export dma-buf: %v", ErrExhausted, err)
		}
	}
	return &buf, nil
}

// ensurePixmap creates the server-side pixmap on first use,
// transferring one dma-buf fd per plane to the server.
func (buf *colorBuffer) ensurePixmap(d *Display, window wire.XID, format *Format) error {
	if buf.pixmap != 0 {
		return nil
	}

	planes := make([]dri3.Plane, buf.bo.Planes())
	for i := range planes {
		fd, err := buf.bo.FD()
		if err != nil {
			for _, p := range planes[:i] {
				p.FD.Close()
			}
			return fmt.Errorf("%w: export dma-buf: %v", ErrExhausted, err)
		}
		planes[i] = dri3.Plane{
			FD:     fd,
			Stride: buf.bo.Stride(i),
			Offset: buf.bo.Offset(i),
		}
	}

	pixmap, err := d.conn.NewXID()
	if err != nil {
		for _, p := range planes {
			p.FD.Close()
		}
		return err
	}
	err = d.dri3.PixmapFromBuffers(pixmap, window,
		uint16(buf.bo.Width()), uint16(buf.bo.Height()),
		format.Depth, format.BPP, buf.bo.Modifier(), planes)
	if err != nil {
		return err
	}
	buf.pixmap = pixmap
	return nil
}

// ensureTimeline creates the buffer's timeline on first explicit-sync
// use.
func (buf *colorBuffer) ensureTimeline(d *Display, drawable wire.XID) error {
	if buf.tl != nil {
		return nil
	}
	tl, err := newTimeline(d, drawable)
	if err != nil {
		return err
	}
	buf.tl = tl
	return nil
}

// free releases everything the buffer holds: allocator object, driver
// handle, server pixmap, timeline, dma-buf fd.
func (buf *colorBuffer) free(d *Display) {
	if buf.bo != nil {
		buf.bo.Close()
		buf.bo = nil
	}
	if buf.handle != nil {
		d.drv.FreeBuffer(buf.handle)
		buf.handle = nil
	}
	if buf.pixmap != 0 {
		d.conn.FreePixmap(buf.pixmap)
		buf.pixmap = 0
	}
	if buf.tl != nil {
		buf.tl.destroy(d)
		buf.tl = nil
	}
	if buf.dmabuf != nil {
		buf.dmabuf.Close()
		buf.dmabuf = nil
	}
}

func freeBuffers(d *Display, bufs []*colorBuffer) {
	for _, buf := range bufs {
		buf.free(d)
	}
}

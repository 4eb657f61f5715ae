package xpresent

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"deedles.dev/xpresent/dri3"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/internal/debug"
	"deedles.dev/xpresent/wire"
)

// Pixmap presents driver frames to one server-owned pixmap. Unlike a
// window it has a single buffer that never resizes, so all the state
// is settled at creation time; the only runtime work is the damage
// callback.
type Pixmap struct {
	d      *Display
	pixmap wire.XID
	cfg    *Config
	format *Format

	mu sync.Mutex

	width, height uint16

	// buffer is the driver's render target: the server's own buffer
	// when direct presentation works, an internal buffer under PRIME.
	buffer driver.Buffer

	// blitTarget is the linear buffer the driver blits into under
	// PRIME; nil means direct presentation.
	blitTarget driver.Buffer

	// shared is the dma-buf the server reads from, kept open for
	// implicit sync on damage.
	shared *os.File

	// intermediate is a server-side linear pixmap that damage copies
	// into the real one; zero when the server buffer itself is the
	// blit target.
	intermediate wire.XID
	intermediBO  driver.BO

	renderBO driver.BO

	deleted bool
	surface driver.Surface
}

// CreatePixmapSurface builds a presenter for a server-owned pixmap.
func (d *Display) CreatePixmapSurface(cfg *Config, pixmap wire.XID) (p *Pixmap, err error) {
	if cfg.SurfaceMask&PixmapBit == 0 {
		return nil, fmt.Errorf("%w: config has no pixmap support", ErrBadMatch)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.terminated {
		return nil, fmt.Errorf("%w: display terminated", ErrNotAvailable)
	}

	p = &Pixmap{
		d:      d,
		pixmap: pixmap,
		cfg:    cfg,
		format: cfg.Format,
	}
	defer func() {
		if err != nil {
			p.destroyLocked()
		}
	}()

	geom, err := d.conn.GetGeometry(pixmap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNativePixmap, err)
	}
	if geom.Root != d.screen.Root {
		return nil, fmt.Errorf("%w: pixmap %v is on the wrong screen", ErrBadNativePixmap, pixmap)
	}
	if geom.Width == 0 || geom.Height == 0 {
		return nil, fmt.Errorf("%w: pixmap has zero size", ErrBadNativePixmap)
	}
	p.width, p.height = geom.Width, geom.Height

	if err := p.importBuffers(); err != nil {
		return nil, err
	}

	// The damage callback only matters under PRIME; with direct
	// presentation the server buffer is the render target.
	cb := driver.Callbacks{}
	if p.blitTarget != nil {
		cb.Damage = p.onDamage
	}

	p.surface, err = d.drv.CreateSurface(cfg.Driver,
		uint32(p.width), uint32(p.height),
		nil, p.buffer, p.blitTarget, cb)
	if err != nil {
		return nil, fmt.Errorf("%w: create surface: %v", ErrExhausted, err)
	}

	d.retain()
	d.addSurface(pixmap, p)
	return p, nil
}

// importBuffers fetches the pixmap's dma-buf from the server and
// decides between direct presentation and the two PRIME variants.
func (p *Pixmap) importBuffers() error {
	d := p.d

	bufs, err := d.dri3.BuffersFromPixmap(p.pixmap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadNativePixmap, err)
	}
	defer bufs.Close()

	if bufs.Depth != p.format.Depth {
		return fmt.Errorf("%w: pixmap depth %v does not match config depth %v",
			ErrBadNativePixmap, bufs.Depth, p.format.Depth)
	}
	if bufs.BPP != p.format.BPP {
		return fmt.Errorf("%w: pixmap bpp %v does not match config bpp %v",
			ErrBadNativePixmap, bufs.BPP, p.format.BPP)
	}
	if len(bufs.Planes) != 1 {
		return fmt.Errorf("%w: pixmap has %v planes, want 1",
			ErrBadNativePixmap, len(bufs.Planes))
	}

	direct := !d.forcePrime &&
		len(bufs.Planes) == 1 &&
		slices.Contains(p.format.Renderable, bufs.Modifier)

	if direct {
		p.buffer, err = p.importPlane(bufs, 0)
		if err != nil {
			return err
		}
		p.shared = bufs.Planes[0].FD
		bufs.Planes[0].FD = nil
		return nil
	}

	p.renderBO, p.buffer, err = p.allocInternal(p.format.Renderable, false)
	if err != nil {
		return err
	}

	if bufs.Modifier == ModLinear && len(bufs.Planes) == 1 {
		// The server buffer is already linear, so the driver can
		// blit straight into it.
		p.blitTarget, err = p.importPlane(bufs, 0)
		if err != nil {
			return err
		}
		p.shared = bufs.Planes[0].FD
		bufs.Planes[0].FD = nil
		return nil
	}

	return p.allocIntermediate()
}

// importPlane wraps one plane of the server's buffer as a driver
// color buffer. The fd stays with the caller.
func (p *Pixmap) importPlane(bufs *dri3.PixmapBuffers, i int) (driver.Buffer, error) {
	plane := bufs.Planes[i]
	buf, err := p.d.drv.ImportDmaBuf(plane.FD,
		uint32(p.width), uint32(p.height), uint32(p.format.FourCC),
		plane.Stride, plane.Offset, bufs.Modifier)
	if err != nil {
		return nil, fmt.Errorf("%w: import pixmap dma-buf: %v", ErrExhausted, err)
	}
	return buf, nil
}

// allocInternal allocates a driver-side buffer for PRIME rendering or
// blitting.
func (p *Pixmap) allocInternal(modifiers []uint64, linear bool) (driver.BO, driver.Buffer, error) {
	if linear {
		modifiers = []uint64{ModLinear}
	}
	bo, err := p.d.alloc.Alloc(uint32(p.width), uint32(p.height), uint32(p.format.FourCC), modifiers)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: allocate %vx%v buffer: %v", ErrExhausted, p.width, p.height, err)
	}
	buf, err := p.d.drv.ImportBuffer(bo)
	if err != nil {
		bo.Close()
		return nil, nil, fmt.Errorf("%w: import buffer: %v", ErrExhausted, err)
	}
	return bo, buf, nil
}

// allocIntermediate builds a linear buffer shared with the server as
// a scratch pixmap; damage copies from it into the real pixmap.
func (p *Pixmap) allocIntermediate() error {
	d := p.d

	bo, buf, err := p.allocInternal(nil, true)
	if err != nil {
		return err
	}
	p.intermediBO, p.blitTarget = bo, buf

	p.shared, err = bo.FD()
	if err != nil {
		return fmt.Errorf("%w: export dma-buf: %v", ErrExhausted, err)
	}

	fd, err := bo.FD()
	if err != nil {
		return fmt.Errorf("%w: export dma-buf: %v", ErrExhausted, err)
	}

	xid, err := d.conn.NewXID()
	if err != nil {
		fd.Close()
		return err
	}
	err = d.dri3.PixmapFromBuffers(xid, d.screen.Root,
		p.width, p.height, p.format.Depth, p.format.BPP,
		ModLinear, []dri3.Plane{{FD: fd, Stride: bo.Stride(0), Offset: bo.Offset(0)}})
	if err != nil {
		return err
	}
	p.intermediate = xid
	return nil
}

// onDamage is the driver's damage callback, invoked after a flush
// blits into the PRIME target. It orders the server's read behind the
// blit and, with an intermediate pixmap, copies into the real one.
func (p *Pixmap) onDamage(fence *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		return
	}

	if fence != nil {
		// PresentPixmap is not involved here, so explicit sync has
		// nothing to attach the fence to. Implicit sync is the best
		// available; the CPU wait keeps results consistent when
		// even that is missing.
		if p.shared == nil || p.d.implicit.ImportFence(p.shared, fence) != nil {
			cpuWaitFence(fence)
		}
	}

	if p.intermediate == 0 {
		return
	}

	d := p.d
	gc, err := d.conn.NewXID()
	if err != nil {
		debug.Printf("pixmap %v: %v", p.pixmap, err)
		return
	}
	if err := d.conn.CreateGC(gc, p.pixmap); err != nil {
		debug.Printf("pixmap %v: create gc: %v", p.pixmap, err)
		return
	}
	if err := d.conn.CopyArea(p.intermediate, p.pixmap, gc, 0, 0, 0, 0, p.width, p.height); err != nil {
		debug.Printf("pixmap %v: copy area: %v", p.pixmap, err)
	}
	d.conn.FreeGC(gc)
}

// Destroy tears the presenter down. The driver surface is destroyed
// first, which completes any damage callback still running.
func (p *Pixmap) Destroy() error {
	p.mu.Lock()
	if p.deleted {
		p.mu.Unlock()
		return nil
	}
	p.deleted = true
	surface := p.surface
	p.surface = nil
	p.mu.Unlock()

	if surface != nil {
		p.d.drv.DestroySurface(surface)
	}

	p.mu.Lock()
	p.destroyLocked()
	p.mu.Unlock()

	p.d.removeSurface(p.pixmap)
	p.d.release()
	return nil
}

func (p *Pixmap) destroyLocked() {
	d := p.d

	if p.buffer != nil {
		d.drv.FreeBuffer(p.buffer)
		p.buffer = nil
	}
	if p.blitTarget != nil {
		d.drv.FreeBuffer(p.blitTarget)
		p.blitTarget = nil
	}
	if p.intermediate != 0 {
		d.conn.FreePixmap(p.intermediate)
		p.intermediate = 0
	}
	if p.renderBO != nil {
		p.renderBO.Close()
		p.renderBO = nil
	}
	if p.intermediBO != nil {
		p.intermediBO.Close()
		p.intermediBO = nil
	}
	if p.shared != nil {
		p.shared.Close()
		p.shared = nil
	}
}

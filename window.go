package xpresent

import (
	"fmt"
	"os"
	"sync"
	"time"

	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/internal/debug"
	"deedles.dev/xpresent/present"
	"deedles.dev/xpresent/wire"
	"golang.org/x/sys/unix"
)

// maxPendingFrames bounds how many presents may be outstanding before
// swap-buffers throttles.
const maxPendingFrames = 1

// eventPollTimeout bounds each blocking wait in the free-buffer
// search and throttle loops, so window destruction is noticed even
// when the awaited event never comes.
const eventPollTimeout = 100 * time.Millisecond

type syncMode int

const (
	syncNone syncMode = iota
	syncImplicit
	syncExplicit
)

// Window presents driver frames to one X window. All mutable state is
// guarded by mu except where noted; the driver's update and damage
// callbacks take mu and nothing else.
type Window struct {
	d      *Display
	window wire.XID
	cfg    *Config
	format *Format

	mu sync.Mutex

	width, height      uint16
	pendingW, pendingH uint16

	modifiers []uint64
	prime     bool
	mode      syncMode
	caps      uint32

	eid    wire.XID
	events *wire.SpecialEvent

	swapInterval int

	pool      []*colorBuffer
	primePool []*colorBuffer

	front    *colorBuffer
	back     *colorBuffer
	primeCur *colorBuffer

	needsModifierCheck bool
	lastPresentSerial  uint32
	lastCompleteSerial uint32
	lastCompleteMSC    uint64

	nativeDestroyed bool
	deleted         bool
	skipUpdate      int

	surface driver.Surface
}

// CreateWindowSurface builds a presenter for the window and hands the
// driver a surface over its initial buffers.
func (d *Display) CreateWindowSurface(cfg *Config, window wire.XID) (w *Window, err error) {
	if cfg.SurfaceMask&WindowBit == 0 {
		return nil, fmt.Errorf("%w: config has no window support", ErrBadMatch)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.terminated {
		return nil, fmt.Errorf("%w: display terminated", ErrNotAvailable)
	}

	w = &Window{
		d:            d,
		window:       window,
		cfg:          cfg,
		format:       cfg.Format,
		swapInterval: 1,
	}
	defer func() {
		if err != nil {
			w.destroyLocked()
		}
	}()

	if err := w.negotiateModifiers(); err != nil {
		return nil, err
	}

	w.caps, err = d.present.QueryCapabilities(window)
	if err != nil {
		return nil, err
	}
	w.mode = syncNone
	switch {
	case d.supportsExplicitSync && w.caps&present.CapabilitySyncobj != 0:
		w.mode = syncExplicit
	case d.supportsImplicitSync:
		w.mode = syncImplicit
	}

	// Register for events before fetching geometry so a resize
	// racing with creation cannot be missed.
	mask := uint32(present.EventMaskConfigure | present.EventMaskComplete)
	if w.mode != syncExplicit {
		mask |= present.EventMaskIdle
	}
	w.eid, err = d.conn.NewXID()
	if err != nil {
		return nil, err
	}
	w.events, err = d.present.SelectInput(w.eid, window, mask)
	if err != nil {
		return nil, err
	}

	attr, err := d.conn.GetWindowAttributes(window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNativeWindow, err)
	}
	if cfg.VisualID != 0 && attr.Visual != cfg.VisualID {
		return nil, fmt.Errorf("%w: window visual %v does not match config visual %v",
			ErrBadNativeWindow, attr.Visual, cfg.VisualID)
	}

	geom, err := d.conn.GetGeometry(window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNativeWindow, err)
	}
	if geom.Width == 0 || geom.Height == 0 {
		return nil, fmt.Errorf("%w: window has zero size", ErrBadNativeWindow)
	}
	w.pendingW, w.pendingH = geom.Width, geom.Height

	if err := w.allocPool(); err != nil {
		return nil, err
	}

	w.surface, err = d.drv.CreateSurface(cfg.Driver,
		uint32(w.width), uint32(w.height),
		w.front.handle, w.back.handle, primeHandle(w.primeCur),
		driver.Callbacks{
			Update: w.onUpdate,
			Damage: w.onDamage,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: create surface: %v", ErrExhausted, err)
	}

	d.retain()
	d.addSurface(window, w)
	return w, nil
}

func primeHandle(buf *colorBuffer) driver.Buffer {
	if buf == nil {
		return nil
	}
	return buf.handle
}

// negotiateModifiers resolves the modifier list the render pool may
// use and whether presentation goes through a PRIME intermediate.
func (w *Window) negotiateModifiers() error {
	d := w.d

	if d.forcePrime {
		w.modifiers = w.format.Renderable
		w.prime = true
		return nil
	}

	windowMods, screenMods, err := d.dri3.SupportedModifiers(w.window, w.format.Depth, w.format.BPP)
	if err != nil {
		return err
	}

	direct := w.format.renderableIntersection(windowMods)
	if len(direct) == 0 && len(windowMods) == 0 {
		// No per-window preference; the screen list stands in. A
		// non-empty window list that shares nothing with us means
		// the server would blit anyway, so PRIME on our side wins.
		direct = w.format.renderableIntersection(screenMods)
	}

	if len(direct) > 0 {
		w.modifiers = direct
		w.prime = false
		return nil
	}
	if !d.supportsPrime {
		return fmt.Errorf("%w: no usable modifiers for window and PRIME is unavailable", ErrBadMatch)
	}
	w.modifiers = w.format.Renderable
	w.prime = true
	return nil
}

// handleEvent applies one decoded Present event to presenter state.
// Callers hold mu.
func (w *Window) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *present.ConfigureNotify:
		w.pendingW, w.pendingH = ev.Width, ev.Height
		if ev.Destroyed() {
			w.nativeDestroyed = true
		}

	case *present.CompleteNotify:
		// Events can arrive out of order; only let the completion
		// counter move toward the most recent present. The unsigned
		// differences keep this correct across serial wraparound.
		if w.lastPresentSerial-ev.Serial < w.lastPresentSerial-w.lastCompleteSerial {
			w.lastCompleteSerial = ev.Serial
			w.lastCompleteMSC = ev.MSC
		}
		if ev.Mode == present.CompleteModeSuboptimalCopy && !w.d.forcePrime {
			w.needsModifierCheck = true
		}

	case *present.IdleNotify:
		if w.mode == syncExplicit {
			return
		}
		for i, buf := range w.primePoolOrShared() {
			if buf.pixmap != wire.XID(ev.Pixmap) || buf.serial != ev.Serial {
				continue
			}
			if buf.status != bufferInUse {
				debug.Printf("idle notify for buffer in state %v", buf.status)
			}
			buf.status = bufferIdleNotified
			if w.mode == syncNone {
				buf.status = bufferIdle
			}
			w.moveToTail(i)
			break
		}
	}
}

// primePoolOrShared is the pool whose buffers the server sees.
func (w *Window) primePoolOrShared() []*colorBuffer {
	if w.prime {
		return w.primePool
	}
	return w.pool
}

func (w *Window) moveToTail(i int) {
	pool := w.primePoolOrShared()
	buf := pool[i]
	copy(pool[i:], pool[i+1:])
	pool[len(pool)-1] = buf
}

// pollEvents drains the special event queue without blocking.
// Callers hold mu.
func (w *Window) pollEvents() {
	for {
		raw, ok := w.events.Poll()
		if !ok {
			return
		}
		ev, err := present.DecodeEvent(raw)
		if err != nil {
			debug.Printf("window %v: %v", w.window, err)
			continue
		}
		w.handleEvent(ev)
	}
}

// waitEvent blocks for one event with a bounded timeout, dropping the
// presenter mutex and the display lock so other threads make
// progress. It reports whether the window is still presentable.
func (w *Window) waitEvent() error {
	w.mu.Unlock()
	w.d.mu.RUnlock()

	raw, ok, err := w.events.Wait(eventPollTimeout)

	w.d.mu.RLock()
	w.mu.Lock()

	if err != nil {
		w.nativeDestroyed = true
		return fmt.Errorf("%w: connection lost", ErrBadNativeWindow)
	}
	if ok {
		ev, err := present.DecodeEvent(raw)
		if err != nil {
			debug.Printf("window %v: %v", w.window, err)
		} else {
			w.handleEvent(ev)
		}
	}
	w.pollEvents()

	if w.nativeDestroyed || w.deleted {
		return fmt.Errorf("%w: window gone", ErrBadNativeWindow)
	}
	return nil
}

// onUpdate is the driver's update callback. It runs under the
// driver's window-system lock, so it takes only the presenter mutex
// and performs at most a resize, never a modifier change.
func (w *Window) onUpdate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.skipUpdate > 0 {
		return
	}
	w.pollEvents()
	if w.nativeDestroyed || w.deleted {
		return
	}
	if w.pendingW != w.width || w.pendingH != w.height {
		if err := w.reallocPool(false); err != nil {
			debug.Printf("window %v: resize reallocation: %v", w.window, err)
		}
	}
}

// onDamage is the driver's damage callback, invoked after a flush of
// the front or single buffer. It pushes the damaged buffer to the
// server mid-frame without rotating the pool.
func (w *Window) onDamage(fence *os.File) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nativeDestroyed || w.deleted {
		return
	}

	buf := w.front
	if w.prime {
		buf = w.primeCur
	}
	if buf == nil {
		return
	}

	if err := w.presentDamage(buf, fence); err != nil {
		debug.Printf("window %v: damage present: %v", w.window, err)
	}
}

// SwapInterval sets how many vertical refreshes each frame should
// remain on screen. Zero or negative requests unthrottled async
// presentation.
func (w *Window) SwapInterval(interval int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.swapInterval = interval
}

// Destroy tears the presenter down. The driver surface is destroyed
// first, which completes any callback still running.
func (w *Window) Destroy() error {
	w.mu.Lock()
	if w.deleted {
		w.mu.Unlock()
		return nil
	}
	w.deleted = true
	w.skipUpdate++
	surface := w.surface
	w.surface = nil
	w.mu.Unlock()

	// The driver finishes outstanding callbacks synchronously; the
	// mutex must not be held across this.
	if surface != nil {
		w.d.drv.DestroySurface(surface)
	}

	w.mu.Lock()
	w.destroyLocked()
	w.mu.Unlock()

	w.d.removeSurface(w.window)
	w.d.release()
	return nil
}

func (w *Window) destroyLocked() {
	d := w.d

	freeBuffers(d, w.pool)
	freeBuffers(d, w.primePool)
	w.pool, w.primePool = nil, nil
	w.front, w.back, w.primeCur = nil, nil, nil

	if w.events != nil {
		if !w.nativeDestroyed {
			d.present.SelectInput(w.eid, w.window, 0)
		}
		w.events.Unregister()
		w.events = nil
	}
}

// cpuWaitFence blocks until a fence fd signals.
func cpuWaitFence(f *os.File) {
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err != unix.EINTR {
			return
		}
	}
}

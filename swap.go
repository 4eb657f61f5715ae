package xpresent

import (
	"errors"
	"fmt"
	"os"

	"deedles.dev/xpresent/drm"
	"deedles.dev/xpresent/present"
	"golang.org/x/sys/unix"
)

// SwapBuffers publishes the current back buffer to the window and
// rotates the pool. It is called by the driver for the thread's
// current surface, so it may take the display lock; the update
// callback is suppressed for the duration.
func (w *Window) SwapBuffers() error {
	w.d.mu.RLock()
	defer w.d.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.deleted {
		return nil
	}
	if w.nativeDestroyed {
		return fmt.Errorf("%w: window destroyed", ErrBadNativeWindow)
	}

	w.skipUpdate++
	defer func() { w.skipUpdate-- }()

	shared, err := w.chooseShared()
	if err != nil {
		return err
	}
	if err := shared.ensurePixmap(w.d, w.window, w.format); err != nil {
		return err
	}
	if err := w.syncShared(shared); err != nil {
		return err
	}

	options := uint32(0)
	if !w.d.forcePrime {
		options |= present.OptionSuboptimal
	}
	async := w.swapInterval <= 0 && w.caps&present.CapabilityAsync != 0
	if async {
		options |= present.OptionAsync
	}

	for w.lastPresentSerial-w.lastCompleteSerial > maxPendingFrames {
		if err := w.waitEvent(); err != nil {
			return err
		}
	}

	var targetMSC uint64
	if !async {
		pending := uint64(w.lastPresentSerial - w.lastCompleteSerial)
		targetMSC = w.lastCompleteMSC + (pending+1)*uint64(w.swapInterval)
	}

	if err := w.sendPresent(shared, options, targetMSC); err != nil {
		return err
	}

	if w.pendingW != w.width || w.pendingH != w.height || w.needsModifierCheck {
		return w.reallocPool(true)
	}
	return w.rotate(shared)
}

// chooseShared picks the buffer the server will see: the current back
// buffer directly, or a linear intermediate that the back buffer is
// blitted into.
func (w *Window) chooseShared() (*colorBuffer, error) {
	if !w.prime {
		return w.back, nil
	}

	buf, err := w.freeBuffer(&w.primePool, maxPrimeBuffers, true)
	if err != nil {
		return nil, err
	}
	if err := w.d.drv.CopyBuffer(buf.handle, w.back.handle); err != nil {
		return nil, fmt.Errorf("blit to linear intermediate: %w", err)
	}
	return buf, nil
}

// syncShared orders the server's read of the shared buffer after the
// rendering that produced it.
func (w *Window) syncShared(buf *colorBuffer) error {
	d := w.d

	switch w.mode {
	case syncExplicit:
		if err := buf.ensureTimeline(d, w.window); err != nil {
			return err
		}
		fd, err := w.renderFence()
		if err != nil {
			return err
		}
		defer fd.Close()
		return buf.tl.attach(fd)

	case syncImplicit:
		fd, err := w.renderFence()
		if err != nil {
			return err
		}
		defer fd.Close()
		if err := d.implicit.ImportFence(buf.dmabuf, fd); err != nil {
			cpuWaitFence(fd)
		}
		return nil

	default:
		d.drv.Finish()
		return nil
	}
}

// renderFence inserts a native fence behind all submitted rendering
// and extracts its fd.
func (w *Window) renderFence() (*os.File, error) {
	sync, err := w.d.drv.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("%w: create fence: %v", ErrExhausted, err)
	}
	fd, err := w.d.drv.DupFenceFD(sync)
	w.d.drv.DestroySync(sync)
	if err != nil {
		return nil, fmt.Errorf("%w: dup fence fd: %v", ErrExhausted, err)
	}
	return fd, nil
}

// sendPresent queues the buffer, consuming the next present serial.
func (w *Window) sendPresent(buf *colorBuffer, options uint32, targetMSC uint64) error {
	serial := w.lastPresentSerial + 1
	args := present.PixmapArgs{
		Window:    w.window,
		Pixmap:    buf.pixmap,
		Serial:    serial,
		Options:   options,
		TargetMSC: targetMSC,
	}

	if w.mode == syncExplicit {
		acquire := buf.tl.point
		release := acquire + 1
		if err := w.d.present.PixmapSynced(&args, buf.tl.xid, buf.tl.xid, acquire, release); err != nil {
			return err
		}
		buf.tl.point = release
	} else {
		if err := w.d.present.Pixmap(&args); err != nil {
			return err
		}
	}

	w.lastPresentSerial = serial
	buf.serial = serial
	buf.status = bufferInUse
	return nil
}

// presentDamage pushes a buffer mid-frame with ASYNC|COPY, without
// rotating the pool. Callers hold mu.
func (w *Window) presentDamage(buf *colorBuffer, fence *os.File) error {
	d := w.d

	if err := buf.ensurePixmap(d, w.window, w.format); err != nil {
		return err
	}

	serial := w.lastPresentSerial + 1
	args := present.PixmapArgs{
		Window:  w.window,
		Pixmap:  buf.pixmap,
		Serial:  serial,
		Options: present.OptionAsync | present.OptionCopy,
	}

	switch w.mode {
	case syncExplicit:
		if err := buf.ensureTimeline(d, w.window); err != nil {
			return err
		}
		if fence != nil {
			if err := buf.tl.attach(fence); err != nil {
				return err
			}
		} else {
			if err := d.dev.SyncobjSignal(buf.tl.handle, buf.tl.point+1); err != nil {
				return err
			}
			buf.tl.point++
		}
		acquire := buf.tl.point
		release := acquire + 1
		if err := d.present.PixmapSynced(&args, buf.tl.xid, buf.tl.xid, acquire, release); err != nil {
			return err
		}
		buf.tl.point = release

	case syncImplicit:
		if fence != nil {
			if err := d.implicit.ImportFence(buf.dmabuf, fence); err != nil {
				cpuWaitFence(fence)
			}
		}
		if err := d.present.Pixmap(&args); err != nil {
			return err
		}

	default:
		if fence != nil {
			cpuWaitFence(fence)
		} else {
			d.drv.Finish()
		}
		if err := d.present.Pixmap(&args); err != nil {
			return err
		}
	}

	w.lastPresentSerial = serial
	buf.serial = serial
	buf.status = bufferInUse
	return nil
}

// rotate advances the current buffer pointers after a successful
// present.
func (w *Window) rotate(shared *colorBuffer) error {
	if w.prime {
		w.primeCur = shared
		w.front, w.back = w.back, w.front
	} else {
		w.front = shared
		back, err := w.freeBuffer(&w.pool, maxColorBuffers, false)
		if err != nil {
			return err
		}
		w.back = back
	}
	return w.d.drv.SetColorBuffers(w.surface, w.front.handle, w.back.handle, primeHandle(w.primeCur))
}

// isCurrent reports whether the buffer is one of the window's current
// attachments.
func (w *Window) isCurrent(buf *colorBuffer) bool {
	return buf == w.front || buf == w.back || buf == w.primeCur
}

// freeBuffer finds or makes an idle, non-current buffer in the pool,
// growing the pool up to max before resorting to waiting.
func (w *Window) freeBuffer(pool *[]*colorBuffer, max int, prime bool) (*colorBuffer, error) {
	for {
		w.pollEvents()
		if w.nativeDestroyed || w.deleted {
			return nil, fmt.Errorf("%w: window gone", ErrBadNativeWindow)
		}

		for _, buf := range *pool {
			if buf.status == bufferIdle && !w.isCurrent(buf) {
				return buf, nil
			}
		}

		if len(*pool) < max {
			buf, err := w.allocPoolBuffer(prime)
			if err != nil {
				return nil, err
			}
			*pool = append(*pool, buf)
			return buf, nil
		}

		if err := w.recycleBuffer(*pool); err != nil {
			return nil, err
		}
	}
}

// recycleBuffer makes one in-use buffer idle, or waits for an event
// that will.
func (w *Window) recycleBuffer(pool []*colorBuffer) error {
	switch w.mode {
	case syncExplicit:
		var target *colorBuffer
		for _, buf := range pool {
			if buf.status == bufferInUse && buf.tl != nil && !w.isCurrent(buf) {
				target = buf
				break
			}
		}
		if target == nil {
			return w.waitEvent()
		}

		handles := []uint32{target.tl.handle}
		points := []uint64{target.tl.point}

		w.mu.Unlock()
		w.d.mu.RUnlock()
		err := w.d.dev.SyncobjWait(handles, points, eventPollTimeout, drm.WaitAvailable)
		w.d.mu.RLock()
		w.mu.Lock()

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		w.gpuWaitTimeline(target)
		target.status = bufferIdle
		return nil

	case syncImplicit:
		var target *colorBuffer
		for _, buf := range pool {
			if buf.status == bufferIdleNotified && !w.isCurrent(buf) {
				target = buf
				break
			}
		}
		if target == nil {
			return w.waitEvent()
		}

		fence, err := w.d.implicit.ExportFence(target.dmabuf, true)
		if err != nil {
			cpuWaitDmabuf(target.dmabuf)
		} else {
			w.gpuWaitFence(fence)
			fence.Close()
		}
		target.status = bufferIdle
		return nil

	default:
		// IdleNotify marks buffers idle directly; just wait for one.
		return w.waitEvent()
	}
}

// gpuWaitTimeline queues a GPU wait for the buffer's release point,
// falling back to a CPU wait when the fence cannot be materialized.
func (w *Window) gpuWaitTimeline(buf *colorBuffer) {
	fence, err := buf.tl.fenceAt(buf.tl.point)
	if err != nil {
		w.d.dev.SyncobjWait([]uint32{buf.tl.handle}, []uint64{buf.tl.point}, eventPollTimeout, 0)
		return
	}
	w.gpuWaitFence(fence)
	fence.Close()
}

func (w *Window) gpuWaitFence(fence *os.File) {
	sync, err := w.d.drv.ImportFenceFD(fence)
	if err != nil {
		cpuWaitFence(fence)
		return
	}
	w.d.drv.WaitSync(sync)
	w.d.drv.DestroySync(sync)
}

// cpuWaitDmabuf blocks until the dma-buf's write fences retire.
func cpuWaitDmabuf(f *os.File) {
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err != unix.EINTR {
			return
		}
	}
}

// allocPoolBuffer allocates one more buffer for a pool, fixing the
// render modifier on first success.
func (w *Window) allocPoolBuffer(prime bool) (*colorBuffer, error) {
	if prime {
		return newColorBuffer(w.d, uint32(w.width), uint32(w.height), w.format, []uint64{ModLinear}, true)
	}
	buf, err := newColorBuffer(w.d, uint32(w.width), uint32(w.height), w.format, w.modifiers, false)
	if err != nil {
		return nil, err
	}
	w.modifiers = []uint64{buf.bo.Modifier()}
	return buf, nil
}

// allocPool builds the initial pools at the pending size and points
// front, back, and prime at fresh buffers.
func (w *Window) allocPool() error {
	w.width, w.height = w.pendingW, w.pendingH

	front, err := w.allocPoolBuffer(false)
	if err != nil {
		return err
	}
	w.pool = append(w.pool, front)
	back, err := w.allocPoolBuffer(false)
	if err != nil {
		return err
	}
	w.pool = append(w.pool, back)
	w.front, w.back = front, back

	if w.prime {
		pb, err := w.allocPoolBuffer(true)
		if err != nil {
			return err
		}
		w.primePool = append(w.primePool, pb)
		w.primeCur = pb
	}
	return nil
}

// reallocPool rebuilds the pools at the pending size. With
// allowModifierChange the modifier negotiation is redone first, which
// may flip the window in or out of PRIME.
func (w *Window) reallocPool(allowModifierChange bool) error {
	if allowModifierChange && w.needsModifierCheck {
		w.needsModifierCheck = false
		if err := w.negotiateModifiers(); err != nil {
			return err
		}
	}

	freeBuffers(w.d, w.pool)
	freeBuffers(w.d, w.primePool)
	w.pool, w.primePool = nil, nil
	w.front, w.back, w.primeCur = nil, nil, nil

	if err := w.allocPool(); err != nil {
		return err
	}
	if w.surface == nil {
		return nil
	}
	return w.d.drv.SetColorBuffers(w.surface, w.front.handle, w.back.handle, primeHandle(w.primeCur))
}

package xpresent

import (
	"errors"
	"testing"
	"time"

	"deedles.dev/xpresent/internal/xtest"
	"deedles.dev/xpresent/present"
)

func newWindow(t *testing.T, d *Display) *Window {
	t.Helper()
	w, err := d.CreateWindowSurface(windowConfig(t, d), 0x800)
	if err != nil {
		t.Fatalf("CreateWindowSurface: %v", err)
	}
	t.Cleanup(func() { w.Destroy() })
	return w
}

// roundTrip flushes all one-way requests to the scripted server by
// completing a request that has a reply.
func roundTrip(t *testing.T, d *Display) {
	t.Helper()
	if _, err := d.conn.GetGeometry(xtest.Root); err != nil {
		t.Fatalf("round trip: %v", err)
	}
}

// settle drives the update callback until every outstanding present
// has completed and, outside explicit sync, its buffer has been
// returned by an IdleNotify.
func settle(t *testing.T, e *testEnv, w *Window) {
	t.Helper()
	cb := e.drv.lastSurface().cb
	deadline := time.Now().Add(5 * time.Second)
	for {
		cb.Update()

		w.mu.Lock()
		busy := w.lastCompleteSerial != w.lastPresentSerial
		if w.mode != syncExplicit {
			for _, buf := range w.pool {
				busy = busy || buf.status == bufferInUse
			}
			for _, buf := range w.primePool {
				busy = busy || buf.status == bufferInUse
			}
		}
		w.mu.Unlock()

		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("presents never settled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWindowSwap(t *testing.T) {
	e := newTestEnv(t)
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	if w.mode != syncNone {
		t.Fatalf("sync mode = %v, want syncNone", w.mode)
	}
	if w.prime {
		t.Fatalf("direct window went through PRIME")
	}

	for range 3 {
		if err := w.SwapBuffers(); err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		settle(t, e, w)
	}

	got := e.srv.WaitPresents(3)
	for i, p := range got {
		if p.Serial != uint32(i+1) {
			t.Errorf("present %v has serial %v", i, p.Serial)
		}
		if p.Synced {
			t.Errorf("present %v used the synced request form", i)
		}
		if p.Options&present.OptionSuboptimal == 0 {
			t.Errorf("present %v options = %#x, want suboptimal set", i, p.Options)
		}
		if p.Options&present.OptionAsync != 0 {
			t.Errorf("present %v is async at swap interval 1", i)
		}
		if p.TargetMSC == 0 {
			t.Errorf("present %v has no target msc", i)
		}
	}

	// Two pool buffers alternate, so two pixmaps cover three frames.
	if pixmaps := e.srv.Pixmaps(); len(pixmaps) != 2 {
		t.Errorf("server saw %v pixmaps, want 2", len(pixmaps))
	}

	e.drv.mu.Lock()
	finishes := e.drv.finishes
	sets := len(e.drv.sets)
	e.drv.mu.Unlock()
	if finishes != 3 {
		t.Errorf("driver finished %v times, want 3", finishes)
	}
	if sets < 3 {
		t.Errorf("color buffers set %v times, want at least 3", sets)
	}
}

func TestWindowSwapAsync(t *testing.T) {
	e := newTestEnv(t)
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	w.SwapInterval(0)
	if err := w.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers: %v", err)
	}

	p := e.srv.WaitPresents(1)[0]
	if p.Options&present.OptionAsync == 0 {
		t.Errorf("options = %#x, want async set", p.Options)
	}
	if p.TargetMSC != 0 {
		t.Errorf("async present targets msc %v", p.TargetMSC)
	}
}

func TestWindowEventRegistration(t *testing.T) {
	e := newTestEnv(t)
	d := e.initialize(t, InitOptions{})
	newWindow(t, d)

	sis := e.srv.SelectInputs()
	if len(sis) != 1 {
		t.Fatalf("got %v SelectInputs, want 1", len(sis))
	}
	want := uint32(present.EventMaskConfigure | present.EventMaskComplete | present.EventMaskIdle)
	if sis[0].Window != 0x800 || sis[0].Mask != want {
		t.Fatalf("SelectInput = %+v, want mask %#x on 0x800", sis[0], want)
	}
	if e.srv.EID(0x800) == 0 {
		t.Fatalf("no event context registered")
	}
}

func TestWindowExplicitSync(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Caps = present.CapabilityAsync | present.CapabilitySyncobj
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	if w.mode != syncExplicit {
		t.Fatalf("sync mode = %v, want syncExplicit", w.mode)
	}

	// Explicit sync replaces IdleNotify with release points.
	mask := e.srv.SelectInputs()[0].Mask
	if mask != uint32(present.EventMaskConfigure|present.EventMaskComplete) {
		t.Fatalf("event mask = %#x, want configure|complete", mask)
	}

	// Five frames: the pool grows to its ceiling of four and the fifth
	// swap has to reclaim the oldest buffer through its release point.
	for range 5 {
		if err := w.SwapBuffers(); err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		settle(t, e, w)
	}

	got := e.srv.WaitPresents(5)
	for i, p := range got {
		if !p.Synced {
			t.Fatalf("present %v used the unsynced request form", i)
		}
		if p.ReleasePoint != p.AcquirePoint+1 {
			t.Errorf("present %v points = %v/%v", i, p.AcquirePoint, p.ReleasePoint)
		}
		if p.Acquire != p.Release {
			t.Errorf("present %v acquires %#x but releases %#x", i, p.Acquire, p.Release)
		}
	}
	for i, p := range got[:4] {
		if p.AcquirePoint != 1 {
			t.Errorf("fresh timeline %v starts at point %v", i, p.AcquirePoint)
		}
	}
	// The fifth frame reclaims the oldest pool buffer and advances its
	// timeline past the consumed acquire and release points.
	if got[4].Pixmap != got[1].Pixmap || got[4].AcquirePoint != 3 {
		t.Errorf("present 4 = pixmap %#x point %v, want pixmap %#x point 3",
			got[4].Pixmap, got[4].AcquirePoint, got[1].Pixmap)
	}

	imports := e.srv.Syncobjs()
	if len(imports) != 4 {
		t.Fatalf("server saw %v syncobjs, want 4", len(imports))
	}
	for _, im := range imports {
		if im.Drawable != 0x800 || im.FDs != 1 {
			t.Errorf("import = %+v", im)
		}
	}

	e.dev.mu.Lock()
	waits := e.dev.waits
	e.dev.mu.Unlock()
	if waits == 0 {
		t.Errorf("buffer reclaim never waited on a release point")
	}

	if err := w.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	roundTrip(t, d)

	if freed := e.srv.FreedSyncobjs(); len(freed) != 4 {
		t.Errorf("freed %v syncobjs, want 4", len(freed))
	}
	if freed := e.srv.FreedPixmaps(); len(freed) != 4 {
		t.Errorf("freed %v pixmaps, want 4", len(freed))
	}
	sis := e.srv.SelectInputs()
	if last := sis[len(sis)-1]; last.Mask != 0 {
		t.Errorf("event context not unregistered, last mask %#x", last.Mask)
	}
	if !e.drv.lastSurface().destroyed {
		t.Errorf("driver surface not destroyed")
	}
}

func TestWindowExplicitSyncReorderedCompletions(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Caps = present.CapabilityAsync | present.CapabilitySyncobj
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	// Ten frames whose completions land pairwise reversed: 2 before 1,
	// 4 before 3, and so on. Buffer reuse has to come from timeline
	// release points, and the completion counter from the ordering
	// guard.
	eid := e.srv.EID(0x800)
	for i := 1; i <= 10; i++ {
		if err := w.SwapBuffers(); err != nil {
			t.Fatalf("swap %v: %v", i, err)
		}
		if i%2 == 0 {
			e.srv.SendComplete(eid, 0x800, uint32(i), 0, uint64(i))
			e.srv.SendComplete(eid, 0x800, uint32(i-1), 0, uint64(i-1))
		}
	}

	settle(t, e, w)
	w.mu.Lock()
	complete, presented := w.lastCompleteSerial, w.lastPresentSerial
	msc := w.lastCompleteMSC
	w.mu.Unlock()
	if presented != 10 || complete != 10 {
		t.Fatalf("serials = %v/%v, want 10/10", complete, presented)
	}
	if msc != 10 {
		t.Errorf("msc = %v, want 10 (stale pairwise completion applied)", msc)
	}

	got := e.srv.WaitPresents(10)
	for i, p := range got {
		if p.Serial != uint32(i+1) {
			t.Errorf("present %v has serial %v", i, p.Serial)
		}
	}

	e.dev.mu.Lock()
	waits := e.dev.waits
	e.dev.mu.Unlock()
	if waits == 0 {
		t.Errorf("reuse never waited on a timeline point")
	}
}

func TestWindowPrime(t *testing.T) {
	e := newTestEnv(t)
	e.intelServer()
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{AllowOffload: true})
	w := newWindow(t, d)

	if w.mode != syncImplicit {
		t.Fatalf("sync mode = %v, want syncImplicit", w.mode)
	}
	if !w.prime {
		t.Fatalf("offload window does not use PRIME")
	}

	for range 3 {
		if err := w.SwapBuffers(); err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		settle(t, e, w)
	}

	got := e.srv.WaitPresents(3)
	for i, p := range got {
		if p.Options&present.OptionSuboptimal != 0 {
			t.Errorf("present %v advertises suboptimal tracking under forced PRIME", i)
		}
	}
	if copies := e.drv.copyCount(); copies != 3 {
		t.Errorf("blitted %v times, want 3", copies)
	}
	pixmaps := e.srv.Pixmaps()
	if len(pixmaps) != 2 {
		t.Errorf("server saw %v pixmaps, want 2 linear intermediates", len(pixmaps))
	}
	for _, p := range pixmaps {
		if p.Modifier != ModLinear {
			t.Errorf("shared pixmap has modifier %#x, want linear", p.Modifier)
		}
	}
}

func TestWindowResize(t *testing.T) {
	e := newTestEnv(t)
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	if err := w.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers: %v", err)
	}

	e.srv.SetSize(800, 600)
	e.srv.SendConfigure(e.srv.EID(0x800), 0x800, 800, 600, false)

	cb := e.drv.lastSurface().cb
	deadline := time.Now().Add(5 * time.Second)
	for {
		cb.Update()
		w.mu.Lock()
		width, height := w.width, w.height
		w.mu.Unlock()
		if width == 800 && height == 600 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("window still %vx%v", width, height)
		}
		time.Sleep(time.Millisecond)
	}

	var resized bool
	for _, a := range e.alloc.recorded() {
		if a.width == 800 && a.height == 600 {
			resized = true
		}
	}
	if !resized {
		t.Errorf("no buffer allocated at the new size")
	}

	if err := w.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers after resize: %v", err)
	}
	e.srv.WaitPresents(2)
	pixmaps := e.srv.Pixmaps()
	last := pixmaps[len(pixmaps)-1]
	if last.Width != 800 || last.Height != 600 {
		t.Errorf("presented pixmap is %vx%v, want 800x600", last.Width, last.Height)
	}
}

func TestWindowDestroyedByServer(t *testing.T) {
	e := newTestEnv(t)
	e.srv.AutoPresent = true
	d := e.initialize(t, InitOptions{})
	w := newWindow(t, d)

	e.srv.SendConfigure(e.srv.EID(0x800), 0x800, 640, 480, true)

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := w.SwapBuffers()
		if errors.Is(err, ErrBadNativeWindow) {
			break
		}
		if err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("destruction never surfaced")
		}
		time.Sleep(time.Millisecond)
	}

	if err := w.SwapBuffers(); !errors.Is(err, ErrBadNativeWindow) {
		t.Fatalf("SwapBuffers on a dead window = %v", err)
	}

	if err := w.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	roundTrip(t, d)

	// Unregistering the event context would address a destroyed window.
	sis := e.srv.SelectInputs()
	if last := sis[len(sis)-1]; last.Mask == 0 {
		t.Errorf("sent SelectInput to a destroyed window")
	}
}

func TestWindowDamage(t *testing.T) {
	e := newTestEnv(t)
	d := e.initialize(t, InitOptions{})
	newWindow(t, d)

	cb := e.drv.lastSurface().cb
	cb.Damage(nil)

	p := e.srv.WaitPresents(1)[0]
	if p.Options != present.OptionAsync|present.OptionCopy {
		t.Errorf("options = %#x, want async|copy", p.Options)
	}
	if p.Serial != 1 {
		t.Errorf("serial = %v, want 1", p.Serial)
	}

	fence, err := signaledFence()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer fence.Close()
	cb.Damage(fence)

	if p := e.srv.WaitPresents(2)[1]; p.Serial != 2 {
		t.Errorf("serial = %v, want 2", p.Serial)
	}
}

func TestWindowSuboptimalSwitchesToPrime(t *testing.T) {
	e := newTestEnv(t)
	e.drv.renderable = []uint64{ModLinear, 0x100}
	e.srv.ModsFunc = func(call int) (window, screen []uint64) {
		if call < 2 {
			// Initialization probe and the window's first negotiation.
			return []uint64{ModLinear}, []uint64{ModLinear}
		}
		// After the compositor changes its mind nothing is shared.
		return []uint64{0x999}, nil
	}
	d := e.initialize(t, InitOptions{})
	d.supportsPrime = true
	w := newWindow(t, d)

	if w.prime {
		t.Fatalf("window started on PRIME")
	}

	eid := e.srv.EID(0x800)
	deadline := time.Now().Add(5 * time.Second)
	for n := 1; ; n++ {
		if err := w.SwapBuffers(); err != nil {
			t.Fatalf("SwapBuffers: %v", err)
		}
		p := e.srv.WaitPresents(n)[n-1]
		e.srv.SendComplete(eid, 0x800, p.Serial, present.CompleteModeSuboptimalCopy, uint64(n))
		e.srv.SendIdle(eid, 0x800, p.Serial, p.Pixmap)

		w.mu.Lock()
		prime := w.prime
		w.mu.Unlock()
		if prime {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("window never renegotiated onto PRIME")
		}
		time.Sleep(time.Millisecond)
	}

	if err := w.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers after renegotiation: %v", err)
	}
	if e.drv.copyCount() == 0 {
		t.Errorf("no blit to the linear intermediate")
	}
}

func TestNegotiateModifiers(t *testing.T) {
	cases := []struct {
		name    string
		window  []uint64
		screen  []uint64
		prime   bool
		noPrime bool
		mods    []uint64
		err     error
	}{
		{
			name:   "direct",
			window: []uint64{0x100},
			screen: []uint64{ModLinear},
			mods:   []uint64{0x100},
		},
		{
			name:   "screen fallback",
			window: nil,
			screen: []uint64{0x100},
			mods:   []uint64{0x100},
		},
		{
			name:   "disjoint window list wins over screen",
			window: []uint64{0x999},
			screen: []uint64{0x100},
			prime:  true,
		},
		{
			name:    "disjoint without prime",
			window:  []uint64{0x999},
			screen:  []uint64{0x100},
			noPrime: true,
			err:     ErrBadMatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.drv.renderable = []uint64{ModLinear, 0x100}
			e.srv.ModsFunc = func(call int) (window, screen []uint64) {
				if call == 0 {
					return []uint64{ModLinear}, []uint64{ModLinear}
				}
				return tc.window, tc.screen
			}
			d := e.initialize(t, InitOptions{})
			d.supportsPrime = !tc.noPrime

			w := &Window{d: d, window: 0x800, format: windowConfig(t, d).Format}
			err := w.negotiateModifiers()
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("negotiateModifiers = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("negotiateModifiers: %v", err)
			}
			if w.prime != tc.prime {
				t.Errorf("prime = %v, want %v", w.prime, tc.prime)
			}
			if tc.mods != nil {
				if len(w.modifiers) != len(tc.mods) || w.modifiers[0] != tc.mods[0] {
					t.Errorf("modifiers = %#x, want %#x", w.modifiers, tc.mods)
				}
			}
		})
	}
}

func TestNegotiateModifiersForcePrime(t *testing.T) {
	e := newTestEnv(t)
	e.intelServer()
	d := e.initialize(t, InitOptions{AllowOffload: true})

	w := &Window{d: d, window: 0x800, format: windowConfig(t, d).Format}
	if err := w.negotiateModifiers(); err != nil {
		t.Fatalf("negotiateModifiers: %v", err)
	}
	if !w.prime {
		t.Fatalf("forced PRIME display negotiated a direct window")
	}
	if len(w.modifiers) == 0 {
		t.Fatalf("no render modifiers")
	}
}

func TestHandleEventSerialWrap(t *testing.T) {
	w := &Window{d: &Display{}}
	w.lastPresentSerial = 2
	w.lastCompleteSerial = 0xfffffffe

	// Completions for the frames just before and after the wrap land
	// in order.
	w.handleEvent(&present.CompleteNotify{Serial: 0xffffffff, MSC: 10})
	if w.lastCompleteSerial != 0xffffffff {
		t.Fatalf("completion before the wrap ignored, at %#x", w.lastCompleteSerial)
	}
	w.handleEvent(&present.CompleteNotify{Serial: 1, MSC: 11})
	if w.lastCompleteSerial != 1 || w.lastCompleteMSC != 11 {
		t.Fatalf("completion after the wrap ignored, at %#x", w.lastCompleteSerial)
	}

	// A stale completion from before the wrap must not move the
	// counter backwards.
	w.handleEvent(&present.CompleteNotify{Serial: 0xfffffffe, MSC: 5})
	if w.lastCompleteSerial != 1 || w.lastCompleteMSC != 11 {
		t.Fatalf("stale completion rewound to %#x", w.lastCompleteSerial)
	}
}

func TestHandleEventSuboptimal(t *testing.T) {
	w := &Window{d: &Display{}}
	w.handleEvent(&present.CompleteNotify{Serial: 1, Mode: present.CompleteModeSuboptimalCopy})
	if !w.needsModifierCheck {
		t.Fatalf("suboptimal completion did not request a modifier check")
	}

	w = &Window{d: &Display{forcePrime: true}}
	w.handleEvent(&present.CompleteNotify{Serial: 1, Mode: present.CompleteModeSuboptimalCopy})
	if w.needsModifierCheck {
		t.Fatalf("modifier check requested under forced PRIME")
	}
}

func TestWindowBadConfig(t *testing.T) {
	e := newTestEnv(t)
	d := e.initialize(t, InitOptions{})

	if _, err := d.CreateWindowSurface(&Config{SurfaceMask: PixmapBit}, 0x800); !errors.Is(err, ErrBadMatch) {
		t.Fatalf("CreateWindowSurface = %v, want ErrBadMatch", err)
	}
}

func TestWindowVisualMismatch(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Drawables = map[uint32]xtest.Drawable{
		0x800: {Root: xtest.Root, Depth: 24, Width: 100, Height: 100, Visual: xtest.Visual32, Class: 1},
	}
	d := e.initialize(t, InitOptions{})

	_, err := d.CreateWindowSurface(windowConfig(t, d), 0x800)
	if !errors.Is(err, ErrBadNativeWindow) {
		t.Fatalf("CreateWindowSurface = %v, want ErrBadNativeWindow", err)
	}
}

func TestWindowZeroSize(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Drawables = map[uint32]xtest.Drawable{
		0x800: {Root: xtest.Root, Depth: 24, Visual: xtest.Visual24, Class: 1},
	}
	d := e.initialize(t, InitOptions{})

	_, err := d.CreateWindowSurface(windowConfig(t, d), 0x800)
	if !errors.Is(err, ErrBadNativeWindow) {
		t.Fatalf("CreateWindowSurface = %v, want ErrBadNativeWindow", err)
	}
}

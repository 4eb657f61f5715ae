package xpresent

import (
	"os"
	"sync"
	"testing"
	"time"

	"deedles.dev/ximage"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/drm"
	"deedles.dev/xpresent/internal/xtest"
	"golang.org/x/sys/unix"
)

// signaledFence returns a readable fd that poll reports ready, standing
// in for an already-signaled sync_file.
func signaledFence() (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	w.Write([]byte{1})
	w.Close()
	return r, nil
}

func newMemfd(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

type fakeBO struct {
	mem      *os.File
	width    uint32
	height   uint32
	format   uint32
	modifier uint64
}

func newFakeBO(width, height, format uint32, modifier uint64) (*fakeBO, error) {
	mem, err := newMemfd("fake-bo")
	if err != nil {
		return nil, err
	}
	return &fakeBO{
		mem:      mem,
		width:    width,
		height:   height,
		format:   format,
		modifier: modifier,
	}, nil
}

func (b *fakeBO) Width() uint32    { return b.width }
func (b *fakeBO) Height() uint32   { return b.height }
func (b *fakeBO) Format() uint32   { return b.format }
func (b *fakeBO) Modifier() uint64 { return b.modifier }
func (b *fakeBO) Planes() int      { return 1 }

func (b *fakeBO) Stride(plane int) uint32 { return b.width * 4 }
func (b *fakeBO) Offset(plane int) uint32 { return 0 }

func (b *fakeBO) FD() (*os.File, error) {
	fd, err := unix.Dup(int(b.mem.Fd()))
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "fake-bo"), nil
}

func (b *fakeBO) Close() error { return b.mem.Close() }

type allocRecord struct {
	width, height uint32
	format        uint32
	modifiers     []uint64
}

type fakeAllocator struct {
	mu      sync.Mutex
	backend string
	allocs  []allocRecord
	closed  bool
}

func (a *fakeAllocator) Backend() string {
	if a.backend == "" {
		return "nvidia"
	}
	return a.backend
}

func (a *fakeAllocator) Alloc(width, height uint32, format uint32, modifiers []uint64) (driver.BO, error) {
	a.mu.Lock()
	a.allocs = append(a.allocs, allocRecord{width, height, format, modifiers})
	a.mu.Unlock()

	mod := ModLinear
	if len(modifiers) > 0 {
		mod = modifiers[0]
	}
	return newFakeBO(width, height, format, mod)
}

func (a *fakeAllocator) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAllocator) recorded() []allocRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]allocRecord(nil), a.allocs...)
}

type fakeDevice struct {
	mu         sync.Mutex
	noTimeline bool
	next       uint32
	signals    map[uint32]uint64
	waits      int
	closed     bool
}

func (d *fakeDevice) SupportsTimeline() bool { return !d.noTimeline }

func (d *fakeDevice) SyncobjCreate() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return d.next, nil
}

func (d *fakeDevice) SyncobjDestroy(handle uint32) error { return nil }

func (d *fakeDevice) SyncobjExport(handle uint32) (*os.File, error) {
	return newMemfd("fake-syncobj")
}

func (d *fakeDevice) ExportSyncFile(handle uint32) (*os.File, error) {
	return signaledFence()
}

func (d *fakeDevice) ImportSyncFile(handle uint32, sync *os.File) error { return nil }

func (d *fakeDevice) SyncobjTransfer(dst uint32, dstPoint uint64, src uint32, srcPoint uint64) error {
	return nil
}

func (d *fakeDevice) SyncobjSignal(handle uint32, point uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signals == nil {
		d.signals = make(map[uint32]uint64)
	}
	d.signals[handle] = point
	return nil
}

func (d *fakeDevice) SyncobjQuery(handle uint32) (uint64, error) { return 0, nil }

func (d *fakeDevice) SyncobjWait(handles []uint32, points []uint64, timeout time.Duration, flags uint32) error {
	d.mu.Lock()
	d.waits++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type fakeBuffer struct {
	bo     driver.BO
	dmabuf bool
	freed  bool
}

type fakeSurface struct {
	cfg           driver.Config
	width, height uint32
	cb            driver.Callbacks
	destroyed     bool
}

type setColors struct {
	front, back, prime driver.Buffer
}

type fakeSync struct{}

type fakeDriver struct {
	mu         sync.Mutex
	formats    []uint32
	renderable []uint64
	external   []uint64
	cfgFormat  uint32
	config     driver.Config

	noFence    bool
	noPrime    bool
	noExplicit bool

	surfaces []*fakeSurface
	sets     []setColors
	copies   [][2]driver.Buffer
	freed    int
	finishes int
	waits    int
	killed   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		formats:    []uint32{uint32(ximage.XRGB8888), uint32(ximage.ARGB8888)},
		renderable: []uint64{ModLinear},
		cfgFormat:  uint32(ximage.XRGB8888),
		config:     new(int),
	}
}

func (d *fakeDriver) ImportBuffer(bo driver.BO) (driver.Buffer, error) {
	return &fakeBuffer{bo: bo}, nil
}

func (d *fakeDriver) ImportDmaBuf(f *os.File, width, height uint32, format uint32, stride, offset uint32, modifier uint64) (driver.Buffer, error) {
	return &fakeBuffer{dmabuf: true}, nil
}

func (d *fakeDriver) ExportDmaBuf(buf driver.Buffer) (*os.File, error) {
	return newMemfd("fake-dmabuf")
}

func (d *fakeDriver) FreeBuffer(buf driver.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fb, ok := buf.(*fakeBuffer); ok {
		fb.freed = true
	}
	d.freed++
}

func (d *fakeDriver) SetColorBuffers(s driver.Surface, front, back, prime driver.Buffer) error {
	d.mu.Lock()
	d.sets = append(d.sets, setColors{front, back, prime})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Formats() []uint32 {
	return append([]uint32(nil), d.formats...)
}

func (d *fakeDriver) Modifiers(format uint32) (renderable, external []uint64) {
	return append([]uint64(nil), d.renderable...), append([]uint64(nil), d.external...)
}

func (d *fakeDriver) Configs() []driver.Config {
	return []driver.Config{d.config}
}

func (d *fakeDriver) ConfigFourCC(cfg driver.Config) (uint32, bool) {
	return d.cfgFormat, true
}

func (d *fakeDriver) CreateSurface(cfg driver.Config, width, height uint32, front, back, prime driver.Buffer, cb driver.Callbacks) (driver.Surface, error) {
	s := &fakeSurface{cfg: cfg, width: width, height: height, cb: cb}
	d.mu.Lock()
	d.surfaces = append(d.surfaces, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDriver) DestroySurface(s driver.Surface) {
	s.(*fakeSurface).destroyed = true
}

func (d *fakeDriver) CopyBuffer(dst, src driver.Buffer) error {
	d.mu.Lock()
	d.copies = append(d.copies, [2]driver.Buffer{dst, src})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) CreateFence() (driver.Sync, error) { return &fakeSync{}, nil }

func (d *fakeDriver) DupFenceFD(sync driver.Sync) (*os.File, error) {
	return signaledFence()
}

func (d *fakeDriver) ImportFenceFD(f *os.File) (driver.Sync, error) { return &fakeSync{}, nil }

func (d *fakeDriver) WaitSync(sync driver.Sync) error {
	d.mu.Lock()
	d.waits++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) DestroySync(sync driver.Sync) {}

func (d *fakeDriver) Finish() {
	d.mu.Lock()
	d.finishes++
	d.mu.Unlock()
}

func (d *fakeDriver) SupportsNativeFenceSync() bool { return !d.noFence }
func (d *fakeDriver) SupportsPrime() bool           { return !d.noPrime }
func (d *fakeDriver) SupportsExplicitSync() bool    { return !d.noExplicit }

func (d *fakeDriver) Terminate() {
	d.mu.Lock()
	d.killed = true
	d.mu.Unlock()
}

func (d *fakeDriver) lastSurface() *fakeSurface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.surfaces[len(d.surfaces)-1]
}

func (d *fakeDriver) copyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.copies)
}

// testEnv bundles a scripted server with fakes for everything below
// the wire.
type testEnv struct {
	srv       *xtest.Server
	drv       *fakeDriver
	alloc     *fakeAllocator
	dev       *fakeDevice
	serverGPU GPU
	env       map[string]string
	platform  *Platform
}

func newTestEnv(t *testing.T) *testEnv {
	e := &testEnv{
		srv:       xtest.New(t),
		drv:       newFakeDriver(),
		alloc:     &fakeAllocator{},
		dev:       &fakeDevice{},
		serverGPU: GPU{Node: "/dev/dri/card1", Vendor: vendorNVIDIA},
		env:       make(map[string]string),
	}
	e.platform = &Platform{
		Driver: e.drv,
		GPUs:   []GPU{{Node: "/dev/dri/card1", Vendor: vendorNVIDIA}},
		NewAllocator: func(f *os.File) (driver.Allocator, error) {
			f.Close()
			return e.alloc, nil
		},
		NewDRM: func(f *os.File) drm.Device {
			f.Close()
			return e.dev
		},
		OpenNode: func(node string) (*os.File, error) {
			return newMemfd("fake-node")
		},
		IdentifyFD: func(*os.File) (GPU, bool) {
			return e.serverGPU, true
		},
		Getenv: func(name string) string {
			return e.env[name]
		},
	}
	return e
}

// intelServer reconfigures the environment as a PRIME offload setup:
// the server sits on an integrated GPU while rendering happens on the
// NVIDIA device.
func (e *testEnv) intelServer() {
	e.serverGPU = GPU{Node: "/dev/dri/card0", Vendor: 0x8086, Driver: "i915"}
}

func (e *testEnv) initialize(t *testing.T, opts InitOptions) *Display {
	t.Helper()
	opts.Conn = e.srv.Start()
	d, err := Initialize(e.platform, opts)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(d.Terminate)
	return d
}

func windowConfig(t *testing.T, d *Display) *Config {
	t.Helper()
	for _, c := range d.Configs() {
		if c.SurfaceMask&WindowBit != 0 {
			return c
		}
	}
	t.Fatalf("no window-capable config")
	return nil
}

func pixmapConfig(t *testing.T, d *Display) *Config {
	t.Helper()
	for _, c := range d.Configs() {
		if c.SurfaceMask&PixmapBit != 0 {
			return c
		}
	}
	t.Fatalf("no pixmap-capable config")
	return nil
}

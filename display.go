// Package xpresent presents OpenGL driver buffers to an X server
// through the DRI3 and Present extensions, handling buffer sharing,
// modifier negotiation, PRIME offload, and explicit or implicit
// synchronization.
package xpresent

import (
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"deedles.dev/ximage"
	"deedles.dev/xpresent/dri3"
	"deedles.dev/xpresent/drm"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/internal/debug"
	"deedles.dev/xpresent/present"
	"deedles.dev/xpresent/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"
)

// Environment variables consumed during initialization.
const (
	envPrimeOffload         = "__NV_PRIME_RENDER_OFFLOAD"
	envPrimeOffloadProvider = "__NV_PRIME_RENDER_OFFLOAD_PROVIDER"
	envAllowNVGLX           = "XPRESENT_ALLOW_NVGLX"
)

// Extension version floor and request ceiling shared by DRI3 and
// Present.
const (
	minExtMinor = 2
	maxExtMinor = 4
)

// Explicit sync needs the syncobj requests, which both extensions
// grew in minor 4.
const syncobjExtMinor = 4

// InitOptions configure Initialize.
type InitOptions struct {
	// Conn is a borrowed connection to use instead of dialing.
	// Terminate will not close it.
	Conn *net.UnixConn

	// Display is the display string, used for dialing and for
	// authority lookup. Empty means $DISPLAY.
	Display string

	// Screen selects a screen; negative means the display default.
	Screen int

	// DeviceNode requests a specific render device by primary node
	// path.
	DeviceNode string

	// AllowOffload permits picking an NVIDIA render device when the
	// server runs on a different GPU, even without the environment
	// asking for it.
	AllowOffload bool
}

// Surface is a presentable surface attached to a display.
type Surface interface {
	// Destroy releases the surface. The driver must have dropped its
	// reference first.
	Destroy() error
}

// Display is one initialized presentation session: a wire connection,
// a render device, and the format and config catalogs derived from
// both. It is reference counted; surfaces hold it alive until they
// are destroyed.
type Display struct {
	platform *Platform
	conn     *wire.Conn
	ownsConn bool
	screen   *wire.Screen
	dri3     *dri3.DRI3
	present  *present.Present
	dev      drm.Device
	alloc    driver.Allocator
	drv      driver.Display
	gpu      *GPU
	implicit drm.ImplicitSync

	serverNVIDIA         bool
	forcePrime           bool
	supportsPrime        bool
	supportsImplicitSync bool
	supportsExplicitSync bool

	formats []*Format
	configs []*Config

	refs       atomic.Int64
	mu         sync.RWMutex
	terminated bool

	surfmu   sync.RWMutex
	surfaces map[wire.XID]Surface
}

// Initialize opens a presentation session on the platform's driver.
func Initialize(p *Platform, opts InitOptions) (d *Display, err error) {
	d = &Display{
		platform: p,
		drv:      p.Driver,
		surfaces: make(map[wire.XID]Surface),
	}
	d.refs.Store(1)
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	if err := d.connect(opts); err != nil {
		return nil, err
	}
	if err := d.probeServer(); err != nil {
		return nil, err
	}
	if err := d.selectDevice(opts); err != nil {
		return nil, err
	}

	d.supportsPrime = d.drv.SupportsPrime() && d.drv.SupportsNativeFenceSync() && !d.serverNVIDIA

	d.formats = buildFormats(d.drv)
	if err := d.probeModifiers(); err != nil {
		return nil, err
	}

	d.supportsExplicitSync = d.drv.SupportsExplicitSync() &&
		d.drv.SupportsNativeFenceSync() &&
		d.dri3.Minor >= syncobjExtMinor &&
		d.present.Minor >= syncobjExtMinor &&
		d.dev.SupportsTimeline()

	d.configs = buildConfigs(d.drv, d.formats, d.screen)

	debug.Printf("display initialized: device=%v prime=%v force_prime=%v explicit=%v implicit=%v",
		d.gpu.Node, d.supportsPrime, d.forcePrime, d.supportsExplicitSync, d.supportsImplicitSync)
	return d, nil
}

func (d *Display) connect(opts InitOptions) error {
	var err error
	if opts.Conn != nil {
		d.conn, err = wire.NewConn(opts.Conn, opts.Display)
	} else {
		d.conn, err = wire.Dial(opts.Display)
		d.ownsConn = true
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	screen := opts.Screen
	if screen < 0 {
		screen = d.conn.DefaultScreen()
	}
	setup := d.conn.Setup()
	if screen >= len(setup.Screens) {
		return fmt.Errorf("%w: screen %v out of range", ErrExhausted, screen)
	}
	d.screen = &setup.Screens[screen]
	return nil
}

func (d *Display) probeServer() error {
	nvglx, err := d.conn.Extension("NV-GLX")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	if nvglx != nil && d.platform.getenv(envAllowNVGLX) != "1" {
		return fmt.Errorf("%w: server has a native NVIDIA GLX stack", ErrNotAvailable)
	}

	d.dri3, err = dri3.New(d.conn, minExtMinor, maxExtMinor)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	d.present, err = present.New(d.conn, minExtMinor, maxExtMinor)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	return nil
}

func (d *Display) selectDevice(opts InitOptions) error {
	p := d.platform

	serverFD, err := d.dri3.Open(d.screen.Root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	serverGPU, ok := p.identifyFD(serverFD)
	if !ok {
		serverFD.Close()
		return fmt.Errorf("%w: cannot identify server device", ErrNotAvailable)
	}
	d.serverNVIDIA = serverGPU.NVIDIA()

	requestedNode := opts.DeviceNode
	if node := p.getenv(envPrimeOffloadProvider); node != "" {
		requestedNode = node
	}
	offload := opts.AllowOffload || p.getenv(envPrimeOffload) == "1"

	var requested *GPU
	if requestedNode != "" {
		requested = p.findGPU(requestedNode)
		if requested == nil {
			serverFD.Close()
			return fmt.Errorf("%w: device %v not found", ErrDeviceMismatch, requestedNode)
		}
	}

	switch {
	case serverGPU.NVIDIA():
		if requested != nil && requested.Node != serverGPU.Node {
			serverFD.Close()
			return fmt.Errorf("%w: offload between NVIDIA devices", ErrDeviceMismatch)
		}
		d.gpu = p.findGPU(serverGPU.Node)
		if d.gpu == nil {
			serverFD.Close()
			return fmt.Errorf("%w: server device %v not in driver enumeration", ErrDeviceMismatch, serverGPU.Node)
		}
		d.supportsImplicitSync = false

	default:
		d.gpu = requested
		if d.gpu == nil && offload {
			d.gpu = p.anyNVIDIA()
		}
		if d.gpu == nil {
			serverFD.Close()
			return fmt.Errorf("%w: server device %v is not NVIDIA", ErrNotAvailable, serverGPU.Node)
		}
		d.supportsImplicitSync = true
		d.forcePrime = true
	}

	deviceFD := serverFD
	if d.gpu.Node != serverGPU.Node {
		serverFD.Close()
		deviceFD, err = p.openNode(d.gpu.Node)
		if err != nil {
			return fmt.Errorf("%w: open %v: %v", ErrExhausted, d.gpu.Node, err)
		}
	}

	drmFD, err := dupFile(deviceFD)
	if err != nil {
		deviceFD.Close()
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	d.dev = p.newDRM(drmFD)

	d.alloc, err = p.newAllocator(deviceFD)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	if d.alloc.Backend() != "nvidia" {
		return fmt.Errorf("%w: allocator backend %v", ErrNotAvailable, d.alloc.Backend())
	}
	return nil
}

// probeModifiers asks the server what it can scan out for the probe
// format and reconciles that with the driver's modifier lists.
func (d *Display) probeModifiers() error {
	probe := findFormat(d.formats, ximage.XRGB8888)
	if probe == nil {
		return fmt.Errorf("%w: driver does not render XRGB8888", ErrNotAvailable)
	}

	windowMods, screenMods, err := d.dri3.SupportedModifiers(d.screen.Root, probe.Depth, probe.BPP)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	serverMods := append(windowMods, screenMods...)

	supportsLinear := slices.Contains(serverMods, ModLinear)
	supportsDirect := len(probe.renderableIntersection(serverMods)) > 0

	if !supportsLinear {
		d.supportsPrime = false
	}
	if !supportsDirect {
		d.forcePrime = true
	}
	if d.forcePrime && !d.supportsPrime {
		return fmt.Errorf("%w: server shares no usable modifiers and PRIME is unavailable", ErrNotAvailable)
	}
	return nil
}

// Configs returns the display's config list.
func (d *Display) Configs() []*Config {
	return d.configs
}

// Conn exposes the display's wire connection.
func (d *Display) Conn() *wire.Conn {
	return d.conn
}

// Surfaces returns a snapshot of the live surfaces keyed by their
// native XID.
func (d *Display) Surfaces() map[wire.XID]Surface {
	d.surfmu.RLock()
	defer d.surfmu.RUnlock()
	return maps.Clone(d.surfaces)
}

// NativeClosed reports whether the wire connection has been lost.
// There is no close notification to hook on a raw XCB-style
// connection, so callers that need to know poll this instead.
func (d *Display) NativeClosed() bool {
	return !d.conn.Alive()
}

// WaitGL blocks until the driver has finished all rendering submitted
// for the current surface.
func (d *Display) WaitGL() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.terminated {
		return fmt.Errorf("%w: display terminated", ErrNotAvailable)
	}
	d.drv.Finish()
	return nil
}

// retain holds the display alive across a surface's lifetime.
func (d *Display) retain() {
	d.refs.Add(1)
}

func (d *Display) release() {
	if d.refs.Add(-1) == 0 {
		d.teardown()
	}
}

// Terminate ends the session. Surfaces still executing a driver
// callback keep the underlying resources alive until they finish;
// terminating twice is a no-op.
func (d *Display) Terminate() {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	d.terminated = true
	d.mu.Unlock()

	d.release()
}

func (d *Display) addSurface(xid wire.XID, s Surface) {
	d.surfmu.Lock()
	d.surfaces[xid] = s
	d.surfmu.Unlock()
}

func (d *Display) removeSurface(xid wire.XID) {
	d.surfmu.Lock()
	delete(d.surfaces, xid)
	d.surfmu.Unlock()
}

// teardown releases everything selectDevice and connect acquired, in
// reverse order.
func (d *Display) teardown() {
	if d.alloc != nil {
		d.alloc.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.conn != nil && d.ownsConn {
		d.conn.Close()
	}
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// Package driver declares the contract between the presentation core
// and the OpenGL driver it serves. The driver owns all rendering; the
// core only moves the driver's buffers to and from the X server.
//
// The interface is split by calling context. Update and damage
// callbacks run on the driver's own thread while it holds its
// window-system lock, so they may only touch the Buffers subset;
// re-entering anything else deadlocks. Code that holds a current
// surface gets the full Display.
package driver

import "os"

// Opaque handles into the driver. The core never inspects them.
type (
	// Buffer is a driver color-buffer handle.
	Buffer any

	// Config is a driver EGL config handle.
	Config any

	// Surface is a driver surface handle.
	Surface any

	// Sync is a driver sync-object handle.
	Sync any
)

// Callbacks are installed at surface creation and invoked by the
// driver from its own thread.
type Callbacks struct {
	// Update runs before the driver starts using the surface for a
	// frame.
	Update func()

	// Damage runs after the driver flushes rendering to the front or
	// single buffer. The fence, if not nil, signals when the flush
	// reaches the GPU; the callback must dup the file if it keeps it
	// past return.
	Damage func(fence *os.File)
}

// Buffers is the subset of the driver that is safe to call from
// inside an update or damage callback.
type Buffers interface {
	// ImportBuffer wraps an allocator object as a driver color
	// buffer.
	ImportBuffer(bo BO) (Buffer, error)

	// ImportDmaBuf wraps a dma-buf plane as a driver color buffer.
	// The fd is not consumed.
	ImportDmaBuf(f *os.File, width, height uint32, format uint32, stride, offset uint32, modifier uint64) (Buffer, error)

	// ExportDmaBuf exports a color buffer as a dma-buf fd. The caller
	// owns the file.
	ExportDmaBuf(buf Buffer) (*os.File, error)

	// FreeBuffer releases a color buffer.
	FreeBuffer(buf Buffer)

	// SetColorBuffers swaps the buffers attached to a surface. A nil
	// prime detaches any PRIME target.
	SetColorBuffers(s Surface, front, back, prime Buffer) error
}

// Display is the full driver surface, legal only outside the
// callbacks.
type Display interface {
	Buffers

	// Formats returns the fourcc codes the driver can render to.
	Formats() []uint32

	// Modifiers splits the driver's modifier support for a format
	// into renderable and external-only (importable but not a render
	// target) lists.
	Modifiers(format uint32) (renderable, external []uint64)

	// Configs returns the driver's EGL configs.
	Configs() []Config

	// ConfigFourCC returns the fourcc a config renders as, or false
	// if the config has no color format.
	ConfigFourCC(cfg Config) (uint32, bool)

	// CreateSurface creates a driver surface over the given buffers
	// and installs the callbacks.
	CreateSurface(cfg Config, width, height uint32, front, back, prime Buffer, cb Callbacks) (Surface, error)

	// DestroySurface tears down a surface, finishing any outstanding
	// callback first.
	DestroySurface(s Surface)

	// CopyBuffer blits src into dst. Used to fill PRIME linear
	// intermediates.
	CopyBuffer(dst, src Buffer) error

	// CreateFence inserts a native fence sync after all submitted
	// rendering.
	CreateFence() (Sync, error)

	// DupFenceFD extracts the fence fd of a native fence sync. The
	// caller owns the file.
	DupFenceFD(sync Sync) (*os.File, error)

	// ImportFenceFD creates a native fence sync from a fence fd so
	// the GPU can wait on it. The fd is not consumed.
	ImportFenceFD(f *os.File) (Sync, error)

	// WaitSync makes the GPU wait for a sync before later commands.
	WaitSync(sync Sync) error

	// DestroySync releases a sync object.
	DestroySync(sync Sync)

	// Finish blocks until all submitted rendering has completed.
	Finish()

	// SupportsNativeFenceSync reports the Android native-fence-sync
	// entrypoints.
	SupportsNativeFenceSync() bool

	// SupportsPrime reports the copy, alloc, and export entrypoints
	// needed for cross-device presentation.
	SupportsPrime() bool

	// SupportsExplicitSync reports the entrypoints needed for
	// timeline-syncobj presentation.
	SupportsExplicitSync() bool

	// Terminate releases the driver's internal display.
	Terminate()
}

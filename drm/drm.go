// Package drm wraps the DRM syncobj and dma-buf ioctls that explicit
// and implicit presentation synchronization are built on.
package drm

import (
	"os"
	"time"
)

// Syncobj wait flags.
const (
	WaitAll       = 1 << 0
	WaitForSubmit = 1 << 1
	WaitAvailable = 1 << 2
)

// Device is the syncobj surface of one DRM device fd. It is the seam
// between presentation logic and the kernel; tests substitute a fake.
type Device interface {
	// SupportsTimeline reports whether the kernel exposes timeline
	// syncobjs on this device.
	SupportsTimeline() bool

	// SyncobjCreate creates an unsignaled syncobj.
	SyncobjCreate() (uint32, error)

	// SyncobjDestroy destroys a syncobj.
	SyncobjDestroy(handle uint32) error

	// SyncobjExport exports a syncobj as a file descriptor suitable
	// for sharing with another process. The caller owns the file.
	SyncobjExport(handle uint32) (*os.File, error)

	// ExportSyncFile exports the current fence of a binary syncobj as
	// a sync_file. The caller owns the file.
	ExportSyncFile(handle uint32) (*os.File, error)

	// ImportSyncFile replaces the fence of a binary syncobj with the
	// one carried by a sync_file. The file is not consumed.
	ImportSyncFile(handle uint32, sync *os.File) error

	// SyncobjTransfer copies the fence at src point srcPoint to dst
	// point dstPoint. A point of zero addresses a binary syncobj.
	SyncobjTransfer(dst uint32, dstPoint uint64, src uint32, srcPoint uint64) error

	// SyncobjSignal immediately signals the given timeline point.
	SyncobjSignal(handle uint32, point uint64) error

	// SyncobjQuery returns the last signaled timeline point.
	SyncobjQuery(handle uint32) (uint64, error)

	// SyncobjWait waits until every listed timeline point satisfies
	// flags, or the timeout elapses. It returns os.ErrDeadlineExceeded
	// on timeout.
	SyncobjWait(handles []uint32, points []uint64, timeout time.Duration, flags uint32) error

	// Close releases the device fd.
	Close() error
}

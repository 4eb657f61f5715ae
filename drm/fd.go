package drm

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
	"golang.org/x/sys/unix"
)

const drmIoctlBase = 'd'

type (
	syncobjCreate struct {
		Handle uint32
		Flags  uint32
	}

	syncobjDestroy struct {
		Handle uint32
		Pad    uint32
	}

	syncobjHandle struct {
		Handle uint32
		Flags  uint32
		FD     int32
		Pad    uint32
	}

	syncobjTransfer struct {
		Src      uint32
		Dst      uint32
		SrcPoint uint64
		DstPoint uint64
		Flags    uint32
		Pad      uint32
	}

	syncobjTimelineWait struct {
		Handles       uint64
		Points        uint64
		TimeoutNsec   int64
		Count         uint32
		Flags         uint32
		FirstSignaled uint32
		Pad           uint32
	}

	syncobjTimelineArray struct {
		Handles uint64
		Points  uint64
		Count   uint32
		Flags   uint32
	}

	capability struct {
		ID    uint64
		Value uint64
	}
)

var (
	ioctlGetCap = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(capability{})), drmIoctlBase, 0x0C)

	ioctlSyncobjCreate = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjCreate{})), drmIoctlBase, 0xBF)

	ioctlSyncobjDestroy = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjDestroy{})), drmIoctlBase, 0xC0)

	ioctlSyncobjHandleToFD = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjHandle{})), drmIoctlBase, 0xC1)

	ioctlSyncobjFDToHandle = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjHandle{})), drmIoctlBase, 0xC2)

	ioctlSyncobjTimelineWait = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjTimelineWait{})), drmIoctlBase, 0xCA)

	ioctlSyncobjQuery = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjTimelineArray{})), drmIoctlBase, 0xCB)

	ioctlSyncobjTransfer = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjTransfer{})), drmIoctlBase, 0xCC)

	ioctlSyncobjTimelineSignal = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(syncobjTimelineArray{})), drmIoctlBase, 0xCD)
)

const (
	capSyncobjTimeline = 0x14

	flagExportSyncFile = 1 << 0
	flagImportSyncFile = 1 << 0
)

// FD is a Device backed by a real DRM device file descriptor.
type FD struct {
	f        *os.File
	timeline bool
}

var _ Device = (*FD)(nil)

// NewFD wraps a DRM device file, probing the timeline syncobj
// capability once. It takes ownership of the file.
func NewFD(f *os.File) *FD {
	d := FD{f: f}
	cap := capability{ID: capSyncobjTimeline}
	err := ioctl.Do(d.f.Fd(), uintptr(ioctlGetCap), uintptr(unsafe.Pointer(&cap)))
	d.timeline = err == nil && cap.Value != 0
	return &d
}

func (d *FD) SupportsTimeline() bool { return d.timeline }

func (d *FD) Close() error { return d.f.Close() }

func (d *FD) SyncobjCreate() (uint32, error) {
	arg := syncobjCreate{}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjCreate), uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, fmt.Errorf("create syncobj: %w", err)
	}
	return arg.Handle, nil
}

func (d *FD) SyncobjDestroy(handle uint32) error {
	arg := syncobjDestroy{Handle: handle}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjDestroy), uintptr(unsafe.Pointer(&arg))); err != nil {
		return fmt.Errorf("destroy syncobj: %w", err)
	}
	return nil
}

func (d *FD) SyncobjExport(handle uint32) (*os.File, error) {
	arg := syncobjHandle{Handle: handle, FD: -1}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjHandleToFD), uintptr(unsafe.Pointer(&arg))); err != nil {
		return nil, fmt.Errorf("export syncobj: %w", err)
	}
	return os.NewFile(uintptr(arg.FD), "syncobj"), nil
}

func (d *FD) ExportSyncFile(handle uint32) (*os.File, error) {
	arg := syncobjHandle{Handle: handle, Flags: flagExportSyncFile, FD: -1}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjHandleToFD), uintptr(unsafe.Pointer(&arg))); err != nil {
		return nil, fmt.Errorf("export sync file: %w", err)
	}
	return os.NewFile(uintptr(arg.FD), "sync_file"), nil
}

func (d *FD) ImportSyncFile(handle uint32, sync *os.File) error {
	arg := syncobjHandle{Handle: handle, Flags: flagImportSyncFile, FD: int32(sync.Fd())}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjFDToHandle), uintptr(unsafe.Pointer(&arg))); err != nil {
		return fmt.Errorf("import sync file: %w", err)
	}
	return nil
}

func (d *FD) SyncobjTransfer(dst uint32, dstPoint uint64, src uint32, srcPoint uint64) error {
	arg := syncobjTransfer{
		Src:      src,
		Dst:      dst,
		SrcPoint: srcPoint,
		DstPoint: dstPoint,
	}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjTransfer), uintptr(unsafe.Pointer(&arg))); err != nil {
		return fmt.Errorf("transfer syncobj point: %w", err)
	}
	return nil
}

func (d *FD) SyncobjSignal(handle uint32, point uint64) error {
	handles := [1]uint32{handle}
	points := [1]uint64{point}
	arg := syncobjTimelineArray{
		Handles: uint64(uintptr(unsafe.Pointer(&handles[0]))),
		Points:  uint64(uintptr(unsafe.Pointer(&points[0]))),
		Count:   1,
	}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjTimelineSignal), uintptr(unsafe.Pointer(&arg))); err != nil {
		return fmt.Errorf("signal syncobj point: %w", err)
	}
	return nil
}

func (d *FD) SyncobjQuery(handle uint32) (uint64, error) {
	handles := [1]uint32{handle}
	points := [1]uint64{0}
	arg := syncobjTimelineArray{
		Handles: uint64(uintptr(unsafe.Pointer(&handles[0]))),
		Points:  uint64(uintptr(unsafe.Pointer(&points[0]))),
		Count:   1,
	}
	if err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjQuery), uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, fmt.Errorf("query syncobj: %w", err)
	}
	return points[0], nil
}

func (d *FD) SyncobjWait(handles []uint32, points []uint64, timeout time.Duration, flags uint32) error {
	if len(handles) == 0 || len(handles) != len(points) {
		return fmt.Errorf("syncobj wait on %v handles and %v points", len(handles), len(points))
	}

	arg := syncobjTimelineWait{
		Handles:     uint64(uintptr(unsafe.Pointer(&handles[0]))),
		Points:      uint64(uintptr(unsafe.Pointer(&points[0]))),
		TimeoutNsec: monotonicDeadline(timeout),
		Count:       uint32(len(handles)),
		Flags:       flags,
	}
	err := ioctl.Do(d.f.Fd(), uintptr(ioctlSyncobjTimelineWait), uintptr(unsafe.Pointer(&arg)))
	if errors.Is(err, unix.ETIME) {
		return os.ErrDeadlineExceeded
	}
	if err != nil {
		return fmt.Errorf("wait for syncobj point: %w", err)
	}
	return nil
}

// monotonicDeadline converts a relative timeout to the absolute
// CLOCK_MONOTONIC nanosecond deadline the wait ioctl expects.
func monotonicDeadline(timeout time.Duration) int64 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano() + timeout.Nanoseconds()
}

package drm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
	"golang.org/x/sys/unix"
)

const dmabufIoctlBase = 'b'

// dma_buf_{export,import}_sync_file share one layout.
type dmabufSyncFile struct {
	Flags uint32
	FD    int32
}

var (
	ioctlDmabufExportSyncFile = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(dmabufSyncFile{})), dmabufIoctlBase, 2)

	ioctlDmabufImportSyncFile = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(dmabufSyncFile{})), dmabufIoctlBase, 3)
)

// dma-buf sync access flags.
const (
	syncRead  = 1 << 0
	syncWrite = 2 << 0
)

// ErrImplicitSyncUnsupported reports that the kernel rejected the
// dma-buf sync-file ioctls. Once seen, the latch fails every later
// call without touching the kernel again.
var ErrImplicitSyncUnsupported = errors.New("dma-buf sync file ioctls unsupported")

// ImplicitSync attaches fences to and extracts fences from dma-bufs
// through the sync-file ioctls. Support is probed lazily on first
// use and latched off permanently when the kernel lacks the ioctls.
// The zero value is ready to use and safe for concurrent use.
type ImplicitSync struct {
	mu          sync.Mutex
	unsupported bool

	// do is swapped out by tests.
	do func(fd, code, arg uintptr) error
}

func (im *ImplicitSync) ioctl(fd, code, arg uintptr) error {
	do := ioctl.Do
	if im.do != nil {
		do = im.do
	}

	err := do(fd, code, arg)
	if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOSYS) {
		im.mu.Lock()
		im.unsupported = true
		im.mu.Unlock()
		return ErrImplicitSyncUnsupported
	}
	return err
}

func (im *ImplicitSync) skip() bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.unsupported
}

// ImportFence attaches a sync_file fence to the dma-buf as a write
// fence, so later implicit readers of the buffer wait for it. The
// fence file is not consumed.
func (im *ImplicitSync) ImportFence(buf, fence *os.File) error {
	if im.skip() {
		return ErrImplicitSyncUnsupported
	}

	arg := dmabufSyncFile{Flags: syncWrite, FD: int32(fence.Fd())}
	if err := im.ioctl(buf.Fd(), uintptr(ioctlDmabufImportSyncFile), uintptr(unsafe.Pointer(&arg))); err != nil {
		if errors.Is(err, ErrImplicitSyncUnsupported) {
			return err
		}
		return fmt.Errorf("attach fence to dma-buf: %w", err)
	}
	return nil
}

// ExportFence extracts the dma-buf's current fences as a sync_file.
// The caller owns the returned file.
func (im *ImplicitSync) ExportFence(buf *os.File, write bool) (*os.File, error) {
	if im.skip() {
		return nil, ErrImplicitSyncUnsupported
	}

	flags := uint32(syncRead)
	if write {
		flags = syncRead | syncWrite
	}
	arg := dmabufSyncFile{Flags: flags, FD: -1}
	if err := im.ioctl(buf.Fd(), uintptr(ioctlDmabufExportSyncFile), uintptr(unsafe.Pointer(&arg))); err != nil {
		if errors.Is(err, ErrImplicitSyncUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("extract fence from dma-buf: %w", err)
	}
	return os.NewFile(uintptr(arg.FD), "sync_file"), nil
}

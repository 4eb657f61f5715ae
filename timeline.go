package xpresent

import (
	"fmt"
	"os"

	"deedles.dev/xpresent/drm"
	"deedles.dev/xpresent/wire"
)

// timeline is a kernel timeline syncobj shared with the server, plus
// the monotonic point counter that orders one buffer's reuse. Acquire
// and release points for a present are point and point+1; attach
// advances the counter by exactly one per rendered frame.
type timeline struct {
	dev    drm.Device
	handle uint32
	xid    wire.XID
	point  uint64
}

// newTimeline creates a syncobj and shares it with the server under a
// fresh XID for the given drawable. The export fd is consumed by the
// wire layer; it must not be closed here.
func newTimeline(d *Display, drawable wire.XID) (*timeline, error) {
	handle, err := d.dev.SyncobjCreate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	t := timeline{dev: d.dev, handle: handle}

	fd, err := d.dev.SyncobjExport(handle)
	if err != nil {
		t.dev.SyncobjDestroy(t.handle)
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	xid, err := d.conn.NewXID()
	if err != nil {
		fd.Close()
		t.dev.SyncobjDestroy(t.handle)
		return nil, err
	}
	if err := d.dri3.ImportSyncobj(xid, drawable, fd); err != nil {
		t.dev.SyncobjDestroy(t.handle)
		return nil, err
	}
	t.xid = xid
	return &t, nil
}

// attach binds a fence fd to the next timeline point and advances the
// counter. The fence file is not consumed.
func (t *timeline) attach(fence *os.File) error {
	tmp, err := t.dev.SyncobjCreate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	defer t.dev.SyncobjDestroy(tmp)

	if err := t.dev.ImportSyncFile(tmp, fence); err != nil {
		return err
	}
	if err := t.dev.SyncobjTransfer(t.handle, t.point+1, tmp, 0); err != nil {
		return err
	}
	t.point++
	return nil
}

// fenceAt materializes the fence at a timeline point as a sync_file
// the GPU can wait on. The point must already be available.
func (t *timeline) fenceAt(point uint64) (*os.File, error) {
	tmp, err := t.dev.SyncobjCreate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	defer t.dev.SyncobjDestroy(tmp)

	if err := t.dev.SyncobjTransfer(tmp, 0, t.handle, point); err != nil {
		return nil, err
	}
	return t.dev.ExportSyncFile(tmp)
}

// destroy frees the server-side XID first, then the kernel syncobj.
func (t *timeline) destroy(d *Display) {
	if t.xid != 0 {
		d.dri3.FreeSyncobj(t.xid)
		t.xid = 0
	}
	t.dev.SyncobjDestroy(t.handle)
}

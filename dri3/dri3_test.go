package dri3_test

import (
	"os"
	"slices"
	"strings"
	"testing"

	"deedles.dev/xpresent/dri3"
	"deedles.dev/xpresent/internal/xtest"
	"deedles.dev/xpresent/wire"
	"golang.org/x/sys/unix"
)

func osFile(t *testing.T, fd int) *os.File {
	t.Helper()
	return os.NewFile(uintptr(fd), "test")
}

// roundTrip waits for all previous one-way requests to land on the
// server by completing a request with a reply.
func roundTrip(t *testing.T, d *dri3.DRI3) {
	t.Helper()
	f, err := d.Open(xtest.Root)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	f.Close()
}

func dial(t *testing.T, srv *xtest.Server) *wire.Conn {
	t.Helper()
	c, err := wire.NewConn(srv.Start(), ":0")
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newDRI3(t *testing.T, srv *xtest.Server) *dri3.DRI3 {
	t.Helper()
	d, err := dri3.New(dial(t, srv), 2, 4)
	if err != nil {
		t.Fatalf("dri3.New: %v", err)
	}
	return d
}

func TestNew(t *testing.T) {
	srv := xtest.New(t)
	d := newDRI3(t, srv)
	if d.Major != 1 || d.Minor != 4 {
		t.Fatalf("negotiated %v.%v, want 1.4", d.Major, d.Minor)
	}
}

func TestNewTooOld(t *testing.T) {
	srv := xtest.New(t)
	srv.DRI3Minor = 1
	if _, err := dri3.New(dial(t, srv), 2, 4); err == nil {
		t.Fatalf("New accepted version 1.1")
	}
}

func TestOpen(t *testing.T) {
	srv := xtest.New(t)
	d := newDRI3(t, srv)

	f, err := d.Open(xtest.Root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		t.Fatalf("the returned fd is not usable: %v", err)
	}
}

func TestSupportedModifiers(t *testing.T) {
	srv := xtest.New(t)
	srv.WindowMods = []uint64{0, 0x300000000606014}
	srv.ScreenMods = []uint64{0x300000000606013}
	d := newDRI3(t, srv)

	window, screen, err := d.SupportedModifiers(xtest.Root, 24, 32)
	if err != nil {
		t.Fatalf("SupportedModifiers: %v", err)
	}
	if !slices.Equal(window, srv.WindowMods) {
		t.Errorf("window modifiers = %#x, want %#x", window, srv.WindowMods)
	}
	if !slices.Equal(screen, srv.ScreenMods) {
		t.Errorf("screen modifiers = %#x, want %#x", screen, srv.ScreenMods)
	}
}

func TestPixmapFromBuffers(t *testing.T) {
	srv := xtest.New(t)
	d := newDRI3(t, srv)

	fd, err := unix.MemfdCreate("plane", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd: %v", err)
	}
	plane := dri3.Plane{FD: osFile(t, fd), Stride: 1024, Offset: 0}

	err = d.PixmapFromBuffers(0x900, xtest.Root, 256, 128, 24, 32, 0x42, []dri3.Plane{plane})
	if err != nil {
		t.Fatalf("PixmapFromBuffers: %v", err)
	}

	roundTrip(t, d)

	pixmaps := srv.Pixmaps()
	if len(pixmaps) != 1 {
		t.Fatalf("server recorded %v pixmaps, want 1", len(pixmaps))
	}
	got := pixmaps[0]
	if got.Pixmap != 0x900 || got.Window != xtest.Root {
		t.Errorf("pixmap = %#x on %#x", got.Pixmap, got.Window)
	}
	if got.Width != 256 || got.Height != 128 || got.Depth != 24 || got.BPP != 32 {
		t.Errorf("geometry = %vx%v depth %v bpp %v", got.Width, got.Height, got.Depth, got.BPP)
	}
	if got.Modifier != 0x42 || got.Planes != 1 || got.FDs != 1 {
		t.Errorf("modifier %#x, %v planes, %v fds", got.Modifier, got.Planes, got.FDs)
	}
}

func TestPixmapFromBuffersTooManyPlanes(t *testing.T) {
	srv := xtest.New(t)
	d := newDRI3(t, srv)

	planes := make([]dri3.Plane, dri3.MaxPlanes+1)
	for i := range planes {
		fd, err := unix.MemfdCreate("plane", unix.MFD_CLOEXEC)
		if err != nil {
			t.Fatalf("memfd: %v", err)
		}
		planes[i].FD = osFile(t, fd)
	}

	err := d.PixmapFromBuffers(0x900, xtest.Root, 16, 16, 24, 32, 0, planes)
	if err == nil || !strings.Contains(err.Error(), "planes") {
		t.Fatalf("PixmapFromBuffers with %v planes: %v", len(planes), err)
	}
}

func TestBuffersFromPixmap(t *testing.T) {
	srv := xtest.New(t)
	srv.PixmapBuffers = map[uint32]xtest.PixmapReply{
		0x900: {Width: 320, Height: 240, Depth: 24, BPP: 32, Modifier: 0x42, Planes: 2},
	}
	d := newDRI3(t, srv)

	pb, err := d.BuffersFromPixmap(0x900)
	if err != nil {
		t.Fatalf("BuffersFromPixmap: %v", err)
	}
	defer pb.Close()

	if pb.Width != 320 || pb.Height != 240 || pb.Depth != 24 || pb.BPP != 32 {
		t.Errorf("geometry = %vx%v depth %v bpp %v", pb.Width, pb.Height, pb.Depth, pb.BPP)
	}
	if pb.Modifier != 0x42 {
		t.Errorf("modifier = %#x, want 0x42", pb.Modifier)
	}
	if len(pb.Planes) != 2 {
		t.Fatalf("got %v planes, want 2", len(pb.Planes))
	}
	for i, p := range pb.Planes {
		if p.FD == nil {
			t.Errorf("plane %v has no fd", i)
		}
	}
}

func TestImportSyncobj(t *testing.T) {
	srv := xtest.New(t)
	d := newDRI3(t, srv)

	fd, err := unix.MemfdCreate("syncobj", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd: %v", err)
	}
	if err := d.ImportSyncobj(0xa00, xtest.Root, osFile(t, fd)); err != nil {
		t.Fatalf("ImportSyncobj: %v", err)
	}
	if err := d.FreeSyncobj(0xa00); err != nil {
		t.Fatalf("FreeSyncobj: %v", err)
	}

	roundTrip(t, d)

	imports := srv.Syncobjs()
	if len(imports) != 1 || imports[0].Syncobj != 0xa00 || imports[0].FDs != 1 {
		t.Fatalf("imports = %+v", imports)
	}
	freed := srv.FreedSyncobjs()
	if len(freed) != 1 || freed[0] != 0xa00 {
		t.Fatalf("freed = %v", freed)
	}
}

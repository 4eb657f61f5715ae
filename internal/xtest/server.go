// Package xtest runs a scripted X server on one end of a socketpair so
// that the wire, dri3, and present packages can be exercised against a
// real connection, file descriptor passing included.
package xtest

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// Fixed identifiers handed out by the scripted server.
const (
	Root         = 0xa1
	Visual24     = 0x41
	Visual32     = 0x42
	ResourceBase = 0x04000000
	ResourceMask = 0x001fffff

	DRI3Opcode    = 130
	PresentOpcode = 131
	NVGLXOpcode   = 135

	ModLinear = 0
)

// Present records one PresentPixmap or PresentPixmapSynced request.
type Present struct {
	Synced  bool
	Window  uint32
	Pixmap  uint32
	Serial  uint32
	Valid   uint32
	Update  uint32
	Options uint32

	TargetMSC uint64
	Divisor   uint64
	Remainder uint64

	Acquire      uint32
	Release      uint32
	AcquirePoint uint64
	ReleasePoint uint64
}

// SelectInput records one PresentSelectInput request.
type SelectInput struct {
	EID    uint32
	Window uint32
	Mask   uint32
}

// PixmapFromBuffers records one DRI3PixmapFromBuffers request.
type PixmapFromBuffers struct {
	Pixmap   uint32
	Window   uint32
	Width    uint16
	Height   uint16
	Depth    byte
	BPP      byte
	Modifier uint64
	Planes   int
	FDs      int
}

// ImportSyncobj records one DRI3ImportSyncobj request.
type ImportSyncobj struct {
	Syncobj  uint32
	Drawable uint32
	FDs      int
}

// CopyArea records one core CopyArea request.
type CopyArea struct {
	Src    uint32
	Dst    uint32
	GC     uint32
	Width  uint16
	Height uint16
}

// Drawable configures the GetGeometry and GetWindowAttributes answers
// for one XID.
type Drawable struct {
	Root   uint32
	Depth  byte
	Width  uint16
	Height uint16
	Visual uint32
	Class  uint16
}

// PixmapReply configures the BuffersFromPixmap answer for one pixmap.
type PixmapReply struct {
	Width    uint16
	Height   uint16
	Depth    byte
	BPP      byte
	Modifier uint64
	Planes   int
}

// Server is a scripted X server. Configure the exported fields, call
// Start to get the client half of the socket, and inspect the recorded
// requests afterwards.
type Server struct {
	t    *testing.T
	conn *net.UnixConn

	// Configuration. Set these before Start.
	NVGLX         bool
	DRI3Minor     uint32
	PresentMinor  uint32
	Caps          uint32
	WindowMods    []uint64
	ScreenMods    []uint64
	ModsFunc      func(call int) (window, screen []uint64)
	Visual        uint32
	GeometryError byte
	Drawables     map[uint32]Drawable
	PixmapBuffers map[uint32]PixmapReply

	// AutoPresent answers every present with a CompleteNotify, plus
	// an IdleNotify for the unsynced request form. OnPresent, if set,
	// runs on the serve goroutine for every present received.
	AutoPresent bool
	OnPresent   func(Present)

	mu       sync.Mutex
	width    uint16
	height   uint16
	seq      uint16
	msc      uint64
	modCalls int
	eids     map[uint32]uint32

	presents      []Present
	selectInputs  []SelectInput
	pixmaps       []PixmapFromBuffers
	syncobjs      []ImportSyncobj
	freedSyncobjs []uint32
	copyAreas     []CopyArea
	freedPixmaps  []uint32

	wmu sync.Mutex
}

// New returns a server with workable defaults: DRI3 and Present at
// 1.4, async capability only, a linear modifier everywhere, and a
// 640x480 depth-24 drawable for every XID.
func New(t *testing.T) *Server {
	return &Server{
		t:            t,
		DRI3Minor:    4,
		PresentMinor: 4,
		Caps:         1,
		WindowMods:   []uint64{ModLinear},
		ScreenMods:   []uint64{ModLinear},
		Visual:       Visual24,
		width:        640,
		height:       480,
		eids:         make(map[uint32]uint32),
	}
}

// Start creates the socketpair, begins serving on one end, and returns
// the other for the client to hand to wire.NewConn.
func (s *Server) Start() *net.UnixConn {
	s.t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		s.t.Fatalf("socketpair: %v", err)
	}

	sf := os.NewFile(uintptr(fds[0]), "xtest-server")
	cf := os.NewFile(uintptr(fds[1]), "xtest-client")

	sc, err := net.FileConn(sf)
	sf.Close()
	if err != nil {
		cf.Close()
		s.t.Fatalf("server conn: %v", err)
	}
	cc, err := net.FileConn(cf)
	cf.Close()
	if err != nil {
		sc.Close()
		s.t.Fatalf("client conn: %v", err)
	}

	s.conn = sc.(*net.UnixConn)
	s.t.Cleanup(func() { s.conn.Close() })

	go s.serve()
	return cc.(*net.UnixConn)
}

// Close tears down the server end of the connection.
func (s *Server) Close() {
	s.conn.Close()
}

// SetSize changes the size reported for drawables not listed in
// Drawables. The client only notices through a ConfigureNotify.
func (s *Server) SetSize(width, height uint16) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

func (s *Server) serve() {
	if err := s.handshake(); err != nil {
		return
	}
	for {
		req, fds, err := s.read()
		if err != nil {
			closeAll(fds)
			return
		}
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		s.dispatch(seq, req, fds)
		closeAll(fds)
	}
}

func (s *Server) handshake() error {
	head := make([]byte, 12)
	var fds []*os.File
	if err := s.readFull(head, &fds); err != nil {
		return err
	}
	closeAll(fds)

	nameLen := int(le.Uint16(head[6:]))
	dataLen := int(le.Uint16(head[8:]))
	auth := make([]byte, nameLen+pad4(nameLen)+dataLen+pad4(dataLen))
	if err := s.readFull(auth, &fds); err != nil {
		return err
	}
	closeAll(fds)

	extra := s.setupBytes()
	resp := make([]byte, 8, 8+len(extra))
	resp[0] = 1
	le.PutUint16(resp[2:], 11)
	le.PutUint16(resp[4:], 0)
	le.PutUint16(resp[6:], uint16(len(extra)/4))
	resp = append(resp, extra...)
	return s.write(resp)
}

func (s *Server) setupBytes() []byte {
	var b []byte
	b = put32(b, 0) // release number
	b = put32(b, ResourceBase)
	b = put32(b, ResourceMask)
	b = put32(b, 0) // motion buffer size
	b = put16(b, 0) // vendor length
	b = put16(b, 0xffff)
	b = append(b, 1, 0)          // screens, formats
	b = append(b, 0, 0, 32, 32)  // image order, bit order, scanline unit/pad
	b = append(b, 8, 255)        // keycodes
	b = append(b, 0, 0, 0, 0)    // pad

	b = put32(b, Root)
	b = put32(b, 0x20) // default colormap
	b = put32(b, 0xffffff)
	b = put32(b, 0)
	b = put32(b, 0)
	s.mu.Lock()
	b = put16(b, s.width)
	b = put16(b, s.height)
	s.mu.Unlock()
	b = put16(b, 300)
	b = put16(b, 200)
	b = put16(b, 1)
	b = put16(b, 1)
	b = put32(b, Visual24)
	b = append(b, 0, 0, 24, 2) // backing stores, save unders, root depth, depths

	b = depth(b, 24, Visual24)
	b = depth(b, 32, Visual32)
	return b
}

func depth(b []byte, d byte, visual uint32) []byte {
	b = append(b, d, 0)
	b = put16(b, 1)
	b = put32(b, 0)

	b = put32(b, visual)
	b = append(b, 4, 8) // TrueColor, bits per rgb
	b = put16(b, 256)
	b = put32(b, 0xff0000)
	b = put32(b, 0x00ff00)
	b = put32(b, 0x0000ff)
	b = put32(b, 0)
	return b
}

func (s *Server) read() ([]byte, []*os.File, error) {
	var fds []*os.File
	head := make([]byte, 4)
	if err := s.readFull(head, &fds); err != nil {
		return nil, fds, err
	}
	units := int(le.Uint16(head[2:]))
	if units < 1 {
		return nil, fds, errors.New("request shorter than its header")
	}
	req := append(head, make([]byte, 4*units-4)...)
	if err := s.readFull(req[4:], &fds); err != nil {
		return nil, fds, err
	}
	return req, fds, nil
}

func (s *Server) readFull(buf []byte, fds *[]*os.File) error {
	for len(buf) > 0 {
		oob := make([]byte, unix.CmsgSpace(16*4))
		n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
		if n > 0 {
			buf = buf[n:]
		}
		if oobn > 0 {
			cmsgs, cerr := unix.ParseSocketControlMessage(oob[:oobn])
			if cerr != nil {
				return cerr
			}
			for _, cmsg := range cmsgs {
				raw, cerr := unix.ParseUnixRights(&cmsg)
				if cerr != nil {
					continue
				}
				for _, fd := range raw {
					*fds = append(*fds, os.NewFile(uintptr(fd), "xtest-request"))
				}
			}
		}
		if err != nil {
			return err
		}
		if n == 0 && oobn == 0 {
			return errors.New("short read")
		}
	}
	return nil
}

func (s *Server) dispatch(seq uint16, b []byte, fds []*os.File) {
	switch b[0] {
	case 98: // QueryExtension
		nameLen := int(le.Uint16(b[4:]))
		name := string(b[8 : 8+nameLen])
		var opcode byte
		switch name {
		case "DRI3":
			opcode = DRI3Opcode
		case "Present":
			opcode = PresentOpcode
		case "NV-GLX":
			if s.NVGLX {
				opcode = NVGLXOpcode
			}
		}
		s.reply(seq, 0, 32, func(r []byte) {
			if opcode != 0 {
				r[8] = 1
				r[9] = opcode
			}
		})

	case 3: // GetWindowAttributes
		d := s.drawable(le.Uint32(b[4:]))
		s.reply(seq, 0, 36, func(r []byte) {
			le.PutUint32(r[8:], d.Visual)
			le.PutUint16(r[12:], d.Class)
		})

	case 14: // GetGeometry
		if s.GeometryError != 0 {
			s.sendError(seq, s.GeometryError, 14, 0, le.Uint32(b[4:]))
			return
		}
		d := s.drawable(le.Uint32(b[4:]))
		s.reply(seq, d.Depth, 32, func(r []byte) {
			le.PutUint32(r[8:], d.Root)
			le.PutUint16(r[16:], d.Width)
			le.PutUint16(r[18:], d.Height)
		})

	case 54: // FreePixmap
		s.mu.Lock()
		s.freedPixmaps = append(s.freedPixmaps, le.Uint32(b[4:]))
		s.mu.Unlock()

	case 55, 60: // CreateGC, FreeGC

	case 62: // CopyArea
		s.mu.Lock()
		s.copyAreas = append(s.copyAreas, CopyArea{
			Src:    le.Uint32(b[4:]),
			Dst:    le.Uint32(b[8:]),
			GC:     le.Uint32(b[12:]),
			Width:  le.Uint16(b[24:]),
			Height: le.Uint16(b[26:]),
		})
		s.mu.Unlock()

	case DRI3Opcode:
		s.dri3(seq, b, fds)

	case PresentOpcode:
		s.present(seq, b)
	}
}

func (s *Server) dri3(seq uint16, b []byte, fds []*os.File) {
	switch b[1] {
	case 0: // QueryVersion
		s.reply(seq, 0, 32, func(r []byte) {
			le.PutUint32(r[8:], 1)
			le.PutUint32(r[12:], s.DRI3Minor)
		})

	case 1: // Open
		f, err := memfd("xtest-drm")
		if err != nil {
			s.sendError(seq, 11, DRI3Opcode, 1, 0)
			return
		}
		s.reply(seq, 1, 32, nil, f)
		f.Close()

	case 6: // GetSupportedModifiers
		s.mu.Lock()
		call := s.modCalls
		s.modCalls++
		s.mu.Unlock()
		window, screen := s.WindowMods, s.ScreenMods
		if s.ModsFunc != nil {
			window, screen = s.ModsFunc(call)
		}
		size := 32 + 8*(len(window)+len(screen))
		s.reply(seq, 0, size, func(r []byte) {
			le.PutUint32(r[8:], uint32(len(window)))
			le.PutUint32(r[12:], uint32(len(screen)))
			off := 32
			for _, m := range window {
				le.PutUint64(r[off:], m)
				off += 8
			}
			for _, m := range screen {
				le.PutUint64(r[off:], m)
				off += 8
			}
		})

	case 7: // PixmapFromBuffers
		s.mu.Lock()
		s.pixmaps = append(s.pixmaps, PixmapFromBuffers{
			Pixmap:   le.Uint32(b[4:]),
			Window:   le.Uint32(b[8:]),
			Planes:   int(b[12]),
			Width:    le.Uint16(b[16:]),
			Height:   le.Uint16(b[18:]),
			Depth:    b[52],
			BPP:      b[53],
			Modifier: le.Uint64(b[56:]),
			FDs:      len(fds),
		})
		s.mu.Unlock()

	case 8: // BuffersFromPixmap
		pr := s.pixmapReply(le.Uint32(b[4:]))
		n := pr.Planes
		planes := make([]*os.File, n)
		for i := range planes {
			f, err := memfd("xtest-plane")
			if err != nil {
				closeAll(planes[:i])
				s.sendError(seq, 11, DRI3Opcode, 8, 0)
				return
			}
			planes[i] = f
		}
		size := 32 + 8*n
		s.reply(seq, byte(n), size, func(r []byte) {
			le.PutUint16(r[8:], pr.Width)
			le.PutUint16(r[10:], pr.Height)
			le.PutUint64(r[16:], pr.Modifier)
			r[24] = pr.Depth
			r[25] = pr.BPP
			for i := range n {
				le.PutUint32(r[32+4*i:], uint32(pr.Width)*4)
				le.PutUint32(r[32+4*n+4*i:], 0)
			}
		}, planes...)
		closeAll(planes)

	case 10: // ImportSyncobj
		s.mu.Lock()
		s.syncobjs = append(s.syncobjs, ImportSyncobj{
			Syncobj:  le.Uint32(b[4:]),
			Drawable: le.Uint32(b[8:]),
			FDs:      len(fds),
		})
		s.mu.Unlock()

	case 11: // FreeSyncobj
		s.mu.Lock()
		s.freedSyncobjs = append(s.freedSyncobjs, le.Uint32(b[4:]))
		s.mu.Unlock()
	}
}

func (s *Server) present(seq uint16, b []byte) {
	switch b[1] {
	case 0: // QueryVersion
		s.reply(seq, 0, 32, func(r []byte) {
			le.PutUint32(r[8:], 1)
			le.PutUint32(r[12:], s.PresentMinor)
		})

	case 1: // Pixmap
		s.handlePresent(Present{
			Window:    le.Uint32(b[4:]),
			Pixmap:    le.Uint32(b[8:]),
			Serial:    le.Uint32(b[12:]),
			Valid:     le.Uint32(b[16:]),
			Update:    le.Uint32(b[20:]),
			Options:   le.Uint32(b[40:]),
			TargetMSC: le.Uint64(b[48:]),
			Divisor:   le.Uint64(b[56:]),
			Remainder: le.Uint64(b[64:]),
		})

	case 3: // SelectInput
		si := SelectInput{
			EID:    le.Uint32(b[4:]),
			Window: le.Uint32(b[8:]),
			Mask:   le.Uint32(b[12:]),
		}
		s.mu.Lock()
		s.selectInputs = append(s.selectInputs, si)
		if si.Mask != 0 {
			s.eids[si.Window] = si.EID
		} else {
			delete(s.eids, si.Window)
		}
		s.mu.Unlock()

	case 4: // QueryCapabilities
		s.reply(seq, 0, 32, func(r []byte) {
			le.PutUint32(r[8:], s.Caps)
		})

	case 5: // PixmapSynced
		s.handlePresent(Present{
			Synced:       true,
			Window:       le.Uint32(b[4:]),
			Pixmap:       le.Uint32(b[8:]),
			Serial:       le.Uint32(b[12:]),
			Valid:        le.Uint32(b[16:]),
			Update:       le.Uint32(b[20:]),
			Acquire:      le.Uint32(b[32:]),
			Release:      le.Uint32(b[36:]),
			AcquirePoint: le.Uint64(b[40:]),
			ReleasePoint: le.Uint64(b[48:]),
			Options:      le.Uint32(b[56:]),
			TargetMSC:    le.Uint64(b[64:]),
			Divisor:      le.Uint64(b[72:]),
			Remainder:    le.Uint64(b[80:]),
		})
	}
}

func (s *Server) handlePresent(p Present) {
	s.mu.Lock()
	s.presents = append(s.presents, p)
	s.msc++
	msc := s.msc
	eid := s.eids[p.Window]
	s.mu.Unlock()

	if s.OnPresent != nil {
		s.OnPresent(p)
	}
	if !s.AutoPresent {
		return
	}
	s.SendComplete(eid, p.Window, p.Serial, 1, msc)
	if !p.Synced {
		s.SendIdle(eid, p.Window, p.Serial, p.Pixmap)
	}
}

// SendConfigure delivers a ConfigureNotify for the event context.
func (s *Server) SendConfigure(eid, window uint32, width, height uint16, destroyed bool) {
	b := s.event(2, 0, eid, window)
	le.PutUint16(b[24:], width)
	le.PutUint16(b[26:], height)
	if destroyed {
		le.PutUint32(b[36:], 1)
	}
	s.write(b)
}

// SendComplete delivers a CompleteNotify for the event context.
func (s *Server) SendComplete(eid, window, serial uint32, mode byte, msc uint64) {
	b := s.event(2, 1, eid, window)
	b[11] = mode
	le.PutUint32(b[20:], serial)
	le.PutUint64(b[32:], msc)
	s.write(b)
}

// SendIdle delivers an IdleNotify for the event context.
func (s *Server) SendIdle(eid, window, serial, pixmap uint32) {
	b := s.event(0, 2, eid, window)
	le.PutUint32(b[20:], serial)
	le.PutUint32(b[24:], pixmap)
	s.write(b)
}

func (s *Server) event(extraUnits uint32, evtype uint16, eid, window uint32) []byte {
	b := make([]byte, 32+4*extraUnits)
	b[0] = 35
	b[1] = PresentOpcode
	s.mu.Lock()
	le.PutUint16(b[2:], s.seq)
	s.mu.Unlock()
	le.PutUint32(b[4:], extraUnits)
	le.PutUint16(b[8:], evtype)
	le.PutUint32(b[12:], eid)
	le.PutUint32(b[16:], window)
	return b
}

func (s *Server) reply(seq uint16, byte1 byte, size int, fill func([]byte), fds ...*os.File) {
	if rem := size % 4; rem != 0 {
		size += 4 - rem
	}
	b := make([]byte, size)
	b[0] = 1
	b[1] = byte1
	le.PutUint16(b[2:], seq)
	le.PutUint32(b[4:], uint32((size-32)/4))
	if fill != nil {
		fill(b)
	}
	s.write(b, fds...)
}

func (s *Server) sendError(seq uint16, code, major byte, minor uint16, badValue uint32) {
	b := make([]byte, 32)
	b[1] = code
	le.PutUint16(b[2:], seq)
	le.PutUint32(b[4:], badValue)
	le.PutUint16(b[8:], minor)
	b[10] = major
	s.write(b)
}

func (s *Server) write(b []byte, fds ...*os.File) error {
	var oob []byte
	if len(fds) > 0 {
		raw := make([]int, len(fds))
		for i, f := range fds {
			raw[i] = int(f.Fd())
		}
		oob = unix.UnixRights(raw...)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, _, err := s.conn.WriteMsgUnix(b, oob, nil)
	return err
}

func (s *Server) drawable(xid uint32) Drawable {
	if d, ok := s.Drawables[xid]; ok {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Drawable{
		Root:   Root,
		Depth:  24,
		Width:  s.width,
		Height: s.height,
		Visual: s.Visual,
		Class:  1,
	}
}

func (s *Server) pixmapReply(xid uint32) PixmapReply {
	if p, ok := s.PixmapBuffers[xid]; ok {
		if p.Planes == 0 {
			p.Planes = 1
		}
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return PixmapReply{
		Width:    s.width,
		Height:   s.height,
		Depth:    24,
		BPP:      32,
		Modifier: ModLinear,
		Planes:   1,
	}
}

// EID returns the event context currently registered for a window.
func (s *Server) EID(window uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eids[window]
}

// Presents returns a copy of the recorded presentation requests.
func (s *Server) Presents() []Present {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Present(nil), s.presents...)
}

// SelectInputs returns a copy of the recorded SelectInput requests.
func (s *Server) SelectInputs() []SelectInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SelectInput(nil), s.selectInputs...)
}

// Pixmaps returns a copy of the recorded PixmapFromBuffers requests.
func (s *Server) Pixmaps() []PixmapFromBuffers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PixmapFromBuffers(nil), s.pixmaps...)
}

// Syncobjs returns a copy of the recorded ImportSyncobj requests.
func (s *Server) Syncobjs() []ImportSyncobj {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ImportSyncobj(nil), s.syncobjs...)
}

// FreedSyncobjs returns a copy of the recorded FreeSyncobj requests.
func (s *Server) FreedSyncobjs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.freedSyncobjs...)
}

// CopyAreas returns a copy of the recorded CopyArea requests.
func (s *Server) CopyAreas() []CopyArea {
	return s.copyAreasCopy()
}

// FreedPixmaps returns a copy of the recorded FreePixmap requests.
func (s *Server) FreedPixmaps() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.freedPixmaps...)
}

// WaitPresents blocks until at least n presentation requests have been
// recorded, then returns them.
func (s *Server) WaitPresents(n int) []Present {
	s.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := s.Presents()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("timed out waiting for %v presents, have %v", n, len(got))
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitCopyAreas blocks until at least n CopyArea requests have been
// recorded, then returns them.
func (s *Server) WaitCopyAreas(n int) []CopyArea {
	s.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := s.copyAreasCopy()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("timed out waiting for %v copies, have %v", n, len(got))
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Server) copyAreasCopy() []CopyArea {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CopyArea(nil), s.copyAreas...)
}

func memfd(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

func closeAll(fds []*os.File) {
	for _, f := range fds {
		f.Close()
	}
}

func pad4(n int) int {
	return (4 - n%4) % 4
}

func put16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func put32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

package present

import (
	"fmt"

	"deedles.dev/xpresent/wire"
)

// Present event type codes.
const (
	EventConfigureNotify = 0
	EventCompleteNotify  = 1
	EventIdleNotify      = 2
)

// CompleteNotify modes.
const (
	CompleteModeCopy           = 0
	CompleteModeFlip           = 1
	CompleteModeSkip           = 2
	CompleteModeSuboptimalCopy = 3
)

// ConfigureNotify pixmap flag bits.
const ConfigureWindowDestroyed = 1 << 0

// ConfigureNotify reports a window geometry change, or with the
// destroyed flag set, that the window is gone.
type ConfigureNotify struct {
	EID         wire.XID
	Window      wire.XID
	X, Y        int16
	Width       uint16
	Height      uint16
	PixmapFlags uint32
}

// Destroyed reports whether the window was destroyed.
func (ev *ConfigureNotify) Destroyed() bool {
	return ev.PixmapFlags&ConfigureWindowDestroyed != 0
}

// CompleteNotify reports that a queued presentation has reached the
// screen or been skipped.
type CompleteNotify struct {
	EID    wire.XID
	Window wire.XID
	Kind   byte
	Mode   byte
	Serial uint32
	UST    uint64
	MSC    uint64
}

// IdleNotify reports that the server is done reading a presented
// pixmap.
type IdleNotify struct {
	EID    wire.XID
	Window wire.XID
	Serial uint32
	Pixmap wire.XID
}

// DecodeEvent turns a generic wire event for the Present extension
// into one of ConfigureNotify, CompleteNotify, or IdleNotify.
func DecodeEvent(ev wire.Event) (any, error) {
	switch ev.EvType {
	case EventConfigureNotify:
		if len(ev.Data) < 40 {
			return nil, fmt.Errorf("short ConfigureNotify event: %v bytes", len(ev.Data))
		}
		return &ConfigureNotify{
			EID:         wire.XID(ev.Uint32(12)),
			Window:      wire.XID(ev.Uint32(16)),
			X:           int16(ev.Uint16(20)),
			Y:           int16(ev.Uint16(22)),
			Width:       ev.Uint16(24),
			Height:      ev.Uint16(26),
			PixmapFlags: ev.Uint32(36),
		}, nil

	case EventCompleteNotify:
		if len(ev.Data) < 40 {
			return nil, fmt.Errorf("short CompleteNotify event: %v bytes", len(ev.Data))
		}
		return &CompleteNotify{
			Kind:   ev.Data[10],
			Mode:   ev.Data[11],
			EID:    wire.XID(ev.Uint32(12)),
			Window: wire.XID(ev.Uint32(16)),
			Serial: ev.Uint32(20),
			UST:    ev.Uint64(24),
			MSC:    ev.Uint64(32),
		}, nil

	case EventIdleNotify:
		if len(ev.Data) < 32 {
			return nil, fmt.Errorf("short IdleNotify event: %v bytes", len(ev.Data))
		}
		return &IdleNotify{
			EID:    wire.XID(ev.Uint32(12)),
			Window: wire.XID(ev.Uint32(16)),
			Serial: ev.Uint32(20),
			Pixmap: wire.XID(ev.Uint32(24)),
		}, nil
	}

	return nil, fmt.Errorf("unknown Present event type %v", ev.EvType)
}

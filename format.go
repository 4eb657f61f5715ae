package xpresent

import (
	"slices"

	"deedles.dev/ximage"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/internal/xslices"
)

// Format modifiers. Linear is the universal fallback layout; invalid
// asks the allocator to choose.
const (
	ModLinear  uint64 = 0
	ModInvalid uint64 = 0x00ffffffffffffff
)

// Format describes one presentable pixel format: its wire geometry
// and the modifiers the driver can use with it, split into those it
// can render to and those it can only sample from.
type Format struct {
	FourCC     ximage.Format
	Depth      byte
	BPP        byte
	RedMask    uint32
	GreenMask  uint32
	BlueMask   uint32
	Renderable []uint64
	External   []uint64
}

// formatInfo is the static geometry of every format the library knows
// how to put on a window.
var formatInfo = []Format{
	{FourCC: ximage.ARGB8888, Depth: 32, BPP: 32, RedMask: 0x00ff0000, GreenMask: 0x0000ff00, BlueMask: 0x000000ff},
	{FourCC: ximage.XRGB8888, Depth: 24, BPP: 32, RedMask: 0x00ff0000, GreenMask: 0x0000ff00, BlueMask: 0x000000ff},
	{FourCC: ximage.ABGR8888, Depth: 32, BPP: 32, RedMask: 0x000000ff, GreenMask: 0x0000ff00, BlueMask: 0x00ff0000},
	{FourCC: ximage.XBGR8888, Depth: 24, BPP: 32, RedMask: 0x000000ff, GreenMask: 0x0000ff00, BlueMask: 0x00ff0000},
	{FourCC: ximage.RGB565, Depth: 16, BPP: 16, RedMask: 0x0000f800, GreenMask: 0x000007e0, BlueMask: 0x0000001f},
}

// buildFormats intersects the static format table with what the
// driver reports it can handle.
func buildFormats(drv driver.Display) []*Format {
	supported := drv.Formats()

	var formats []*Format
	for i := range formatInfo {
		info := formatInfo[i]
		if !slices.Contains(supported, uint32(info.FourCC)) {
			continue
		}

		f := info
		f.Renderable, f.External = drv.Modifiers(uint32(f.FourCC))
		if len(f.Renderable) == 0 {
			continue
		}
		formats = append(formats, &f)
	}
	return formats
}

func findFormat(formats []*Format, fc ximage.Format) *Format {
	for _, f := range formats {
		if f.FourCC == fc {
			return f
		}
	}
	return nil
}

// renderableIntersection narrows a format's renderable modifiers to
// those in the given set.
func (f *Format) renderableIntersection(mods []uint64) []uint64 {
	return xslices.Intersect(f.Renderable, mods)
}

package xpresent

import (
	"fmt"
	"slices"

	"deedles.dev/ximage"
	"deedles.dev/xpresent/driver"
	"deedles.dev/xpresent/internal/xslices"
	"deedles.dev/xpresent/wire"
)

// EGL surface-type bits exposed on configs.
const (
	PixmapBit = 0x2
	WindowBit = 0x4
)

// VisualTypeTrueColor is the native visual type reported for window
// configs.
const VisualTypeTrueColor = 4

// Config joins a driver EGL config with the wire-level format and
// visual it presents as. A config with a nil Format exists but cannot
// back a window or pixmap surface.
type Config struct {
	Driver           driver.Config
	Format           *Format
	SurfaceMask      uint32
	VisualID         uint32
	NativeRenderable bool
}

// buildConfigs derives the config list from the driver's configs and
// the screen's visuals. Pixmap surfaces only need a known format; a
// window surface additionally needs a TrueColor visual whose channel
// masks match the format exactly.
func buildConfigs(drv driver.Display, formats []*Format, screen *wire.Screen) []*Config {
	var configs []*Config
	for _, dc := range drv.Configs() {
		c := Config{Driver: dc}

		fc, ok := drv.ConfigFourCC(dc)
		if ok {
			c.Format = findFormat(formats, ximage.Format(fc))
		}
		if c.Format != nil {
			c.SurfaceMask |= PixmapBit
			c.NativeRenderable = true

			v, ok := screen.TrueColorVisual(c.Format.Depth, c.Format.RedMask, c.Format.GreenMask, c.Format.BlueMask)
			if ok {
				c.SurfaceMask |= WindowBit
				c.VisualID = v.ID
			}
		}

		configs = append(configs, &c)
	}
	return configs
}

// ChooseCriteria narrows the config list. Zero-valued fields do not
// filter.
type ChooseCriteria struct {
	// SurfaceMask is a set of surface-type bits the config must
	// carry.
	SurfaceMask uint32

	// FourCC requires an exact format.
	FourCC ximage.Format

	// NativePixmap names a server pixmap the config must be able to
	// present to. Its depth, bits per pixel, and modifier are queried
	// once and checked against each candidate.
	NativePixmap wire.XID
}

// ChooseConfig returns the configs that satisfy the criteria.
func (d *Display) ChooseConfig(crit ChooseCriteria) ([]*Config, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.terminated {
		return nil, fmt.Errorf("%w: display terminated", ErrNotAvailable)
	}

	configs := d.configs
	if crit.NativePixmap != 0 {
		bufs, err := d.dri3.BuffersFromPixmap(crit.NativePixmap)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadNativePixmap, err)
		}
		bufs.Close()
		configs = xslices.Filter(configs, func(c *Config) bool {
			return c.matchesPixmap(bufs.Depth, bufs.BPP, bufs.Modifier, d.supportsPrime)
		})
	}

	return xslices.Filter(configs, func(c *Config) bool {
		if c.SurfaceMask&crit.SurfaceMask != crit.SurfaceMask {
			return false
		}
		if crit.FourCC != 0 && (c.Format == nil || c.Format.FourCC != crit.FourCC) {
			return false
		}
		return true
	}), nil
}

// matchesPixmap reports whether the config can present to a pixmap of
// the given geometry. A modifier the driver cannot touch is still fine
// when PRIME can interpose a linear intermediate.
func (c *Config) matchesPixmap(depth, bpp byte, modifier uint64, prime bool) bool {
	f := c.Format
	if f == nil || f.Depth != depth || f.BPP != bpp {
		return false
	}
	return prime ||
		slices.Contains(f.Renderable, modifier) ||
		slices.Contains(f.External, modifier)
}

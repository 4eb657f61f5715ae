package xpresent

import "errors"

// Error kinds raised by the presentation core. The entry-point glue
// maps them to EGL error codes; within the library they are matched
// with errors.Is through whatever context has been wrapped around
// them.
var (
	// ErrNotAvailable means the server cannot host this library at
	// all: required extensions missing or too old, a non-UNIX
	// transport, or a native NVIDIA GLX stack already in place.
	ErrNotAvailable = errors.New("presentation not available on this server")

	// ErrDeviceMismatch means the requested render device cannot be
	// combined with the server's device.
	ErrDeviceMismatch = errors.New("render device mismatch")

	// ErrBadNativeWindow marks an unusable window: wrong screen,
	// invalid XID, zero size, or visual mismatch. It is also the
	// terminal state of a window the server reports destroyed.
	ErrBadNativeWindow = errors.New("bad native window")

	// ErrBadNativePixmap marks a pixmap whose depth, bpp, or plane
	// count does not fit the requested config.
	ErrBadNativePixmap = errors.New("bad native pixmap")

	// ErrBadMatch means the config lacks a required surface bit or
	// names a format the driver cannot render.
	ErrBadMatch = errors.New("config does not match surface")

	// ErrExhausted means an allocation failed: GPU memory, file
	// descriptors, or syncobjs.
	ErrExhausted = errors.New("resources exhausted")
)

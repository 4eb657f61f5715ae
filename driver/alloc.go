package driver

import "os"

// Allocator abstracts the GPU buffer allocator that backs shared
// pixmaps, a GBM device in practice.
type Allocator interface {
	// Backend names the allocator implementation.
	Backend() string

	// Alloc allocates a buffer, choosing a modifier from the given
	// set. An empty set allows any modifier the allocator likes.
	Alloc(width, height uint32, format uint32, modifiers []uint64) (BO, error)

	// Close releases the allocator and its device fd.
	Close() error
}

// BO is one allocated buffer object.
type BO interface {
	Width() uint32
	Height() uint32
	Format() uint32
	Modifier() uint64

	// Planes returns the plane count; Stride and Offset address one
	// plane.
	Planes() int
	Stride(plane int) uint32
	Offset(plane int) uint32

	// FD exports the buffer as a dma-buf. Each call returns a fresh
	// fd owned by the caller.
	FD() (*os.File, error)

	// Close releases the buffer object.
	Close() error
}

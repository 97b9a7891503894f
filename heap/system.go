package heap

import (
	"github.com/cockroachdb/errors"
)

// SystemAllocator is the source of the raw memory behind every arena block. Implementations must
// be safe to call with the arena lock held and must not call back into the arena.
type SystemAllocator interface {
	// Allocate returns size bytes whose content is unspecified
	Allocate(size int) ([]byte, error)
	// AllocateZeroed returns size zeroed bytes
	AllocateZeroed(size int) ([]byte, error)
	// Reallocate resizes mem from oldSize to newSize, preserving the common prefix. Bytes beyond
	// oldSize are zero. On failure mem is left untouched and remains valid.
	Reallocate(mem []byte, oldSize, newSize int) ([]byte, error)
	// FreeZeroing clears mem and returns it to the system
	FreeZeroing(mem []byte)
}

// GoAllocator serves blocks from the Go heap. Go memory is always zeroed on allocation, so
// Allocate and AllocateZeroed behave the same.
type GoAllocator struct {
	// Limit is the maximum number of bytes that may be outstanding at once, or 0 for no limit
	Limit int

	outstanding int
}

var _ SystemAllocator = &GoAllocator{}

func NewGoAllocator() *GoAllocator {
	return &GoAllocator{}
}

func (g *GoAllocator) reserve(size int) error {
	if g.Limit > 0 && g.outstanding+size > g.Limit {
		return errors.Newf("system allocator limit of %d bytes reached (%d outstanding, %d requested)",
			g.Limit, g.outstanding, size)
	}
	g.outstanding += size
	return nil
}

func (g *GoAllocator) Allocate(size int) ([]byte, error) {
	return g.AllocateZeroed(size)
}

func (g *GoAllocator) AllocateZeroed(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid system allocation size %d", size)
	}
	if err := g.reserve(size); err != nil {
		return nil, err
	}

	return make([]byte, size), nil
}

func (g *GoAllocator) Reallocate(mem []byte, oldSize, newSize int) ([]byte, error) {
	if newSize <= 0 {
		return nil, errors.Newf("invalid system reallocation size %d", newSize)
	}
	if err := g.reserve(newSize); err != nil {
		return nil, err
	}

	resized := make([]byte, newSize)
	copy(resized, mem[:min(oldSize, newSize)])
	g.FreeZeroing(mem[:oldSize])

	return resized, nil
}

func (g *GoAllocator) FreeZeroing(mem []byte) {
	clear(mem)
	g.outstanding -= len(mem)
}

// Outstanding returns the number of bytes currently handed out
func (g *GoAllocator) Outstanding() int {
	return g.outstanding
}

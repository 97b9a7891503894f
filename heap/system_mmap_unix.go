//go:build unix

package heap

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
)

// MmapAllocator serves every block from its own anonymous private mapping. Released blocks are
// unmapped, so a stale payload slice faults instead of silently reading reused memory.
type MmapAllocator struct {
	pageSize int
}

var _ SystemAllocator = &MmapAllocator{}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{pageSize: os.Getpagesize()}
}

func (m *MmapAllocator) mappedSize(size int) int {
	return memutils.AlignUp(size, uint(m.pageSize))
}

func (m *MmapAllocator) Allocate(size int) ([]byte, error) {
	return m.AllocateZeroed(size)
}

func (m *MmapAllocator) AllocateZeroed(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid system allocation size %d", size)
	}

	mapping, err := unix.Mmap(-1, 0, m.mappedSize(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes", size)
	}

	return mapping[:size], nil
}

func (m *MmapAllocator) Reallocate(mem []byte, oldSize, newSize int) ([]byte, error) {
	resized, err := m.AllocateZeroed(newSize)
	if err != nil {
		return nil, err
	}

	copy(resized, mem[:min(oldSize, newSize)])
	m.FreeZeroing(mem)

	return resized, nil
}

func (m *MmapAllocator) FreeZeroing(mem []byte) {
	if cap(mem) == 0 {
		return
	}

	mapping := mem[:m.mappedSize(cap(mem))]
	clear(mapping)
	if err := unix.Munmap(mapping); err != nil {
		panic(errors.Wrapf(err, "unmapping %d bytes", len(mapping)))
	}
}

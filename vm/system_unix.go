//go:build unix

package vm

import (
	"github.com/cyberus-technology/virtualbox-kvm-sub211/config"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap"
)

func systemAllocator(kind config.HeapAllocator) (heap.SystemAllocator, error) {
	if kind == config.HeapAllocatorMmap {
		return heap.NewMmapAllocator(), nil
	}
	return heap.NewGoAllocator(), nil
}

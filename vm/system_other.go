//go:build !unix

package vm

import (
	"github.com/cockroachdb/errors"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/config"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap"
)

func systemAllocator(kind config.HeapAllocator) (heap.SystemAllocator, error) {
	if kind == config.HeapAllocatorMmap {
		return nil, errors.Newf("heap allocator %q is only available on unix", kind)
	}
	return heap.NewGoAllocator(), nil
}

package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// HeapCounters is the running accounting record kept for every heap tag as well as for the heap
// as a whole. Byte counters come in two families: the caller-visible family counts requested sizes,
// the block family counts what was actually taken from the system allocator, including alignment
// padding and the block header.
type HeapCounters struct {
	Allocations   uint64
	Reallocations uint64
	Frees         uint64
	Failures      uint64

	CurrentBytes   uint64
	BytesAllocated uint64
	BytesFreed     uint64

	CurrentBlockBytes   uint64
	BlockBytesAllocated uint64
	BlockBytesFreed     uint64
}

func (c *HeapCounters) Clear() {
	*c = HeapCounters{}
}

func (c *HeapCounters) AddCounters(other *HeapCounters) {
	c.Allocations += other.Allocations
	c.Reallocations += other.Reallocations
	c.Frees += other.Frees
	c.Failures += other.Failures
	c.CurrentBytes += other.CurrentBytes
	c.BytesAllocated += other.BytesAllocated
	c.BytesFreed += other.BytesFreed
	c.CurrentBlockBytes += other.CurrentBlockBytes
	c.BlockBytesAllocated += other.BlockBytesAllocated
	c.BlockBytesFreed += other.BlockBytesFreed
}

func (c *HeapCounters) AddAllocation(size, blockSize int) {
	c.Allocations++
	c.grow(size, blockSize)
}

func (c *HeapCounters) AddFree(size, blockSize int) {
	c.Frees++
	c.shrink(size, blockSize)
}

func (c *HeapCounters) AddFailure() {
	c.Failures++
}

// AddReallocation records a resize from oldSize to newSize. Growth is booked as freshly allocated
// bytes, shrinkage as freed bytes, so the cumulative counters keep balancing against the current ones.
func (c *HeapCounters) AddReallocation(oldSize, oldBlockSize, newSize, newBlockSize int) {
	c.Reallocations++

	if newSize >= oldSize {
		c.BytesAllocated += uint64(newSize - oldSize)
		c.CurrentBytes += uint64(newSize - oldSize)
	} else {
		c.BytesFreed += uint64(oldSize - newSize)
		c.CurrentBytes -= uint64(oldSize - newSize)
	}

	if newBlockSize >= oldBlockSize {
		c.BlockBytesAllocated += uint64(newBlockSize - oldBlockSize)
		c.CurrentBlockBytes += uint64(newBlockSize - oldBlockSize)
	} else {
		c.BlockBytesFreed += uint64(oldBlockSize - newBlockSize)
		c.CurrentBlockBytes -= uint64(oldBlockSize - newBlockSize)
	}
}

func (c *HeapCounters) grow(size, blockSize int) {
	c.BytesAllocated += uint64(size)
	c.CurrentBytes += uint64(size)
	c.BlockBytesAllocated += uint64(blockSize)
	c.CurrentBlockBytes += uint64(blockSize)
}

func (c *HeapCounters) shrink(size, blockSize int) {
	c.BytesFreed += uint64(size)
	c.CurrentBytes -= uint64(size)
	c.BlockBytesFreed += uint64(blockSize)
	c.CurrentBlockBytes -= uint64(blockSize)
}

// Validate verifies that allocated minus freed equals outstanding for both byte families
func (c *HeapCounters) Validate() error {
	if c.BytesAllocated-c.BytesFreed != c.CurrentBytes {
		return cerrors.Wrapf(AccountingError, "allocated %d - freed %d != current %d",
			c.BytesAllocated, c.BytesFreed, c.CurrentBytes)
	}

	if c.BlockBytesAllocated-c.BlockBytesFreed != c.CurrentBlockBytes {
		return cerrors.Wrapf(AccountingError, "block bytes allocated %d - freed %d != current %d",
			c.BlockBytesAllocated, c.BlockBytesFreed, c.CurrentBlockBytes)
	}

	if c.CurrentBlockBytes < c.CurrentBytes {
		return cerrors.Wrapf(AccountingError, "current block bytes %d below current bytes %d",
			c.CurrentBlockBytes, c.CurrentBytes)
	}

	return nil
}

// Package heap implements a tagged arena allocator. Every allocation is attributed to a Tag for
// statistics, every block is tracked so the whole arena can be released in one go, and callers never
// need to remember sizes to free what they allocated.
package heap

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap/internal/utils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

// Arena is a process-local heap. All methods are safe for concurrent use unless the arena was
// created with CreateExternallySynchronized.
type Arena struct {
	logger    *slog.Logger
	mutex     utils.OptionalMutex
	system    SystemAllocator
	callbacks blockCallbacks

	registry *stats.Registry
	prefix   string

	blocks    blockList
	tags      tagTable
	global    memutils.HeapCounters
	destroyed bool
}

func blockSizeFor(size int) int {
	return memutils.AlignUp(size, Alignment) + HeaderSize
}

// Allocate returns size bytes attributed to tag. With zeroFill unset the content is unspecified.
// A size of zero or less is a caller error and is reported as a failed allocation.
func (a *Arena) Allocate(tag Tag, size int, zeroFill bool) ([]byte, error) {
	a.logger.Debug("Arena::Allocate",
		slog.String("Tag", tag.String()),
		slog.Int("Size", size),
		slog.Bool("ZeroFill", zeroFill),
	)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, ErrDestroyed
	}

	return a.allocateLocked(tag, size, zeroFill)
}

func (a *Arena) allocateLocked(tag Tag, size int, zeroFill bool) ([]byte, error) {
	record := a.tagRecordLocked(tag)

	if size <= 0 {
		record.counters.AddFailure()
		a.global.AddFailure()

		a.logger.Error("Arena::Allocate called with an invalid size",
			slog.String("Tag", tag.String()),
			slog.Int("Size", size),
		)
		return nil, errors.Wrapf(ErrInvalidSize, "tag %s requested %d bytes", tag, size)
	}

	blockSize := blockSizeFor(size)

	var mem []byte
	var err error
	if zeroFill {
		mem, err = a.system.AllocateZeroed(blockSize)
	} else {
		mem, err = a.system.Allocate(blockSize)
	}
	if err != nil {
		record.counters.AddFailure()
		a.global.AddFailure()

		a.logger.Debug("    Arena::Allocate FAILED", slog.Any("error", err))
		return nil, errors.Mark(errors.Wrapf(err, "allocating %d bytes for tag %s", size, tag), ErrOutOfMemory)
	}

	memutils.WriteGuard(mem)
	slot := a.blocks.Insert(mem, size, record)
	payload := a.blocks.At(slot).payload()

	if !zeroFill && memutils.DebugFillAllocations {
		for i := range payload {
			payload[i] = memutils.CreatedFillPattern
		}
	}

	record.counters.AddAllocation(size, blockSize)
	a.global.AddAllocation(size, blockSize)
	a.callbacks.Allocate(tag, blockSize)

	return payload, nil
}

// Reallocate resizes a block previously returned by this arena. The returned slice may live at a
// different address, in which case payload must no longer be used. Growth is zero-filled. A newSize
// of zero frees the block and returns nil. On failure the original block is untouched and valid.
func (a *Arena) Reallocate(payload []byte, newSize int) ([]byte, error) {
	a.logger.Debug("Arena::Reallocate", slog.Int("NewSize", newSize))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, ErrDestroyed
	}

	slot := a.blocks.Lookup(payload)
	if slot == noBlock {
		return nil, errors.Wrap(ErrInvalidPointer, "reallocating")
	}

	if newSize == 0 {
		a.freeLocked(slot)
		return nil, nil
	}

	b := a.blocks.At(slot)
	record := b.record
	if newSize < 0 {
		record.counters.AddFailure()
		a.global.AddFailure()
		return nil, errors.Wrapf(ErrInvalidSize, "tag %s requested %d bytes", record.tag, newSize)
	}

	oldMem := b.mem
	oldSize := b.size
	oldBlockSize := len(oldMem)
	newBlockSize := blockSizeFor(newSize)

	// Detach the block while the system allocator works on it so no walk sees a half-moved block
	a.blocks.Unlink(slot)

	newMem, err := a.system.Reallocate(oldMem, oldBlockSize, newBlockSize)
	if err != nil {
		a.blocks.Relink(slot, oldMem, oldSize)

		record.counters.AddFailure()
		a.global.AddFailure()

		a.logger.Debug("    Arena::Reallocate FAILED", slog.Any("error", err))
		return nil, errors.Mark(errors.Wrapf(err, "resizing %d to %d bytes for tag %s", oldSize, newSize, record.tag), ErrOutOfMemory)
	}

	a.callbacks.Free(record.tag, oldBlockSize)
	a.callbacks.Allocate(record.tag, newBlockSize)

	// The system allocator copies whole blocks, so the padding past a shrunk payload still holds old data
	clear(newMem[memutils.GuardSize+min(oldSize, newSize):])
	memutils.WriteGuard(newMem)
	a.blocks.Relink(slot, newMem, newSize)

	record.counters.AddReallocation(oldSize, oldBlockSize, newSize, newBlockSize)
	a.global.AddReallocation(oldSize, oldBlockSize, newSize, newBlockSize)

	return a.blocks.At(slot).payload(), nil
}

// Free releases a block previously returned by this arena. Freeing nil is a no-op. The block's
// memory is cleared before it is handed back to the system.
func (a *Arena) Free(payload []byte) error {
	if payload == nil {
		return nil
	}

	a.logger.Debug("Arena::Free", slog.Int("Size", len(payload)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}

	slot := a.blocks.Lookup(payload)
	if slot == noBlock {
		return errors.Wrap(ErrInvalidPointer, "freeing")
	}

	a.freeLocked(slot)
	return nil
}

func (a *Arena) freeLocked(slot int32) {
	b := a.blocks.At(slot)
	mem := b.mem
	size := b.size
	record := b.record

	if !memutils.ValidateGuard(mem) {
		a.logger.Error("Arena::Free found an overwritten block header",
			slog.String("Tag", record.tag.String()),
			slog.Int("Size", size),
		)
	}

	a.blocks.Release(slot)

	record.counters.AddFree(size, len(mem))
	a.global.AddFree(size, len(mem))

	a.callbacks.Free(record.tag, len(mem))
	a.system.FreeZeroing(mem)
}

// Destroy releases every block still outstanding, then the arena itself. Payloads handed out by
// the arena must not be used afterwards. Destroy is meant to be called once; later calls, like any
// other call on a destroyed arena, return ErrDestroyed.
func (a *Arena) Destroy() error {
	a.logger.Debug("Arena::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}

	a.blocks.Walk(func(_ int32, b *block) bool {
		a.logUnreleasedMemory(b)
		a.callbacks.Free(b.record.tag, len(b.mem))
		a.system.FreeZeroing(b.mem)
		return false
	})

	a.blocks.Init()
	a.tags.records.Clear()
	if a.registry != nil {
		a.registry.Deregister(a.prefix + "/")
	}
	a.destroyed = true

	return nil
}

func (a *Arena) logUnreleasedMemory(b *block) {
	a.logger.Debug("Arena::Destroy releasing unfreed block",
		slog.String("Tag", b.record.tag.String()),
		slog.Int("Size", b.size),
	)
}

// DuplicateString copies a NUL-terminated string into the arena. The copy stops at the first NUL
// in text, or at its end, and is always NUL-terminated. A nil text yields a nil result.
func (a *Arena) DuplicateString(tag Tag, text []byte) ([]byte, error) {
	if text == nil {
		return nil, nil
	}

	length := bytes.IndexByte(text, 0)
	if length < 0 {
		length = len(text)
	}

	dup, err := a.Allocate(tag, length+1, false)
	if err != nil {
		return nil, err
	}

	copy(dup, text[:length])
	dup[length] = 0
	return dup, nil
}

// DuplicateGoString is DuplicateString for Go strings
func (a *Arena) DuplicateGoString(tag Tag, text string) ([]byte, error) {
	if length := strings.IndexByte(text, 0); length >= 0 {
		text = text[:length]
	}

	dup, err := a.Allocate(tag, len(text)+1, false)
	if err != nil {
		return nil, err
	}

	copy(dup, text)
	dup[len(text)] = 0
	return dup, nil
}

const maxPooledScratch = 64 * 1024

var scratchPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

// FormattedAllocate formats according to a format specifier and returns the NUL-terminated result
// allocated in the arena
func (a *Arena) FormattedAllocate(tag Tag, format string, args ...any) ([]byte, error) {
	scratch := scratchPool.Get().(*[]byte)
	defer func() {
		if cap(*scratch) <= maxPooledScratch {
			*scratch = (*scratch)[:0]
			scratchPool.Put(scratch)
		}
	}()

	*scratch = fmt.Appendf((*scratch)[:0], format, args...)
	*scratch = append(*scratch, 0)

	return a.DuplicateString(tag, *scratch)
}

// BlockCount returns the number of live blocks
func (a *Arena) BlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.Count()
}

// Validate performs internal consistency checks: the block list must be well formed, the counters
// must balance, and the aggregate must cover every tag
func (a *Arena) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}

	if err := a.blocks.Validate(); err != nil {
		return errors.Wrap(err, "arena block list")
	}

	if err := a.global.Validate(); err != nil {
		return errors.Wrap(err, "global counters")
	}

	var sum memutils.HeapCounters
	var tagErr error
	a.tags.records.Iter(func(tag Tag, record *tagRecord) bool {
		if err := record.counters.Validate(); err != nil {
			tagErr = errors.Wrapf(err, "tag %s counters", tag)
			return true
		}
		if record.counters.CurrentBytes > a.global.CurrentBytes {
			tagErr = errors.Newf("tag %s holds %d bytes, more than the arena total of %d",
				tag, record.counters.CurrentBytes, a.global.CurrentBytes)
			return true
		}
		sum.AddCounters(&record.counters)
		return false
	})
	if tagErr != nil {
		return tagErr
	}

	if sum != a.global {
		return errors.Newf("per-tag counters %+v do not add up to the global counters %+v", sum, a.global)
	}

	var liveBytes, liveBlockBytes uint64
	a.blocks.Walk(func(_ int32, b *block) bool {
		liveBytes += uint64(b.size)
		liveBlockBytes += uint64(len(b.mem))
		return false
	})
	if liveBytes != a.global.CurrentBytes || liveBlockBytes != a.global.CurrentBlockBytes {
		return errors.Newf("live blocks hold %d/%d bytes but the counters say %d/%d",
			liveBytes, liveBlockBytes, a.global.CurrentBytes, a.global.CurrentBlockBytes)
	}

	return nil
}

// CheckCorruption verifies the guard pattern in front of every live block
func (a *Arena) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.blocks.Walk(func(_ int32, b *block) bool {
		if !memutils.ValidateGuard(b.mem) {
			err = errors.Wrapf(ErrCorruption, "block of %d bytes with tag %s", b.size, b.record.tag)
			return true
		}
		return false
	})

	return err
}

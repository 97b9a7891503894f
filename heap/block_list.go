package heap

import (
	"unsafe"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

const noBlock int32 = -1

// block is the side-table header for one live allocation. The memory it describes starts with
// memutils.GuardSize bytes of guard pattern followed by the caller's payload.
type block struct {
	mem    []byte
	size   int
	record *tagRecord

	prev int32
	next int32
	live bool
}

func (b *block) payload() []byte {
	return b.mem[memutils.GuardSize : memutils.GuardSize+b.size : memutils.GuardSize+b.size]
}

// blockList is an index-linked doubly linked list of every block the arena has handed out.
// Slots are recycled through freeSlots, and payload addresses map back to their slot so callers
// never need to supply sizes when freeing.
type blockList struct {
	blocks    []block
	freeSlots []int32
	byAddress *swiss.Map[uintptr, int32]

	count int
	head  int32
	tail  int32
}

func (l *blockList) Init() {
	l.blocks = nil
	l.freeSlots = nil
	l.byAddress = swiss.NewMap[uintptr, int32](64)
	l.count = 0
	l.head = noBlock
	l.tail = noBlock
}

func payloadAddress(payload []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(payload)))
}

// Lookup finds the slot owning payload, or noBlock if the payload did not come from this list
func (l *blockList) Lookup(payload []byte) int32 {
	if cap(payload) == 0 {
		return noBlock
	}

	slot, ok := l.byAddress.Get(payloadAddress(payload))
	if !ok {
		return noBlock
	}
	return slot
}

func (l *blockList) At(slot int32) *block {
	return &l.blocks[slot]
}

// Insert records a new block and appends it at the tail
func (l *blockList) Insert(mem []byte, size int, record *tagRecord) int32 {
	var slot int32
	if n := len(l.freeSlots); n > 0 {
		slot = l.freeSlots[n-1]
		l.freeSlots = l.freeSlots[:n-1]
	} else {
		l.blocks = append(l.blocks, block{})
		slot = int32(len(l.blocks) - 1)
	}

	l.blocks[slot] = block{
		mem:    mem,
		size:   size,
		record: record,
		prev:   noBlock,
		next:   noBlock,
		live:   true,
	}
	l.index(slot)
	l.pushBlock(slot)

	return slot
}

// Unlink detaches a block from the list and the address index without releasing its slot
func (l *blockList) Unlink(slot int32) {
	l.byAddress.Delete(payloadAddress(l.blocks[slot].payload()))
	l.removeBlock(slot)
}

// Relink attaches a previously unlinked block at the tail, after its memory may have moved
func (l *blockList) Relink(slot int32, mem []byte, size int) {
	b := &l.blocks[slot]
	b.mem = mem
	b.size = size

	l.index(slot)
	l.pushBlock(slot)
}

// Release removes a block entirely and recycles its slot
func (l *blockList) Release(slot int32) {
	l.Unlink(slot)
	l.blocks[slot] = block{prev: noBlock, next: noBlock}
	l.freeSlots = append(l.freeSlots, slot)
}

// Walk visits each live block from head to tail. Returning true from the callback stops the walk.
func (l *blockList) Walk(visit func(slot int32, b *block) bool) {
	for slot := l.head; slot != noBlock; {
		next := l.blocks[slot].next
		if visit(slot, &l.blocks[slot]) {
			return
		}
		slot = next
	}
}

func (l *blockList) Count() int {
	return l.count
}

func (l *blockList) Validate() error {
	if l.head == noBlock || l.tail == noBlock {
		if l.head != l.tail || l.count != 0 {
			return errors.Errorf("empty list has head %d, tail %d and count %d", l.head, l.tail, l.count)
		}
		return nil
	}

	if l.blocks[l.head].prev != noBlock {
		return errors.Errorf("head block %d has a previous block %d", l.head, l.blocks[l.head].prev)
	}
	if l.blocks[l.tail].next != noBlock {
		return errors.Errorf("tail block %d has a next block %d", l.tail, l.blocks[l.tail].next)
	}

	actualCount := 0
	prev := noBlock
	for slot := l.head; slot != noBlock; slot = l.blocks[slot].next {
		b := &l.blocks[slot]
		if !b.live {
			return errors.Errorf("block %d is linked but not live", slot)
		}
		if b.prev != prev {
			return errors.Errorf("block %d points back to %d instead of %d", slot, b.prev, prev)
		}

		indexed, ok := l.byAddress.Get(payloadAddress(b.payload()))
		if !ok || indexed != slot {
			return errors.Errorf("block %d is missing from the address index", slot)
		}

		actualCount++
		if actualCount > len(l.blocks) {
			return errors.New("block list contains a cycle")
		}
		prev = slot
	}

	if prev != l.tail {
		return errors.Errorf("walk ended at block %d but the tail is %d", prev, l.tail)
	}

	if actualCount != l.count {
		return errors.Errorf("the listed number of blocks in the list (%d) does not match the actual number of blocks (%d)", l.count, actualCount)
	}

	if indexed := l.byAddress.Count(); indexed != l.count {
		return errors.Errorf("address index holds %d entries for %d blocks", indexed, l.count)
	}

	return nil
}

func (l *blockList) index(slot int32) {
	l.byAddress.Put(payloadAddress(l.blocks[slot].payload()), slot)
}

func (l *blockList) removeBlock(slot int32) {
	b := &l.blocks[slot]
	prev := b.prev
	next := b.next

	if prev != noBlock {
		l.blocks[prev].next = next
	} else {
		l.head = next
	}

	if next != noBlock {
		l.blocks[next].prev = prev
	} else {
		l.tail = prev
	}

	b.prev = noBlock
	b.next = noBlock

	l.count--
}

func (l *blockList) pushBlock(slot int32) {
	b := &l.blocks[slot]
	if l.count == 0 {
		l.head = slot
		l.tail = slot
		l.count = 1
	} else {
		b.prev = l.tail
		l.blocks[l.tail].next = slot

		l.tail = slot
		l.count++
	}
}

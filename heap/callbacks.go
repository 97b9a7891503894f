package heap

// AllocateBlockCallback is invoked after the arena obtains memory for a block from its system
// allocator. size counts the whole block, header included.
type AllocateBlockCallback func(
	arena *Arena,
	tag Tag,
	size int,
	userData interface{},
)

// FreeBlockCallback is invoked before the arena returns a block's memory to its system allocator
type FreeBlockCallback func(
	arena *Arena,
	tag Tag,
	size int,
	userData interface{},
)

// CallbackOptions lets the consumer observe the arena's traffic with its system allocator.
// Callbacks run with the arena lock held and must not call back into the arena.
type CallbackOptions struct {
	Allocate AllocateBlockCallback
	Free     FreeBlockCallback
	UserData interface{}
}

type blockCallbacks struct {
	Callbacks *CallbackOptions
	Arena     *Arena
}

func (c *blockCallbacks) Allocate(tag Tag, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Arena, tag, size, c.Callbacks.UserData)
	}
}

func (c *blockCallbacks) Free(tag Tag, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Arena, tag, size, c.Callbacks.UserData)
	}
}

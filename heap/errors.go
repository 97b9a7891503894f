package heap

import "github.com/pkg/errors"

var (
	// ErrInvalidSize is returned when an allocation of zero or negative size is requested
	ErrInvalidSize = errors.New("heap: allocation size must be positive")
	// ErrOutOfMemory marks failures of the underlying system allocator
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidPointer is returned when a payload was not handed out by the arena or was already freed
	ErrInvalidPointer = errors.New("heap: payload does not belong to a live block")
	// ErrDestroyed is returned by every operation on an arena after Destroy
	ErrDestroyed = errors.New("heap: arena has been destroyed")
	// ErrCorruption is returned when a block's guard area was overwritten
	ErrCorruption = errors.New("heap: block guard overwritten")
)

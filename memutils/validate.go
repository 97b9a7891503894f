package memutils

import "encoding/binary"

const (
	// GuardSize is the number of bytes reserved in front of every heap block to hold the guard value
	GuardSize int = 16
	// guardMagicValue is a 4-byte pattern repeated across the guard area of every heap block
	guardMagicValue uint32 = 0x7F84E666

	// CreatedFillPattern is written across fresh allocations that were not requested zero-filled
	// when DebugFillAllocations is set
	CreatedFillPattern uint8 = 0xDC
)

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// WriteGuard stamps the guard pattern across the first GuardSize bytes of block.
func WriteGuard(block []byte) {
	for offset := 0; offset+4 <= GuardSize && offset+4 <= len(block); offset += 4 {
		binary.LittleEndian.PutUint32(block[offset:], guardMagicValue)
	}
}

// ValidateGuard verifies that the pattern written by WriteGuard is still present. It returns true if
// the value is intact and false otherwise.
func ValidateGuard(block []byte) bool {
	if len(block) < GuardSize {
		return false
	}

	for offset := 0; offset+4 <= GuardSize; offset += 4 {
		if binary.LittleEndian.Uint32(block[offset:]) != guardMagicValue {
			return false
		}
	}

	return true
}

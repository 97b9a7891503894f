package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	~int | ~uint | ~int32 | ~uint32 | ~int64 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AtLeast returns value, or floor if value is smaller
func AtLeast[T constraints.Ordered](value, floor T) T {
	if value < floor {
		return floor
	}
	return value
}

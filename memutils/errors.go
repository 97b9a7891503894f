package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// AccountingError is returned from HeapCounters.Validate when the cumulative counters no longer
// agree with the outstanding counters
var AccountingError error = errors.New("heap counters are inconsistent")

package mm

import "github.com/pkg/errors"

var (
	// ErrWrongOrder is returned when an operation is attempted in a state that does not allow it,
	// such as reserving handy pages twice
	ErrWrongOrder = errors.New("mm: wrong order")
	// ErrInvalidParameter is returned for adjustments that would leave a counter negative and for
	// malformed paging configuration
	ErrInvalidParameter = errors.New("mm: invalid parameter")
	// ErrReservationDeclined is returned by brokers that cannot satisfy a reservation
	ErrReservationDeclined = errors.New("mm: insufficient memory to satisfy the reservation")
	// ErrMemorySizeMismatch is returned when a saved state was taken with a different RAM size
	ErrMemorySizeMismatch = errors.New("mm: saved RAM size does not match the configured RAM size")
)

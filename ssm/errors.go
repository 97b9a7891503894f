package ssm

import "github.com/pkg/errors"

var (
	// ErrBadMagic is returned by Load if the stream does not start with the saved-state header
	ErrBadMagic = errors.New("ssm: bad magic header")
	// ErrUnitExists is returned when a unit name and instance are registered twice
	ErrUnitExists = errors.New("ssm: unit already registered")
	// ErrUnitNotFound is returned by Load for a stream unit nobody registered
	ErrUnitNotFound = errors.New("ssm: unit not found")
	// ErrUnitMissing is returned by Load when a registered unit is absent from the stream
	ErrUnitMissing = errors.New("ssm: registered unit missing from the saved state")
	// ErrUnitDataLeft is returned by Load when a load callback did not consume its whole payload
	ErrUnitDataLeft = errors.New("ssm: unit did not consume all of its data")
	// ErrUnitDataShort is returned by UnitReader when a read runs past the end of the payload
	ErrUnitDataShort = errors.New("ssm: read past the end of the unit data")
	// ErrUnsupportedUnitVersion is returned by load callbacks that do not understand the stored version
	ErrUnsupportedUnitVersion = errors.New("ssm: unsupported unit version")
	// ErrInvalidUnit is returned for malformed unit names or oversized unit records
	ErrInvalidUnit = errors.New("ssm: invalid unit")
)

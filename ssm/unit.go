package ssm

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// SaveFunc writes a unit's payload
type SaveFunc func(w *UnitWriter) error

// LoadFunc consumes a unit's payload. version is the version the unit was saved with, which may
// differ from the version it is registered with.
type LoadFunc func(r *UnitReader, version uint32) error

// VersionMajor returns the major component of a unit version, kept in the upper 16 bits
func VersionMajor(version uint32) uint32 {
	return version >> 16
}

// VersionMajorChanged reports whether two unit versions differ in their major component
func VersionMajorChanged(a, b uint32) bool {
	return VersionMajor(a) != VersionMajor(b)
}

// UnitWriter accumulates a unit's payload. Integers are stored big-endian.
type UnitWriter struct {
	data []byte
}

func (w *UnitWriter) PutU64(value uint64) {
	w.data = binary.BigEndian.AppendUint64(w.data, value)
}

func (w *UnitWriter) PutU32(value uint32) {
	w.data = binary.BigEndian.AppendUint32(w.data, value)
}

func (w *UnitWriter) PutBool(value bool) {
	if value {
		w.data = append(w.data, 1)
	} else {
		w.data = append(w.data, 0)
	}
}

// Len returns the number of payload bytes written so far
func (w *UnitWriter) Len() int {
	return len(w.data)
}

// UnitReader hands a unit's payload to its load callback
type UnitReader struct {
	name   string
	data   []byte
	offset int
}

func (r *UnitReader) take(n int) ([]byte, error) {
	if len(r.data)-r.offset < n {
		return nil, errors.Wrapf(ErrUnitDataShort, "unit %q: need %d bytes at offset %d of %d",
			r.name, n, r.offset, len(r.data))
	}

	out := r.data[r.offset : r.offset+n]
	r.offset += n
	return out, nil
}

func (r *UnitReader) GetU64() (uint64, error) {
	raw, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (r *UnitReader) GetU32() (uint32, error) {
	raw, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (r *UnitReader) GetBool() (bool, error) {
	raw, err := r.take(1)
	if err != nil {
		return false, err
	}
	return raw[0] != 0, nil
}

// Remaining returns the number of payload bytes not consumed yet
func (r *UnitReader) Remaining() int {
	return len(r.data) - r.offset
}

// Name returns the name of the unit being loaded
func (r *UnitReader) Name() string {
	return r.name
}

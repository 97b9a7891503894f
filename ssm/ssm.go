// Package ssm is the saved-state manager. Components register named, versioned units with a save
// and a load callback; the manager frames every unit's payload into a single stream and dispatches
// each unit back to its owner on load.
//
// The stream layout is:
//
//	magic header (8 bytes)
//	unit count (4 bytes)
//	per unit:
//	    name length (2 bytes), name
//	    instance (4 bytes)
//	    version (4 bytes)
//	    payload length (4 bytes), payload
//
// All integers are big-endian.
package ssm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

var magicHeader = []byte("VMSSM\x00\x00\x02")

const (
	maxNameLength = 255
	maxUnitSize   = 16 * 1024 * 1024
)

type unitKey struct {
	name     string
	instance uint32
}

type unit struct {
	key     unitKey
	version uint32
	save    SaveFunc
	load    LoadFunc
}

// Manager keeps the registered units in registration order. It is meant to be driven from a single
// administrative goroutine.
type Manager struct {
	logger *slog.Logger
	units  []*unit
	byKey  *swiss.Map[unitKey, *unit]
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger: logger,
		byKey:  swiss.NewMap[unitKey, *unit](8),
	}
}

// RegisterInternal registers a unit owned by the VMM itself
func (m *Manager) RegisterInternal(name string, instance, version uint32, save SaveFunc, load LoadFunc) error {
	m.logger.Debug("Manager::RegisterInternal",
		slog.String("Name", name),
		slog.Uint64("Instance", uint64(instance)),
		slog.Uint64("Version", uint64(version)),
	)

	if name == "" || len(name) > maxNameLength {
		return errors.Wrapf(ErrInvalidUnit, "unit name %q", name)
	}
	if save == nil || load == nil {
		return errors.Wrapf(ErrInvalidUnit, "unit %q needs both a save and a load callback", name)
	}

	key := unitKey{name: name, instance: instance}
	if m.byKey.Has(key) {
		return errors.Wrapf(ErrUnitExists, "%q instance %d", name, instance)
	}

	u := &unit{key: key, version: version, save: save, load: load}
	m.units = append(m.units, u)
	m.byKey.Put(key, u)

	return nil
}

// Deregister removes a unit. It returns false if no such unit was registered.
func (m *Manager) Deregister(name string, instance uint32) bool {
	key := unitKey{name: name, instance: instance}
	if !m.byKey.Has(key) {
		return false
	}

	m.byKey.Delete(key)
	for i, u := range m.units {
		if u.key == key {
			m.units = append(m.units[:i], m.units[i+1:]...)
			break
		}
	}
	return true
}

// UnitCount returns the number of registered units
func (m *Manager) UnitCount() int {
	return len(m.units)
}

// Save runs every unit's save callback in registration order and writes the framed stream to w
func (m *Manager) Save(w io.Writer) error {
	m.logger.Debug("Manager::Save", slog.Int("Units", len(m.units)))

	out := bufio.NewWriter(w)
	if _, err := out.Write(magicHeader); err != nil {
		return errors.Wrap(err, "writing saved-state header")
	}

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(m.units)))
	if _, err := out.Write(scratch[:4]); err != nil {
		return errors.Wrap(err, "writing unit count")
	}

	for _, u := range m.units {
		unitWriter := &UnitWriter{}
		if err := u.save(unitWriter); err != nil {
			return errors.Wrapf(err, "saving unit %q instance %d", u.key.name, u.key.instance)
		}
		if len(unitWriter.data) > maxUnitSize {
			return errors.Wrapf(ErrInvalidUnit, "unit %q produced %d bytes", u.key.name, len(unitWriter.data))
		}

		var header bytes.Buffer
		header.Write(binary.BigEndian.AppendUint16(nil, uint16(len(u.key.name))))
		header.WriteString(u.key.name)
		header.Write(binary.BigEndian.AppendUint32(nil, u.key.instance))
		header.Write(binary.BigEndian.AppendUint32(nil, u.version))
		header.Write(binary.BigEndian.AppendUint32(nil, uint32(len(unitWriter.data))))

		if _, err := out.Write(header.Bytes()); err != nil {
			return errors.Wrapf(err, "writing unit %q header", u.key.name)
		}
		if _, err := out.Write(unitWriter.data); err != nil {
			return errors.Wrapf(err, "writing unit %q data", u.key.name)
		}

		m.logger.Debug("    Manager::Save wrote unit",
			slog.String("Name", u.key.name),
			slog.Int("Size", len(unitWriter.data)),
		)
	}

	return errors.Wrap(out.Flush(), "flushing saved state")
}

// Load reads a stream produced by Save and hands every unit to its registered load callback. Every
// registered unit must be present and every unit must consume its whole payload.
func (m *Manager) Load(r io.Reader) error {
	m.logger.Debug("Manager::Load", slog.Int("Units", len(m.units)))

	in := bufio.NewReader(r)

	header := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(in, header); err != nil {
		return errors.Mark(errors.Wrap(err, "reading saved-state header"), ErrBadMagic)
	}
	if !bytes.Equal(header, magicHeader) {
		return ErrBadMagic
	}

	count, err := readU32(in)
	if err != nil {
		return errors.Wrap(err, "reading unit count")
	}

	loaded := swiss.NewMap[unitKey, bool](uint32(len(m.units)))
	for i := uint32(0); i < count; i++ {
		key, version, data, err := readUnit(in)
		if err != nil {
			return errors.Wrapf(err, "reading unit %d of %d", i+1, count)
		}

		u, ok := m.byKey.Get(key)
		if !ok {
			return errors.Wrapf(ErrUnitNotFound, "%q instance %d", key.name, key.instance)
		}
		if loaded.Has(key) {
			return errors.Wrapf(ErrInvalidUnit, "unit %q instance %d appears twice", key.name, key.instance)
		}

		unitReader := &UnitReader{name: key.name, data: data}
		if err := u.load(unitReader, version); err != nil {
			return errors.Wrapf(err, "loading unit %q instance %d", key.name, key.instance)
		}
		if left := unitReader.Remaining(); left != 0 {
			return errors.Wrapf(ErrUnitDataLeft, "unit %q instance %d left %d bytes", key.name, key.instance, left)
		}

		loaded.Put(key, true)
	}

	for _, u := range m.units {
		if !loaded.Has(u.key) {
			return errors.Wrapf(ErrUnitMissing, "%q instance %d", u.key.name, u.key.instance)
		}
	}

	return nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUnit(r io.Reader) (unitKey, uint32, []byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return unitKey{}, 0, nil, err
	}

	nameLength := binary.BigEndian.Uint16(lenBuf[:])
	if nameLength == 0 || nameLength > maxNameLength {
		return unitKey{}, 0, nil, errors.Wrapf(ErrInvalidUnit, "name length %d", nameLength)
	}

	name := make([]byte, nameLength)
	if _, err := io.ReadFull(r, name); err != nil {
		return unitKey{}, 0, nil, err
	}

	instance, err := readU32(r)
	if err != nil {
		return unitKey{}, 0, nil, err
	}
	version, err := readU32(r)
	if err != nil {
		return unitKey{}, 0, nil, err
	}
	size, err := readU32(r)
	if err != nil {
		return unitKey{}, 0, nil, err
	}
	if size > maxUnitSize {
		return unitKey{}, 0, nil, errors.Wrapf(ErrInvalidUnit, "unit %q claims %d bytes", name, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return unitKey{}, 0, nil, err
	}

	return unitKey{name: string(name), instance: instance}, version, data, nil
}

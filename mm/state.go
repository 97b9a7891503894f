package mm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/ssm"
)

const (
	// SavedStateVersion is the version of the "mm" saved-state unit. Version 1 stored both fields
	// as 32-bit values.
	SavedStateVersion  uint32 = 2
	savedStateVersion1 uint32 = 1

	savedStateUnit = "mm"
)

// Init registers the ledger's saved-state unit
func (m *MM) Init(manager *ssm.Manager) error {
	m.logger.Debug("MM::Init")

	err := manager.RegisterInternal(savedStateUnit, 0, SavedStateVersion, m.saveExec, m.loadExec)
	if err != nil {
		return errors.Wrap(err, "registering the mm saved-state unit")
	}
	return nil
}

// saveExec writes the base page count followed by the RAM size in bytes
func (m *MM) saveExec(w *ssm.UnitWriter) error {
	m.logger.Debug("MM::saveExec",
		slog.Uint64("BasePages", m.basePages),
		slog.Uint64("RAMSize", m.ramSize),
	)

	w.PutU64(m.basePages)
	w.PutU64(m.ramSize)
	return nil
}

// loadExec checks that the saved state was taken with the RAM size configured now. The saved base
// page count is read but not applied: the ledger is rebuilt by the VM's own construction.
func (m *MM) loadExec(r *ssm.UnitReader, version uint32) error {
	m.logger.Debug("MM::loadExec", slog.Uint64("Version", uint64(version)))

	if ssm.VersionMajorChanged(version, SavedStateVersion) {
		return errors.Wrapf(ssm.ErrUnsupportedUnitVersion, "mm unit version %#x, expected %#x", version, SavedStateVersion)
	}

	var basePages, ramSize uint64
	if version == savedStateVersion1 {
		pages, err := r.GetU32()
		if err != nil {
			return err
		}
		size, err := r.GetU32()
		if err != nil {
			return err
		}
		basePages, ramSize = uint64(pages), uint64(size)
	} else {
		var err error
		if basePages, err = r.GetU64(); err != nil {
			return err
		}
		if ramSize, err = r.GetU64(); err != nil {
			return err
		}
	}

	if ramSize != m.ramSize {
		m.logger.Error("MM: saved state RAM size mismatch",
			slog.Uint64("SavedRAMSize", ramSize),
			slog.Uint64("RAMSize", m.ramSize),
		)
		return errors.Wrapf(ErrMemorySizeMismatch, "saved %#x bytes, configured %#x bytes", ramSize, m.ramSize)
	}

	m.logger.Debug("    MM::loadExec ignoring saved base pages",
		slog.Uint64("SavedBasePages", basePages),
		slog.Uint64("BasePages", m.basePages),
	)
	return nil
}

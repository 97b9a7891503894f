package mm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultRAMHoleSize is the MMIO hole below 4GiB used when PagingConfig.RAMHoleSize is zero
	DefaultRAMHoleSize uint64 = 512 * 1024 * 1024
	// MinRAMHoleSize and MaxRAMHoleSize bound the MMIO hole; its size must be a multiple of MinRAMHoleSize
	MinRAMHoleSize uint64 = 16 * 1024 * 1024
	MaxRAMHoleSize uint64 = 4032 * 1024 * 1024

	fourGiB uint64 = 4 * 1024 * 1024 * 1024
)

// PagingConfig describes the guest RAM and how the VM's reservation should be treated by the broker
type PagingConfig struct {
	// RAMSize is the guest base RAM in bytes. It must be page aligned.
	RAMSize uint64
	// RAMHoleSize is the MMIO hole carved out below 4GiB. Zero selects DefaultRAMHoleSize.
	RAMHoleSize uint64
	Policy      OvercommitPolicy
	Priority    Priority
}

func (c *PagingConfig) normalize() error {
	if c.RAMSize%PageSize != 0 {
		return errors.Wrapf(ErrInvalidParameter, "RAM size %#x is not page aligned", c.RAMSize)
	}

	if c.RAMHoleSize == 0 {
		c.RAMHoleSize = DefaultRAMHoleSize
	}
	if c.RAMHoleSize < MinRAMHoleSize || c.RAMHoleSize > MaxRAMHoleSize || c.RAMHoleSize%MinRAMHoleSize != 0 {
		return errors.Wrapf(ErrInvalidParameter, "RAM hole size %#x must be a multiple of %#x between %#x and %#x",
			c.RAMHoleSize, MinRAMHoleSize, MinRAMHoleSize, MaxRAMHoleSize)
	}

	if c.Policy != PolicyNoOvercommit && c.Policy != PolicyOvercommit {
		return errors.Wrapf(ErrInvalidParameter, "overcommit policy %d", uint32(c.Policy))
	}
	if c.Priority == 0 {
		c.Priority = PriorityNormal
	}
	if c.Priority < PriorityLow || c.Priority > PriorityHigh {
		return errors.Wrapf(ErrInvalidParameter, "priority %d", uint32(c.Priority))
	}

	return nil
}

// InitPaging adds the guest RAM to the base reservation and makes the initial reservation with the
// broker. From then on every adjustment is forwarded to the broker. If the broker declines, the
// RAM pages are taken off the base reservation again and paging stays uninitialized.
func (m *MM) InitPaging(cfg PagingConfig) (err error) {
	m.logger.Debug("MM::InitPaging",
		slog.Uint64("RAMSize", cfg.RAMSize),
		slog.Uint64("RAMHoleSize", cfg.RAMHoleSize),
		slog.String("Policy", cfg.Policy.String()),
		slog.String("Priority", cfg.Priority.String()),
	)

	if m.pagingInitialized {
		return errors.Wrap(ErrWrongOrder, "paging is already initialized")
	}

	if err := cfg.normalize(); err != nil {
		return err
	}

	ramPages := cfg.RAMSize >> PageShift
	oldBasePages := m.basePages

	m.basePages += ramPages
	m.ramSize = cfg.RAMSize
	m.ramHoleSize = cfg.RAMHoleSize
	m.ramBelow4GB = min(cfg.RAMSize, fourGiB-cfg.RAMHoleSize)
	m.ramAbove4GB = cfg.RAMSize - m.ramBelow4GB

	defer func() {
		if err != nil {
			m.basePages = oldBasePages
			m.ramSize = 0
			m.ramHoleSize = 0
			m.ramBelow4GB = 0
			m.ramAbove4GB = 0
		}
	}()

	reservation := m.Reservation()
	err = m.broker.InitialReservation(reservation.BasePages, reservation.ShadowPages, reservation.FixedPages,
		cfg.Policy, cfg.Priority)
	if err != nil {
		m.logger.Error("MM: initial reservation declined",
			slog.Uint64("RAMSize", cfg.RAMSize),
			slog.Uint64("BasePages", reservation.BasePages),
			slog.Uint64("ShadowPages", reservation.ShadowPages),
			slog.Uint64("FixedPages", reservation.FixedPages),
			slog.String("Policy", cfg.Policy.String()),
			slog.String("Priority", cfg.Priority.String()),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "insufficient host memory to reserve %d MiB of RAM (%d base, %d shadow, %d fixed pages, policy %s, priority %s)",
			cfg.RAMSize>>20, reservation.BasePages, reservation.ShadowPages, reservation.FixedPages, cfg.Policy, cfg.Priority)
	}

	m.pagingInitialized = true
	return nil
}

// PhysRAMSize returns the guest base RAM size in bytes
func (m *MM) PhysRAMSize() uint64 {
	return m.ramSize
}

// PhysRAMSizeBelow4GB returns how much of the guest RAM is mapped below 4GiB
func (m *MM) PhysRAMSizeBelow4GB() uint64 {
	return m.ramBelow4GB
}

// PhysRAMSizeAbove4GB returns how much of the guest RAM is mapped above 4GiB
func (m *MM) PhysRAMSizeAbove4GB() uint64 {
	return m.ramAbove4GB
}

// PhysRAMHoleSize returns the size of the MMIO hole below 4GiB
func (m *MM) PhysRAMHoleSize() uint64 {
	return m.ramHoleSize
}

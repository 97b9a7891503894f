// Package mm keeps a VM's memory reservation ledger. The ledger counts the pages the VM has
// committed with a global memory Broker, split into base RAM, handy, shadow paging and fixed
// pages, and keeps the broker in sync as the counts change.
//
// Nothing is forwarded to the broker until InitPaging has made the initial reservation. Afterwards
// every adjustment immediately updates the broker, and an adjustment the broker declines is rolled
// back so the ledger never drifts from what the broker granted.
//
// The ledger does no locking of its own. It must only be called from the VM's administrative
// goroutine, and statistics registered with RegisterStatistics must be sampled from there too.
package mm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
)

const (
	PageShift        = 12
	PageSize  uint64 = 1 << PageShift
)

// Reservation is the set of page counts forwarded to the broker
type Reservation struct {
	BasePages   uint64
	ShadowPages uint64
	FixedPages  uint64
}

// MM is the reservation ledger of one VM
type MM struct {
	logger *slog.Logger
	broker Broker

	basePages   uint64
	handyPages  uint64
	shadowPages uint64
	fixedPages  uint64

	pagingInitialized bool

	ramSize     uint64
	ramBelow4GB uint64
	ramAbove4GB uint64
	ramHoleSize uint64
}

// New creates an empty ledger. All counters start at zero and paging is not initialized.
func New(logger *slog.Logger, broker Broker) *MM {
	if logger == nil {
		logger = slog.Default()
	}

	return &MM{
		logger: logger,
		broker: broker,
	}
}

// Reservation returns the page counts that would be forwarded to the broker right now. Each
// count is at least 1.
func (m *MM) Reservation() Reservation {
	return Reservation{
		BasePages:   memutils.AtLeast(m.basePages+m.handyPages, 1),
		ShadowPages: memutils.AtLeast(m.shadowPages, 1),
		FixedPages:  memutils.AtLeast(m.fixedPages, 1),
	}
}

func (m *MM) pushReservation() error {
	if !m.pagingInitialized {
		return nil
	}

	reservation := m.Reservation()
	m.logger.Debug("    MM::pushReservation",
		slog.Uint64("BasePages", reservation.BasePages),
		slog.Uint64("ShadowPages", reservation.ShadowPages),
		slog.Uint64("FixedPages", reservation.FixedPages),
	)

	return m.broker.UpdateReservation(reservation.BasePages, reservation.ShadowPages, reservation.FixedPages)
}

// commit sets counter to newValue and forwards the new totals to the broker. If the broker
// declines, counter is restored and the broker's error is returned.
func (m *MM) commit(counter *uint64, newValue uint64) (err error) {
	oldValue := *counter
	*counter = newValue

	defer func() {
		if err != nil {
			*counter = oldValue
		}
	}()

	return m.pushReservation()
}

func applyDelta(value uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		return value + uint64(delta), true
	}

	decrease := uint64(-delta)
	if decrease > value {
		return value, false
	}
	return value - decrease, true
}

// IncreaseBaseReservation adds delta pages to the base reservation. A negative delta shrinks it.
func (m *MM) IncreaseBaseReservation(delta int64) error {
	m.logger.Debug("MM::IncreaseBaseReservation", slog.Int64("Delta", delta))

	oldValue := m.basePages
	newValue, ok := applyDelta(oldValue, delta)
	if !ok {
		return errors.Wrapf(ErrInvalidParameter, "base reservation of %d pages cannot shrink by %d", oldValue, -delta)
	}

	if err := m.commit(&m.basePages, newValue); err != nil {
		m.logger.Error("MM: failed to reserve base memory",
			slog.Uint64("OldBasePages", oldValue),
			slog.Uint64("NewBasePages", newValue),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "insufficient host memory for base pages: %d -> %d", oldValue, newValue)
	}

	return nil
}

// ReserveHandyPages sets the handy page reservation. It can be made only once; a second call fails
// with ErrWrongOrder and changes nothing.
func (m *MM) ReserveHandyPages(count uint32) error {
	m.logger.Debug("MM::ReserveHandyPages", slog.Uint64("Count", uint64(count)))

	if m.handyPages != 0 {
		return errors.Wrapf(ErrWrongOrder, "%d handy pages are already reserved", m.handyPages)
	}

	if err := m.commit(&m.handyPages, uint64(count)); err != nil {
		m.logger.Error("MM: failed to reserve handy pages",
			slog.Uint64("HandyPages", uint64(count)),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "insufficient host memory for %d handy pages", count)
	}

	return nil
}

// AdjustFixedReservation adds delta pages to the fixed reservation. A negative delta shrinks it.
// description names the user of the pages in error messages.
func (m *MM) AdjustFixedReservation(delta int32, description string) error {
	m.logger.Debug("MM::AdjustFixedReservation",
		slog.Int("Delta", int(delta)),
		slog.String("Description", description),
	)

	oldValue := m.fixedPages
	newValue, ok := applyDelta(oldValue, int64(delta))
	if !ok {
		return errors.Wrapf(ErrInvalidParameter, "fixed reservation of %d pages cannot shrink by %d for %s",
			oldValue, -int64(delta), description)
	}

	if err := m.commit(&m.fixedPages, newValue); err != nil {
		m.logger.Error("MM: failed to reserve fixed memory",
			slog.String("Description", description),
			slog.Uint64("OldFixedPages", oldValue),
			slog.Uint64("NewFixedPages", newValue),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "insufficient host memory for fixed pages (%s): %d -> %d", description, oldValue, newValue)
	}

	return nil
}

// UpdateShadowReservation replaces the shadow paging reservation with pages. Unlike the other
// adjustments this takes an absolute value, since the shadow pool is sized as a whole.
func (m *MM) UpdateShadowReservation(pages uint32) error {
	m.logger.Debug("MM::UpdateShadowReservation", slog.Uint64("Pages", uint64(pages)))

	oldValue := m.shadowPages
	if err := m.commit(&m.shadowPages, uint64(pages)); err != nil {
		m.logger.Error("MM: failed to reserve shadow paging memory",
			slog.Uint64("OldShadowPages", oldValue),
			slog.Uint64("NewShadowPages", uint64(pages)),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "insufficient host memory for shadow paging pages: %d -> %d", oldValue, pages)
	}

	return nil
}

// Term tears down the ledger. The ledger holds nothing but counters, so this only reports them.
func (m *MM) Term() error {
	m.logger.Debug("MM::Term",
		slog.Uint64("BasePages", m.basePages),
		slog.Uint64("HandyPages", m.handyPages),
		slog.Uint64("ShadowPages", m.shadowPages),
		slog.Uint64("FixedPages", m.fixedPages),
		slog.Bool("PagingInitialized", m.pagingInitialized),
	)
	return nil
}

func (m *MM) BasePages() uint64 {
	return m.basePages
}

func (m *MM) HandyPages() uint64 {
	return m.handyPages
}

func (m *MM) ShadowPages() uint64 {
	return m.shadowPages
}

func (m *MM) FixedPages() uint64 {
	return m.fixedPages
}

func (m *MM) PagingInitialized() bool {
	return m.pagingInitialized
}

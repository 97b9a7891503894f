package mm_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm/mocks"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/ssm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

const mib = 1024 * 1024

func readyLedger(t *testing.T, ctrl *gomock.Controller) (*mm.MM, *mocks.MockBroker) {
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	broker.EXPECT().InitialReservation(uint64(1), uint64(1), uint64(1), mm.PolicyNoOvercommit, mm.PriorityNormal).Return(nil)
	require.NoError(t, ledger.InitPaging(mm.PagingConfig{}))
	require.True(t, ledger.PagingInitialized())

	return ledger, broker
}

func TestAdjustmentsAreDeferredUntilPagingInit(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	require.Equal(t, uint64(0), ledger.BasePages())
	require.False(t, ledger.PagingInitialized())

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.IncreaseBaseReservation(1000))
	}
	require.Equal(t, uint64(3000), ledger.BasePages())

	broker.EXPECT().InitialReservation(uint64(3000), uint64(1), uint64(1), mm.PolicyNoOvercommit, mm.PriorityNormal).Return(nil)
	require.NoError(t, ledger.InitPaging(mm.PagingConfig{Policy: mm.PolicyNoOvercommit, Priority: mm.PriorityNormal}))
	require.True(t, ledger.PagingInitialized())
}

func TestAllAdjustmentsBeforePagingInit(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	require.NoError(t, ledger.ReserveHandyPages(128))
	require.NoError(t, ledger.AdjustFixedReservation(64, "VGA VRAM"))
	require.NoError(t, ledger.AdjustFixedReservation(-16, "VGA VRAM"))
	require.NoError(t, ledger.UpdateShadowReservation(300))
	require.NoError(t, ledger.UpdateShadowReservation(200))

	broker.EXPECT().InitialReservation(uint64(64*mib/4096+128), uint64(200), uint64(48), mm.PolicyOvercommit, mm.PriorityHigh).Return(nil)
	require.NoError(t, ledger.InitPaging(mm.PagingConfig{
		RAMSize:  64 * mib,
		Policy:   mm.PolicyOvercommit,
		Priority: mm.PriorityHigh,
	}))

	require.Equal(t, uint64(64*mib/4096), ledger.BasePages())
	require.Equal(t, mm.Reservation{BasePages: 64*mib/4096 + 128, ShadowPages: 200, FixedPages: 48}, ledger.Reservation())
}

func TestAdjustmentsForwardedAfterPagingInit(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	gomock.InOrder(
		broker.EXPECT().UpdateReservation(uint64(1000), uint64(1), uint64(1)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1128), uint64(1), uint64(1)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1128), uint64(1), uint64(32)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1128), uint64(500), uint64(32)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1128), uint64(100), uint64(32)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(128), uint64(100), uint64(32)).Return(nil),
	)

	require.NoError(t, ledger.IncreaseBaseReservation(1000))
	require.NoError(t, ledger.ReserveHandyPages(128))
	require.NoError(t, ledger.AdjustFixedReservation(32, "MMIO2 region"))
	require.NoError(t, ledger.UpdateShadowReservation(500))
	require.NoError(t, ledger.UpdateShadowReservation(100))
	require.NoError(t, ledger.IncreaseBaseReservation(-1000))

	require.Equal(t, uint64(0), ledger.BasePages())
	require.Equal(t, uint64(128), ledger.HandyPages())
	require.Equal(t, uint64(100), ledger.ShadowPages())
	require.Equal(t, uint64(32), ledger.FixedPages())
}

func TestFloorToOne(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	gomock.InOrder(
		broker.EXPECT().UpdateReservation(uint64(1), uint64(1), uint64(10)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1), uint64(1), uint64(1)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1), uint64(1), uint64(1)).Return(nil),
	)

	require.NoError(t, ledger.AdjustFixedReservation(10, "MMIO2 region"))
	require.NoError(t, ledger.AdjustFixedReservation(-10, "MMIO2 region"))
	require.NoError(t, ledger.UpdateShadowReservation(0))

	require.Equal(t, uint64(0), ledger.FixedPages())
	require.Equal(t, mm.Reservation{BasePages: 1, ShadowPages: 1, FixedPages: 1}, ledger.Reservation())
}

func TestShadowUpdateRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	broker.EXPECT().UpdateReservation(uint64(1), uint64(500), uint64(1)).Return(mm.ErrReservationDeclined)

	err := ledger.UpdateShadowReservation(500)
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.ErrorContains(t, err, "0 -> 500")
	require.Equal(t, uint64(0), ledger.ShadowPages())
	require.Equal(t, mm.Reservation{BasePages: 1, ShadowPages: 1, FixedPages: 1}, ledger.Reservation())
}

func TestBaseAndFixedUpdatesRollBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	gomock.InOrder(
		broker.EXPECT().UpdateReservation(uint64(200), uint64(1), uint64(1)).Return(nil),
		broker.EXPECT().UpdateReservation(uint64(1200), uint64(1), uint64(1)).Return(mm.ErrReservationDeclined),
		broker.EXPECT().UpdateReservation(uint64(200), uint64(1), uint64(8)).Return(errors.New("broker unreachable")),
	)

	require.NoError(t, ledger.IncreaseBaseReservation(200))

	err := ledger.IncreaseBaseReservation(1000)
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.ErrorContains(t, err, "200 -> 1200")
	require.Equal(t, uint64(200), ledger.BasePages())

	err = ledger.AdjustFixedReservation(8, "PCI BAR")
	require.ErrorContains(t, err, "PCI BAR")
	require.ErrorContains(t, err, "broker unreachable")
	require.Equal(t, uint64(0), ledger.FixedPages())
}

func TestHandyPagesAreWriteOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	broker.EXPECT().UpdateReservation(uint64(128), uint64(1), uint64(1)).Return(nil)

	require.NoError(t, ledger.ReserveHandyPages(128))

	err := ledger.ReserveHandyPages(64)
	require.True(t, errors.Is(err, mm.ErrWrongOrder))
	require.Equal(t, uint64(128), ledger.HandyPages())
}

func TestHandyPagesRollBackToZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, broker := readyLedger(t, ctrl)

	gomock.InOrder(
		broker.EXPECT().UpdateReservation(uint64(128), uint64(1), uint64(1)).Return(mm.ErrReservationDeclined),
		broker.EXPECT().UpdateReservation(uint64(64), uint64(1), uint64(1)).Return(nil),
	)

	require.True(t, errors.Is(ledger.ReserveHandyPages(128), mm.ErrReservationDeclined))
	require.Equal(t, uint64(0), ledger.HandyPages())

	// A declined reservation does not use up the single allowed call
	require.NoError(t, ledger.ReserveHandyPages(64))
	require.Equal(t, uint64(64), ledger.HandyPages())
}

func TestNegativeDeltaUnderflowRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, _ := readyLedger(t, ctrl)

	require.True(t, errors.Is(ledger.IncreaseBaseReservation(-1), mm.ErrInvalidParameter))
	require.True(t, errors.Is(ledger.AdjustFixedReservation(-5, "MMIO2 region"), mm.ErrInvalidParameter))
	require.Equal(t, uint64(0), ledger.BasePages())
	require.Equal(t, uint64(0), ledger.FixedPages())
}

func TestInitPagingFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	require.NoError(t, ledger.IncreaseBaseReservation(10))

	gomock.InOrder(
		broker.EXPECT().InitialReservation(uint64(2048*mib/4096+10), uint64(1), uint64(1), mm.PolicyNoOvercommit, mm.PriorityLow).
			Return(mm.ErrReservationDeclined),
		broker.EXPECT().InitialReservation(uint64(1024*mib/4096+10), uint64(1), uint64(1), mm.PolicyNoOvercommit, mm.PriorityLow).
			Return(nil),
	)

	err := ledger.InitPaging(mm.PagingConfig{RAMSize: 2048 * mib, Priority: mm.PriorityLow})
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.ErrorContains(t, err, "2048 MiB")
	require.ErrorContains(t, err, "NoOvercommit")
	require.False(t, ledger.PagingInitialized())
	require.Equal(t, uint64(10), ledger.BasePages())
	require.Equal(t, uint64(0), ledger.PhysRAMSize())

	require.NoError(t, ledger.InitPaging(mm.PagingConfig{RAMSize: 1024 * mib, Priority: mm.PriorityLow}))
	require.True(t, ledger.PagingInitialized())
	require.Equal(t, uint64(1024*mib), ledger.PhysRAMSize())
}

func TestInitPagingTwiceRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger, _ := readyLedger(t, ctrl)

	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{}), mm.ErrWrongOrder))
}

func TestInitPagingValidatesConfig(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{RAMSize: 4097}), mm.ErrInvalidParameter))
	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{RAMSize: 4096, RAMHoleSize: 8 * mib}), mm.ErrInvalidParameter))
	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{RAMSize: 4096, RAMHoleSize: 100 * mib}), mm.ErrInvalidParameter))
	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{RAMSize: 4096, Policy: mm.OvercommitPolicy(7)}), mm.ErrInvalidParameter))
	require.True(t, errors.Is(ledger.InitPaging(mm.PagingConfig{RAMSize: 4096, Priority: mm.Priority(9)}), mm.ErrInvalidParameter))

	require.False(t, ledger.PagingInitialized())
	require.Equal(t, uint64(0), ledger.BasePages())
}

func TestRAMSplitAroundHole(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	broker.EXPECT().InitialReservation(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)

	large := mm.New(slog.Default(), broker)
	require.NoError(t, large.InitPaging(mm.PagingConfig{RAMSize: 4096 * mib}))
	require.Equal(t, uint64(3584*mib), large.PhysRAMSizeBelow4GB())
	require.Equal(t, uint64(512*mib), large.PhysRAMSizeAbove4GB())
	require.Equal(t, mm.DefaultRAMHoleSize, large.PhysRAMHoleSize())

	small := mm.New(slog.Default(), broker)
	require.NoError(t, small.InitPaging(mm.PagingConfig{RAMSize: 1024 * mib, RAMHoleSize: 1024 * mib}))
	require.Equal(t, uint64(1024*mib), small.PhysRAMSizeBelow4GB())
	require.Equal(t, uint64(0), small.PhysRAMSizeAbove4GB())
}

func savedLedger(t *testing.T, ramSize uint64) []byte {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	broker.EXPECT().InitialReservation(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	manager := ssm.New(slog.Default())
	ledger := mm.New(slog.Default(), broker)
	require.NoError(t, ledger.Init(manager))
	require.NoError(t, ledger.InitPaging(mm.PagingConfig{RAMSize: ramSize}))

	var stream bytes.Buffer
	require.NoError(t, manager.Save(&stream))
	return stream.Bytes()
}

func loadingLedger(t *testing.T, ramSize uint64) (*mm.MM, *ssm.Manager) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	broker.EXPECT().InitialReservation(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	manager := ssm.New(slog.Default())
	ledger := mm.New(slog.Default(), broker)
	require.NoError(t, ledger.Init(manager))
	require.NoError(t, ledger.InitPaging(mm.PagingConfig{RAMSize: ramSize}))

	return ledger, manager
}

func TestSavedStateRoundTrip(t *testing.T) {
	saved := savedLedger(t, 256*mib)

	ledger, manager := loadingLedger(t, 256*mib)
	require.NoError(t, manager.Load(bytes.NewReader(saved)))
	require.Equal(t, uint64(256*mib/4096), ledger.BasePages())
}

func TestSavedStateRejectsSizeMismatch(t *testing.T) {
	saved := savedLedger(t, 256*mib)

	_, manager := loadingLedger(t, 512*mib)
	err := manager.Load(bytes.NewReader(saved))
	require.True(t, errors.Is(err, mm.ErrMemorySizeMismatch))
}

func forgedState(t *testing.T, version uint32, save ssm.SaveFunc) []byte {
	manager := ssm.New(slog.Default())
	require.NoError(t, manager.RegisterInternal("mm", 0, version, save,
		func(r *ssm.UnitReader, version uint32) error { return nil }))

	var stream bytes.Buffer
	require.NoError(t, manager.Save(&stream))
	return stream.Bytes()
}

func TestSavedStateRejectsMajorVersionChange(t *testing.T) {
	saved := forgedState(t, 0x00010002, func(w *ssm.UnitWriter) error {
		w.PutU64(65536)
		w.PutU64(256 * mib)
		return nil
	})

	_, manager := loadingLedger(t, 256*mib)
	err := manager.Load(bytes.NewReader(saved))
	require.True(t, errors.Is(err, ssm.ErrUnsupportedUnitVersion))
}

func TestSavedStateAcceptsLegacyVersion(t *testing.T) {
	saved := forgedState(t, 1, func(w *ssm.UnitWriter) error {
		w.PutU32(65536)
		w.PutU32(256 * mib)
		return nil
	})

	_, manager := loadingLedger(t, 256*mib)
	require.NoError(t, manager.Load(bytes.NewReader(saved)))
}

func TestRegisterStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	ledger := mm.New(slog.Default(), broker)

	registry := stats.NewRegistry()
	require.NoError(t, ledger.RegisterStatistics(registry, ""))
	require.NoError(t, ledger.IncreaseBaseReservation(3000))

	sample, ok := registry.Lookup("/MM/Reserved/cBasePages")
	require.True(t, ok)
	require.Equal(t, uint64(3000), sample.Value)
	require.Equal(t, stats.UnitPages, sample.Unit)

	_, ok = registry.Lookup("/MM/cbRamBase")
	require.True(t, ok)

	require.Error(t, ledger.RegisterStatistics(registry, "/MM"))
	require.NoError(t, ledger.Term())
}

func TestPolicyAndPriorityText(t *testing.T) {
	var policy mm.OvercommitPolicy
	require.NoError(t, policy.UnmarshalText([]byte("overcommit")))
	require.Equal(t, mm.PolicyOvercommit, policy)
	require.Error(t, policy.UnmarshalText([]byte("sometimes")))

	var priority mm.Priority
	require.NoError(t, priority.UnmarshalText([]byte("High")))
	require.Equal(t, mm.PriorityHigh, priority)
	require.Equal(t, "High", priority.String())

	text, err := mm.PolicyNoOvercommit.MarshalText()
	require.NoError(t, err)
	require.Equal(t, []byte("NoOvercommit"), text)

	_, err = mm.Priority(0).MarshalText()
	require.Error(t, err)
}

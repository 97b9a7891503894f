package gmm_test

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/gmm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

func TestReservationLifecycle(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 10000})

	client, err := broker.Register("vm1")
	require.NoError(t, err)
	require.Equal(t, "vm1", client.Name())

	require.True(t, errors.Is(client.UpdateReservation(10, 1, 1), gmm.ErrNotInitialized))

	require.NoError(t, client.InitialReservation(3000, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal))
	require.Equal(t, uint64(3002), broker.TotalReserved())

	err = client.InitialReservation(3000, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal)
	require.True(t, errors.Is(err, gmm.ErrAlreadyInitialized))

	require.NoError(t, client.UpdateReservation(3128, 500, 32))
	reservation, ok := broker.Reservation("vm1")
	require.True(t, ok)
	require.Equal(t, gmm.Reservation{
		BasePages:   3128,
		ShadowPages: 500,
		FixedPages:  32,
		Policy:      mm.PolicyNoOvercommit,
		Priority:    mm.PriorityNormal,
	}, reservation)
	require.Equal(t, uint64(3660), broker.TotalReserved())

	client.Deregister()
	require.Equal(t, uint64(0), broker.TotalReserved())
	require.Empty(t, broker.Clients())
	require.True(t, errors.Is(client.UpdateReservation(1, 1, 1), gmm.ErrClientGone))

	_, ok = broker.Reservation("vm1")
	require.False(t, ok)
}

func TestCapacityIsEnforced(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 1000})

	first, err := broker.Register("vm1")
	require.NoError(t, err)
	second, err := broker.Register("vm2")
	require.NoError(t, err)

	require.NoError(t, first.InitialReservation(600, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal))

	err = second.InitialReservation(600, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal)
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.Equal(t, uint64(602), broker.TotalReserved())

	// A declined initial reservation can be retried
	require.NoError(t, second.InitialReservation(300, 1, 1, mm.PolicyNoOvercommit, mm.PriorityLow))
	require.Equal(t, uint64(904), broker.TotalReserved())

	err = first.UpdateReservation(700, 1, 1)
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.Equal(t, uint64(904), broker.TotalReserved())

	reservation, _ := broker.Reservation("vm1")
	require.Equal(t, uint64(600), reservation.BasePages)

	// Shrinking always fits
	require.NoError(t, first.UpdateReservation(100, 1, 1))
	require.Equal(t, uint64(404), broker.TotalReserved())
	require.NoError(t, first.UpdateReservation(690, 1, 1))
	require.Equal(t, uint64(994), broker.TotalReserved())
}

func TestOvercommitIgnoresCapacity(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 10})

	client, err := broker.Register("vm1")
	require.NoError(t, err)

	require.NoError(t, client.InitialReservation(5000, 1, 1, mm.PolicyOvercommit, mm.PriorityHigh))
	require.NoError(t, client.UpdateReservation(9000, 1, 1))
	require.Equal(t, uint64(9002), broker.TotalReserved())
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 10})

	_, err := broker.Register("vm1")
	require.NoError(t, err)
	_, err = broker.Register("vm1")
	require.True(t, errors.Is(err, gmm.ErrClientExists))

	_, err = broker.Register("vm0")
	require.NoError(t, err)
	require.Equal(t, []string{"vm0", "vm1"}, broker.Clients())
}

func TestBrokerDrivesLedger(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 70000})
	client, err := broker.Register("vm1")
	require.NoError(t, err)

	ledger := mm.New(slog.Default(), client)
	require.NoError(t, ledger.ReserveHandyPages(128))
	require.Equal(t, uint64(0), broker.TotalReserved())

	require.NoError(t, ledger.InitPaging(mm.PagingConfig{RAMSize: 256 * 1024 * 1024}))
	require.Equal(t, uint64(65536+128+1+1), broker.TotalReserved())

	err = ledger.UpdateShadowReservation(10000)
	require.True(t, errors.Is(err, mm.ErrReservationDeclined))
	require.Equal(t, uint64(0), ledger.ShadowPages())
	require.Equal(t, uint64(65536+128+1+1), broker.TotalReserved())

	require.NoError(t, ledger.UpdateShadowReservation(1000))
	require.Equal(t, uint64(65536+128+1000+1), broker.TotalReserved())
}

func TestConcurrentClients(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 1 << 40})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		client, err := broker.Register(string(rune('a' + i)))
		require.NoError(t, err)

		wg.Add(1)
		go func(client *gmm.Client) {
			defer wg.Done()

			if err := client.InitialReservation(1, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal); err != nil {
				t.Error(err)
				return
			}
			for pages := uint64(2); pages <= 100; pages++ {
				if err := client.UpdateReservation(pages, 1, 1); err != nil {
					t.Error(err)
					return
				}
			}
		}(client)
	}
	wg.Wait()

	require.Equal(t, uint64(16*102), broker.TotalReserved())
}

func TestRegisterStatistics(t *testing.T) {
	broker := gmm.New(slog.Default(), gmm.Options{CapacityPages: 100})
	registry := stats.NewRegistry()
	require.NoError(t, broker.RegisterStatistics(registry, "/GMM"))

	client, err := broker.Register("vm1")
	require.NoError(t, err)
	require.Error(t, client.InitialReservation(200, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal))
	require.NoError(t, client.InitialReservation(20, 1, 1, mm.PolicyNoOvercommit, mm.PriorityNormal))

	sample, ok := registry.Lookup("/GMM/cDeclined")
	require.True(t, ok)
	require.Equal(t, uint64(1), sample.Value)

	sample, ok = registry.Lookup("/GMM/cReservedPages")
	require.True(t, ok)
	require.Equal(t, uint64(22), sample.Value)

	sample, ok = registry.Lookup("/GMM/cInitialReservations")
	require.True(t, ok)
	require.Equal(t, uint64(2), sample.Value)
}

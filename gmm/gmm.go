// Package gmm is an in-process global memory broker. Each VM registers a Client and reserves its
// pages through it; the broker keeps the sum of every client's reservation within its capacity
// unless a client asked to be allowed to overcommit.
package gmm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

// Options configures a Broker
type Options struct {
	// CapacityPages is the number of pages the broker may hand out to clients that do not overcommit
	CapacityPages uint64
}

// Reservation is what a client currently holds
type Reservation struct {
	BasePages   uint64
	ShadowPages uint64
	FixedPages  uint64
	Policy      mm.OvercommitPolicy
	Priority    mm.Priority
}

// Total returns the number of pages held across all categories
func (r Reservation) Total() uint64 {
	return r.BasePages + r.ShadowPages + r.FixedPages
}

// Broker arbitrates reservations between registered clients. It is safe for concurrent use.
type Broker struct {
	logger   *slog.Logger
	capacity uint64

	mutex    sync.Mutex
	clients  *swiss.Map[string, *Client]
	reserved uint64

	initialCalls uint64
	updateCalls  uint64
	declined     uint64
}

func New(logger *slog.Logger, options Options) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		logger:   logger,
		capacity: options.CapacityPages,
		clients:  swiss.NewMap[string, *Client](8),
	}
}

// Register creates the client a VM reserves its memory through
func (b *Broker) Register(vmName string) (*Client, error) {
	b.logger.Debug("Broker::Register", slog.String("VM", vmName))

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.clients.Has(vmName) {
		return nil, errors.Wrapf(ErrClientExists, "%q", vmName)
	}

	client := &Client{broker: b, name: vmName}
	b.clients.Put(vmName, client)
	return client, nil
}

// admitLocked decides whether replacing a client's reservation of oldTotal pages with newTotal
// pages fits
func (b *Broker) admitLocked(policy mm.OvercommitPolicy, oldTotal, newTotal uint64) bool {
	if policy == mm.PolicyOvercommit || newTotal <= oldTotal {
		return true
	}
	return b.reserved-oldTotal+newTotal <= b.capacity
}

// Reservation returns what vmName currently holds
func (b *Broker) Reservation(vmName string) (Reservation, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	client, ok := b.clients.Get(vmName)
	if !ok || !client.initialized {
		return Reservation{}, false
	}
	return client.reservation, true
}

// TotalReserved returns the pages held by all clients together
func (b *Broker) TotalReserved() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.reserved
}

// Capacity returns the configured capacity in pages
func (b *Broker) Capacity() uint64 {
	return b.capacity
}

// Clients lists the registered VM names in ascending order
func (b *Broker) Clients() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	names := make([]string, 0, b.clients.Count())
	b.clients.Iter(func(name string, _ *Client) bool {
		names = append(names, name)
		return false
	})
	slices.Sort(names)
	return names
}

// RegisterStatistics exposes the broker's totals and call counters in registry under prefix
func (b *Broker) RegisterStatistics(registry *stats.Registry, prefix string) error {
	counters := []struct {
		name        string
		unit        stats.Unit
		description string
		read        func() uint64
	}{
		{"/cCapacityPages", stats.UnitPages, "Pages the broker may hand out without overcommitting.",
			func() uint64 { return b.capacity }},
		{"/cReservedPages", stats.UnitPages, "Pages reserved by all clients.",
			func() uint64 { return b.reserved }},
		{"/cInitialReservations", stats.UnitCalls, "Initial reservation calls.",
			func() uint64 { return b.initialCalls }},
		{"/cUpdateReservations", stats.UnitCalls, "Reservation update calls.",
			func() uint64 { return b.updateCalls }},
		{"/cDeclined", stats.UnitCount, "Reservation calls that were declined.",
			func() uint64 { return b.declined }},
	}

	for _, counter := range counters {
		read := counter.read
		err := registry.Register(prefix+counter.name, counter.unit, counter.description, func() uint64 {
			b.mutex.Lock()
			defer b.mutex.Unlock()

			return read()
		})
		if err != nil {
			return errors.Wrap(err, "registering broker statistics")
		}
	}

	return nil
}

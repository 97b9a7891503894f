package gmm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
)

// Client is one VM's handle on the broker
type Client struct {
	broker *Broker
	name   string

	initialized  bool
	deregistered bool
	reservation  Reservation
}

var _ mm.Broker = &Client{}

// Name returns the VM name the client was registered with
func (c *Client) Name() string {
	return c.name
}

func (c *Client) InitialReservation(basePages, shadowPages, fixedPages uint64, policy mm.OvercommitPolicy, priority mm.Priority) error {
	b := c.broker
	b.logger.Debug("Client::InitialReservation",
		slog.String("VM", c.name),
		slog.Uint64("BasePages", basePages),
		slog.Uint64("ShadowPages", shadowPages),
		slog.Uint64("FixedPages", fixedPages),
		slog.String("Policy", policy.String()),
		slog.String("Priority", priority.String()),
	)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if c.deregistered {
		return errors.Wrapf(ErrClientGone, "%q", c.name)
	}
	if c.initialized {
		return errors.Wrapf(ErrAlreadyInitialized, "%q", c.name)
	}
	b.initialCalls++

	proposed := Reservation{
		BasePages:   basePages,
		ShadowPages: shadowPages,
		FixedPages:  fixedPages,
		Policy:      policy,
		Priority:    priority,
	}
	if !b.admitLocked(policy, 0, proposed.Total()) {
		b.declined++
		return errors.Wrapf(mm.ErrReservationDeclined, "%q asked for %d pages, %d of %d are reserved",
			c.name, proposed.Total(), b.reserved, b.capacity)
	}

	b.reserved += proposed.Total()
	c.reservation = proposed
	c.initialized = true
	return nil
}

func (c *Client) UpdateReservation(basePages, shadowPages, fixedPages uint64) error {
	b := c.broker
	b.logger.Debug("Client::UpdateReservation",
		slog.String("VM", c.name),
		slog.Uint64("BasePages", basePages),
		slog.Uint64("ShadowPages", shadowPages),
		slog.Uint64("FixedPages", fixedPages),
	)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if c.deregistered {
		return errors.Wrapf(ErrClientGone, "%q", c.name)
	}
	if !c.initialized {
		return errors.Wrapf(ErrNotInitialized, "%q", c.name)
	}
	b.updateCalls++

	proposed := c.reservation
	proposed.BasePages = basePages
	proposed.ShadowPages = shadowPages
	proposed.FixedPages = fixedPages

	oldTotal := c.reservation.Total()
	if !b.admitLocked(proposed.Policy, oldTotal, proposed.Total()) {
		b.declined++
		return errors.Wrapf(mm.ErrReservationDeclined, "%q asked to grow from %d to %d pages, %d of %d are reserved",
			c.name, oldTotal, proposed.Total(), b.reserved, b.capacity)
	}

	b.reserved = b.reserved - oldTotal + proposed.Total()
	c.reservation = proposed
	return nil
}

// Deregister returns the client's reservation to the broker. Later calls on the client fail.
func (c *Client) Deregister() {
	b := c.broker
	b.logger.Debug("Client::Deregister", slog.String("VM", c.name))

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if c.deregistered {
		return
	}

	if c.initialized {
		b.reserved -= c.reservation.Total()
	}
	b.clients.Delete(c.name)
	c.deregistered = true
}

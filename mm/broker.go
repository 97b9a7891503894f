package mm

import (
	"strings"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source broker.go -destination mocks/mock_broker.go -package mocks

// Broker is the global memory accountant a VM reserves its pages with. Every call either fully
// succeeds or fully fails. All page counts passed by the ledger are at least 1.
type Broker interface {
	// InitialReservation is made exactly once per VM, when paging is initialized
	InitialReservation(basePages, shadowPages, fixedPages uint64, policy OvercommitPolicy, priority Priority) error
	// UpdateReservation replaces the VM's reservation with new totals
	UpdateReservation(basePages, shadowPages, fixedPages uint64) error
}

// OvercommitPolicy tells the broker whether the VM may be granted more memory than the host has
type OvercommitPolicy uint32

const (
	PolicyNoOvercommit OvercommitPolicy = iota
	PolicyOvercommit
)

var policyMapping = make(map[OvercommitPolicy]string)

func (p OvercommitPolicy) String() string {
	return policyMapping[p]
}

func (p OvercommitPolicy) MarshalText() ([]byte, error) {
	name, ok := policyMapping[p]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParameter, "overcommit policy %d", uint32(p))
	}
	return []byte(name), nil
}

func (p *OvercommitPolicy) UnmarshalText(text []byte) error {
	for policy, name := range policyMapping {
		if strings.EqualFold(name, string(text)) {
			*p = policy
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidParameter, "unknown overcommit policy %q", text)
}

// Priority ranks VMs when the broker has to decide who gets memory back first
type Priority uint32

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
)

var priorityMapping = make(map[Priority]string)

func (p Priority) String() string {
	return priorityMapping[p]
}

func (p Priority) MarshalText() ([]byte, error) {
	name, ok := priorityMapping[p]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParameter, "priority %d", uint32(p))
	}
	return []byte(name), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	for priority, name := range priorityMapping {
		if strings.EqualFold(name, string(text)) {
			*p = priority
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidParameter, "unknown priority %q", text)
}

func init() {
	policyMapping[PolicyNoOvercommit] = "NoOvercommit"
	policyMapping[PolicyOvercommit] = "Overcommit"

	priorityMapping[PriorityLow] = "Low"
	priorityMapping[PriorityNormal] = "Normal"
	priorityMapping[PriorityHigh] = "High"
}

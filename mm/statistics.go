package mm

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

// DefaultStatsPrefix is where RegisterStatistics puts the ledger's counters when no prefix is given
const DefaultStatsPrefix = "/MM"

// RegisterStatistics exposes the ledger's counters in registry under prefix
func (m *MM) RegisterStatistics(registry *stats.Registry, prefix string) error {
	if prefix == "" {
		prefix = DefaultStatsPrefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	counters := []struct {
		name        string
		unit        stats.Unit
		description string
		sample      stats.SampleFunc
	}{
		{"/Reserved/cBasePages", stats.UnitPages, "Reserved number of base pages, ROM and shadow ROM included.",
			func() uint64 { return m.basePages }},
		{"/Reserved/cHandyPages", stats.UnitPages, "Reserved number of handy pages.",
			func() uint64 { return m.handyPages }},
		{"/Reserved/cShadowPages", stats.UnitPages, "Reserved number of shadow paging pages.",
			func() uint64 { return m.shadowPages }},
		{"/Reserved/cFixedPages", stats.UnitPages, "Reserved number of fixed pages (MMIO2).",
			func() uint64 { return m.fixedPages }},
		{"/cbRamBase", stats.UnitBytes, "Size of the base RAM.",
			func() uint64 { return m.ramSize }},
	}

	for _, counter := range counters {
		if err := registry.Register(prefix+counter.name, counter.unit, counter.description, counter.sample); err != nil {
			return errors.Wrap(err, "registering mm statistics")
		}
	}

	return nil
}

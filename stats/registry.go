// Package stats is a small registry of named counters. Every counter carries a unit and a one line
// description and is sampled on demand, so the components that own the data keep owning it.
package stats

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// SampleFunc reads the current value of a counter
type SampleFunc func() uint64

// Sample is a point-in-time reading of a registered counter
type Sample struct {
	Name        string
	Unit        Unit
	Description string
	Value       uint64
}

type entry struct {
	name        string
	unit        Unit
	description string
	sample      SampleFunc
}

// Registry holds named counters. It is safe for concurrent use.
type Registry struct {
	mutex   sync.RWMutex
	entries *swiss.Map[string, *entry]
}

func NewRegistry() *Registry {
	return &Registry{
		entries: swiss.NewMap[string, *entry](64),
	}
}

// Register adds a counter. Names are slash separated paths, e.g. "/MM/Heap/VM/CurrentBytes".
func (r *Registry) Register(name string, unit Unit, description string, sample SampleFunc) error {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return errors.Wrapf(ErrBadName, "%q", name)
	}
	if sample == nil {
		return errors.Newf("counter %q registered without a sample function", name)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.entries.Has(name) {
		return errors.Wrapf(ErrDuplicate, "%q", name)
	}

	r.entries.Put(name, &entry{
		name:        name,
		unit:        unit,
		description: description,
		sample:      sample,
	})
	return nil
}

// Deregister removes every counter whose name starts with prefix and returns how many were removed
func (r *Registry) Deregister(prefix string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var doomed []string
	r.entries.Iter(func(name string, _ *entry) bool {
		if strings.HasPrefix(name, prefix) {
			doomed = append(doomed, name)
		}
		return false
	})

	for _, name := range doomed {
		r.entries.Delete(name)
	}

	return len(doomed)
}

func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.entries.Count()
}

// Lookup samples a single counter
func (r *Registry) Lookup(name string) (Sample, bool) {
	r.mutex.RLock()
	e, ok := r.entries.Get(name)
	r.mutex.RUnlock()

	if !ok {
		return Sample{}, false
	}

	return e.read(), true
}

// Snapshot samples every counter and returns them sorted by name. Sample functions run without
// the registry lock held, so they may take their owner's locks freely.
func (r *Registry) Snapshot() []Sample {
	r.mutex.RLock()
	entries := make([]*entry, 0, r.entries.Count())
	r.entries.Iter(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return false
	})
	r.mutex.RUnlock()

	samples := make([]Sample, 0, len(entries))
	for _, e := range entries {
		samples = append(samples, e.read())
	}

	slices.SortFunc(samples, func(a, b Sample) int {
		return strings.Compare(a.Name, b.Name)
	})

	return samples
}

// WriteJSON renders a snapshot of the counters whose names start with prefix as a JSON array of
// counter objects. An empty prefix selects every counter.
func (r *Registry) WriteJSON(prefix string) ([]byte, error) {
	samples := r.Snapshot()

	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, sample := range samples {
		if !strings.HasPrefix(sample.Name, prefix) {
			continue
		}
		obj := arr.Object()
		obj.Name("Name").String(sample.Name)
		obj.Name("Unit").String(sample.Unit.String())
		obj.Name("Description").String(sample.Description)
		obj.Name("Value").Float64(float64(sample.Value))
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "rendering statistics")
	}

	return writer.Bytes(), nil
}

func (e *entry) read() Sample {
	return Sample{
		Name:        e.name,
		Unit:        e.unit,
		Description: e.description,
		Value:       e.sample(),
	}
}

package heap

import (
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

type tagRecord struct {
	tag      Tag
	counters memutils.HeapCounters
}

type tagTable struct {
	records *swiss.Map[Tag, *tagRecord]
}

func newTagTable() tagTable {
	return tagTable{records: swiss.NewMap[Tag, *tagRecord](16)}
}

type counterDescriptor struct {
	name        string
	unit        stats.Unit
	description string
	read        func(c *memutils.HeapCounters) uint64
}

var counterDescriptors = []counterDescriptor{
	{"Allocations", stats.UnitCalls, "Number of allocation calls.",
		func(c *memutils.HeapCounters) uint64 { return c.Allocations }},
	{"Reallocations", stats.UnitCalls, "Number of reallocation calls.",
		func(c *memutils.HeapCounters) uint64 { return c.Reallocations }},
	{"Frees", stats.UnitCalls, "Number of free calls.",
		func(c *memutils.HeapCounters) uint64 { return c.Frees }},
	{"Failures", stats.UnitCount, "Number of failed allocations.",
		func(c *memutils.HeapCounters) uint64 { return c.Failures }},
	{"CurrentBytes", stats.UnitBytes, "Number of bytes currently allocated.",
		func(c *memutils.HeapCounters) uint64 { return c.CurrentBytes }},
	{"BytesAllocated", stats.UnitBytes, "Total number of bytes allocated.",
		func(c *memutils.HeapCounters) uint64 { return c.BytesAllocated }},
	{"BytesFreed", stats.UnitBytes, "Total number of bytes freed.",
		func(c *memutils.HeapCounters) uint64 { return c.BytesFreed }},
	{"CurrentBlockBytes", stats.UnitBytes, "Number of bytes currently taken from the system, headers included.",
		func(c *memutils.HeapCounters) uint64 { return c.CurrentBlockBytes }},
}

// tagRecordLocked returns the record for tag, creating and registering it on first use
func (a *Arena) tagRecordLocked(tag Tag) *tagRecord {
	record, ok := a.tags.records.Get(tag)
	if ok {
		return record
	}

	record = &tagRecord{tag: tag}
	a.tags.records.Put(tag, record)

	if err := a.registerCounters(a.prefix+"/"+tag.String(), &record.counters); err != nil {
		a.logger.Warn("Arena: could not register tag statistics",
			slog.String("Tag", tag.String()),
			slog.Any("error", err))
	}

	return record
}

func (a *Arena) registerCounters(path string, counters *memutils.HeapCounters) error {
	if a.registry == nil {
		return nil
	}

	for _, desc := range counterDescriptors {
		read := desc.read
		err := a.registry.Register(path+"/"+desc.name, desc.unit, desc.description, func() uint64 {
			a.mutex.Lock()
			defer a.mutex.Unlock()

			return read(counters)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Statistics returns a copy of the counters kept for tag. The boolean is false if nothing was ever
// allocated under the tag.
func (a *Arena) Statistics(tag Tag) (memutils.HeapCounters, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	record, ok := a.tags.records.Get(tag)
	if !ok {
		return memutils.HeapCounters{}, false
	}
	return record.counters, true
}

// GlobalStatistics returns a copy of the counters aggregated across every tag
func (a *Arena) GlobalStatistics() memutils.HeapCounters {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.global
}

// Tags lists every tag that has a statistics record, in ascending order
func (a *Arena) Tags() []Tag {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.tagsLocked()
}

func (a *Arena) tagsLocked() []Tag {
	tags := make([]Tag, 0, a.tags.records.Count())
	a.tags.records.Iter(func(tag Tag, _ *tagRecord) bool {
		tags = append(tags, tag)
		return false
	})
	slices.Sort(tags)
	return tags
}

// BuildStatsString renders the arena's counters as JSON. With detailed set, every live block is
// listed as well.
func (a *Arena) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totalObj := obj.Name("Total").Object()
	printCounters(&totalObj, &a.global)
	totalObj.Name("BlockCount").Int(a.blocks.Count())
	totalObj.End()

	tagsObj := obj.Name("Tags").Object()
	for _, tag := range a.tagsLocked() {
		record, _ := a.tags.records.Get(tag)
		tagObj := tagsObj.Name(tag.String()).Object()
		printCounters(&tagObj, &record.counters)
		tagObj.End()
	}
	tagsObj.End()

	if detailed {
		blocksArr := obj.Name("Blocks").Array()
		a.blocks.Walk(func(_ int32, b *block) bool {
			blockObj := blocksArr.Object()
			blockObj.Name("Tag").String(b.record.tag.String())
			blockObj.Name("Size").Int(b.size)
			blockObj.Name("BlockSize").Int(len(b.mem))
			blockObj.End()
			return false
		})
		blocksArr.End()
	}

	obj.End()

	return string(writer.Bytes())
}

func printCounters(json *jwriter.ObjectState, counters *memutils.HeapCounters) {
	for _, desc := range counterDescriptors {
		json.Name(desc.name).Float64(float64(desc.read(counters)))
	}
}

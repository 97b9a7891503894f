// Package config loads the memory configuration of a VM from a TOML file
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
)

const mib = 1024 * 1024

// HeapAllocator selects the system allocator behind the VM's heap
type HeapAllocator string

const (
	HeapAllocatorGo   HeapAllocator = "go"
	HeapAllocatorMmap HeapAllocator = "mmap"
)

// FixedRegion is a range of pages that must stay resident for the VM's lifetime, such as MMIO2
// regions or VRAM
type FixedRegion struct {
	Description string `toml:"description"`
	Pages       uint32 `toml:"pages"`
}

// VM is the memory configuration of one VM
type VM struct {
	Name string `toml:"name"`

	// RAMSizeMB is the guest base RAM
	RAMSizeMB uint64 `toml:"ram_size_mb"`
	// RAMHoleSizeMB is the MMIO hole below 4GiB. Zero selects the default.
	RAMHoleSizeMB uint64 `toml:"ram_hole_size_mb"`

	Policy   mm.OvercommitPolicy `toml:"policy"`
	Priority mm.Priority         `toml:"priority"`

	// ROMPages is added to the base reservation before paging is initialized
	ROMPages    uint32        `toml:"rom_pages"`
	HandyPages  uint32        `toml:"handy_pages"`
	ShadowPages uint32        `toml:"shadow_pages"`
	Fixed       []FixedRegion `toml:"fixed"`

	HeapAllocator HeapAllocator `toml:"heap_allocator"`
}

// Broker configures the in-process memory broker
type Broker struct {
	CapacityPages uint64 `toml:"capacity_pages"`
}

// File is the layout of a configuration file
type File struct {
	VM     VM     `toml:"vm"`
	Broker Broker `toml:"broker"`
}

// Default returns a configuration for a small VM that fits the default broker capacity
func Default() File {
	return File{
		VM: VM{
			Name:          "default",
			RAMSizeMB:     512,
			Policy:        mm.PolicyNoOvercommit,
			Priority:      mm.PriorityNormal,
			HandyPages:    128,
			ShadowPages:   256,
			HeapAllocator: HeapAllocatorGo,
		},
		Broker: Broker{
			CapacityPages: 1024 * mib >> mm.PageShift,
		},
	}
}

// Load reads path on top of Default and validates the result. Unknown keys are an error.
func Load(path string) (File, error) {
	file := Default()

	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return File{}, errors.Wrapf(err, "reading configuration %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return File{}, errors.Newf("configuration %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := file.Validate(); err != nil {
		return File{}, errors.Wrapf(err, "configuration %s", path)
	}

	return file, nil
}

// Validate checks the configuration for values the VM could never be created with
func (f *File) Validate() error {
	if f.VM.Name == "" {
		return errors.New("vm.name must not be empty")
	}
	if f.VM.RAMSizeMB == 0 {
		return errors.New("vm.ram_size_mb must not be zero")
	}

	if hole := f.VM.RAMHoleSizeMB * mib; hole != 0 {
		if hole < mm.MinRAMHoleSize || hole > mm.MaxRAMHoleSize || hole%mm.MinRAMHoleSize != 0 {
			return errors.Newf("vm.ram_hole_size_mb %d must be a multiple of %d between %d and %d",
				f.VM.RAMHoleSizeMB, mm.MinRAMHoleSize/mib, mm.MinRAMHoleSize/mib, mm.MaxRAMHoleSize/mib)
		}
	}

	if _, err := f.VM.Policy.MarshalText(); err != nil {
		return errors.Wrap(err, "vm.policy")
	}
	if _, err := f.VM.Priority.MarshalText(); err != nil {
		return errors.Wrap(err, "vm.priority")
	}

	switch f.VM.HeapAllocator {
	case "", HeapAllocatorGo, HeapAllocatorMmap:
	default:
		return errors.Newf("vm.heap_allocator %q must be %q or %q", f.VM.HeapAllocator, HeapAllocatorGo, HeapAllocatorMmap)
	}

	for i, region := range f.VM.Fixed {
		if region.Description == "" {
			return errors.Newf("vm.fixed[%d] needs a description", i)
		}
		if region.Pages == 0 || region.Pages > 1<<31-1 {
			return errors.Newf("vm.fixed[%d] (%s) has an invalid page count %d", i, region.Description, region.Pages)
		}
	}

	return nil
}

// RAMSize returns the guest base RAM in bytes
func (v *VM) RAMSize() uint64 {
	return v.RAMSizeMB * mib
}

// RAMHoleSize returns the MMIO hole in bytes, or zero for the default
func (v *VM) RAMHoleSize() uint64 {
	return v.RAMHoleSizeMB * mib
}

// PagingConfig returns the settings the reservation ledger initializes paging with
func (v *VM) PagingConfig() mm.PagingConfig {
	return mm.PagingConfig{
		RAMSize:     v.RAMSize(),
		RAMHoleSize: v.RAMHoleSize(),
		Policy:      v.Policy,
		Priority:    v.Priority,
	}
}

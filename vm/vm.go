// Package vm drives the memory side of a VM's lifecycle. Create builds the heap, the saved-state
// manager and the reservation ledger in order and makes the VM's reservation with the broker;
// Destroy takes them down in reverse.
package vm

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/config"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/ssm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

// fixedRegion is the record the VM keeps on its heap for every fixed reservation it made
type fixedRegion struct {
	label []byte
	pages uint32
}

// VM owns the memory components of one virtual machine
type VM struct {
	logger *slog.Logger
	cfg    config.VM

	registry *stats.Registry
	heap     *heap.Arena
	ssm      *ssm.Manager
	mm       *mm.MM

	name         []byte
	fixedRegions []fixedRegion
	systemBytes  atomic.Int64
	destroyed    bool
}

// Create builds a VM from cfg and reserves its memory with broker. On failure everything built so
// far is torn down again.
func Create(logger *slog.Logger, cfg config.VM, broker mm.Broker) (_ *VM, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("VM", cfg.Name))
	logger.Debug("VM::Create", slog.Uint64("RAMSizeMB", cfg.RAMSizeMB))

	vm := &VM{
		logger:   logger,
		cfg:      cfg,
		registry: stats.NewRegistry(),
	}

	system, err := systemAllocator(cfg.HeapAllocator)
	if err != nil {
		return nil, err
	}

	vm.heap, err = heap.New(logger, heap.CreateOptions{
		SystemAllocator: system,
		Callbacks: &heap.CallbackOptions{
			Allocate: vm.onHeapAllocate,
			Free:     vm.onHeapFree,
		},
		Registry: vm.registry,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating the VM heap")
	}

	arena := vm.heap
	defer func() {
		if err != nil {
			if destroyErr := arena.Destroy(); destroyErr != nil {
				logger.Error("VM: failed to destroy the heap after a failed create", slog.Any("error", destroyErr))
			}
		}
	}()

	err = vm.registry.Register("/MM/R3Heap/SystemBytes", stats.UnitBytes,
		"Bytes the heap currently holds from its system allocator.",
		func() uint64 { return uint64(vm.systemBytes.Load()) })
	if err != nil {
		return nil, err
	}

	vm.name, err = vm.heap.DuplicateGoString(heap.TagVM, cfg.Name)
	if err != nil {
		return nil, errors.Wrap(err, "storing the VM name")
	}

	vm.ssm = ssm.New(logger)
	vm.mm = mm.New(logger, broker)

	if err = vm.mm.Init(vm.ssm); err != nil {
		return nil, err
	}
	if err = vm.mm.RegisterStatistics(vm.registry, mm.DefaultStatsPrefix); err != nil {
		return nil, err
	}

	if err = vm.reserve(); err != nil {
		return nil, err
	}

	memutils.DebugValidate(vm.heap)
	return vm, nil
}

// reserve describes the VM's memory demand to the ledger. Everything before InitPaging is only
// recorded; InitPaging makes the initial reservation and every later step updates it.
func (v *VM) reserve() error {
	if v.cfg.ROMPages > 0 {
		if err := v.mm.IncreaseBaseReservation(int64(v.cfg.ROMPages)); err != nil {
			return err
		}
	}

	if v.cfg.HandyPages > 0 {
		if err := v.mm.ReserveHandyPages(v.cfg.HandyPages); err != nil {
			return err
		}
	}

	if err := v.mm.InitPaging(v.cfg.PagingConfig()); err != nil {
		return errors.Wrapf(err, "VM %s", v.cfg.Name)
	}

	for _, region := range v.cfg.Fixed {
		label, err := v.heap.FormattedAllocate(heap.TagMM, "%s (%d pages)", region.Description, region.Pages)
		if err != nil {
			return errors.Wrapf(err, "recording fixed region %s", region.Description)
		}

		if err = v.mm.AdjustFixedReservation(int32(region.Pages), region.Description); err != nil {
			if freeErr := v.heap.Free(label); freeErr != nil {
				v.logger.Error("VM: failed to free fixed region label", slog.Any("error", freeErr))
			}
			return err
		}

		v.fixedRegions = append(v.fixedRegions, fixedRegion{label: label, pages: region.Pages})
	}

	if v.cfg.ShadowPages > 0 {
		if err := v.mm.UpdateShadowReservation(v.cfg.ShadowPages); err != nil {
			return err
		}
	}

	return nil
}

func (v *VM) onHeapAllocate(_ *heap.Arena, _ heap.Tag, size int, _ interface{}) {
	v.systemBytes.Add(int64(size))
}

func (v *VM) onHeapFree(_ *heap.Arena, _ heap.Tag, size int, _ interface{}) {
	v.systemBytes.Add(-int64(size))
}

// ReleaseFixedRegions gives every fixed reservation back. The regions are released newest first
// and the first failure stops the walk.
func (v *VM) ReleaseFixedRegions() error {
	for len(v.fixedRegions) > 0 {
		last := v.fixedRegions[len(v.fixedRegions)-1]
		description := string(last.label[:len(last.label)-1])

		if err := v.mm.AdjustFixedReservation(-int32(last.pages), description); err != nil {
			return err
		}
		if err := v.heap.Free(last.label); err != nil {
			return err
		}
		v.fixedRegions = v.fixedRegions[:len(v.fixedRegions)-1]
	}
	return nil
}

// Destroy tears the ledger down, then releases everything left on the heap
func (v *VM) Destroy() error {
	v.logger.Debug("VM::Destroy")

	if v.destroyed {
		return heap.ErrDestroyed
	}

	memutils.DebugValidate(v.heap)

	if err := v.mm.Term(); err != nil {
		return err
	}
	if err := v.heap.Destroy(); err != nil {
		return err
	}

	v.fixedRegions = nil
	v.name = nil
	v.destroyed = true
	return nil
}

// Save writes the VM's saved state to w
func (v *VM) Save(w io.Writer) error {
	return v.ssm.Save(w)
}

// Load restores saved state from r. The VM must have been created with the same memory
// configuration the state was saved with.
func (v *VM) Load(r io.Reader) error {
	return v.ssm.Load(r)
}

// Name returns the VM's name
func (v *VM) Name() string {
	if v.name == nil {
		return v.cfg.Name
	}
	return string(bytes.TrimSuffix(v.name, []byte{0}))
}

func (v *VM) Heap() *heap.Arena {
	return v.heap
}

func (v *VM) MM() *mm.MM {
	return v.mm
}

func (v *VM) Stats() *stats.Registry {
	return v.registry
}

func (v *VM) SSM() *ssm.Manager {
	return v.ssm
}

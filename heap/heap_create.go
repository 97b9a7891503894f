package heap

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap/internal/utils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/memutils"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/stats"
)

// CreateFlags indicate specific arena behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized ensures that the arena will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	createFlagsMapping[CreateExternallySynchronized] = "CreateExternallySynchronized"
}

const (
	// Alignment is the granularity every payload size is rounded up to
	Alignment uint = 16
	// HeaderSize is the per-block overhead in front of each payload
	HeaderSize = memutils.GuardSize

	// DefaultStatsPrefix is used when CreateOptions.Registry is set but no prefix was given
	DefaultStatsPrefix = "/MM/R3Heap"
)

// CreateOptions contains optional settings when creating an arena
type CreateOptions struct {
	// Flags indicates specific arena behaviors to activate or deactivate
	Flags CreateFlags

	// SystemAllocator supplies the raw memory for blocks. Defaults to a GoAllocator.
	SystemAllocator SystemAllocator

	// Callbacks is an optional set of callbacks executed whenever the arena takes memory from or
	// returns memory to its SystemAllocator
	Callbacks *CallbackOptions

	// Registry, when provided, receives every global and per-tag counter of the arena
	Registry *stats.Registry
	// StatsPrefix is the path under which counters are registered
	StatsPrefix string
}

// New creates a new, empty Arena
func New(logger *slog.Logger, options CreateOptions) (*Arena, error) {
	if logger == nil {
		logger = slog.Default()
	}

	memutils.DebugCheckPow2(Alignment, "heap alignment")

	arena := &Arena{
		logger:   logger,
		mutex:    utils.NewOptionalMutex(options.Flags&CreateExternallySynchronized == 0),
		system:   options.SystemAllocator,
		registry: options.Registry,
		prefix:   options.StatsPrefix,
	}
	arena.callbacks = blockCallbacks{Callbacks: options.Callbacks, Arena: arena}

	if arena.system == nil {
		arena.system = NewGoAllocator()
	}

	if arena.registry != nil {
		if arena.prefix == "" {
			arena.prefix = DefaultStatsPrefix
		}
		if !strings.HasPrefix(arena.prefix, "/") {
			return nil, errors.Newf("statistics prefix %q must start with '/'", arena.prefix)
		}
		arena.prefix = strings.TrimSuffix(arena.prefix, "/")
	}

	arena.blocks.Init()
	arena.tags = newTagTable()

	if err := arena.registerCounters(arena.prefix, &arena.global); err != nil {
		return nil, err
	}

	logger.Debug("Arena::New", slog.String("Flags", options.Flags.String()))
	return arena, nil
}

// Package monitor decodes guest agent commands, tracks kernel state learned
// from them, and republishes each command as a typed notification.
package monitor

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/guest"
	"github.com/vmtrace/guestmon/kernel"
	"github.com/vmtrace/guestmon/wire"
)

// ImageInfo is the metadata an ImageResolver extracts from a module's
// on-disk image.
type ImageInfo struct {
	Size  uint64
	Entry uint64
}

// ImageResolver locates the on-disk image backing a guest module and parses
// its size and entry point. Resolution failure is never fatal; the monitor
// falls back to the guest-declared fields.
type ImageResolver interface {
	Resolve(name string, declaredSize uint64) (ImageInfo, error)
}

// PanicHandler receives kernel panic commands. The message lives in guest
// memory at msgAddr; msgSize is the guest-declared length. Handlers commonly
// terminate the path.
type PanicHandler interface {
	HandlePanic(p guest.Path, msgAddr, msgSize uint64)
}

// Config controls the monitor's terminal actions. Both flags default to
// true: a segfault or trap usually means the path is done being useful.
type Config struct {
	TerminateOnSegfault bool
	TerminateOnTrap     bool
	// KernelImageName is the image name used to enrich the synthetic
	// kernel module emitted on init.
	KernelImageName string
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		TerminateOnSegfault: true,
		TerminateOnTrap:     true,
		KernelImageName:     "vmlinux",
	}
}

// Monitor is the host-side half of the guest agent protocol. One instance
// serves every execution path; commands are handled synchronously, one at a
// time, on the calling goroutine.
type Monitor struct {
	log      *zap.Logger
	cfg      Config
	kernel   *kernel.Tracker
	resolver ImageResolver
	panics   PanicHandler

	mu    sync.Mutex
	paths map[uint64]*pathState

	// Notification bus: one typed publish point per event kind.
	OnSegFault      Signal[FaultEvent]
	OnProcessLoad   Signal[ProcessLoadEvent]
	OnModuleLoad    Signal[ModuleLoadEvent]
	OnProcessUnload Signal[ProcessExitEvent]
	OnTrap          Signal[TrapEvent]
	OnMemoryMap     Signal[MemoryMapEvent]
	OnMemoryUnmap   Signal[MemoryUnmapEvent]
	OnMemoryProtect Signal[MemoryProtectEvent]
	OnInitialized   Signal[InitializedEvent]
}

// pathState is per-execution-path monitor state. Paths are serialized by the
// host scheduler, so no per-path locking is needed beyond the map itself.
type pathState struct {
	initialized bool
}

// New creates a monitor. resolver and panics may be nil: module metadata
// enrichment is then skipped and kernel panics are only logged. A nil logger
// disables logging.
func New(log *zap.Logger, cfg Config, resolver ImageResolver, panics PanicHandler) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.KernelImageName == "" {
		cfg.KernelImageName = DefaultConfig().KernelImageName
	}
	return &Monitor{
		log:      log,
		cfg:      cfg,
		kernel:   kernel.NewTracker(),
		resolver: resolver,
		panics:   panics,
		paths:    make(map[uint64]*pathState),
	}
}

// CommandSpec returns the (size, version) pair this build expects from the
// guest agent. The transport must reject records that do not match before
// calling HandleCommand.
func (m *Monitor) CommandSpec() (size int, version uint64) {
	return wire.CommandSize, wire.CommandVersion
}

// Kernel exposes the tracked kernel layout and identity accessors.
func (m *Monitor) Kernel() *kernel.Tracker {
	return m.kernel
}

// Pid returns the guest process id of the task currently running on p, or
// kernel.UnknownID before init or on read failure.
func (m *Monitor) Pid(p guest.Path) uint64 {
	return m.kernel.Pid(p.Memory())
}

// Tid returns the guest thread id of the task currently running on p, or
// kernel.UnknownID before init or on read failure.
func (m *Monitor) Tid(p guest.Path) uint64 {
	return m.kernel.Tid(p.Memory())
}

// HandleCommand decodes one command record issued by p and dispatches it.
// Unknown command kinds are dropped without error so that the monitor
// tolerates version skew with the guest agent. Data must be exactly
// CommandSize bytes.
func (m *Monitor) HandleCommand(p guest.Path, data []byte) error {
	if p == nil {
		return errors.New("nil execution path")
	}

	cmd, err := wire.Decode(data)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case wire.KindSegFault:
		m.handleSegfault(p, cmd)
	case wire.KindProcessLoad:
		m.handleProcessLoad(p, cmd)
	case wire.KindModuleLoad:
		m.handleModuleLoad(p, cmd)
	case wire.KindTrap:
		m.handleTrap(p, cmd)
	case wire.KindProcessExit:
		m.handleProcessExit(p, cmd)
	case wire.KindInit:
		m.handleInit(p, cmd)
	case wire.KindKernelPanic:
		m.handleKernelPanic(p, cmd)
	case wire.KindMemoryMap:
		m.handleMemMap(p, cmd)
	case wire.KindMemoryUnmap:
		m.handleMemUnmap(p, cmd)
	case wire.KindMemoryProtect:
		m.handleMemProtect(p, cmd)
	default:
		// Tolerate newer agents: unknown kinds are not an error.
	}
	return nil
}

// completeInitialization marks p's tracking state as set up. Idempotent:
// handlers for both init and process load call it because guests do not
// guarantee the init command precedes the first load.
func (m *Monitor) completeInitialization(p guest.Path) {
	m.mu.Lock()
	st, ok := m.paths[p.ID()]
	if !ok {
		st = &pathState{}
		m.paths[p.ID()] = st
	}
	first := !st.initialized
	st.initialized = true
	m.mu.Unlock()

	if first {
		m.OnInitialized.emit(InitializedEvent{Path: p})
	}
}

// Initialized reports whether p has completed monitor initialization.
func (m *Monitor) Initialized(p guest.Path) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.paths[p.ID()]
	return ok && st.initialized
}

// forgetPath drops per-path state once a path has been terminated, so the
// state map tracks only live paths and a later reuse of the id starts fresh.
func (m *Monitor) forgetPath(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, id)
}

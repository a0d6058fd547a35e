// Package track maintains a live table of guest processes and the modules
// and memory regions mapped into them, fed by monitor notifications. The
// monitor itself retains nothing between commands; this is the subscriber
// that does.
package track

import (
	"sync"
	"time"

	"github.com/vmtrace/guestmon/monitor"
)

// ProcessInfo is the tracked state of one guest process.
type ProcessInfo struct {
	Pid          uint64
	AddressSpace uint64
	Name         string
	StartTime    time.Time
	ExitTime     time.Time
	ExitCode     uint64
	Exited       bool

	Modules []monitor.ModuleDescriptor
	Regions []Region
}

// Region is one live memory mapping of a tracked process.
type Region struct {
	Start uint64
	Size  uint64
	Prot  uint64
}

// ProcessMap is a thread-safe map of guest process state keyed by pid.
type ProcessMap struct {
	mu        sync.RWMutex
	processes map[uint64]*ProcessInfo
}

func NewProcessMap() *ProcessMap {
	return &ProcessMap{
		processes: make(map[uint64]*ProcessInfo),
	}
}

// Attach subscribes the map to m's process, module and memory signals.
func (pm *ProcessMap) Attach(m *monitor.Monitor) {
	m.OnProcessLoad.Connect(pm.onProcessLoad)
	m.OnProcessUnload.Connect(pm.onProcessExit)
	m.OnModuleLoad.Connect(pm.onModuleLoad)
	m.OnMemoryMap.Connect(pm.onMemoryMap)
	m.OnMemoryUnmap.Connect(pm.onMemoryUnmap)
	m.OnMemoryProtect.Connect(pm.onMemoryProtect)
}

// Get returns a snapshot of the tracked state for pid. Events keep mutating
// the live entry, so callers get a copy they can hold without locking.
func (pm *ProcessMap) Get(pid uint64) (ProcessInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, exists := pm.processes[pid]
	if !exists {
		return ProcessInfo{}, false
	}
	return snapshot(info), true
}

// List returns a snapshot of all tracked processes.
func (pm *ProcessMap) List() []ProcessInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	processes := make([]ProcessInfo, 0, len(pm.processes))
	for _, p := range pm.processes {
		processes = append(processes, snapshot(p))
	}
	return processes
}

func snapshot(info *ProcessInfo) ProcessInfo {
	out := *info
	out.Modules = append([]monitor.ModuleDescriptor(nil), info.Modules...)
	out.Regions = append([]Region(nil), info.Regions...)
	return out
}

func (pm *ProcessMap) onProcessLoad(ev monitor.ProcessLoadEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	// A pid can be recycled after exit; a fresh load replaces the old
	// entry entirely.
	pm.processes[ev.Pid] = &ProcessInfo{
		Pid:          ev.Pid,
		AddressSpace: ev.AddressSpace,
		Name:         ev.Name,
		StartTime:    time.Now(),
	}
}

func (pm *ProcessMap) onProcessExit(ev monitor.ProcessExitEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.processes[ev.Pid]
	if !ok {
		// Exit for a process loaded before monitoring started.
		info = &ProcessInfo{Pid: ev.Pid, AddressSpace: ev.AddressSpace}
		pm.processes[ev.Pid] = info
	}
	info.Exited = true
	info.ExitTime = time.Now()
	info.ExitCode = ev.Code
}

func (pm *ProcessMap) onModuleLoad(ev monitor.ModuleLoadEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info := pm.ensure(ev.Module.Pid, ev.Module.AddressSpace)
	info.Modules = append(info.Modules, ev.Module)
}

func (pm *ProcessMap) onMemoryMap(ev monitor.MemoryMapEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info := pm.ensure(ev.Pid, 0)
	info.Regions = append(info.Regions, Region{Start: ev.Address, Size: ev.Size, Prot: ev.Prot})
}

func (pm *ProcessMap) onMemoryUnmap(ev monitor.MemoryUnmapEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.processes[ev.Pid]
	if !ok {
		return
	}
	end := rangeEnd(ev.Start, ev.Size)
	kept := info.Regions[:0]
	for _, region := range info.Regions {
		if region.Start >= end || rangeEnd(region.Start, region.Size) <= ev.Start {
			kept = append(kept, region)
		}
	}
	info.Regions = kept
}

func (pm *ProcessMap) onMemoryProtect(ev monitor.MemoryProtectEvent) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.processes[ev.Pid]
	if !ok {
		return
	}
	end := rangeEnd(ev.Start, ev.Size)
	for i, region := range info.Regions {
		if region.Start < end && rangeEnd(region.Start, region.Size) > ev.Start {
			info.Regions[i].Prot = ev.Prot
		}
	}
}

// rangeEnd saturates start+size at the top of the address space. Sizes come
// from the guest unchecked, so the sum can wrap and invert an overlap test.
func rangeEnd(start, size uint64) uint64 {
	end := start + size
	if end < start {
		return ^uint64(0)
	}
	return end
}

// ensure returns the entry for pid, creating a stub if the load event was
// never seen (module and memory events can arrive for pre-existing
// processes).
func (pm *ProcessMap) ensure(pid, addressSpace uint64) *ProcessInfo {
	info, ok := pm.processes[pid]
	if !ok {
		info = &ProcessInfo{Pid: pid, AddressSpace: addressSpace}
		pm.processes[pid] = info
	}
	return info
}

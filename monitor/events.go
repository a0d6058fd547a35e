package monitor

import "github.com/vmtrace/guestmon/guest"

// FaultEvent reports a segmentation fault in a monitored process.
type FaultEvent struct {
	Path         guest.Path
	Pid          uint64
	Pc           uint64
	Address      uint64
	Fault        uint64 // guest fault kind flags
	AddressSpace uint64
}

// ProcessLoadEvent reports a new process image in the guest. Name is the
// final path component of the process path; empty if the path could not be
// read from guest memory.
type ProcessLoadEvent struct {
	Path         guest.Path
	AddressSpace uint64
	Pid          uint64
	Name         string
}

// ModuleDescriptor describes one binary mapped into a guest process. Built
// per module-load command and handed to subscribers; the monitor does not
// retain it.
type ModuleDescriptor struct {
	Path         string
	Name         string
	Size         uint64
	EntryPoint   uint64
	LoadBase     uint64
	AddressSpace uint64
	Pid          uint64
}

// ModuleLoadEvent reports a module mapped into a guest process.
type ModuleLoadEvent struct {
	Path   guest.Path
	Module ModuleDescriptor
}

// ProcessExitEvent reports a guest process terminating.
type ProcessExitEvent struct {
	Path         guest.Path
	AddressSpace uint64
	Pid          uint64
	Code         uint64
}

// TrapEvent reports a CPU trap delivered to a monitored process.
type TrapEvent struct {
	Path      guest.Path
	Pid       uint64
	Pc        uint64
	Trapnr    uint64
	Signr     uint64
	ErrorCode uint64
}

// MemoryMapEvent reports a new mapping in a guest process.
type MemoryMapEvent struct {
	Path    guest.Path
	Pid     uint64
	Address uint64
	Size    uint64
	Prot    uint64
}

// MemoryUnmapEvent reports an unmapped range in a guest process.
type MemoryUnmapEvent struct {
	Path  guest.Path
	Pid   uint64
	Start uint64
	Size  uint64
}

// MemoryProtectEvent reports a protection change in a guest process.
type MemoryProtectEvent struct {
	Path  guest.Path
	Pid   uint64
	Start uint64
	Size  uint64
	Prot  uint64
}

// InitializedEvent fires once per path, the first time that path completes
// monitor initialization (either an explicit init command or the first
// process load, whichever arrives first).
type InitializedEvent struct {
	Path guest.Path
}

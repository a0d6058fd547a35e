// Package guest defines the contracts the monitor requires from its host:
// access to the monitored guest's memory and control over the execution path
// that issued the current command.
package guest

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the guest's native word width in bytes. Only 64-bit guests are
// supported by the agent protocol.
const WordSize = 8

// Memory reads from a snapshot of one execution path's guest address space.
// Reads are bounded, blocking operations; failure is a routine condition
// (unmapped page, agent handed us a stale pointer) and is reported as an
// error, never a panic.
type Memory interface {
	// Read returns n bytes starting at the guest virtual address addr.
	Read(addr uint64, n int) ([]byte, error)
	// ReadString reads a NUL-terminated string starting at addr.
	ReadString(addr uint64) (string, error)
}

// Path is one monitored execution context. The host scheduler can advance,
// suspend, or terminate paths independently; the monitor is always invoked
// in the context of the path that issued the command.
type Path interface {
	// ID uniquely identifies this path for the life of the run.
	ID() uint64
	// Memory gives access to this path's view of guest memory.
	Memory() Memory
	// PageDir returns the path's current address-space identifier
	// (the page-table root of the process that issued the command).
	PageDir() uint64
	// SetSwitchForbidden tells the host scheduler not to switch away from
	// this path. Used just before termination so the scheduler does not
	// interleave a path that is about to be killed.
	SetSwitchForbidden(forbidden bool)
	// Terminate ends exploration of this path. One-way: no further
	// commands from the path are expected after this returns.
	Terminate(reason string)
}

// ReadWord reads a guest-native word at addr.
func ReadWord(m Memory, addr uint64) (uint64, error) {
	b, err := m.Read(addr, WordSize)
	if err != nil {
		return 0, err
	}
	if len(b) != WordSize {
		return 0, fmt.Errorf("short read at %#x: got %d bytes", addr, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt32 reads a 32-bit signed integer at addr. The guest kernel's pid_t
// is an int regardless of word width.
func ReadInt32(m Memory, addr uint64) (int32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("short read at %#x: got %d bytes", addr, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Package wire defines the fixed-layout command record the in-guest agent
// writes into guest memory. The transport copies the record out of the guest
// and hands the raw bytes to the monitor; this package only interprets them.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CommandVersion is the agent protocol version this build expects. The
// transport reads the guest-declared version separately and must reject
// mismatches before handing bytes to the monitor.
const CommandVersion uint64 = 1

// Command record layout: two 8-byte header fields followed by a 40-byte
// payload area shared by all kinds. Little-endian throughout.
const (
	headerSize  = 16
	payloadSize = 40
	CommandSize = headerSize + payloadSize
)

// Kind identifies the event a command reports.
type Kind uint64

const (
	KindSegFault Kind = iota
	KindProcessLoad
	KindModuleLoad
	KindTrap
	KindProcessExit
	KindInit
	KindKernelPanic
	KindMemoryMap
	KindMemoryUnmap
	KindMemoryProtect
)

func (k Kind) String() string {
	switch k {
	case KindSegFault:
		return "segfault"
	case KindProcessLoad:
		return "process_load"
	case KindModuleLoad:
		return "module_load"
	case KindTrap:
		return "trap"
	case KindProcessExit:
		return "process_exit"
	case KindInit:
		return "init"
	case KindKernelPanic:
		return "kernel_panic"
	case KindMemoryMap:
		return "memory_map"
	case KindMemoryUnmap:
		return "memory_unmap"
	case KindMemoryProtect:
		return "memory_protect"
	}
	return fmt.Sprintf("unknown(%d)", uint64(k))
}

// Known reports whether k is part of the closed kind set. Commands with an
// unknown kind are dropped by the dispatcher, not treated as errors, so a
// newer guest agent can run against an older monitor.
func (k Kind) Known() bool {
	return k <= KindMemoryProtect
}

// SegFaultPayload reports a fatal memory access in the monitored process.
type SegFaultPayload struct {
	Pc      uint64
	Address uint64
	Fault   uint64
}

// ProcessLoadPayload carries a guest pointer to the loaded process's path.
type ProcessLoadPayload struct {
	ProcessPath uint64
}

// ModuleLoadPayload describes a binary mapped into the current process.
type ModuleLoadPayload struct {
	ModulePath uint64 // guest pointer to NUL-terminated path
	LoadBase   uint64
	Size       uint64
}

// TrapPayload reports a CPU trap delivered to the monitored process.
type TrapPayload struct {
	Pc        uint64
	Trapnr    uint64
	Signr     uint64
	ErrorCode uint64
}

// ProcessExitPayload carries the exit code of the terminating process.
type ProcessExitPayload struct {
	Code uint64
}

// InitPayload is sent once by the guest agent after it has located the
// kernel layout. The offsets are guest-kernel-version specific and cannot be
// known at build time.
type InitPayload struct {
	PageOffset           uint64
	CurrentTaskAddress   uint64
	TaskStructPidOffset  uint64
	TaskStructTgidOffset uint64
	StartKernel          uint64
}

// KernelPanicPayload points at the panic message in guest memory.
type KernelPanicPayload struct {
	Message     uint64
	MessageSize uint64
}

// MemMapPayload describes a new memory mapping (mmap).
type MemMapPayload struct {
	Address uint64
	Size    uint64
	Prot    uint64
	Flag    uint64
	Pgoff   uint64
}

// MemUnmapPayload describes an unmapped range (munmap).
type MemUnmapPayload struct {
	Start uint64
	End   uint64
}

// MemProtectPayload describes a protection change (mprotect).
type MemProtectPayload struct {
	Start uint64
	Size  uint64
	Prot  uint64
}

// Command is one decoded guest event. Only the payload named by Kind is
// populated; the rest stay zero. CurrentPid is guest-supplied and untrusted.
type Command struct {
	Kind       Kind
	CurrentPid uint64

	SegFault    SegFaultPayload
	ProcessLoad ProcessLoadPayload
	ModuleLoad  ModuleLoadPayload
	Trap        TrapPayload
	ProcessExit ProcessExitPayload
	Init        InitPayload
	Panic       KernelPanicPayload
	MemMap      MemMapPayload
	MemUnmap    MemUnmapPayload
	MemProtect  MemProtectPayload
}

// Decode interprets data as a command record. The buffer must be exactly
// CommandSize bytes; the transport already validated the declared size, this
// check is the dispatcher's half of that contract. A command with an unknown
// kind decodes successfully with only the header populated.
func Decode(data []byte) (*Command, error) {
	if len(data) != CommandSize {
		return nil, fmt.Errorf("command record is %d bytes, expected %d", len(data), CommandSize)
	}

	cmd := &Command{
		Kind:       Kind(binary.LittleEndian.Uint64(data[0:8])),
		CurrentPid: binary.LittleEndian.Uint64(data[8:16]),
	}

	payload := bytes.NewReader(data[headerSize:])

	var err error
	switch cmd.Kind {
	case KindSegFault:
		err = binary.Read(payload, binary.LittleEndian, &cmd.SegFault)
	case KindProcessLoad:
		err = binary.Read(payload, binary.LittleEndian, &cmd.ProcessLoad)
	case KindModuleLoad:
		err = binary.Read(payload, binary.LittleEndian, &cmd.ModuleLoad)
	case KindTrap:
		err = binary.Read(payload, binary.LittleEndian, &cmd.Trap)
	case KindProcessExit:
		err = binary.Read(payload, binary.LittleEndian, &cmd.ProcessExit)
	case KindInit:
		err = binary.Read(payload, binary.LittleEndian, &cmd.Init)
	case KindKernelPanic:
		err = binary.Read(payload, binary.LittleEndian, &cmd.Panic)
	case KindMemoryMap:
		err = binary.Read(payload, binary.LittleEndian, &cmd.MemMap)
	case KindMemoryUnmap:
		err = binary.Read(payload, binary.LittleEndian, &cmd.MemUnmap)
	case KindMemoryProtect:
		err = binary.Read(payload, binary.LittleEndian, &cmd.MemProtect)
	default:
		// Unknown kind: keep the header, let the dispatcher drop it.
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", cmd.Kind, err)
	}

	return cmd, nil
}

// Encode serializes the command into a CommandSize-byte record. The guest
// agent side of the contract; kept here so replay tooling and tests build
// records the same way the agent does.
func (c *Command) Encode() []byte {
	buf := make([]byte, 0, CommandSize)
	out := bytes.NewBuffer(buf)

	binary.Write(out, binary.LittleEndian, uint64(c.Kind))
	binary.Write(out, binary.LittleEndian, c.CurrentPid)

	switch c.Kind {
	case KindSegFault:
		binary.Write(out, binary.LittleEndian, &c.SegFault)
	case KindProcessLoad:
		binary.Write(out, binary.LittleEndian, &c.ProcessLoad)
	case KindModuleLoad:
		binary.Write(out, binary.LittleEndian, &c.ModuleLoad)
	case KindTrap:
		binary.Write(out, binary.LittleEndian, &c.Trap)
	case KindProcessExit:
		binary.Write(out, binary.LittleEndian, &c.ProcessExit)
	case KindInit:
		binary.Write(out, binary.LittleEndian, &c.Init)
	case KindKernelPanic:
		binary.Write(out, binary.LittleEndian, &c.Panic)
	case KindMemoryMap:
		binary.Write(out, binary.LittleEndian, &c.MemMap)
	case KindMemoryUnmap:
		binary.Write(out, binary.LittleEndian, &c.MemUnmap)
	case KindMemoryProtect:
		binary.Write(out, binary.LittleEndian, &c.MemProtect)
	}

	record := out.Bytes()
	if len(record) < CommandSize {
		record = append(record, make([]byte, CommandSize-len(record))...)
	}
	return record
}

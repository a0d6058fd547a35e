package monitor

import (
	"path"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/guest"
	"github.com/vmtrace/guestmon/kernel"
	"github.com/vmtrace/guestmon/wire"
)

func (m *Monitor) handleSegfault(p guest.Path, cmd *wire.Command) {
	m.log.Warn("received segfault",
		zap.Uint64("fault", cmd.SegFault.Fault),
		zap.Uint64("pagedir", p.PageDir()),
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("pc", cmd.SegFault.Pc),
		zap.Uint64("addr", cmd.SegFault.Address))

	// Don't let the scheduler switch away from a path that is about to be
	// killed; it would only come back here.
	p.SetSwitchForbidden(true)

	m.OnSegFault.emit(FaultEvent{
		Path:         p,
		Pid:          cmd.CurrentPid,
		Pc:           cmd.SegFault.Pc,
		Address:      cmd.SegFault.Address,
		Fault:        cmd.SegFault.Fault,
		AddressSpace: p.PageDir(),
	})

	if m.cfg.TerminateOnSegfault {
		m.log.Debug("terminating path: received segfault", zap.Uint64("path", p.ID()))
		p.Terminate("segfault")
		m.forgetPath(p.ID())
	}
}

func (m *Monitor) handleProcessLoad(p guest.Path, cmd *wire.Command) {
	m.completeInitialization(p)

	processPath, err := p.Memory().ReadString(cmd.ProcessLoad.ProcessPath)
	if err != nil {
		m.log.Warn("could not read process path",
			zap.Uint64("pid", cmd.CurrentPid), zap.Error(err))
	}

	m.log.Debug("process loaded",
		zap.String("path", processPath), zap.Uint64("pid", cmd.CurrentPid))

	m.OnProcessLoad.emit(ProcessLoadEvent{
		Path:         p,
		AddressSpace: p.PageDir(),
		Pid:          cmd.CurrentPid,
		Name:         baseName(processPath),
	})
}

func (m *Monitor) handleModuleLoad(p guest.Path, cmd *wire.Command) {
	modulePath, err := p.Memory().ReadString(cmd.ModuleLoad.ModulePath)
	if err != nil {
		m.log.Warn("could not read module path",
			zap.Uint64("pid", cmd.CurrentPid), zap.Error(err))
		return
	}

	mod := ModuleDescriptor{
		Path:         modulePath,
		Name:         baseName(modulePath),
		Size:         cmd.ModuleLoad.Size,
		LoadBase:     cmd.ModuleLoad.LoadBase,
		AddressSpace: p.PageDir(),
		Pid:          cmd.CurrentPid,
	}

	m.enrich(&mod)

	m.log.Debug("module loaded",
		zap.String("name", mod.Name),
		zap.Uint64("base", mod.LoadBase),
		zap.Uint64("size", mod.Size),
		zap.Uint64("pid", mod.Pid))

	m.OnModuleLoad.emit(ModuleLoadEvent{Path: p, Module: mod})
}

// enrich fills in size and entry point from the module's on-disk image.
// Failure keeps the guest-declared fields; the image may simply not be
// present in the host's mirror of the guest filesystem.
func (m *Monitor) enrich(mod *ModuleDescriptor) {
	if m.resolver == nil {
		return
	}
	info, err := m.resolver.Resolve(mod.Name, mod.Size)
	if err != nil {
		m.log.Warn("could not load module image from disk, using guest-declared fields",
			zap.String("path", mod.Path), zap.Error(err))
		return
	}
	mod.Size = info.Size
	mod.EntryPoint = info.Entry
}

func (m *Monitor) handleProcessExit(p guest.Path, cmd *wire.Command) {
	pd := p.PageDir()
	m.log.Debug("removing task",
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("pagedir", pd),
		zap.Uint64("exit_code", cmd.ProcessExit.Code))

	m.OnProcessUnload.emit(ProcessExitEvent{
		Path:         p,
		AddressSpace: pd,
		Pid:          cmd.CurrentPid,
		Code:         cmd.ProcessExit.Code,
	})
}

func (m *Monitor) handleTrap(p guest.Path, cmd *wire.Command) {
	m.log.Warn("received trap",
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("pc", cmd.Trap.Pc),
		zap.Uint64("trapnr", cmd.Trap.Trapnr),
		zap.Uint64("signr", cmd.Trap.Signr),
		zap.Uint64("err_code", cmd.Trap.ErrorCode))

	p.SetSwitchForbidden(true)

	m.OnTrap.emit(TrapEvent{
		Path:      p,
		Pid:       cmd.CurrentPid,
		Pc:        cmd.Trap.Pc,
		Trapnr:    cmd.Trap.Trapnr,
		Signr:     cmd.Trap.Signr,
		ErrorCode: cmd.Trap.ErrorCode,
	})

	if m.cfg.TerminateOnTrap {
		m.log.Debug("terminating path: received trap", zap.Uint64("path", p.ID()))
		p.Terminate("trap")
		m.forgetPath(p.ID())
	}
}

func (m *Monitor) handleInit(p guest.Path, cmd *wire.Command) {
	m.log.Debug("received kernel init",
		zap.Uint64("page_offset", cmd.Init.PageOffset),
		zap.Uint64("current_task", cmd.Init.CurrentTaskAddress),
		zap.Uint64("pid_offset", cmd.Init.TaskStructPidOffset),
		zap.Uint64("tgid_offset", cmd.Init.TaskStructTgidOffset))

	replaced := m.kernel.SetLayout(kernel.Layout{
		KernelStart:     cmd.Init.PageOffset,
		CurrentTaskAddr: cmd.Init.CurrentTaskAddress,
		PidOffset:       cmd.Init.TaskStructPidOffset,
		TgidOffset:      cmd.Init.TaskStructTgidOffset,
	})
	if replaced {
		// Last write wins, matching agent behavior on kernel re-exec.
		m.log.Warn("kernel layout overwritten by repeated init command",
			zap.Uint64("path", p.ID()))
	}

	m.completeInitialization(p)

	m.loadKernelImage(p, cmd.Init.StartKernel)
}

// loadKernelImage publishes the kernel itself as a synthetic module so
// module subscribers see kernel code the same way they see userspace
// binaries. There is no path to read from guest memory; the configured image
// name and the guest-supplied start address stand in.
func (m *Monitor) loadKernelImage(p guest.Path, startKernel uint64) {
	mod := ModuleDescriptor{
		Path:         m.cfg.KernelImageName,
		Name:         m.cfg.KernelImageName,
		LoadBase:     startKernel,
		AddressSpace: p.PageDir(),
		Pid:          0,
	}

	m.enrich(&mod)

	m.OnModuleLoad.emit(ModuleLoadEvent{Path: p, Module: mod})
}

func (m *Monitor) handleKernelPanic(p guest.Path, cmd *wire.Command) {
	if m.panics == nil {
		m.log.Warn("kernel panic with no panic handler attached",
			zap.Uint64("message", cmd.Panic.Message),
			zap.Uint64("size", cmd.Panic.MessageSize))
		return
	}
	m.panics.HandlePanic(p, cmd.Panic.Message, cmd.Panic.MessageSize)
	// The handler is expected to end the path; its state is over either way.
	m.forgetPath(p.ID())
}

func (m *Monitor) handleMemMap(p guest.Path, cmd *wire.Command) {
	m.log.Debug("mmap",
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("addr", cmd.MemMap.Address),
		zap.Uint64("size", cmd.MemMap.Size),
		zap.Uint64("prot", cmd.MemMap.Prot),
		zap.Uint64("flag", cmd.MemMap.Flag),
		zap.Uint64("pgoff", cmd.MemMap.Pgoff))

	m.OnMemoryMap.emit(MemoryMapEvent{
		Path:    p,
		Pid:     cmd.CurrentPid,
		Address: cmd.MemMap.Address,
		Size:    cmd.MemMap.Size,
		Prot:    cmd.MemMap.Prot,
	})
}

func (m *Monitor) handleMemUnmap(p guest.Path, cmd *wire.Command) {
	m.log.Debug("munmap",
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("start", cmd.MemUnmap.Start),
		zap.Uint64("end", cmd.MemUnmap.End))

	m.OnMemoryUnmap.emit(MemoryUnmapEvent{
		Path:  p,
		Pid:   cmd.CurrentPid,
		Start: cmd.MemUnmap.Start,
		Size:  cmd.MemUnmap.End - cmd.MemUnmap.Start,
	})
}

func (m *Monitor) handleMemProtect(p guest.Path, cmd *wire.Command) {
	m.log.Debug("mprotect",
		zap.Uint64("pid", cmd.CurrentPid),
		zap.Uint64("start", cmd.MemProtect.Start),
		zap.Uint64("size", cmd.MemProtect.Size),
		zap.Uint64("prot", cmd.MemProtect.Prot))

	m.OnMemoryProtect.emit(MemoryProtectEvent{
		Path:  p,
		Pid:   cmd.CurrentPid,
		Start: cmd.MemProtect.Start,
		Size:  cmd.MemProtect.Size,
		Prot:  cmd.MemProtect.Prot,
	})
}

// baseName returns the final element of a guest (slash-separated) path.
// Empty input stays empty rather than becoming ".".
func baseName(s string) string {
	if s == "" {
		return ""
	}
	return path.Base(s)
}

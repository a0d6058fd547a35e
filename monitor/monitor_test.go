package monitor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmtrace/guestmon/guest"
	"github.com/vmtrace/guestmon/kernel"
	"github.com/vmtrace/guestmon/wire"
)

// fakeMemory serves reads from a sparse address map. Strings and words are
// planted per test.
type fakeMemory struct {
	mem map[uint64][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{mem: make(map[uint64][]byte)}
}

func (f *fakeMemory) setString(addr uint64, s string) {
	f.mem[addr] = append([]byte(s), 0)
}

func (f *fakeMemory) setWord(addr, value uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	f.mem[addr] = b
}

func (f *fakeMemory) setInt32(addr uint64, value int32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(value))
	f.mem[addr] = b
}

func (f *fakeMemory) Read(addr uint64, n int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok || len(b) < n {
		return nil, fmt.Errorf("unmapped address %#x", addr)
	}
	return b[:n], nil
}

func (f *fakeMemory) ReadString(addr uint64) (string, error) {
	b, ok := f.mem[addr]
	if !ok {
		return "", fmt.Errorf("unmapped address %#x", addr)
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// fakePath records the control actions the monitor takes on it.
type fakePath struct {
	id              uint64
	pageDir         uint64
	mem             *fakeMemory
	switchForbidden bool
	terminated      int
	terminateReason string
}

func newFakePath(id, pageDir uint64) *fakePath {
	return &fakePath{id: id, pageDir: pageDir, mem: newFakeMemory()}
}

func (p *fakePath) ID() uint64           { return p.id }
func (p *fakePath) Memory() guest.Memory { return p.mem }
func (p *fakePath) PageDir() uint64      { return p.pageDir }

func (p *fakePath) SetSwitchForbidden(forbidden bool) {
	p.switchForbidden = forbidden
}

func (p *fakePath) Terminate(reason string) {
	p.terminated++
	p.terminateReason = reason
}

// fakeResolver returns a fixed result or error.
type fakeResolver struct {
	info    ImageInfo
	err     error
	queries []string
}

func (r *fakeResolver) Resolve(name string, declaredSize uint64) (ImageInfo, error) {
	r.queries = append(r.queries, name)
	if r.err != nil {
		return ImageInfo{}, r.err
	}
	return r.info, nil
}

// fakePanicHandler records delegated panics.
type fakePanicHandler struct {
	calls []struct{ addr, size uint64 }
}

func (h *fakePanicHandler) HandlePanic(p guest.Path, msgAddr, msgSize uint64) {
	h.calls = append(h.calls, struct{ addr, size uint64 }{msgAddr, msgSize})
}

// eventCounter attaches to every publish point and counts emissions.
type eventCounter struct {
	segfaults    []FaultEvent
	processLoads []ProcessLoadEvent
	moduleLoads  []ModuleLoadEvent
	exits        []ProcessExitEvent
	traps        []TrapEvent
	maps         []MemoryMapEvent
	unmaps       []MemoryUnmapEvent
	protects     []MemoryProtectEvent
	initialized  []InitializedEvent
}

func (c *eventCounter) attach(m *Monitor) {
	m.OnSegFault.Connect(func(ev FaultEvent) { c.segfaults = append(c.segfaults, ev) })
	m.OnProcessLoad.Connect(func(ev ProcessLoadEvent) { c.processLoads = append(c.processLoads, ev) })
	m.OnModuleLoad.Connect(func(ev ModuleLoadEvent) { c.moduleLoads = append(c.moduleLoads, ev) })
	m.OnProcessUnload.Connect(func(ev ProcessExitEvent) { c.exits = append(c.exits, ev) })
	m.OnTrap.Connect(func(ev TrapEvent) { c.traps = append(c.traps, ev) })
	m.OnMemoryMap.Connect(func(ev MemoryMapEvent) { c.maps = append(c.maps, ev) })
	m.OnMemoryUnmap.Connect(func(ev MemoryUnmapEvent) { c.unmaps = append(c.unmaps, ev) })
	m.OnMemoryProtect.Connect(func(ev MemoryProtectEvent) { c.protects = append(c.protects, ev) })
	m.OnInitialized.Connect(func(ev InitializedEvent) { c.initialized = append(c.initialized, ev) })
}

func (c *eventCounter) total() int {
	return len(c.segfaults) + len(c.processLoads) + len(c.moduleLoads) +
		len(c.exits) + len(c.traps) + len(c.maps) + len(c.unmaps) +
		len(c.protects) + len(c.initialized)
}

func encode(t *testing.T, cmd *wire.Command) []byte {
	t.Helper()
	data := cmd.Encode()
	require.Len(t, data, wire.CommandSize)
	return data
}

func TestUnknownKindProducesNothing(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xc0de)

	data := make([]byte, wire.CommandSize)
	binary.LittleEndian.PutUint64(data[0:8], 999)

	require.NoError(t, m.HandleCommand(p, data))
	assert.Zero(t, counter.total())
	assert.Zero(t, p.terminated)
	assert.False(t, p.switchForbidden)
}

func TestCommandSizeValidation(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	p := newFakePath(1, 0)

	assert.Error(t, m.HandleCommand(p, make([]byte, wire.CommandSize-8)))
	assert.Error(t, m.HandleCommand(nil, make([]byte, wire.CommandSize)))
}

func TestSegfaultTerminatesWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.TerminateOnSegfault)

	m := New(nil, cfg, nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xc0de)

	cmd := &wire.Command{
		Kind:       wire.KindSegFault,
		CurrentPid: 55,
		SegFault:   wire.SegFaultPayload{Pc: 0x401000, Address: 0xdead, Fault: 6},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, counter.segfaults, 1)
	ev := counter.segfaults[0]
	assert.Equal(t, uint64(55), ev.Pid)
	assert.Equal(t, uint64(0x401000), ev.Pc)
	assert.Equal(t, uint64(0xdead), ev.Address)
	assert.Equal(t, uint64(0xc0de), ev.AddressSpace)

	assert.True(t, p.switchForbidden)
	assert.Equal(t, 1, p.terminated)
	assert.Equal(t, "segfault", p.terminateReason)
}

func TestSegfaultWithoutTermination(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TerminateOnSegfault = false

	m := New(nil, cfg, nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xc0de)

	cmd := &wire.Command{Kind: wire.KindSegFault, CurrentPid: 55}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	// The path is still pinned, just not killed.
	assert.Len(t, counter.segfaults, 1)
	assert.True(t, p.switchForbidden)
	assert.Zero(t, p.terminated)
}

func TestTrapTerminationMatrix(t *testing.T) {
	for _, terminate := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.TerminateOnTrap = terminate

		m := New(nil, cfg, nil, nil)
		counter := &eventCounter{}
		counter.attach(m)
		p := newFakePath(1, 0)

		cmd := &wire.Command{
			Kind:       wire.KindTrap,
			CurrentPid: 9,
			Trap:       wire.TrapPayload{Pc: 0x400100, Trapnr: 3, Signr: 5},
		}
		require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

		require.Len(t, counter.traps, 1)
		assert.Equal(t, uint64(3), counter.traps[0].Trapnr)
		assert.True(t, p.switchForbidden)
		if terminate {
			assert.Equal(t, 1, p.terminated)
			assert.Equal(t, "trap", p.terminateReason)
		} else {
			assert.Zero(t, p.terminated)
		}
	}
}

func TestProcessLoad(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xabc)
	p.mem.setString(0x7000, "/usr/bin/cat")

	cmd := &wire.Command{
		Kind:        wire.KindProcessLoad,
		CurrentPid:  321,
		ProcessLoad: wire.ProcessLoadPayload{ProcessPath: 0x7000},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, counter.processLoads, 1)
	ev := counter.processLoads[0]
	assert.Equal(t, "cat", ev.Name)
	assert.Equal(t, uint64(321), ev.Pid)
	assert.Equal(t, uint64(0xabc), ev.AddressSpace)

	// Process load also completes initialization.
	assert.Len(t, counter.initialized, 1)
	assert.True(t, m.Initialized(p))
}

func TestProcessLoadPathReadFailureIsNonFatal(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xabc)

	cmd := &wire.Command{
		Kind:        wire.KindProcessLoad,
		CurrentPid:  321,
		ProcessLoad: wire.ProcessLoadPayload{ProcessPath: 0x7000},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	// Still exactly one notification, with an empty name.
	require.Len(t, counter.processLoads, 1)
	assert.Empty(t, counter.processLoads[0].Name)
}

func TestModuleLoadPathReadFailureAborts(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0)

	cmd := &wire.Command{
		Kind:       wire.KindModuleLoad,
		ModuleLoad: wire.ModuleLoadPayload{ModulePath: 0x9000, Size: 100},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	assert.Zero(t, counter.total())
}

func TestModuleLoadEnrichmentFailureKeepsGuestFields(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("not in guestfs")}
	m := New(nil, DefaultConfig(), resolver, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xabc)
	p.mem.setString(0x9000, "/lib/libc.so.6")

	cmd := &wire.Command{
		Kind:       wire.KindModuleLoad,
		CurrentPid: 44,
		ModuleLoad: wire.ModuleLoadPayload{ModulePath: 0x9000, LoadBase: 0x400000, Size: 0x1500},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, counter.moduleLoads, 1)
	mod := counter.moduleLoads[0].Module
	assert.Equal(t, "/lib/libc.so.6", mod.Path)
	assert.Equal(t, "libc.so.6", mod.Name)
	assert.Equal(t, uint64(0x1500), mod.Size)
	assert.Equal(t, uint64(0x400000), mod.LoadBase)
	assert.Zero(t, mod.EntryPoint)
	assert.Equal(t, uint64(44), mod.Pid)
	assert.Equal(t, uint64(0xabc), mod.AddressSpace)
}

func TestModuleLoadEnrichmentOverridesSizeAndEntry(t *testing.T) {
	resolver := &fakeResolver{info: ImageInfo{Size: 0x4000, Entry: 0x401234}}
	m := New(nil, DefaultConfig(), resolver, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0)
	p.mem.setString(0x9000, "/lib/libc.so.6")

	cmd := &wire.Command{
		Kind:       wire.KindModuleLoad,
		ModuleLoad: wire.ModuleLoadPayload{ModulePath: 0x9000, Size: 0x1500},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, counter.moduleLoads, 1)
	mod := counter.moduleLoads[0].Module
	assert.Equal(t, uint64(0x4000), mod.Size)
	assert.Equal(t, uint64(0x401234), mod.EntryPoint)
	assert.Equal(t, []string{"libc.so.6"}, resolver.queries)
}

func TestProcessExit(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0xfeed)

	cmd := &wire.Command{
		Kind:        wire.KindProcessExit,
		CurrentPid:  88,
		ProcessExit: wire.ProcessExitPayload{Code: 137},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, counter.exits, 1)
	assert.Equal(t, uint64(137), counter.exits[0].Code)
	assert.Equal(t, uint64(0xfeed), counter.exits[0].AddressSpace)
}

func TestInitSetsLayoutAndLoadsKernelImage(t *testing.T) {
	resolver := &fakeResolver{info: ImageInfo{Size: 0x1000000, Entry: 0xffffffff81000000}}
	m := New(nil, DefaultConfig(), resolver, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0x1000)

	cmd := &wire.Command{
		Kind: wire.KindInit,
		Init: wire.InitPayload{
			PageOffset:           0x1000,
			CurrentTaskAddress:   0x2000,
			TaskStructPidOffset:  8,
			TaskStructTgidOffset: 16,
			StartKernel:          0xffffffff81000000,
		},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	layout, ok := m.Kernel().Layout()
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), layout.CurrentTaskAddr)

	assert.Len(t, counter.initialized, 1)

	// The kernel itself is published as a synthetic module.
	require.Len(t, counter.moduleLoads, 1)
	mod := counter.moduleLoads[0].Module
	assert.Equal(t, "vmlinux", mod.Name)
	assert.Equal(t, uint64(0xffffffff81000000), mod.LoadBase)
	assert.Equal(t, uint64(0x1000000), mod.Size)
	assert.Zero(t, mod.Pid)
	assert.Equal(t, []string{"vmlinux"}, resolver.queries)
}

func TestInitializationIsIdempotent(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0)
	p.mem.setString(0x7000, "/sbin/init")

	initCmd := &wire.Command{
		Kind: wire.KindInit,
		Init: wire.InitPayload{CurrentTaskAddress: 0x2000},
	}
	loadCmd := &wire.Command{
		Kind:        wire.KindProcessLoad,
		CurrentPid:  1,
		ProcessLoad: wire.ProcessLoadPayload{ProcessPath: 0x7000},
	}

	require.NoError(t, m.HandleCommand(p, encode(t, initCmd)))
	require.NoError(t, m.HandleCommand(p, encode(t, loadCmd)))

	// Init then process load: the completion side effect fires once.
	assert.Len(t, counter.initialized, 1)
	assert.True(t, m.Initialized(p))
}

func TestTerminationDropsPathState(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	p := newFakePath(1, 0)
	p.mem.setString(0x7000, "/bin/sh")

	loadCmd := &wire.Command{
		Kind:        wire.KindProcessLoad,
		CurrentPid:  7,
		ProcessLoad: wire.ProcessLoadPayload{ProcessPath: 0x7000},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, loadCmd)))
	require.True(t, m.Initialized(p))

	// Terminating segfault ends the path; its state goes with it, so a
	// later reuse of the id is a brand new path.
	segCmd := &wire.Command{Kind: wire.KindSegFault, CurrentPid: 7}
	require.NoError(t, m.HandleCommand(p, encode(t, segCmd)))
	assert.Equal(t, 1, p.terminated)
	assert.False(t, m.Initialized(p))
}

func TestNonTerminatingSegfaultKeepsPathState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TerminateOnSegfault = false

	m := New(nil, cfg, nil, nil)
	p := newFakePath(1, 0)
	p.mem.setString(0x7000, "/bin/sh")

	loadCmd := &wire.Command{
		Kind:        wire.KindProcessLoad,
		CurrentPid:  7,
		ProcessLoad: wire.ProcessLoadPayload{ProcessPath: 0x7000},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, loadCmd)))

	segCmd := &wire.Command{Kind: wire.KindSegFault, CurrentPid: 7}
	require.NoError(t, m.HandleCommand(p, encode(t, segCmd)))
	assert.Zero(t, p.terminated)
	assert.True(t, m.Initialized(p))
}

func TestInitializationIsPerPath(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)

	p1 := newFakePath(1, 0)
	p2 := newFakePath(2, 0)

	cmd := &wire.Command{Kind: wire.KindInit}
	require.NoError(t, m.HandleCommand(p1, encode(t, cmd)))
	require.NoError(t, m.HandleCommand(p2, encode(t, cmd)))

	assert.Len(t, counter.initialized, 2)
	assert.True(t, m.Initialized(p1))
	assert.True(t, m.Initialized(p2))
}

func TestRepeatedInitOverwritesLayout(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	p := newFakePath(1, 0)

	first := &wire.Command{Kind: wire.KindInit, Init: wire.InitPayload{CurrentTaskAddress: 0x2000}}
	second := &wire.Command{Kind: wire.KindInit, Init: wire.InitPayload{CurrentTaskAddress: 0x5000}}

	require.NoError(t, m.HandleCommand(p, encode(t, first)))
	require.NoError(t, m.HandleCommand(p, encode(t, second)))

	layout, ok := m.Kernel().Layout()
	require.True(t, ok)
	assert.Equal(t, uint64(0x5000), layout.CurrentTaskAddr)
}

func TestMemoryEvents(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	counter := &eventCounter{}
	counter.attach(m)
	p := newFakePath(1, 0)

	mapCmd := &wire.Command{
		Kind:       wire.KindMemoryMap,
		CurrentPid: 5,
		MemMap:     wire.MemMapPayload{Address: 0x1000, Size: 0x2000, Prot: 7},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, mapCmd)))
	require.Len(t, counter.maps, 1)
	assert.Equal(t, uint64(0x2000), counter.maps[0].Size)
	assert.Equal(t, uint64(7), counter.maps[0].Prot)

	unmapCmd := &wire.Command{
		Kind:       wire.KindMemoryUnmap,
		CurrentPid: 5,
		MemUnmap:   wire.MemUnmapPayload{Start: 0x1000, End: 0x3000},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, unmapCmd)))
	require.Len(t, counter.unmaps, 1)
	// Unmap reports start and derived size, not the raw end address.
	assert.Equal(t, uint64(0x1000), counter.unmaps[0].Start)
	assert.Equal(t, uint64(0x2000), counter.unmaps[0].Size)

	protCmd := &wire.Command{
		Kind:       wire.KindMemoryProtect,
		CurrentPid: 5,
		MemProtect: wire.MemProtectPayload{Start: 0x1000, Size: 0x1000, Prot: 1},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, protCmd)))
	require.Len(t, counter.protects, 1)
	assert.Equal(t, uint64(1), counter.protects[0].Prot)
}

func TestKernelPanicDelegates(t *testing.T) {
	handler := &fakePanicHandler{}
	m := New(nil, DefaultConfig(), nil, handler)
	p := newFakePath(1, 0)

	cmd := &wire.Command{
		Kind:  wire.KindKernelPanic,
		Panic: wire.KernelPanicPayload{Message: 0xbeef, MessageSize: 64},
	}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	require.Len(t, handler.calls, 1)
	assert.Equal(t, uint64(0xbeef), handler.calls[0].addr)
	assert.Equal(t, uint64(64), handler.calls[0].size)
}

func TestKernelPanicWithoutHandler(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	p := newFakePath(1, 0)

	cmd := &wire.Command{Kind: wire.KindKernelPanic}
	assert.NoError(t, m.HandleCommand(p, encode(t, cmd)))
}

func TestEndToEndIdentityDerivation(t *testing.T) {
	m := New(nil, DefaultConfig(), nil, nil)
	p := newFakePath(1, 0)

	initCmd := &wire.Command{
		Kind: wire.KindInit,
		Init: wire.InitPayload{
			PageOffset:           0x1000,
			CurrentTaskAddress:   0x2000,
			TaskStructPidOffset:  8,
			TaskStructTgidOffset: 16,
		},
	}

	// Before init both accessors are unknown whatever memory holds.
	p.mem.setWord(0x2000, 0x3000)
	p.mem.setWord(0x2008, 42)
	p.mem.setInt32(0x3010, 7)
	assert.Equal(t, kernel.UnknownID, m.Pid(p))
	assert.Equal(t, kernel.UnknownID, m.Tid(p))

	require.NoError(t, m.HandleCommand(p, encode(t, initCmd)))

	assert.Equal(t, uint64(42), m.Tid(p))
	assert.Equal(t, uint64(7), m.Pid(p))
}

func TestSignalOrderAndSubscriberControl(t *testing.T) {
	// A subscriber may itself terminate the path; registration order is
	// preserved.
	cfg := DefaultConfig()
	cfg.TerminateOnSegfault = false
	m := New(nil, cfg, nil, nil)
	p := newFakePath(1, 0)

	var order []string
	m.OnSegFault.Connect(func(ev FaultEvent) {
		order = append(order, "first")
		ev.Path.Terminate("subscriber decision")
	})
	m.OnSegFault.Connect(func(ev FaultEvent) {
		order = append(order, "second")
	})

	cmd := &wire.Command{Kind: wire.KindSegFault}
	require.NoError(t, m.HandleCommand(p, encode(t, cmd)))

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 1, p.terminated)
	assert.Equal(t, "subscriber decision", p.terminateReason)
}

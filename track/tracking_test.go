package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmtrace/guestmon/monitor"
)

func TestProcessLoadAndExit(t *testing.T) {
	pm := NewProcessMap()

	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 42, AddressSpace: 0x1000, Name: "bash"})

	info, ok := pm.Get(42)
	require.True(t, ok)
	assert.Equal(t, "bash", info.Name)
	assert.Equal(t, uint64(0x1000), info.AddressSpace)
	assert.False(t, info.Exited)
	assert.False(t, info.StartTime.IsZero())

	pm.onProcessExit(monitor.ProcessExitEvent{Pid: 42, Code: 1})

	info, ok = pm.Get(42)
	require.True(t, ok)
	assert.True(t, info.Exited)
	assert.Equal(t, uint64(1), info.ExitCode)
	assert.False(t, info.ExitTime.IsZero())
}

func TestPidRecycleReplacesEntry(t *testing.T) {
	pm := NewProcessMap()

	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 7, Name: "old"})
	pm.onProcessExit(monitor.ProcessExitEvent{Pid: 7})
	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 7, Name: "new"})

	info, ok := pm.Get(7)
	require.True(t, ok)
	assert.Equal(t, "new", info.Name)
	assert.False(t, info.Exited)
}

func TestExitWithoutLoadCreatesStub(t *testing.T) {
	pm := NewProcessMap()

	pm.onProcessExit(monitor.ProcessExitEvent{Pid: 9, AddressSpace: 0x2000, Code: 137})

	info, ok := pm.Get(9)
	require.True(t, ok)
	assert.True(t, info.Exited)
	assert.Equal(t, uint64(137), info.ExitCode)
	assert.Equal(t, uint64(0x2000), info.AddressSpace)
}

func TestModuleAccumulation(t *testing.T) {
	pm := NewProcessMap()

	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 5, Name: "nginx"})
	pm.onModuleLoad(monitor.ModuleLoadEvent{Module: monitor.ModuleDescriptor{
		Pid: 5, Name: "libc.so.6", LoadBase: 0x7f0000000000,
	}})
	pm.onModuleLoad(monitor.ModuleLoadEvent{Module: monitor.ModuleDescriptor{
		Pid: 5, Name: "libssl.so.3", LoadBase: 0x7f0000400000,
	}})

	info, ok := pm.Get(5)
	require.True(t, ok)
	require.Len(t, info.Modules, 2)
	assert.Equal(t, "libc.so.6", info.Modules[0].Name)
	assert.Equal(t, "libssl.so.3", info.Modules[1].Name)
}

func TestModuleLoadForUnknownPidCreatesStub(t *testing.T) {
	pm := NewProcessMap()

	pm.onModuleLoad(monitor.ModuleLoadEvent{Module: monitor.ModuleDescriptor{
		Pid: 3, AddressSpace: 0x3000, Name: "ld-linux.so.2",
	}})

	info, ok := pm.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(0x3000), info.AddressSpace)
	require.Len(t, info.Modules, 1)
}

func TestMemoryRegionLifecycle(t *testing.T) {
	pm := NewProcessMap()
	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 1, Name: "init"})

	pm.onMemoryMap(monitor.MemoryMapEvent{Pid: 1, Address: 0x1000, Size: 0x2000, Prot: 3})
	pm.onMemoryMap(monitor.MemoryMapEvent{Pid: 1, Address: 0x8000, Size: 0x1000, Prot: 5})

	info, _ := pm.Get(1)
	require.Len(t, info.Regions, 2)

	// Protect overlapping the first region only.
	pm.onMemoryProtect(monitor.MemoryProtectEvent{Pid: 1, Start: 0x1000, Size: 0x1000, Prot: 1})
	info, _ = pm.Get(1)
	assert.Equal(t, uint64(1), info.Regions[0].Prot)
	assert.Equal(t, uint64(5), info.Regions[1].Prot)

	// Unmap removes the first region, leaves the second.
	pm.onMemoryUnmap(monitor.MemoryUnmapEvent{Pid: 1, Start: 0x1000, Size: 0x2000})
	info, _ = pm.Get(1)
	require.Len(t, info.Regions, 1)
	assert.Equal(t, uint64(0x8000), info.Regions[0].Start)
}

func TestWrappingRangesSaturate(t *testing.T) {
	pm := NewProcessMap()
	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 4, Name: "fuzz"})
	pm.onMemoryMap(monitor.MemoryMapEvent{Pid: 4, Address: 0x1000, Size: 0x1000, Prot: 3})

	// Start+Size wraps past zero. Saturated, the range covers everything
	// from Start up; it must not invert and match regions below Start.
	pm.onMemoryUnmap(monitor.MemoryUnmapEvent{Pid: 4, Start: ^uint64(0) - 0x10, Size: 0x100})
	info, _ := pm.Get(4)
	require.Len(t, info.Regions, 1)

	pm.onMemoryProtect(monitor.MemoryProtectEvent{Pid: 4, Start: ^uint64(0) - 0x10, Size: 0x100, Prot: 7})
	info, _ = pm.Get(4)
	assert.Equal(t, uint64(3), info.Regions[0].Prot)

	// A wrapping region recorded earlier still unmaps by a sane range.
	pm.onMemoryMap(monitor.MemoryMapEvent{Pid: 4, Address: ^uint64(0) - 0x10, Size: 0x100, Prot: 5})
	pm.onMemoryUnmap(monitor.MemoryUnmapEvent{Pid: 4, Start: ^uint64(0) - 0x20, Size: 0x20})
	info, _ = pm.Get(4)
	require.Len(t, info.Regions, 1)
	assert.Equal(t, uint64(0x1000), info.Regions[0].Start)
}

func TestMemoryEventsForUntrackedPid(t *testing.T) {
	pm := NewProcessMap()

	// Unmap and protect for an unknown pid are ignored.
	pm.onMemoryUnmap(monitor.MemoryUnmapEvent{Pid: 99, Start: 0, Size: 0x1000})
	pm.onMemoryProtect(monitor.MemoryProtectEvent{Pid: 99, Start: 0, Size: 0x1000})
	_, ok := pm.Get(99)
	assert.False(t, ok)

	// A map for an unknown pid creates a stub.
	pm.onMemoryMap(monitor.MemoryMapEvent{Pid: 99, Address: 0x1000, Size: 0x1000})
	info, ok := pm.Get(99)
	require.True(t, ok)
	require.Len(t, info.Regions, 1)
}

func TestList(t *testing.T) {
	pm := NewProcessMap()
	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 1, Name: "a"})
	pm.onProcessLoad(monitor.ProcessLoadEvent{Pid: 2, Name: "b"})

	assert.Len(t, pm.List(), 2)
}

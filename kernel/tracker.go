// Package kernel tracks the guest kernel layout learned at runtime from the
// agent's init command and derives process/thread identity from it.
package kernel

import (
	"sync"

	"github.com/vmtrace/guestmon/guest"
)

// UnknownID is returned when process or thread identity cannot be derived:
// the layout is not set yet, or a guest memory read failed. Both are routine
// conditions, not errors.
const UnknownID = ^uint64(0)

// Layout holds the guest-kernel addresses and task_struct offsets reported
// by the init command. All values are opaque guest virtual addresses or byte
// offsets; they vary with the guest kernel version and configuration.
type Layout struct {
	KernelStart     uint64 // page offset of the kernel mapping
	CurrentTaskAddr uint64 // address of the per-CPU current task pointer
	PidOffset       uint64 // offset of task_struct.pid
	TgidOffset      uint64 // offset of task_struct.tgid
}

// Tracker holds the layout once learned. It is written once from the init
// handler and read by every subsequent command; a second write overwrites
// (last write wins) and is reported so the caller can warn.
type Tracker struct {
	mu     sync.RWMutex
	set    bool
	layout Layout
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SetLayout stores the layout. Returns true if a previous layout was
// overwritten, which only happens if the guest re-runs its init sequence.
func (t *Tracker) SetLayout(l Layout) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	replaced = t.set
	t.layout = l
	t.set = true
	return replaced
}

// Layout returns the stored layout and whether it has been set.
func (t *Tracker) Layout() (Layout, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.layout, t.set
}

// Pid returns the process id of the task currently running on the path that
// mem belongs to.
//
// Each guest thread has its own task_struct carrying both its own id (pid)
// and the id of the process that started it (tgid). What userspace calls the
// process id is the tgid, so Pid dereferences the current task pointer and
// reads the tgid field; Tid reads the pid field. Returns UnknownID before
// init or on any read failure.
func (t *Tracker) Pid(mem guest.Memory) uint64 {
	l, ok := t.Layout()
	if !ok {
		return UnknownID
	}

	currentTask, err := guest.ReadWord(mem, l.CurrentTaskAddr)
	if err != nil {
		return UnknownID
	}

	// pid_t is an int in the guest kernel, whatever the word width.
	pid, err := guest.ReadInt32(mem, currentTask+l.TgidOffset)
	if err != nil {
		return UnknownID
	}
	return uint64(int64(pid))
}

// Tid returns the thread id of the task currently running on the path.
//
// Note the asymmetry with Pid: the pid field is read at the current task
// pointer's own address plus the offset, without dereferencing the pointer
// stored there. This matches the guest kernel ABI the agent reports offsets
// against and must not be "simplified" to mirror Pid.
func (t *Tracker) Tid(mem guest.Memory) uint64 {
	l, ok := t.Layout()
	if !ok {
		return UnknownID
	}

	if _, err := guest.ReadWord(mem, l.CurrentTaskAddr); err != nil {
		return UnknownID
	}

	tid, err := guest.ReadWord(mem, l.CurrentTaskAddr+l.PidOffset)
	if err != nil {
		return UnknownID
	}
	return tid
}

package database

import (
	"time"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/monitor"
)

// Recorder subscribes to every monitor signal and writes one row per
// notification. Insert failures are logged and dropped; recording is
// best-effort and must never stall command handling.
type Recorder struct {
	db  *DB
	log *zap.Logger
}

func NewRecorder(db *DB, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, log: log}
}

// Attach connects the recorder to all of m's publish points.
func (r *Recorder) Attach(m *monitor.Monitor) {
	m.OnProcessLoad.Connect(func(ev monitor.ProcessLoadEvent) {
		r.insert("process", r.db.InsertProcess(&ProcessRecord{
			Timestamp:    time.Now(),
			Event:        "load",
			Pid:          ev.Pid,
			AddressSpace: ev.AddressSpace,
			Name:         ev.Name,
		}))
	})

	m.OnProcessUnload.Connect(func(ev monitor.ProcessExitEvent) {
		r.insert("process", r.db.InsertProcess(&ProcessRecord{
			Timestamp:    time.Now(),
			Event:        "exit",
			Pid:          ev.Pid,
			AddressSpace: ev.AddressSpace,
			ExitCode:     ev.Code,
		}))
	})

	m.OnModuleLoad.Connect(func(ev monitor.ModuleLoadEvent) {
		r.insert("module", r.db.InsertModule(&ModuleRecord{
			Timestamp:    time.Now(),
			Pid:          ev.Module.Pid,
			AddressSpace: ev.Module.AddressSpace,
			Name:         ev.Module.Name,
			Path:         ev.Module.Path,
			Size:         ev.Module.Size,
			LoadBase:     ev.Module.LoadBase,
			EntryPoint:   ev.Module.EntryPoint,
		}))
	})

	m.OnSegFault.Connect(func(ev monitor.FaultEvent) {
		r.insert("fault", r.db.InsertFault(&FaultRecord{
			Timestamp:    time.Now(),
			Kind:         "segfault",
			Pid:          ev.Pid,
			Pc:           ev.Pc,
			Address:      ev.Address,
			AddressSpace: ev.AddressSpace,
		}))
	})

	m.OnTrap.Connect(func(ev monitor.TrapEvent) {
		r.insert("fault", r.db.InsertFault(&FaultRecord{
			Timestamp: time.Now(),
			Kind:      "trap",
			Pid:       ev.Pid,
			Pc:        ev.Pc,
			Trapnr:    ev.Trapnr,
			Signr:     ev.Signr,
		}))
	})

	m.OnMemoryMap.Connect(func(ev monitor.MemoryMapEvent) {
		r.insert("memory", r.db.InsertMemoryEvent(&MemoryRecord{
			Timestamp: time.Now(),
			Op:        "map",
			Pid:       ev.Pid,
			Start:     ev.Address,
			Size:      ev.Size,
			Prot:      ev.Prot,
		}))
	})

	m.OnMemoryUnmap.Connect(func(ev monitor.MemoryUnmapEvent) {
		r.insert("memory", r.db.InsertMemoryEvent(&MemoryRecord{
			Timestamp: time.Now(),
			Op:        "unmap",
			Pid:       ev.Pid,
			Start:     ev.Start,
			Size:      ev.Size,
		}))
	})

	m.OnMemoryProtect.Connect(func(ev monitor.MemoryProtectEvent) {
		r.insert("memory", r.db.InsertMemoryEvent(&MemoryRecord{
			Timestamp: time.Now(),
			Op:        "protect",
			Pid:       ev.Pid,
			Start:     ev.Start,
			Size:      ev.Size,
			Prot:      ev.Prot,
		}))
	})
}

// RecordPanic stores a kernel panic; called by the panic handler, which is
// not wired through a signal.
func (r *Recorder) RecordPanic(pathID uint64, message string) {
	r.insert("panic", r.db.InsertPanic(&PanicRecord{
		Timestamp: time.Now(),
		PathID:    pathID,
		Message:   message,
	}))
}

func (r *Recorder) insert(table string, err error) {
	if err != nil {
		r.log.Error("failed to record event", zap.String("table", table), zap.Error(err))
	}
}

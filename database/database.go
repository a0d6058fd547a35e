// Package database persists monitor notifications to sqlite so the web API
// and detection rules can query past guest activity.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles database operations.
type DB struct {
	db *sql.DB
}

// ProcessRecord is one process lifecycle event (load or exit).
type ProcessRecord struct {
	ID           int64
	Timestamp    time.Time
	Event        string // "load" or "exit"
	Pid          uint64
	AddressSpace uint64
	Name         string
	ExitCode     uint64
}

// ModuleRecord is one module load, including the synthetic kernel image.
type ModuleRecord struct {
	ID           int64
	Timestamp    time.Time
	Pid          uint64
	AddressSpace uint64
	Name         string
	Path         string
	Size         uint64
	LoadBase     uint64
	EntryPoint   uint64
}

// FaultRecord is one segfault or trap.
type FaultRecord struct {
	ID           int64
	Timestamp    time.Time
	Kind         string // "segfault" or "trap"
	Pid          uint64
	Pc           uint64
	Address      uint64
	Trapnr       uint64
	Signr        uint64
	AddressSpace uint64
}

// MemoryRecord is one mmap/munmap/mprotect event.
type MemoryRecord struct {
	ID        int64
	Timestamp time.Time
	Op        string // "map", "unmap" or "protect"
	Pid       uint64
	Start     uint64
	Size      uint64
	Prot      uint64
}

// PanicRecord is one guest kernel panic.
type PanicRecord struct {
	ID        int64
	Timestamp time.Time
	PathID    uint64
	Message   string
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "guest_monitor.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	return &DB{db: db}, nil
}

// Conn exposes the underlying connection for collaborators that manage
// their own tables (e.g. the rule detector).
func (d *DB) Conn() *sql.DB {
	return d.db
}

func initSchema(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     DATETIME NOT NULL,
			event         TEXT NOT NULL,
			pid           INTEGER NOT NULL,
			address_space INTEGER NOT NULL,
			name          TEXT,
			exit_code     INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS modules (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     DATETIME NOT NULL,
			pid           INTEGER NOT NULL,
			address_space INTEGER NOT NULL,
			name          TEXT NOT NULL,
			path          TEXT,
			size          INTEGER,
			load_base     INTEGER,
			entry_point   INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS faults (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     DATETIME NOT NULL,
			kind          TEXT NOT NULL,
			pid           INTEGER NOT NULL,
			pc            INTEGER,
			address       INTEGER,
			trapnr        INTEGER,
			signr         INTEGER,
			address_space INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS memory_events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			op        TEXT NOT NULL,
			pid       INTEGER NOT NULL,
			start     INTEGER,
			size      INTEGER,
			prot      INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS panics (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			path_id   INTEGER NOT NULL,
			message   TEXT
		);`,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_processes_pid ON processes(pid);",
		"CREATE INDEX IF NOT EXISTS idx_processes_timestamp ON processes(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_modules_pid ON modules(pid);",
		"CREATE INDEX IF NOT EXISTS idx_modules_name ON modules(name);",
		"CREATE INDEX IF NOT EXISTS idx_faults_pid ON faults(pid);",
		"CREATE INDEX IF NOT EXISTS idx_memory_pid ON memory_events(pid);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

// InsertProcess adds a process lifecycle record.
func (d *DB) InsertProcess(rec *ProcessRecord) error {
	query := `
		INSERT INTO processes (timestamp, event, pid, address_space, name, exit_code)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query,
		rec.Timestamp, rec.Event, int64(rec.Pid), int64(rec.AddressSpace),
		rec.Name, int64(rec.ExitCode))
	return err
}

// InsertModule adds a module load record.
func (d *DB) InsertModule(rec *ModuleRecord) error {
	query := `
		INSERT INTO modules (timestamp, pid, address_space, name, path, size, load_base, entry_point)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query,
		rec.Timestamp, int64(rec.Pid), int64(rec.AddressSpace), rec.Name,
		rec.Path, int64(rec.Size), int64(rec.LoadBase), int64(rec.EntryPoint))
	return err
}

// InsertFault adds a segfault or trap record.
func (d *DB) InsertFault(rec *FaultRecord) error {
	query := `
		INSERT INTO faults (timestamp, kind, pid, pc, address, trapnr, signr, address_space)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query,
		rec.Timestamp, rec.Kind, int64(rec.Pid), int64(rec.Pc), int64(rec.Address),
		int64(rec.Trapnr), int64(rec.Signr), int64(rec.AddressSpace))
	return err
}

// InsertMemoryEvent adds an mmap/munmap/mprotect record.
func (d *DB) InsertMemoryEvent(rec *MemoryRecord) error {
	query := `
		INSERT INTO memory_events (timestamp, op, pid, start, size, prot)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query,
		rec.Timestamp, rec.Op, int64(rec.Pid), int64(rec.Start),
		int64(rec.Size), int64(rec.Prot))
	return err
}

// InsertPanic adds a kernel panic record.
func (d *DB) InsertPanic(rec *PanicRecord) error {
	query := `INSERT INTO panics (timestamp, path_id, message) VALUES (?, ?, ?)`

	_, err := d.db.Exec(query, rec.Timestamp, int64(rec.PathID), rec.Message)
	return err
}

// RecentProcesses returns up to limit process records, newest first.
func (d *DB) RecentProcesses(limit int) ([]ProcessRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, timestamp, event, pid, address_space, name, exit_code
		FROM processes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ProcessRecord
	for rows.Next() {
		var rec ProcessRecord
		var pid, as, code int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Event, &pid, &as, &rec.Name, &code); err != nil {
			return nil, err
		}
		rec.Pid, rec.AddressSpace, rec.ExitCode = uint64(pid), uint64(as), uint64(code)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentModules returns up to limit module records, newest first.
func (d *DB) RecentModules(limit int) ([]ModuleRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, timestamp, pid, address_space, name, path, size, load_base, entry_point
		FROM modules ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ModuleRecord
	for rows.Next() {
		var rec ModuleRecord
		var pid, as, size, base, entry int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &pid, &as, &rec.Name, &rec.Path, &size, &base, &entry); err != nil {
			return nil, err
		}
		rec.Pid, rec.AddressSpace = uint64(pid), uint64(as)
		rec.Size, rec.LoadBase, rec.EntryPoint = uint64(size), uint64(base), uint64(entry)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentFaults returns up to limit fault records, newest first.
func (d *DB) RecentFaults(limit int) ([]FaultRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, timestamp, kind, pid, pc, address, trapnr, signr, address_space
		FROM faults ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FaultRecord
	for rows.Next() {
		var rec FaultRecord
		var pid, pc, addr, trapnr, signr, as int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Kind, &pid, &pc, &addr, &trapnr, &signr, &as); err != nil {
			return nil, err
		}
		rec.Pid, rec.Pc, rec.Address = uint64(pid), uint64(pc), uint64(addr)
		rec.Trapnr, rec.Signr, rec.AddressSpace = uint64(trapnr), uint64(signr), uint64(as)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentMemoryEvents returns up to limit memory records, newest first.
func (d *DB) RecentMemoryEvents(limit int) ([]MemoryRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, timestamp, op, pid, start, size, prot
		FROM memory_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var rec MemoryRecord
		var pid, start, size, prot int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Op, &pid, &start, &size, &prot); err != nil {
			return nil, err
		}
		rec.Pid, rec.Start, rec.Size, rec.Prot = uint64(pid), uint64(start), uint64(size), uint64(prot)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

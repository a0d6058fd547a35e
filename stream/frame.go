// Package stream carries command records from the VMM to the monitor. Each
// frame holds one command plus an annex: the guest memory regions the
// command references (path strings, task struct words), copied out by the
// VMM at the moment the command was issued. The annex backs a snapshot
// Memory so the monitor's reads see exactly what the guest saw.
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Limits on untrusted frame fields. A frame is VMM-produced but ultimately
// shaped by the guest, so lengths are capped before allocation.
const (
	maxAnnexEntries   = 256
	maxAnnexEntrySize = 1 << 20
	maxCommandSize    = 4096
)

// AnnexEntry is one copied-out region of guest memory.
type AnnexEntry struct {
	Addr uint64
	Data []byte
}

// Frame is one command delivery from the VMM.
type Frame struct {
	Version uint64
	PathID  uint64
	PageDir uint64
	Command []byte
	Annex   []AnnexEntry
}

// WriteFrame serializes f to w. Layout, little-endian:
// version u64 | pathID u64 | pageDir u64 | cmdLen u32 | annexCount u32 |
// command bytes | annexCount x (addr u64, len u32, bytes).
func WriteFrame(w io.Writer, f *Frame) error {
	header := make([]byte, 32)
	binary.LittleEndian.PutUint64(header[0:8], f.Version)
	binary.LittleEndian.PutUint64(header[8:16], f.PathID)
	binary.LittleEndian.PutUint64(header[16:24], f.PageDir)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(f.Command)))
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(f.Annex)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(f.Command); err != nil {
		return err
	}

	entryHeader := make([]byte, 12)
	for _, entry := range f.Annex {
		binary.LittleEndian.PutUint64(entryHeader[0:8], entry.Addr)
		binary.LittleEndian.PutUint32(entryHeader[8:12], uint32(len(entry.Data)))
		if _, err := w.Write(entryHeader); err != nil {
			return err
		}
		if _, err := w.Write(entry.Data); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame from r. io.EOF at a frame boundary is returned
// as-is so callers can treat it as a clean close.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 32)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	f := &Frame{
		Version: binary.LittleEndian.Uint64(header[0:8]),
		PathID:  binary.LittleEndian.Uint64(header[8:16]),
		PageDir: binary.LittleEndian.Uint64(header[16:24]),
	}
	cmdLen := binary.LittleEndian.Uint32(header[24:28])
	annexCount := binary.LittleEndian.Uint32(header[28:32])

	if cmdLen > maxCommandSize {
		return nil, fmt.Errorf("command length %d exceeds limit", cmdLen)
	}
	if annexCount > maxAnnexEntries {
		return nil, fmt.Errorf("annex entry count %d exceeds limit", annexCount)
	}

	f.Command = make([]byte, cmdLen)
	if _, err := io.ReadFull(r, f.Command); err != nil {
		return nil, fmt.Errorf("reading command bytes: %w", err)
	}

	entryHeader := make([]byte, 12)
	for i := uint32(0); i < annexCount; i++ {
		if _, err := io.ReadFull(r, entryHeader); err != nil {
			return nil, fmt.Errorf("reading annex entry header: %w", err)
		}
		addr := binary.LittleEndian.Uint64(entryHeader[0:8])
		size := binary.LittleEndian.Uint32(entryHeader[8:12])
		if size > maxAnnexEntrySize {
			return nil, fmt.Errorf("annex entry size %d exceeds limit", size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("reading annex entry data: %w", err)
		}
		f.Annex = append(f.Annex, AnnexEntry{Addr: addr, Data: data})
	}

	return f, nil
}

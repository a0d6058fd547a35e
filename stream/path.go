package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/guest"
)

// ErrUnmapped means the requested address range is not covered by the
// frame's annex. For the monitor this is indistinguishable from an unmapped
// guest page, which is exactly the semantic we want.
var ErrUnmapped = errors.New("address not in snapshot")

// SnapshotMemory serves guest memory reads from a frame's annex.
type SnapshotMemory struct {
	segments []AnnexEntry
}

// NewSnapshotMemory builds a Memory over the annex entries.
func NewSnapshotMemory(annex []AnnexEntry) *SnapshotMemory {
	return &SnapshotMemory{segments: annex}
}

// Read returns n bytes at addr if some annex entry covers the full range.
func (s *SnapshotMemory) Read(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read length %d", n)
	}
	for _, seg := range s.segments {
		if addr < seg.Addr {
			continue
		}
		// Bound the read by the bytes remaining in the segment rather than
		// comparing addr+n against the segment end: both sums can wrap on
		// guest-supplied addresses near the top of the address space.
		off := addr - seg.Addr
		if off >= uint64(len(seg.Data)) || uint64(n) > uint64(len(seg.Data))-off {
			continue
		}
		out := make([]byte, n)
		copy(out, seg.Data[off:off+uint64(n)])
		return out, nil
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}

// ReadString reads a NUL-terminated string at addr. The string must be fully
// contained, including its terminator, in one annex entry.
func (s *SnapshotMemory) ReadString(addr uint64) (string, error) {
	for _, seg := range s.segments {
		if addr < seg.Addr {
			continue
		}
		off := addr - seg.Addr
		if off >= uint64(len(seg.Data)) {
			continue
		}
		if i := bytes.IndexByte(seg.Data[off:], 0); i >= 0 {
			return string(seg.Data[off : off+uint64(i)]), nil
		}
		return "", fmt.Errorf("unterminated string at %#x", addr)
	}
	return "", fmt.Errorf("%w: %#x", ErrUnmapped, addr)
}

// Control operation codes sent back to the VMM.
const (
	ctrlSwitchForbidden uint8 = 1
	ctrlTerminate       uint8 = 2
)

// RemotePath implements guest.Path for a command delivered over a stream
// connection. Memory reads come from the frame's snapshot; control actions
// are written back to the VMM as control frames.
type RemotePath struct {
	id      uint64
	pageDir uint64
	mem     *SnapshotMemory
	log     *zap.Logger

	mu         sync.Mutex
	ctrl       io.Writer
	terminated bool
}

// NewRemotePath builds a path for one frame. ctrl receives control frames;
// it is typically the connection the frame arrived on.
func NewRemotePath(f *Frame, ctrl io.Writer, log *zap.Logger) *RemotePath {
	if log == nil {
		log = zap.NewNop()
	}
	return &RemotePath{
		id:      f.PathID,
		pageDir: f.PageDir,
		mem:     NewSnapshotMemory(f.Annex),
		ctrl:    ctrl,
		log:     log,
	}
}

func (p *RemotePath) ID() uint64 {
	return p.id
}

func (p *RemotePath) Memory() guest.Memory {
	return p.mem
}

func (p *RemotePath) PageDir() uint64 {
	return p.pageDir
}

// SetSwitchForbidden forwards the scheduler hint to the VMM.
func (p *RemotePath) SetSwitchForbidden(forbidden bool) {
	flag := uint8(0)
	if forbidden {
		flag = 1
	}
	if err := p.writeControl(ctrlSwitchForbidden, []byte{flag}); err != nil {
		p.log.Error("failed to send switch-forbidden control",
			zap.Uint64("path", p.id), zap.Error(err))
	}
}

// Terminate asks the VMM to end this path. Only the first call is sent.
func (p *RemotePath) Terminate(reason string) {
	p.mu.Lock()
	already := p.terminated
	p.terminated = true
	p.mu.Unlock()
	if already {
		return
	}

	if err := p.writeControl(ctrlTerminate, []byte(reason)); err != nil {
		p.log.Error("failed to send terminate control",
			zap.Uint64("path", p.id), zap.Error(err))
	}
}

// Terminated reports whether Terminate has been called on this path.
func (p *RemotePath) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// writeControl emits: op u8 | pathID u64 | len u32 | payload.
func (p *RemotePath) writeControl(op uint8, payload []byte) error {
	header := make([]byte, 13)
	header[0] = op
	binary.LittleEndian.PutUint64(header[1:9], p.id)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return nil
	}
	if _, err := p.ctrl.Write(header); err != nil {
		return err
	}
	_, err := p.ctrl.Write(payload)
	return err
}

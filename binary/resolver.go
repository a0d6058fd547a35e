// Package binary locates the on-disk images backing guest modules and
// extracts size and entry-point metadata from them.
package binary

import (
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/monitor"
)

// ErrNotFound means no file with the module's name exists under any of the
// configured guest filesystem roots.
var ErrNotFound = errors.New("image not found")

// Resolver finds module images under host-side mirrors of the guest
// filesystem and parses them as ELF. Parsed results are kept in an LRU cache
// keyed by name and declared size, so the same library loaded by every guest
// process is parsed once.
type Resolver struct {
	log   *zap.Logger
	roots []string
	cache *lru.Cache
}

// NewResolver creates a resolver searching roots in order. cacheSize bounds
// the number of cached parse results.
func NewResolver(log *zap.Logger, roots []string, cacheSize int) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		log:   log,
		roots: roots,
		cache: cache,
	}, nil
}

// Resolve implements monitor.ImageResolver. It searches each root for a file
// whose base name matches the module name, parses it as ELF, and returns the
// image's loadable size and entry point.
func (r *Resolver) Resolve(name string, declaredSize uint64) (monitor.ImageInfo, error) {
	if name == "" {
		return monitor.ImageInfo{}, errors.New("empty module name")
	}

	key := fmt.Sprintf("%s:%d", name, declaredSize)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(monitor.ImageInfo), nil
	}

	imagePath, err := r.find(name)
	if err != nil {
		return monitor.ImageInfo{}, err
	}

	info, err := parseImage(imagePath)
	if err != nil {
		return monitor.ImageInfo{}, fmt.Errorf("parsing %s: %w", imagePath, err)
	}

	r.log.Debug("resolved module image",
		zap.String("name", name),
		zap.String("path", imagePath),
		zap.Uint64("size", info.Size),
		zap.Uint64("entry", info.Entry))

	r.cache.Add(key, info)
	return info, nil
}

// find walks each root until it sees a file named name.
func (r *Resolver) find(name string) (string, error) {
	for _, root := range r.roots {
		var found string
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtree, keep looking elsewhere.
				return fs.SkipDir
			}
			if !d.IsDir() && d.Name() == name {
				found = p
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			continue
		}
		if found != "" {
			return found, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// parseImage reads the ELF program headers and computes the span of the
// loadable segments, which is the module's in-memory size.
func parseImage(imagePath string) (monitor.ImageInfo, error) {
	f, err := elf.Open(imagePath)
	if err != nil {
		return monitor.ImageInfo{}, err
	}
	defer f.Close()

	var low, high uint64
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < low {
			low = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; first || end > high {
			high = prog.Vaddr + prog.Memsz
		}
		first = false
	}
	if first {
		return monitor.ImageInfo{}, errors.New("no loadable segments")
	}

	return monitor.ImageInfo{
		Size:  high - low,
		Entry: f.Entry,
	}, nil
}

// Package registry implements the file registry: the mapping from
// vbucket id to the file revision the coordinator currently believes is
// live, file-name discovery, and the open-with-rescan policy used when
// promoting to a new revision.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/vfs"
)

// ErrFileUnavailable is returned by Open when no revision of a vbucket's
// file could be opened and the caller did not request create semantics.
var ErrFileUnavailable = errors.New("registry: no readable file for vbucket")

const compactSuffix = ".compact"

// FileName returns the on-disk name of a partition file.
func FileName(vbid uint16, rev uint64) string {
	return fmt.Sprintf("%d.couch.%d", vbid, rev)
}

// FilePath joins dir with FileName(vbid, rev).
func FilePath(dir string, vbid uint16, rev uint64) string {
	return filepath.Join(dir, FileName(vbid, rev))
}

// parseFileName extracts (vbid, rev) from a bare filename of the shape
// "<digits>.couch.<digits>". Files ending in ".compact" never match.
func parseFileName(name string) (vbid uint16, rev uint64, ok bool) {
	if strings.HasSuffix(name, compactSuffix) {
		return 0, 0, false
	}
	const marker = ".couch."
	idx := strings.Index(name, marker)
	if idx < 0 {
		return 0, 0, false
	}
	vbPart := name[:idx]
	revPart := name[idx+len(marker):]
	if vbPart == "" || revPart == "" {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(vbPart, 10, 16)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseUint(revPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), r, true
}

// Registry maps VBucketId to the highest FileRevision currently believed
// live for that vbucket.
type Registry struct {
	fs  vfs.FS
	dir string

	mu      sync.RWMutex
	entries map[uint16]uint64
	stale   map[uint16][]uint64
}

// New returns an empty registry rooted at dir.
func New(fs vfs.FS, dir string) *Registry {
	return &Registry{
		fs:      fs,
		dir:     dir,
		entries: make(map[uint16]uint64),
		stale:   make(map[uint16][]uint64),
	}
}

// Discover enumerates dir and populates the registry, keeping the
// highest revision found per vbucket. Running Discover twice over an
// unchanged directory yields the same registry (idempotent).
func (r *Registry) Discover() error {
	names, err := r.fs.ListDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: list %s: %w", r.dir, err)
	}

	found := make(map[uint16][]uint64)
	for _, name := range names {
		if !strings.Contains(name, ".couch") {
			continue
		}
		vbid, rev, ok := parseFileName(name)
		if !ok {
			continue
		}
		found[vbid] = append(found[vbid], rev)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint16]uint64, len(found))
	r.stale = make(map[uint16][]uint64, len(found))
	for vbid, revs := range found {
		sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
		r.entries[vbid] = revs[len(revs)-1]
		if len(revs) > 1 {
			r.stale[vbid] = revs[:len(revs)-1]
		}
	}
	return nil
}

// Lookup returns the current revision for vbid, if any.
func (r *Registry) Lookup(vbid uint16) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rev, ok := r.entries[vbid]
	return rev, ok
}

// ScanForNewRev lists dir for files belonging to vbid and returns the
// numerically largest revision suffix, or 0 if none exists.
func (r *Registry) ScanForNewRev(vbid uint16) (uint64, error) {
	names, err := r.fs.ListDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("registry: list %s: %w", r.dir, err)
	}
	var best uint64
	for _, name := range names {
		gotVB, rev, ok := parseFileName(name)
		if !ok || gotVB != vbid {
			continue
		}
		if rev > best {
			best = rev
		}
	}
	return best, nil
}

// Set upserts vbid's revision. If an entry exists and newRev is less
// than the current one, the call is a no-op (revisions never regress).
func (r *Registry) Set(vbid uint16, newRev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[vbid]; ok {
		if newRev < cur {
			return
		}
		if newRev > cur {
			r.stale[vbid] = append(r.stale[vbid], cur)
		}
	}
	r.entries[vbid] = newRev
}

// ForceSet unconditionally sets vbid's revision, bypassing the
// never-regress rule Set enforces. Used only by Engine.Reset, which
// starts a new logical epoch rather than promoting to a newer file.
func (r *Registry) ForceSet(vbid uint16, rev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[vbid] = rev
	delete(r.stale, vbid)
}

// Remove deletes vbid's entry, e.g. after an open failure.
func (r *Registry) Remove(vbid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, vbid)
	delete(r.stale, vbid)
}

// StaleRevisions returns revisions of vbid's file that Discover or Set
// observed being superseded, for the benefit of a compaction manager
// that wants to clean them up.
func (r *Registry) StaleRevisions(vbid uint16) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, len(r.stale[vbid]))
	copy(out, r.stale[vbid])
	return out
}

// VBuckets returns the ids of all vbuckets currently registered, sorted.
func (r *Registry) VBuckets() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.entries))
	for vbid := range r.entries {
		out = append(out, vbid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open implements the file-open policy: try the cached
// revision read-only; on failure rescan for a higher revision and retry
// read-only; if still failing and create is requested, open with create
// at the original revision (or 1, if no revision was ever recorded).
// The returned revision is the one the caller must record via Set.
func (r *Registry) Open(opener docstore.Opener, vbid uint16, create bool) (docstore.Store, uint64, error) {
	cachedRev, known := r.Lookup(vbid)

	if known {
		if store, err := opener.Open(FilePath(r.dir, vbid, cachedRev), false); err == nil {
			return store, cachedRev, nil
		}
	}

	if newRev, err := r.ScanForNewRev(vbid); err == nil && newRev > 0 {
		if store, err := opener.Open(FilePath(r.dir, vbid, newRev), false); err == nil {
			r.Set(vbid, newRev)
			return store, newRev, nil
		}
	}

	if !create {
		r.Remove(vbid)
		return nil, 0, ErrFileUnavailable
	}

	effRev := cachedRev
	if effRev == 0 {
		effRev = 1
	}
	store, err := opener.Open(FilePath(r.dir, vbid, effRev), true)
	if err != nil {
		r.Remove(vbid)
		return nil, 0, fmt.Errorf("registry: create vb=%d rev=%d: %w", vbid, effRev, err)
	}
	r.Set(vbid, effRev)
	return store, effRev, nil
}

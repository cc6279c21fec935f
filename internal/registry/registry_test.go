package registry

import (
	"testing"

	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/docstore/docstoretest"
	"github.com/daverigby/vbstore/internal/vfs"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	f, err := vfs.Default().Create(dir + "/" + name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", name, err)
	}
}

// Highest-rev wins.
func TestDiscover_HighestRevWins(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "5.couch.3")
	touch(t, dir, "5.couch.7")
	touch(t, dir, "5.couch.4")

	r := New(vfs.Default(), dir)
	if err := r.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	rev, ok := r.Lookup(5)
	if !ok || rev != 7 {
		t.Fatalf("Lookup(5) = (%d, %v), want (7, true)", rev, ok)
	}
	stale := r.StaleRevisions(5)
	if len(stale) != 2 {
		t.Fatalf("StaleRevisions(5) = %v, want 2 entries", stale)
	}
}

// Compaction exclusion.
func TestDiscover_IgnoresCompactFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "2.couch.1")
	touch(t, dir, "2.couch.2.compact")

	r := New(vfs.Default(), dir)
	if err := r.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	rev, ok := r.Lookup(2)
	if !ok || rev != 1 {
		t.Fatalf("Lookup(2) = (%d, %v), want (1, true)", rev, ok)
	}
}

// Discovery idempotence.
func TestDiscover_Idempotent(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0.couch.1")
	touch(t, dir, "1.couch.9")

	r := New(vfs.Default(), dir)
	if err := r.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	first := map[uint16]uint64{}
	for _, vb := range r.VBuckets() {
		rev, _ := r.Lookup(vb)
		first[vb] = rev
	}

	if err := r.Discover(); err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	for _, vb := range r.VBuckets() {
		rev, _ := r.Lookup(vb)
		if first[vb] != rev {
			t.Fatalf("vb %d: first Discover gave %d, second gave %d", vb, first[vb], rev)
		}
	}
}

func TestScanForNewRev_NoFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(vfs.Default(), dir)
	rev, err := r.ScanForNewRev(42)
	if err != nil {
		t.Fatalf("ScanForNewRev: %v", err)
	}
	if rev != 0 {
		t.Fatalf("ScanForNewRev on empty dir = %d, want 0 (sentinel)", rev)
	}
}

func TestSet_NeverRegresses(t *testing.T) {
	r := New(vfs.Default(), t.TempDir())
	r.Set(3, 5)
	r.Set(3, 2)
	rev, _ := r.Lookup(3)
	if rev != 5 {
		t.Fatalf("Lookup(3) = %d after regressive Set, want 5", rev)
	}
	r.Set(3, 6)
	rev, _ = r.Lookup(3)
	if rev != 6 {
		t.Fatalf("Lookup(3) = %d after advancing Set, want 6", rev)
	}
}

// Open's file-open policy: create a brand-new vbucket file.
func TestOpen_CreateNewVBucket(t *testing.T) {
	opener := docstoretest.NewMemOpener()
	r := New(vfs.Default(), t.TempDir())

	store, rev, err := r.Open(opener, 0, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if rev != 1 {
		t.Fatalf("effective rev = %d, want 1", rev)
	}
	got, ok := r.Lookup(0)
	if !ok || got != 1 {
		t.Fatalf("registry after create = (%d, %v), want (1, true)", got, ok)
	}
}

// Open's rescan path: the cached revision's file is unknown to the
// store (the compaction peer advanced it without telling us) but a
// higher revision now exists on disk and the store already has it open.
func TestOpen_RescanFindsHigherRevision(t *testing.T) {
	opener := docstoretest.NewMemOpener()
	dir := t.TempDir()
	r := New(vfs.Default(), dir)
	r.Set(7, 3) // stale belief: the registry still thinks rev 3 is live.

	touch(t, dir, FileName(7, 3))
	touch(t, dir, FileName(7, 9))
	// Simulate that only rev 9 has ever been registered with the store;
	// rev 3's store-level handle is gone.
	seeded, err := opener.Open(FilePath(dir, 7, 9), true)
	if err != nil {
		t.Fatalf("seed open: %v", err)
	}
	defer seeded.Close()

	store, rev, err := r.Open(opener, 7, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if rev != 9 {
		t.Fatalf("effective rev = %d, want 9", rev)
	}
}

func TestOpen_UnknownVBucketWithoutCreate(t *testing.T) {
	opener := docstoretest.NewMemOpener()
	r := New(vfs.Default(), t.TempDir())
	_, _, err := r.Open(opener, 99, false)
	if err != ErrFileUnavailable {
		t.Fatalf("Open err = %v, want ErrFileUnavailable", err)
	}
}

var _ docstore.Opener = (*docstoretest.MemOpener)(nil)

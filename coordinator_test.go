package vbstore

import (
	"testing"

	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/vbstate"
	"github.com/daverigby/vbstore/internal/vfs"
)

// TestEngine_S1_CreateAndCommit covers an empty directory, a set on
// vb 0, and a commit — the registry must end up
// pointing at revision 1 and a notify_headerpos_update must have been
// issued and acknowledged. Set only accepts a vbucket the registry
// knows, so vb 0 is registered at revision 1 with no file on disk.
func TestEngine_S1_CreateAndCommit(t *testing.T) {
	eng, _, nextServer := newTestEngine(t)
	eng.Registry().ForceSet(0, 1)

	type commitResult struct {
		err      error
		mutation MutationStatus
	}
	resultCh := make(chan commitResult, 1)

	go func() {
		var txn Txn
		if err := txn.BeginTransaction(); err != nil {
			resultCh <- commitResult{err: err}
			return
		}
		var status MutationStatus
		if err := eng.Set(&txn, PersistRequest{Vbucket: 0, Key: []byte("a"), Value: []byte("1")}, func(s MutationStatus, id uint64) {
			status = s
		}); err != nil {
			resultCh <- commitResult{err: err}
			return
		}
		err := eng.Commit(&txn)
		resultCh <- commitResult{err: err, mutation: status}
	}()

	srv := nextServer()
	req := acceptOneNotify(t, srv, 0 /* SUCCESS */)
	if req.Vbid != 0 {
		t.Fatalf("notify request vbid = %d, want 0", req.Vbid)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Commit: %v", res.err)
	}
	if res.mutation != MutationSuccess {
		t.Fatalf("mutation status = %v, want success", res.mutation)
	}
	if rev, ok := eng.Registry().Lookup(0); !ok || rev != 1 {
		t.Fatalf("registry[0] = (%d,%v), want (1,true)", rev, ok)
	}
}

// TestEngine_S2_PreSeededRevision covers a pre-existing `0.couch.7`
// placeholder on disk must be discovered and
// subsequent commits must target revision 7.
func TestEngine_S2_PreSeededRevision(t *testing.T) {
	eng, _, nextServer := newTestEngine(t)

	touch(t, eng.cfg.Dbname+"/0.couch.7")
	if err := eng.Registry().Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if rev, ok := eng.Registry().Lookup(0); !ok || rev != 7 {
		t.Fatalf("registry[0] after discover = (%d,%v), want (7,true)", rev, ok)
	}

	resultCh := make(chan error, 1)
	go func() {
		var txn Txn
		_ = txn.BeginTransaction()
		_ = eng.Set(&txn, PersistRequest{Vbucket: 0, Key: []byte("a"), Value: []byte("1")}, nil)
		resultCh <- eng.Commit(&txn)
	}()

	srv := nextServer()
	req := acceptOneNotify(t, srv, 0)
	if req.Vbid != 0 {
		t.Fatalf("notify request vbid = %d, want 0", req.Vbid)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev, ok := eng.Registry().Lookup(0); !ok || rev != 7 {
		t.Fatalf("registry[0] after commit = (%d,%v), want (7,true)", rev, ok)
	}
}

// TestEngine_S3_MaxDeletedSeqnoPersisted covers committing a delete with a higher rev_seq than the
// cached max_deleted_seqno updates and persists it.
func TestEngine_S3_MaxDeletedSeqnoPersisted(t *testing.T) {
	eng, opener, nextServer := newTestEngine(t)

	// Seed an existing cached state with max_deleted_seqno=10.
	path := eng.cfg.Dbname + "/0.couch.1"
	touch(t, path)
	store, err := opener.Open(path, true)
	if err != nil {
		t.Fatalf("seed open: %v", err)
	}
	if err := writeSeedState(store, 10); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	_ = store.Close()
	eng.Registry().ForceSet(0, 1)
	if _, err := eng.ListPersistedVBuckets(); err != nil {
		t.Fatalf("ListPersistedVBuckets: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		var txn Txn
		_ = txn.BeginTransaction()
		req := PersistRequest{Vbucket: 0, Key: []byte("a"), IsDelete: true, SeqNo: 42}
		_ = eng.Del(&txn, req, nil)
		resultCh <- eng.Commit(&txn)
	}()

	srv := nextServer()
	acceptOneNotify(t, srv, 0)

	if err := <-resultCh; err != nil {
		t.Fatalf("Commit: %v", err)
	}

	state, err := opener.Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, err := state.GetLocalDoc("_local/vbstate")
	if err != nil {
		t.Fatalf("GetLocalDoc: %v", err)
	}
	if got := string(data); got != `{"state":"dead","checkpoint_id":"0","max_deleted_seqno":"42"}` {
		t.Fatalf("vbstate = %s, want max_deleted_seqno 42", got)
	}
}

// TestEngine_S4_ETMPFAILRetry covers the case where the first notify
// response is ETMPFAIL, the coordinator reopens at the
// effective revision and retries, succeeding on the second attempt.
func TestEngine_S4_ETMPFAILRetry(t *testing.T) {
	eng, _, nextServer := newTestEngine(t)
	eng.Registry().ForceSet(0, 1)

	resultCh := make(chan error, 1)
	go func() {
		var txn Txn
		_ = txn.BeginTransaction()
		_ = eng.Set(&txn, PersistRequest{Vbucket: 0, Key: []byte("a"), Value: []byte("1")}, nil)
		resultCh <- eng.Commit(&txn)
	}()

	srv := nextServer()
	if err := srv.AcceptAndSelectBucket(); err != nil {
		t.Fatalf("select_bucket: %v", err)
	}

	first, err := srv.RecvFrame()
	if err != nil {
		t.Fatalf("recv 1: %v", err)
	}
	if err := srv.Respond(first.Opaque, 0x0086 /* ETMPFAIL */); err != nil {
		t.Fatalf("respond 1: %v", err)
	}

	second, err := srv.RecvFrame()
	if err != nil {
		t.Fatalf("recv 2: %v", err)
	}
	if err := srv.Respond(second.Opaque, 0 /* SUCCESS */); err != nil {
		t.Fatalf("respond 2: %v", err)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev, ok := eng.Registry().Lookup(0); !ok || rev != 1 {
		t.Fatalf("registry[0] = (%d,%v), want (1,true)", rev, ok)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	f, err := vfs.Default().Create(path)
	if err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
	_ = f.Close()
}

func writeSeedState(store docstore.Store, maxDeletedSeqno uint32) error {
	return vbstate.WriteState(store, vbstate.State{Mode: vbstate.Dead, MaxDeletedSeqno: maxDeletedSeqno})
}

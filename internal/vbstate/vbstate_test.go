package vbstate

import (
	"testing"

	"github.com/daverigby/vbstore/internal/docstore/docstoretest"
	"github.com/daverigby/vbstore/internal/logging"
)

func openStore(t *testing.T) *docstoretest.MemStore {
	t.Helper()
	opener := docstoretest.NewMemOpener()
	s, err := opener.Open(t.TempDir()+"/0.couch.1", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s.(*docstoretest.MemStore)
}

func TestReadState_AbsentReturnsDefault(t *testing.T) {
	s := openStore(t)
	got := ReadState(s, 0, logging.Discard)
	if got != DefaultState() {
		t.Fatalf("ReadState on absent doc = %+v, want default", got)
	}
}

func TestWriteThenReadState_RoundTrip(t *testing.T) {
	s := openStore(t)
	want := State{Mode: Active, CheckpointID: 42, MaxDeletedSeqno: 7}
	if err := WriteState(s, want); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	got := ReadState(s, 0, logging.Discard)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadState_MalformedJSONReturnsDefault(t *testing.T) {
	s := openStore(t)
	if err := s.SetLocalDoc("_local/vbstate", []byte("not json")); err != nil {
		t.Fatalf("SetLocalDoc: %v", err)
	}
	got := ReadState(s, 0, logging.Discard)
	if got != DefaultState() {
		t.Fatalf("ReadState on malformed doc = %+v, want default", got)
	}
}

func TestReadState_MissingFieldReturnsDefault(t *testing.T) {
	s := openStore(t)
	if err := s.SetLocalDoc("_local/vbstate", []byte(`{"state":"active","checkpoint_id":"1"}`)); err != nil {
		t.Fatalf("SetLocalDoc: %v", err)
	}
	got := ReadState(s, 0, logging.Discard)
	if got != DefaultState() {
		t.Fatalf("ReadState on doc missing a field = %+v, want default", got)
	}
}

func TestReadState_DigestMismatchReturnsDefault(t *testing.T) {
	s := openStore(t)
	want := State{Mode: Replica, CheckpointID: 1, MaxDeletedSeqno: 1}
	if err := WriteState(s, want); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	// Corrupt the digest, simulating a torn write.
	if err := s.SetLocalDoc("_local/vbstate.digest", []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("SetLocalDoc: %v", err)
	}
	got := ReadState(s, 0, logging.Discard)
	if got != DefaultState() {
		t.Fatalf("ReadState after digest corruption = %+v, want default", got)
	}
}

// MaxDeletedSeqno monotone persistence is exercised at the coordinator
// level; this only checks the store round-trips the decimal-string
// encoding.
func TestWriteState_DecimalStringEncoding(t *testing.T) {
	s := openStore(t)
	if err := WriteState(s, State{Mode: Active, CheckpointID: 9, MaxDeletedSeqno: 42}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	data, err := s.GetLocalDoc("_local/vbstate")
	if err != nil {
		t.Fatalf("GetLocalDoc: %v", err)
	}
	if got := string(data); got != `{"state":"active","checkpoint_id":"9","max_deleted_seqno":"42"}` {
		t.Fatalf("unexpected wire encoding: %s", got)
	}
}

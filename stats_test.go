package vbstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestEngine_S5_SnapshotStats covers that SnapshotStats writes
// stats.json, and a second call preserves the prior contents
// under stats.json.old.
func TestEngine_S5_SnapshotStats(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	first := map[string]string{"curr_items": "1"}
	if !eng.SnapshotStats(first) {
		t.Fatal("first SnapshotStats returned false")
	}

	path := filepath.Join(eng.cfg.Dbname, "stats.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stats.json: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["curr_items"] != "1" {
		t.Fatalf("stats.json = %v, want curr_items=1", got)
	}

	if _, err := os.Stat(path + ".old"); err == nil {
		t.Fatal("stats.json.old exists after only one snapshot")
	}

	second := map[string]string{"curr_items": "2"}
	if !eng.SnapshotStats(second) {
		t.Fatal("second SnapshotStats returned false")
	}

	oldData, err := os.ReadFile(path + ".old")
	if err != nil {
		t.Fatalf("read stats.json.old: %v", err)
	}
	var gotOld map[string]string
	if err := json.Unmarshal(oldData, &gotOld); err != nil {
		t.Fatalf("unmarshal old: %v", err)
	}
	if gotOld["curr_items"] != "1" {
		t.Fatalf("stats.json.old = %v, want curr_items=1 (the prior snapshot)", gotOld)
	}

	newData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stats.json after second snapshot: %v", err)
	}
	var gotNew map[string]string
	if err := json.Unmarshal(newData, &gotNew); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotNew["curr_items"] != "2" {
		t.Fatalf("stats.json = %v, want curr_items=2", gotNew)
	}

	if _, err := os.Stat(path + ".new"); !os.IsNotExist(err) {
		t.Fatalf("stats.json.new should not survive a successful snapshot, stat err = %v", err)
	}
}

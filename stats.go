package vbstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

const (
	statsFileName  = "stats.json"
	statsNewSuffix = ".new"
	statsOldSuffix = ".old"
)

// SnapshotStats atomically writes stats as a flat JSON object under
// dbname/stats.json: create-new `stats.json.new`, rename any existing
// `stats.json` to `stats.json.old`, then rename the new file into
// place. Left unsynchronized with respect to a future master-DB writer
// — that coupling is not solved here, only noted.
//
// Any I/O error is logged and reported via the bool return rather than
// retried.
func (e *Engine) SnapshotStats(stats map[string]string) bool {
	if err := e.snapshotStats(stats); err != nil {
		e.logger.Errorf("snapshot stats: %v", err)
		return false
	}
	return true
}

func (e *Engine) snapshotStats(stats map[string]string) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("vbstore: marshal stats: %w", err)
	}

	path := filepath.Join(e.cfg.Dbname, statsFileName)
	newPath := path + statsNewSuffix
	oldPath := path + statsOldSuffix

	f, err := e.fs.Create(newPath)
	if err != nil {
		return fmt.Errorf("vbstore: create %s: %w", newPath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("vbstore: write %s: %w", newPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("vbstore: sync %s: %w", newPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vbstore: close %s: %w", newPath, err)
	}

	if e.fs.Exists(path) {
		if err := e.fs.Rename(path, oldPath); err != nil {
			return fmt.Errorf("vbstore: rename %s to %s: %w", path, oldPath, err)
		}
	}
	if err := e.fs.Rename(newPath, path); err != nil {
		return fmt.Errorf("vbstore: rename %s to %s: %w", newPath, path, err)
	}
	return e.fs.SyncDir(e.cfg.Dbname)
}

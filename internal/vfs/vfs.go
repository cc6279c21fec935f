// Package vfs abstracts the small slice of filesystem operations the
// persistence core needs: creating and writing a file, renaming it
// into place, syncing a directory, and listing/checking entries. The
// file registry uses it for partition-file discovery and the
// coordinator uses it for the atomic stats-sidecar swap. A real OS
// filesystem and a fault-injecting wrapper around it both implement FS,
// so rename/fsync durability can be exercised by simulated crashes.
package vfs

import (
	"os"
)

// FS is the filesystem surface the persistence core depends on.
type FS interface {
	// Create creates a new writable file, truncating it if it exists.
	Create(name string) (WritableFile, error)

	// Rename atomically renames a file.
	Rename(oldname, newname string) error

	// Exists returns true if the file exists.
	Exists(name string) bool

	// ListDir lists the names of entries in a directory.
	ListDir(path string) ([]string, error)

	// SyncDir syncs a directory so that prior Create/Rename calls
	// against it are durable.
	SyncDir(path string) error
}

// WritableFile is a file opened for writing.
type WritableFile interface {
	// Write appends p to the file.
	Write(p []byte) (int, error)

	// Sync flushes the file's contents to stable storage.
	Sync() error

	// Close closes the file.
	Close() error
}

// osFS implements FS using the OS filesystem.
type osFS struct{}

// Default returns the default OS filesystem.
func Default() FS {
	return &osFS{}
}

func (fs *osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (fs *osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (fs *osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (fs *osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (fs *osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// osWritableFile wraps os.File for the WritableFile interface.
type osWritableFile struct {
	f *os.File
}

func (wf *osWritableFile) Write(p []byte) (int, error) {
	return wf.f.Write(p)
}

func (wf *osWritableFile) Close() error {
	return wf.f.Close()
}

func (wf *osWritableFile) Sync() error {
	return wf.f.Sync()
}

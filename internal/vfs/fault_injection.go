// FaultInjectionFS wraps a real FS and lets tests inject write/sync
// errors and simulate a crash, to exercise how the file registry and
// the stats sidecar behave when a partition-file rename or a
// stats.json swap is interrupted partway through.
package vfs

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
// It tracks unsynced data per file to simulate data loss on crash.
//
// Directory entry durability: entries created by Rename are not
// durable until SyncDir is called on the parent directory. On a
// simulated crash, pending renames without a dir sync are reverted.
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	fileState map[string]*fileState

	// pendingRenames maps new path -> old path (empty string if the
	// file was created, not renamed) for renames not yet made durable
	// by SyncDir.
	pendingRenames map[string]string

	injectWriteError bool
	injectSyncError  bool
	writeErrorPath   string

	filesystemActive bool

	// syncDirLieMode: SyncDir() reports success but does not make
	// renames durable, simulating a filesystem that acknowledges a
	// directory fsync yet still loses entries on crash.
	syncDirLieMode bool

	// fileSyncLieMode: Sync() reports success but does not mark data
	// as synced, so DropUnsyncedData discards it on a simulated crash.
	// fileSyncLiePattern restricts the lie to matching paths (e.g. the
	// stats sidecar's ".new" file); empty matches every file.
	fileSyncLieMode    bool
	fileSyncLiePattern string

	// renameDoubleNameMode: Rename succeeds but both the old and new
	// paths exist after a crash, as if the new directory entry landed
	// before the old one was unlinked.
	renameDoubleNameMode    bool
	renameDoubleNamePattern string

	// renameNeitherNameMode: Rename succeeds but neither path exists
	// after a crash, as if both directory entries were lost.
	renameNeitherNameMode    bool
	renameNeitherNamePattern string
}

type fileState struct {
	pos          int64
	syncedPos    int64
	unsyncedData []byte
	dirSynced    bool
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:             base,
		fileState:        make(map[string]*fileState),
		pendingRenames:   make(map[string]string),
		filesystemActive: true,
	}
}

func (fs *FaultInjectionFS) trackPendingRename(oldPath, newPath string) {
	fs.pendingRenames[newPath] = oldPath
}

// SetFilesystemActive enables or disables the filesystem. When
// disabled, all writes fail, simulating a crash.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.filesystemActive = active
}

// InjectWriteError sets up write error injection for the given path
// (or every path, if empty).
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = path
}

// InjectSyncError sets up sync error injection.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.writeErrorPath = ""
}

// DropUnsyncedData simulates a crash by truncating every tracked file
// back to its last synced position.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	states := make(map[string]*fileState)
	maps.Copy(states, fs.fileState)
	fs.mu.Unlock()

	for path, state := range states {
		if state.syncedPos < state.pos {
			f, err := os.OpenFile(path, os.O_RDWR, 0644)
			if err != nil {
				continue // file may not exist
			}
			_ = f.Truncate(state.syncedPos) // best-effort
			_ = f.Close()

			fs.mu.Lock()
			if s, ok := fs.fileState[path]; ok {
				s.pos = state.syncedPos
				s.unsyncedData = nil
			}
			fs.mu.Unlock()
		}
	}
	return nil
}

// DeleteUnsyncedFiles removes files that were created but whose
// parent directory was never synced.
func (fs *FaultInjectionFS) DeleteUnsyncedFiles() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for path, state := range fs.fileState {
		if !state.dirSynced {
			os.Remove(path)
			delete(fs.fileState, path)
		}
	}
	return nil
}

// GetFileState returns the tracked state for a file.
func (fs *FaultInjectionFS) GetFileState(path string) (syncedPos, currentPos int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	state, exists := fs.fileState[path]
	if !exists {
		return 0, 0, false
	}
	return state.syncedPos, state.pos, true
}

// Create creates a new writable file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	fs.mu.RLock()
	if !fs.filesystemActive {
		fs.mu.RUnlock()
		return nil, ErrInjectedWriteError
	}
	if fs.injectWriteError && (fs.writeErrorPath == "" || fs.writeErrorPath == name) {
		fs.mu.RUnlock()
		return nil, ErrInjectedWriteError
	}
	fs.mu.RUnlock()

	baseFile, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	absPath, _ := filepath.Abs(name)

	fs.mu.Lock()
	fs.fileState[absPath] = &fileState{
		pos:       0,
		syncedPos: 0,
		dirSynced: false,
	}
	fs.mu.Unlock()

	return &faultWritableFile{
		base: baseFile,
		fs:   fs,
		path: absPath,
	}, nil
}

// Rename atomically renames a file. The new directory entry is NOT
// durable until SyncDir is called on the parent directory; a crash
// before that may revert or lose it.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	fs.mu.RLock()
	if !fs.filesystemActive {
		fs.mu.RUnlock()
		return ErrInjectedWriteError
	}
	fs.mu.RUnlock()

	err := fs.base.Rename(oldname, newname)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	absOld, _ := filepath.Abs(oldname)
	absNew, _ := filepath.Abs(newname)
	if state, ok := fs.fileState[absOld]; ok {
		newState := &fileState{
			pos:          state.pos,
			syncedPos:    state.syncedPos,
			unsyncedData: state.unsyncedData,
			dirSynced:    false,
		}
		fs.fileState[absNew] = newState
		delete(fs.fileState, absOld)
		fs.trackPendingRename(absOld, absNew)
	} else {
		fs.fileState[absNew] = &fileState{
			pos:       0,
			syncedPos: 0,
			dirSynced: false,
		}
		fs.trackPendingRename("", absNew)
	}
	fs.mu.Unlock()

	return nil
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

// ListDir lists files in a directory.
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

// faultWritableFile wraps WritableFile with fault injection.
type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	f.fs.mu.RLock()
	if !f.fs.filesystemActive {
		f.fs.mu.RUnlock()
		return 0, ErrInjectedWriteError
	}
	if f.fs.injectWriteError && (f.fs.writeErrorPath == "" || f.fs.writeErrorPath == f.path) {
		f.fs.mu.RUnlock()
		return 0, ErrInjectedWriteError
	}
	f.fs.mu.RUnlock()

	n, err := f.base.Write(p)
	if err != nil {
		return n, err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.pos += int64(n)
		state.unsyncedData = append(state.unsyncedData, p[:n]...)
	}
	f.fs.mu.Unlock()

	return n, nil
}

func (f *faultWritableFile) Close() error {
	return f.base.Close()
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	if f.fs.injectSyncError {
		f.fs.mu.RUnlock()
		return ErrInjectedSyncError
	}
	fileSyncLieMode := f.fs.fileSyncLieMode
	fileSyncLiePattern := f.fs.fileSyncLiePattern
	f.fs.mu.RUnlock()

	err := f.base.Sync()
	if err != nil {
		return err
	}

	if fileSyncLieMode && f.matchesLiePattern(fileSyncLiePattern) {
		// Lie mode: report success but do not mark data as synced.
		return nil
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.syncedPos = state.pos
		state.unsyncedData = nil
	}
	f.fs.mu.Unlock()

	return nil
}

func (f *faultWritableFile) matchesLiePattern(pattern string) bool {
	if pattern == "" {
		return true
	}
	return strings.Contains(f.path, pattern)
}

// SyncDir marks the directory as synced, so pending renames against
// it become durable. After SyncDir, a simulated crash no longer
// reverts those renames.
//
// In lie mode (SetSyncDirLieMode(true)), SyncDir still reports success
// but does not clear pending renames, so a simulated crash still
// reverts them: this models a filesystem that acknowledges a directory
// fsync it did not actually make durable.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	absPath, _ := filepath.Abs(path)

	for filePath, state := range fs.fileState {
		if filepath.Dir(filePath) == absPath {
			state.dirSynced = true
		}
	}

	if fs.syncDirLieMode {
		return nil
	}

	for newPath := range fs.pendingRenames {
		if filepath.Dir(newPath) == absPath {
			delete(fs.pendingRenames, newPath)
		}
	}

	return nil
}

// RevertUnsyncedRenames simulates crash recovery for directory entry
// durability: a rename with no subsequent SyncDir is undone (renamed
// back, or deleted if it was a brand-new file).
func (fs *FaultInjectionFS) RevertUnsyncedRenames() error {
	fs.mu.Lock()
	pendingCopy := make(map[string]string)
	maps.Copy(pendingCopy, fs.pendingRenames)
	fs.mu.Unlock()

	for newPath, oldPath := range pendingCopy {
		if oldPath == "" {
			_ = os.Remove(newPath) // best-effort
		} else {
			_ = os.Rename(newPath, oldPath) // best-effort
		}

		fs.mu.Lock()
		delete(fs.pendingRenames, newPath)
		if state, ok := fs.fileState[newPath]; ok {
			if oldPath != "" {
				fs.fileState[oldPath] = state
			}
			delete(fs.fileState, newPath)
		}
		fs.mu.Unlock()
	}

	return nil
}

// HasPendingRenames returns true if there are renames waiting for
// SyncDir.
func (fs *FaultInjectionFS) HasPendingRenames() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.pendingRenames) > 0
}

// PendingRenameCount returns the number of pending (unsynced) renames.
func (fs *FaultInjectionFS) PendingRenameCount() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.pendingRenames)
}

// SetSyncDirLieMode enables or disables SyncDir lie mode.
func (fs *FaultInjectionFS) SetSyncDirLieMode(enabled bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncDirLieMode = enabled
}

// IsSyncDirLieModeEnabled returns true if SyncDir lie mode is active.
func (fs *FaultInjectionFS) IsSyncDirLieModeEnabled() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.syncDirLieMode
}

// SetFileSyncLieMode enables or disables file Sync lie mode, optionally
// restricted to paths containing pattern (empty lies for every file).
// Typical use here is restricting it to the stats sidecar's ".new"
// file or a specific partition file's name.
func (fs *FaultInjectionFS) SetFileSyncLieMode(enabled bool, pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fileSyncLieMode = enabled
	fs.fileSyncLiePattern = pattern
}

// IsFileSyncLieModeEnabled returns true if file Sync lie mode is active.
func (fs *FaultInjectionFS) IsFileSyncLieModeEnabled() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.fileSyncLieMode
}

// GetFileSyncLiePattern returns the current file sync lie pattern.
func (fs *FaultInjectionFS) GetFileSyncLiePattern() string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.fileSyncLiePattern
}

// SetRenameDoubleNameMode enables/disables the "both names exist"
// rename anomaly for paths containing pattern (empty matches all).
func (fs *FaultInjectionFS) SetRenameDoubleNameMode(enabled bool, pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.renameDoubleNameMode = enabled
	fs.renameDoubleNamePattern = pattern
}

// IsRenameDoubleNameModeEnabled returns true if "both names exist"
// mode is active.
func (fs *FaultInjectionFS) IsRenameDoubleNameModeEnabled() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.renameDoubleNameMode
}

// SetRenameNeitherNameMode enables/disables the "neither name exists"
// rename anomaly for paths containing pattern (empty matches all).
func (fs *FaultInjectionFS) SetRenameNeitherNameMode(enabled bool, pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.renameNeitherNameMode = enabled
	fs.renameNeitherNamePattern = pattern
}

// IsRenameNeitherNameModeEnabled returns true if "neither name exists"
// mode is active.
func (fs *FaultInjectionFS) IsRenameNeitherNameModeEnabled() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.renameNeitherNameMode
}

// SimulateCrashWithRenameAnomalies applies the configured rename
// anomaly modes to files with a pending rename. Call before
// DropUnsyncedData to set up the anomaly state.
func (fs *FaultInjectionFS) SimulateCrashWithRenameAnomalies() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for newPath, oldPath := range fs.pendingRenames {
		matchesDouble := fs.renameDoubleNameMode &&
			(fs.renameDoubleNamePattern == "" || strings.Contains(newPath, fs.renameDoubleNamePattern))
		matchesNeither := fs.renameNeitherNameMode &&
			(fs.renameNeitherNamePattern == "" || strings.Contains(newPath, fs.renameNeitherNamePattern))

		switch {
		case matchesDouble:
			if content, err := os.ReadFile(newPath); err == nil {
				_ = os.WriteFile(oldPath, content, 0644)
			}
		case matchesNeither:
			_ = os.Remove(oldPath)
			_ = os.Remove(newPath)
		}
	}

	return nil
}

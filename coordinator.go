package vbstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/daverigby/vbstore/internal/codec"
	"github.com/daverigby/vbstore/internal/compression"
	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/logging"
	"github.com/daverigby/vbstore/internal/notifier"
	"github.com/daverigby/vbstore/internal/registry"
	"github.com/daverigby/vbstore/internal/vbstate"
	"github.com/daverigby/vbstore/internal/vfs"
)

// Engine is the persistence coordinator: it owns the file registry, the
// cached per-vbucket states, and the notifier channel, and orchestrates
// open→save→commit→notify with retry for every commit.
type Engine struct {
	cfg    Config
	opener docstore.Opener
	fs     vfs.FS
	logger logging.Logger

	registry  *registry.Registry
	notifier  *notifier.Channel
	valueComp codec.ValueCompression

	mu           sync.Mutex
	cachedStates map[uint16]vbstate.State

	fatalHandler func(error)
}

// New constructs an Engine rooted at cfg.Dbname. opener supplies the
// append-only document-store implementation (an external collaborator);
// vfs.Default() is used for directory discovery and the stats sidecar
// unless overridden with SetFS (tests use a fault-injecting FS).
func New(cfg Config, opener docstore.Opener, logger logging.Logger) *Engine {
	logger = logging.OrDefault(logger)
	fs := vfs.Default()
	return &Engine{
		cfg:    cfg,
		opener: opener,
		fs:     fs,
		logger: logger,
		registry: registry.New(fs, cfg.Dbname),
		notifier: notifier.New(notifierConfig(cfg), logger, nil),
		valueComp: codec.ValueCompression{
			Enabled:   cfg.CompressValues,
			Threshold: cfg.CompressThreshold,
			Algorithm: parseCompressionAlgorithm(cfg.CompressionAlgorithm),
		},
		cachedStates: make(map[uint16]vbstate.State),
	}
}

// parseCompressionAlgorithm maps Config.CompressionAlgorithm's string
// form to a compression.Type, falling back to compression.ZstdCompression
// for an empty or unrecognized name.
func parseCompressionAlgorithm(name string) compression.Type {
	switch name {
	case "lz4":
		return compression.LZ4Compression
	case "lz4hc":
		return compression.LZ4HCCompression
	case "snappy":
		return compression.SnappyCompression
	case "zlib":
		return compression.ZlibCompression
	default:
		return compression.ZstdCompression
	}
}

func notifierConfig(cfg Config) notifier.Config {
	return notifier.Config{
		Host:                        cfg.CouchHost,
		Port:                        cfg.CouchPort,
		Bucket:                      cfg.CouchBucket,
		ResponseTimeout:             cfg.CouchResponseTimeout,
		ReconnectSleep:              cfg.CouchReconnectSleeptime,
		AllowDataLossDuringShutdown: cfg.AllowDataLossDuringShutdown,
	}
}

// SetFS overrides the vfs.FS used for directory discovery, rebuilding
// the file registry against it. Intended for tests that need a
// fault-injecting FS; must be called before Discover.
func (e *Engine) SetFS(fs vfs.FS) {
	e.fs = fs
	e.registry = registry.New(fs, e.cfg.Dbname)
}

// SetNotifierDialer overrides how the notifier channel dials the
// compaction manager; tests use this to point at an in-process fake.
func (e *Engine) SetNotifierDialer(d notifier.Dialer) { e.notifier.SetDialer(d) }

// SetNotifierAbortFunc overrides the notifier's process-abort hook; see
// notifier.Channel.SetAbortFunc.
func (e *Engine) SetNotifierAbortFunc(f func(reason string)) { e.notifier.SetAbortFunc(f) }

// SetFatalHandler installs a callback invoked when a notifier response
// is a NotifierFatal condition. It runs right before the operation that
// hit the condition returns its error (which wraps ErrNotifierFatal);
// the engine itself never aborts the process. A typical handler stops
// the engine from accepting new transactions.
func (e *Engine) SetFatalHandler(h func(error)) {
	e.fatalHandler = h
}

// Registry exposes the file registry for warmup and diagnostics.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Shutdown stops the notifier's reconnect loop.
func (e *Engine) Shutdown() { e.notifier.Shutdown() }

func (e *Engine) cachedState(vbid uint16) vbstate.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.cachedStates[vbid]; ok {
		return s
	}
	return vbstate.DefaultState()
}

func (e *Engine) setCachedState(vbid uint16, s vbstate.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cachedStates[vbid] = s
}

// commitRun runs the save-then-notify sequence for one contiguous
// per-vbucket run of requests, including the ETMPFAIL retry-from-open
// loop. On success, every request's callback fires with its derived
// MutationStatus; a NotifierFatal condition aborts the run and is
// returned so Commit can report it.
func (e *Engine) commitRun(run []PersistRequest) error {
	if len(run) == 0 {
		return nil
	}
	vbid := uint16(run[0].Vbucket)

	for {
		store, effRev, err := e.registry.Open(e.opener, vbid, true)
		if err != nil {
			e.failRun(run, MutationRetry)
			return fmt.Errorf("vbstore: open vb=%d: %w", vbid, err)
		}

		status, notifyErr := e.saveOpenBatch(store, vbid, effRev, run)
		_ = store.Close()

		if notifyErr != nil {
			if errors.Is(notifyErr, errNotifierRetry) {
				e.registry.Set(vbid, effRev)
				continue
			}
			if errors.Is(notifyErr, ErrNotifierFatal) {
				e.escalateFatal(notifyErr)
			}
			e.failRun(run, MutationRetry)
			return notifyErr
		}

		e.registry.Set(vbid, effRev)
		e.deliverStatuses(run, status)
		return nil
	}
}

// errNotifierRetry signals the ETMPFAIL retry-from-open path; never
// returned to a caller outside this file.
var errNotifierRetry = errors.New("vbstore: notifier requested retry")

// docStatus is one per-document outcome computed from the store's
// SaveResult, keyed by position within run.
type docStatus struct {
	status MutationStatus
	id     uint64
}

// saveOpenBatch runs against an already open store: update
// maxDeletedSeqno if needed, save, commit, and notify_headerpos_update.
// Returns errNotifierRetry if the notifier responded ETMPFAIL (caller
// must reopen at effRev and retry).
func (e *Engine) saveOpenBatch(store docstore.Store, vbid uint16, effRev uint64, run []PersistRequest) ([]docStatus, error) {
	var maxRevSeq uint64
	for _, r := range run {
		if r.IsDelete && r.SeqNo > maxRevSeq {
			maxRevSeq = r.SeqNo
		}
	}

	cached := e.cachedState(vbid)
	if maxRevSeq > uint64(cached.MaxDeletedSeqno) {
		cached.MaxDeletedSeqno = uint32(maxRevSeq)
		if err := vbstate.WriteState(store, cached); err != nil {
			return nil, fmt.Errorf("vbstore: write vbstate vb=%d: %w", vbid, err)
		}
		e.setCachedState(vbid, cached)
	}

	docs := make([]docstore.Document, len(run))
	infos := make([]docstore.DocInfo, len(run))
	for i, r := range run {
		meta := codec.Classify(r.Value)
		value, ctype, err := e.valueComp.EncodeValue(meta, r.Value)
		if err != nil {
			return nil, err
		}
		docs[i] = docstore.Document{
			Key:      r.Key,
			Metadata: codec.Encode(r.Metadata),
			Value:    value,
		}
		infos[i] = docstore.DocInfo{
			Key:         r.Key,
			RevSeq:      r.SeqNo,
			Deleted:     r.IsDelete,
			NewItem:     r.IsNewItem,
			ContentMeta: codec.PackContentMeta(meta, ctype),
		}
	}

	results, err := store.SaveDocuments(docs, infos)
	if err != nil {
		return nil, fmt.Errorf("vbstore: save_documents vb=%d: %w", vbid, err)
	}

	statuses := make([]docStatus, len(run))
	for i, res := range results {
		switch {
		case res.Err == nil:
			statuses[i] = docStatus{MutationSuccess, res.NewID}
		case run[i].IsDelete && errors.Is(res.Err, docstore.ErrNotFound):
			statuses[i] = docStatus{MutationDropped, 0}
		default:
			statuses[i] = docStatus{MutationRetry, 0}
		}
	}

	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("vbstore: commit vb=%d: %w", vbid, err)
	}

	headerOffset, err := store.HeaderOffset()
	if err != nil {
		return nil, fmt.Errorf("vbstore: header offset vb=%d: %w", vbid, err)
	}

	respStatus, err := e.notifier.NotifyHeaderposUpdate(vbid, effRev, headerOffset)
	if err != nil {
		return nil, err
	}
	switch respStatus {
	case notifier.StatusSuccess:
		return statuses, nil
	case notifier.StatusTmpFail:
		return nil, errNotifierRetry
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotifierFatal, respStatus)
	}
}

func (e *Engine) failRun(run []PersistRequest, status MutationStatus) {
	for _, r := range run {
		if r.callback != nil {
			r.callback(status, 0)
		}
	}
}

func (e *Engine) deliverStatuses(run []PersistRequest, statuses []docStatus) {
	for i, r := range run {
		if r.callback != nil {
			r.callback(statuses[i].status, statuses[i].id)
		}
	}
}

func (e *Engine) escalateFatal(err error) {
	e.logger.Fatalf("%s%v", logging.NSCoordinator, err)
	if e.fatalHandler != nil {
		e.fatalHandler(err)
	}
}

// SetVBucketState persists a new vbucket state: writes only the
// vbstate local document, commits, and notifies via
// notify_vbucket_update, applying the same ETMPFAIL retry loop as
// commitRun.
func (e *Engine) SetVBucketState(vbid VBucketId, state VBucketState, stateChanged bool) error {
	v := uint16(vbid)
	for {
		store, effRev, err := e.registry.Open(e.opener, v, true)
		if err != nil {
			return fmt.Errorf("vbstore: open vb=%d: %w", v, err)
		}

		if err := vbstate.WriteState(store, state); err != nil {
			_ = store.Close()
			return fmt.Errorf("vbstore: write vbstate vb=%d: %w", v, err)
		}
		if err := store.Commit(); err != nil {
			_ = store.Close()
			return fmt.Errorf("vbstore: commit vb=%d: %w", v, err)
		}
		headerOffset, err := store.HeaderOffset()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("vbstore: header offset vb=%d: %w", v, err)
		}
		_ = store.Close()

		respStatus, err := e.notifier.NotifyVBucketUpdate(v, effRev, headerOffset, stateChanged, uint32(modeOrdinal(state.Mode)), state.CheckpointID)
		if err != nil {
			return err
		}
		switch respStatus {
		case notifier.StatusSuccess:
			e.registry.Set(v, effRev)
			e.setCachedState(v, state)
			return nil
		case notifier.StatusTmpFail:
			e.registry.Set(v, effRev)
			continue
		default:
			err := fmt.Errorf("%w: %s", ErrNotifierFatal, respStatus)
			e.escalateFatal(err)
			return err
		}
	}
}

func modeOrdinal(m vbstate.Mode) int {
	switch m {
	case vbstate.Active:
		return 0
	case vbstate.Replica:
		return 1
	case vbstate.Pending:
		return 2
	default:
		return 3
	}
}

// Reset issues a global flush, and on success zeroes every vbucket's
// checkpoint and maxDeletedSeqno and sets its live revision to 1.
func (e *Engine) Reset() error {
	status, err := e.notifier.Flush()
	if err != nil {
		return err
	}
	if status != notifier.StatusSuccess {
		err := fmt.Errorf("%w: %s", ErrNotifierFatal, status)
		e.escalateFatal(err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for vbid := range e.cachedStates {
		s := e.cachedStates[vbid]
		s.CheckpointID = 0
		s.MaxDeletedSeqno = 0
		e.cachedStates[vbid] = s
	}
	for _, vbid := range e.registry.VBuckets() {
		e.registry.ForceSet(vbid, 1)
	}
	return nil
}

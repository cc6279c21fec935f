package vbstore

import "sort"

// Txn is the request batcher: requests accumulate here between
// BeginTransaction and Commit. Only one transaction may be open on a
// Txn at a time; zero-value Txn is ready for BeginTransaction.
type Txn struct {
	open    bool
	pending []PersistRequest
}

// BeginTransaction opens a transaction. Returns ErrTransactionInFlight
// if one is already open.
func (t *Txn) BeginTransaction() error {
	if t.open {
		return ErrTransactionInFlight
	}
	t.open = true
	t.pending = t.pending[:0]
	return nil
}

// abort discards any pending requests without invoking their callbacks.
func (t *Txn) abort() {
	t.open = false
	t.pending = nil
}

// Set enqueues a mutation. The engine's file registry resolves the
// request's vbucket to a file revision; if the revision is unknown, cb
// fires synchronously with ErrNotMyVBucket's corresponding status
// instead of being queued.
func (e *Engine) Set(t *Txn, req PersistRequest, cb Callback) error {
	return e.enqueue(t, req, cb)
}

// Del enqueues a deletion; see Set.
func (e *Engine) Del(t *Txn, req PersistRequest, cb Callback) error {
	req.IsDelete = true
	return e.enqueue(t, req, cb)
}

func (e *Engine) enqueue(t *Txn, req PersistRequest, cb Callback) error {
	if !t.open {
		return ErrNoTransaction
	}

	rev, ok := e.registry.Lookup(uint16(req.Vbucket))
	if !ok {
		if cb != nil {
			cb(MutationNotMyVBucket, 0)
		}
		return ErrNotMyVBucket
	}

	req.Revision = FileRevision(rev)
	req.callback = cb
	t.pending = append(t.pending, req)
	return nil
}

// OptimizeWrites stably sorts reqs by (vbucket, key) to maximize
// locality within the document store's bulk insert. The original
// relative order of equal keys is preserved.
func OptimizeWrites(reqs []PersistRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Vbucket != reqs[j].Vbucket {
			return reqs[i].Vbucket < reqs[j].Vbucket
		}
		return string(reqs[i].Key) < string(reqs[j].Key)
	})
}

// Commit optimizes and drains t's pending requests into the persistence
// coordinator, grouping them into contiguous per-vbucket runs in
// enqueue order. It returns the first error any per-vbucket run hit (a
// failure to open, save or commit the file, or a NotifierFatal
// condition; every request of such a run gets MutationRetry), or nil.
// Per-item success/dropped/retry outcomes of the runs that committed are
// reported only via each request's callback, never via Commit's return
// value.
func (e *Engine) Commit(t *Txn) error {
	if !t.open {
		return ErrNoTransaction
	}
	reqs := t.pending
	t.abort()

	OptimizeWrites(reqs)

	var firstErr error
	for _, run := range partitionByVBucket(reqs) {
		if err := e.commitRun(run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// partitionByVBucket splits reqs into contiguous runs sharing the same
// vbucket, preserving order. Since OptimizeWrites already groups by
// vbucket, this is a single linear pass.
func partitionByVBucket(reqs []PersistRequest) [][]PersistRequest {
	var runs [][]PersistRequest
	for i := 0; i < len(reqs); {
		j := i + 1
		for j < len(reqs) && reqs[j].Vbucket == reqs[i].Vbucket {
			j++
		}
		runs = append(runs, reqs[i:j])
		i = j
	}
	return runs
}

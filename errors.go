package vbstore

import "errors"

// Per-item errors flow exclusively through user callbacks; these
// sentinels are for the batch/engine-level operations that can fail
// outright.
var (
	// ErrNotMyVBucket is surfaced when a request targets a vbucket with
	// no known file revision. Not retried by the engine.
	ErrNotMyVBucket = errors.New("vbstore: not my vbucket")

	// ErrNoTransaction is returned by Set/Del/Commit when no transaction
	// is open. ErrTransactionInFlight is returned by BeginTransaction
	// when one already is.
	ErrNoTransaction       = errors.New("vbstore: no open transaction")
	ErrTransactionInFlight = errors.New("vbstore: transaction already in flight")

	// ErrNotifierFatal wraps any notifier response other than SUCCESS or
	// ETMPFAIL: an unrecoverable invariant violation. It is returned to
	// the caller right after the engine's fatal handler (if any) has run.
	ErrNotifierFatal = errors.New("vbstore: notifier returned an unexpected status")
)

// MutationStatus is the outcome a request callback receives after
// commit, derived from the store's error code.
type MutationStatus int

const (
	// MutationSuccess means the store persisted the mutation.
	MutationSuccess MutationStatus = iota
	// MutationDropped means a delete targeted a document the store had
	// already lost track of (not_found); the caller should discard it.
	MutationDropped
	// MutationRetry means the store returned a transient error; the
	// caller should re-enqueue the mutation.
	MutationRetry
	// MutationNotMyVBucket means the request targeted a vbucket with no
	// known file revision (ErrNotMyVBucket); the caller should re-route
	// it rather than retry or discard it.
	MutationNotMyVBucket
)

func (s MutationStatus) String() string {
	switch s {
	case MutationSuccess:
		return "success"
	case MutationDropped:
		return "dropped"
	case MutationRetry:
		return "retry"
	case MutationNotMyVBucket:
		return "not_my_vbucket"
	default:
		return "unknown"
	}
}

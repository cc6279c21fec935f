/*
Package vbstore implements the per-vbucket persistence engine of a
partitioned, eventually-persistent key/value store.

It accepts streams of mutations from an in-memory tier, batches them per
partition (vbucket), and commits them into revision-numbered files
backed by an append-only document store. It also supports bulk replay
(warmup), per-vbucket state snapshots, and notifies an external
compaction manager whenever a new file header is written.

# Usage

An Engine is constructed with a Config and a docstore.Opener, the latter
supplying the append-only document-store implementation:

	eng := vbstore.New(cfg, opener, logger)
	var txn vbstore.Txn
	txn.BeginTransaction()
	eng.Set(&txn, vbstore.PersistRequest{Vbucket: 0, Key: []byte("a"), Value: []byte("1")}, cb)
	eng.Commit(&txn)

# Concurrency

An Engine is not safe for concurrent Set/Del/Commit/Reset calls; the
caller must serialize these, matching the single-writer discipline of
the in-memory tier it serves. Warmup and read-only snapshot operations
may run concurrently with a writer.
*/
package vbstore

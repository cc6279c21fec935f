package vbstore

import (
	"time"

	"github.com/daverigby/vbstore/internal/codec"
	"github.com/daverigby/vbstore/internal/vbstate"
)

// VBucketId identifies a partition of the keyspace.
type VBucketId uint16

// FileRevision is the monotonically increasing revision suffix on a
// partition file `<vbid>.couch.<rev>`. 0 is the sentinel for "no file
// exists yet".
type FileRevision uint64

// VBucketState is the lifecycle/checkpoint/max-deleted-seqno triple
// stored per vbucket; an alias of the internal vbstate representation
// so callers outside this module never need to import internal/vbstate
// directly.
type VBucketState = vbstate.State

// Callback receives the outcome of a single persisted mutation.
type Callback func(status MutationStatus, assignedID uint64)

// PersistRequest is one queued set or delete, created by Set/Del and
// consumed by Commit.
type PersistRequest struct {
	Vbucket   VBucketId
	Revision  FileRevision
	Key       []byte
	Value     []byte
	Metadata  codec.Metadata
	SeqNo     uint64
	IsDelete  bool
	IsNewItem bool
	IssuedAt  time.Time

	callback Callback
}

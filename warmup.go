package vbstore

import (
	"errors"

	"github.com/daverigby/vbstore/internal/codec"
	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/logging"
	"github.com/daverigby/vbstore/internal/vbstate"
)

// Item is what the warmup/dump engine hands back to the caller's
// callback for each document streamed from a partition file.
type Item struct {
	Vbucket  VBucketId
	Key      []byte
	Metadata codec.Metadata
	// Value is nil when KeysOnly or the document is deleted. When
	// LoadOptions.BulkTransfer is set, Value holds the
	// snappy-compressed blob (ValueCompressed is true) instead of the
	// raw bytes, mirroring a block-compression model for streaming
	// many documents to the caller in one pass; the caller decompresses
	// with codec.DecompressBulkTransfer.
	Value           []byte
	ValueCompressed bool
	SeqNo           uint64
	Deleted         bool
	NewItem         bool
}

// ItemCallback receives one Item at a time during Load.
type ItemCallback func(Item) error

// StillWarmingUp reports whether the external engine is still in its
// warmup phase. Load consults this between documents so a transition to
// false stops the current file's scan at the next boundary; no further
// files are opened afterwards.
type StillWarmingUp func() bool

// LoadOptions controls Load's target selection and scan mode.
type LoadOptions struct {
	KeysOnly     bool
	SelectedVBs  []VBucketId // nil means "use all registry entries"
	StillWarming StillWarmingUp

	// BulkTransfer snappy-compresses each loaded value before handing
	// it to the callback; see Item.ValueCompressed. Has no effect when
	// KeysOnly is set (there is no value to compress).
	BulkTransfer bool
}

// ListPersistedVBuckets ensures the registry is populated (discovering
// on first use) and populates the cached per-vbucket states from each
// file's vbstate document. A vbucket whose file fails to
// open is dropped from the registry.
func (e *Engine) ListPersistedVBuckets() ([]VBucketId, error) {
	if len(e.registry.VBuckets()) == 0 {
		if err := e.registry.Discover(); err != nil {
			return nil, err
		}
	}

	var out []VBucketId
	for _, vbid := range e.registry.VBuckets() {
		store, _, err := e.registry.Open(e.opener, vbid, false)
		if err != nil {
			e.registry.Remove(vbid)
			continue
		}
		state := vbstate.ReadState(store, vbid, e.logger)
		_ = store.Close()
		e.setCachedState(vbid, state)
		out = append(out, VBucketId(vbid))
	}
	return out, nil
}

// errWarmupCancelled is a private sentinel threaded through
// docstore.ChangesCallback to distinguish a deliberate cancellation
// from a genuine store error.
var errWarmupCancelled = errors.New("vbstore: warmup cancelled")

// Load streams documents from the target vbuckets into cb, in a
// state-aware order:
//
//  1. the target list is opts.SelectedVBs if non-nil, else every
//     currently registered vbucket;
//  2. when fully loading data (not KeysOnly and no explicit selection),
//     cached states are ensured present and the list is reordered so
//     every active vbucket precedes every replica vbucket; pending and
//     dead vbuckets are skipped entirely. KeysOnly or an explicit
//     selection bypasses this ordering and skip rule.
func (e *Engine) Load(cb ItemCallback, opts LoadOptions) error {
	targets := opts.SelectedVBs
	explicit := targets != nil
	if !explicit {
		for _, vbid := range e.registry.VBuckets() {
			targets = append(targets, VBucketId(vbid))
		}
	}

	fullLoad := !opts.KeysOnly && !explicit
	if fullLoad {
		if _, err := e.ListPersistedVBuckets(); err != nil {
			return err
		}
		targets = orderActiveBeforeReplica(targets, e)
	}

	still := opts.StillWarming
	if still == nil {
		still = func() bool { return true }
	}

	for _, vb := range targets {
		if !still() {
			return nil
		}
		if err := e.loadOne(vb, opts, cb, still); err != nil {
			e.logger.Warnf("%svb %d: dropping from registry after load error: %v", logging.NSWarmup, vb, err)
			e.registry.Remove(uint16(vb))
		}
	}
	return nil
}

// orderActiveBeforeReplica partitions targets into active and replica
// groups (dropping pending/dead), preserving each group's relative
// order. Intra-group order follows registry iteration order and is not
// part of the ordering contract.
func orderActiveBeforeReplica(targets []VBucketId, e *Engine) []VBucketId {
	var active, replica []VBucketId
	for _, vb := range targets {
		switch e.cachedState(uint16(vb)).Mode {
		case vbstate.Active:
			active = append(active, vb)
		case vbstate.Replica:
			replica = append(replica, vb)
		}
	}
	return append(active, replica...)
}

func (e *Engine) loadOne(vb VBucketId, opts LoadOptions, cb ItemCallback, still StillWarmingUp) error {
	store, _, err := e.registry.Open(e.opener, uint16(vb), false)
	if err != nil {
		return err
	}
	defer store.Close()

	cbErr := store.ChangesSince(0, docstore.ChangesOptions{WithDocs: !opts.KeysOnly}, func(info docstore.DocInfo, doc *docstore.Document) (docstore.Action, error) {
		item, err := decodeItem(vb, info, doc, opts.KeysOnly, store, e.valueComp)
		if err != nil {
			return docstore.Continue, err
		}
		if opts.BulkTransfer && !opts.KeysOnly && item.Value != nil {
			item.Value = codec.CompressForBulkTransfer(item.Value)
			item.ValueCompressed = true
		}
		if err := cb(item); err != nil {
			return docstore.Continue, err
		}
		if !still() {
			return docstore.Cancel, errWarmupCancelled
		}
		return docstore.Continue, nil
	})

	if cbErr != nil && !errors.Is(cbErr, errWarmupCancelled) {
		return cbErr
	}
	return nil
}

// decodeItem handles a single document visited during the scan: decode
// metadata, fabricate without a value for keys-only/deleted documents,
// otherwise load the value via OpenDocWithDocInfo and reverse any
// ValueCompression applied at save time.
func decodeItem(vb VBucketId, info docstore.DocInfo, doc *docstore.Document, keysOnly bool, store docstore.Store, valueComp codec.ValueCompression) (Item, error) {
	item := Item{
		Vbucket: vb,
		Key:     info.Key,
		SeqNo:   info.RevSeq,
		Deleted: info.Deleted,
		NewItem: info.NewItem,
	}

	if keysOnly || info.Deleted {
		if doc != nil {
			meta, err := codec.Decode(doc.Metadata[:])
			if err == nil {
				item.Metadata = meta
			}
		}
		return item, nil
	}

	if doc == nil {
		loaded, err := store.OpenDocWithDocInfo(info)
		if err != nil {
			return Item{}, err
		}
		doc = loaded
	}
	meta, err := codec.Decode(doc.Metadata[:])
	if err != nil {
		return Item{}, err
	}
	item.Metadata = meta
	value, err := valueComp.DecodeStoredValue(info.ContentMeta, doc.Value)
	if err != nil {
		return Item{}, err
	}
	item.Value = value
	return item, nil
}

// DumpKeys is the keys_only adapter: streams every key without values,
// bulk-transfer-compressing nothing (there is no value), across every
// registered vbucket.
func (e *Engine) DumpKeys(cb ItemCallback) error {
	return e.Load(cb, LoadOptions{KeysOnly: true})
}

// DumpDeleted streams only deleted documents (as fabricated,
// valueless Items) across every registered vbucket.
func (e *Engine) DumpDeleted(cb ItemCallback) error {
	return e.Load(func(item Item) error {
		if !item.Deleted {
			return nil
		}
		return cb(item)
	}, LoadOptions{KeysOnly: true})
}

// Dump loads a single vbucket's full data, bypassing the
// active-before-replica ordering (an explicit selection).
func (e *Engine) Dump(vb VBucketId, cb ItemCallback) error {
	return e.Load(cb, LoadOptions{SelectedVBs: []VBucketId{vb}})
}

// Package vbstate implements the vbucket-state local document: reading
// and writing `_local/vbstate` as a small JSON object inside a
// partition file, with default-on-any-error semantics, plus a
// supplemental integrity digest (lz4 + xxh3) stored in a sibling local
// document.
package vbstate

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"

	"github.com/daverigby/vbstore/internal/docstore"
	"github.com/daverigby/vbstore/internal/logging"
)

// Mode is the vbucket lifecycle state, one of the four fixed values.
type Mode string

const (
	Active  Mode = "active"
	Replica Mode = "replica"
	Pending Mode = "pending"
	Dead    Mode = "dead"
)

// ParseMode validates s against the fixed enumeration.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case Active, Replica, Pending, Dead:
		return Mode(s), true
	default:
		return "", false
	}
}

// State is the vbucket-state document: lifecycle mode, checkpoint id,
// and the high-water mark of deleted revision sequences observed in
// this vbucket.
type State struct {
	Mode            Mode
	CheckpointID    uint64
	MaxDeletedSeqno uint32
}

// DefaultState is returned whenever the local document is absent,
// malformed, or fails its integrity digest.
func DefaultState() State {
	return State{Mode: Dead, CheckpointID: 0, MaxDeletedSeqno: 0}
}

const (
	localDocID  = "_local/vbstate"
	digestDocID = "_local/vbstate.digest"
)

type wireState struct {
	State           string `json:"state"`
	CheckpointID    string `json:"checkpoint_id"`
	MaxDeletedSeqno string `json:"max_deleted_seqno"`
}

// ReadState opens `_local/vbstate` in store and parses it. Any problem —
// the document is absent, a required field is missing, an enum or
// integer fails to parse, or the integrity digest doesn't match — is
// logged and DefaultState is returned; the error is never propagated.
func ReadState(store docstore.Store, vbid uint16, logger logging.Logger) State {
	data, err := store.GetLocalDoc(localDocID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			logger.Warnf("%svb %d: read vbstate: %v", logging.NSVBState, vbid, err)
		}
		return DefaultState()
	}

	if digest, derr := store.GetLocalDoc(digestDocID); derr == nil {
		if !bytes.Equal(digest, computeDigest(data)) {
			logger.Warnf("%svb %d: vbstate digest mismatch, using default", logging.NSVBState, vbid)
			return DefaultState()
		}
	}

	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		logger.Warnf("%svb %d: malformed vbstate json: %v", logging.NSVBState, vbid, err)
		return DefaultState()
	}
	if w.State == "" || w.CheckpointID == "" || w.MaxDeletedSeqno == "" {
		logger.Warnf("%svb %d: vbstate missing a required field", logging.NSVBState, vbid)
		return DefaultState()
	}

	mode, ok := ParseMode(w.State)
	if !ok {
		logger.Warnf("%svb %d: unknown vbstate %q", logging.NSVBState, vbid, w.State)
		return DefaultState()
	}
	cpid, err := strconv.ParseUint(w.CheckpointID, 10, 64)
	if err != nil {
		logger.Warnf("%svb %d: bad checkpoint_id %q: %v", logging.NSVBState, vbid, w.CheckpointID, err)
		return DefaultState()
	}
	mds, err := strconv.ParseUint(w.MaxDeletedSeqno, 10, 32)
	if err != nil {
		logger.Warnf("%svb %d: bad max_deleted_seqno %q: %v", logging.NSVBState, vbid, w.MaxDeletedSeqno, err)
		return DefaultState()
	}

	return State{Mode: mode, CheckpointID: cpid, MaxDeletedSeqno: uint32(mds)}
}

// WriteState serializes state to the three-key JSON object and saves
// it as `_local/vbstate`, alongside a digest local
// document used to detect a torn write. The caller is responsible for
// issuing the store's Commit afterwards.
func WriteState(store docstore.Store, state State) error {
	w := wireState{
		State:           string(state.Mode),
		CheckpointID:    strconv.FormatUint(state.CheckpointID, 10),
		MaxDeletedSeqno: strconv.FormatUint(uint64(state.MaxDeletedSeqno), 10),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := store.SetLocalDoc(localDocID, data); err != nil {
		return err
	}
	return store.SetLocalDoc(digestDocID, computeDigest(data))
}

// computeDigest lz4-frames data and returns the big-endian xxh3-64 hash
// of the framed bytes, as an 8-byte block. Framing first means a torn
// write that corrupts the lz4 stream fails cheaply during
// decompression-equivalent verification instead of only at JSON parse
// time.
func computeDigest(data []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()

	sum := xxh3.Hash(buf.Bytes())
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, sum)
	return out
}

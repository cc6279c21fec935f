// Package codec implements the per-item metadata encoding and JSON/opaque
// value classification, plus optional value compression applied before
// a document is handed to the document store.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/daverigby/vbstore/internal/compression"
)

// MetadataSize is the fixed, compile-time size of an encoded Metadata
// block: a 64-bit CAS plus two 32-bit fields, big-endian.
const MetadataSize = 16

// Metadata is the fixed 16-byte per-item metadata block persisted
// alongside every document.
type Metadata struct {
	Cas     uint64
	Exptime uint32
	Flags   uint32
}

// Encode serializes m into the canonical 16-byte, network-byte-order
// layout: cas ‖ exptime ‖ flags.
func Encode(m Metadata) [MetadataSize]byte {
	var buf [MetadataSize]byte
	binary.BigEndian.PutUint64(buf[0:8], m.Cas)
	binary.BigEndian.PutUint32(buf[8:12], m.Exptime)
	binary.BigEndian.PutUint32(buf[12:16], m.Flags)
	return buf
}

// Decode reverses Encode. b must be exactly MetadataSize bytes.
func Decode(b []byte) (Metadata, error) {
	if len(b) != MetadataSize {
		return Metadata{}, fmt.Errorf("codec: metadata block is %d bytes, want %d", len(b), MetadataSize)
	}
	return Metadata{
		Cas:     binary.BigEndian.Uint64(b[0:8]),
		Exptime: binary.BigEndian.Uint32(b[8:12]),
		Flags:   binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// ContentMeta is a one-byte flag distinguishing JSON from opaque values.
// It does not alter the stored bytes; it only affects how a later reader
// should interpret the value.
type ContentMeta uint8

const (
	ContentOpaque ContentMeta = 0
	ContentJSON   ContentMeta = 1
)

// contentMetaCompressedBit marks a document's value as having been run
// through ValueCompression.EncodeValue, mirroring couchstore's DocInfo
// content_meta high bit. When set, bits 1-3 carry the compression.Type
// used, so a reader can reverse it without any side channel.
const (
	contentMetaCompressedBit = 0x80
	contentMetaAlgoShift     = 1
	contentMetaAlgoMask      = 0x07
)

// PackContentMeta combines a ContentMeta classification with the
// compression.Type applied (compression.NoCompression if the value was
// left alone) into the single byte stored in a document's
// DocInfo.ContentMeta field.
func PackContentMeta(meta ContentMeta, algorithm compression.Type) byte {
	b := byte(meta) & 0x01
	if algorithm != compression.NoCompression {
		b |= contentMetaCompressedBit
		b |= byte(algorithm&contentMetaAlgoMask) << contentMetaAlgoShift
	}
	return b
}

// UnpackContentMeta reverses PackContentMeta.
func UnpackContentMeta(b byte) (meta ContentMeta, algorithm compression.Type) {
	meta = ContentMeta(b & 0x01)
	if b&contentMetaCompressedBit != 0 {
		algorithm = compression.Type((b >> contentMetaAlgoShift) & contentMetaAlgoMask)
	}
	return meta, algorithm
}

// Classify inspects value and returns ContentJSON if, after skipping
// leading whitespace, the first non-space byte is '{' and the remainder
// parses as valid JSON. Empty values and values that fail to parse are
// ContentOpaque. This never alters value.
func Classify(value []byte) ContentMeta {
	i := 0
	for i < len(value) && isJSONSpace(value[i]) {
		i++
	}
	if i >= len(value) || value[i] != '{' {
		return ContentOpaque
	}
	var v any
	if err := json.Unmarshal(value[i:], &v); err != nil {
		return ContentOpaque
	}
	return ContentJSON
}

func isJSONSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

// CompressForBulkTransfer snappy-compresses value for the warmup engine's
// bulk-load path (Load with LoadOptions.BulkTransfer; keys-only loads such
// as DumpKeys carry no value), mirroring a block-compression model for
// bulk document transfer to the caller. Not part of the on-disk format.
func CompressForBulkTransfer(value []byte) []byte {
	return snappy.Encode(nil, value)
}

// DecompressBulkTransfer reverses CompressForBulkTransfer.
func DecompressBulkTransfer(compressed []byte) ([]byte, error) {
	return snappy.Decode(nil, compressed)
}

// ValueCompression selects the codec used to optionally compress opaque
// values of at least Threshold bytes before they reach the document
// store. JSON values are never compressed here.
type ValueCompression struct {
	Enabled   bool
	Threshold int

	// Algorithm is the compression.Type applied to an eligible value.
	// compression.NoCompression (the zero value) is treated as
	// compression.ZstdCompression, the default algorithm.
	Algorithm compression.Type
}

func (c ValueCompression) algorithm() compression.Type {
	if c.Algorithm == compression.NoCompression {
		return compression.ZstdCompression
	}
	return c.Algorithm
}

// EncodeValue applies ValueCompression to value when it is opaque and at
// least Threshold bytes long, returning the bytes to persist and the
// compression.Type used (compression.NoCompression if untouched).
func (c ValueCompression) EncodeValue(meta ContentMeta, value []byte) ([]byte, compression.Type, error) {
	if !c.Enabled || meta == ContentJSON || len(value) < c.Threshold {
		return value, compression.NoCompression, nil
	}
	algo := c.algorithm()
	out, err := compression.Compress(algo, value)
	if err != nil {
		return nil, compression.NoCompression, fmt.Errorf("codec: compress value: %w", err)
	}
	return out, algo, nil
}

// DecodeValue reverses EncodeValue given the compression.Type it was
// stored with.
func (c ValueCompression) DecodeValue(t compression.Type, stored []byte) ([]byte, error) {
	if t == compression.NoCompression {
		return stored, nil
	}
	out, err := compression.Decompress(t, stored)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress value: %w", err)
	}
	return out, nil
}

// DecodeStoredValue reverses EncodeValue using the packed ContentMeta
// byte (as produced by PackContentMeta) to recover which algorithm, if
// any, the value was stored with.
func (c ValueCompression) DecodeStoredValue(contentMeta byte, stored []byte) ([]byte, error) {
	_, algorithm := UnpackContentMeta(contentMeta)
	return c.DecodeValue(algorithm, stored)
}

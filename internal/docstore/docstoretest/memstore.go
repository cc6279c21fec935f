// Package docstoretest provides an in-memory docstore.Store used by the
// persistence core's own unit tests. It stands in for the real
// append-only document-store library, which is out of scope for this
// repository.
package docstoretest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/daverigby/vbstore/internal/docstore"
)

// MemOpener opens in-memory stores keyed by path, creating a fresh
// MemStore the first time a path is opened with create=true.
type MemOpener struct {
	mu     sync.Mutex
	stores map[string]*MemStore
}

// NewMemOpener returns an empty MemOpener.
func NewMemOpener() *MemOpener {
	return &MemOpener{stores: make(map[string]*MemStore)}
}

// Open implements docstore.Opener.
func (o *MemOpener) Open(path string, create bool) (docstore.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.stores[path]
	if !ok {
		if !create {
			return nil, docstore.ErrNoSuchFile
		}
		s = newMemStore(path)
		o.stores[path] = s
	}
	s.refs++
	return s, nil
}

// Seed registers an already-populated store at path, as if a prior
// session had created it. Useful for warmup/discovery tests that need
// pre-existing files.
func (o *MemOpener) Seed(path string, s *MemStore) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stores[path] = s
}

type record struct {
	info docstore.DocInfo
	doc  docstore.Document
}

// MemStore is a trivial in-memory stand-in for a partition file.
type MemStore struct {
	path string

	mu        sync.Mutex
	refs      int
	closed    bool
	nextSeq   uint64
	records   map[string]*record // keyed by document key
	order     []string           // insertion order, for ChangesSince
	localDocs map[string][]byte
	header    uint64
}

func newMemStore(path string) *MemStore {
	return &MemStore{
		path:      path,
		records:   make(map[string]*record),
		localDocs: make(map[string][]byte),
	}
}

// Close implements docstore.Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SaveDocuments implements docstore.Store.
func (s *MemStore) SaveDocuments(docs []docstore.Document, infos []docstore.DocInfo) ([]docstore.SaveResult, error) {
	if len(docs) != len(infos) {
		return nil, fmt.Errorf("docstoretest: docs/infos length mismatch: %d vs %d", len(docs), len(infos))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]docstore.SaveResult, len(docs))
	for i, d := range docs {
		key := string(d.Key)
		info := infos[i]

		if info.Deleted {
			if _, ok := s.records[key]; !ok {
				results[i] = docstore.SaveResult{Err: docstore.ErrNotFound}
				continue
			}
		}

		s.nextSeq++
		info.DbSeq = s.nextSeq
		if _, existed := s.records[key]; !existed {
			s.order = append(s.order, key)
		}
		s.records[key] = &record{info: info, doc: d}
		results[i] = docstore.SaveResult{NewID: 1}
	}
	return results, nil
}

// Commit implements docstore.Store.
func (s *MemStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header++
	return nil
}

// HeaderOffset implements docstore.Store.
func (s *MemStore) HeaderOffset() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header, nil
}

// ChangesSince implements docstore.Store. It replays every record with
// a DbSeq above sinceSeq, in ascending DbSeq order.
func (s *MemStore) ChangesSince(sinceSeq uint64, opts docstore.ChangesOptions, cb docstore.ChangesCallback) error {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].info.DbSeq < recs[j].info.DbSeq })

	for _, r := range recs {
		if r.info.DbSeq <= sinceSeq {
			continue
		}
		var docPtr *docstore.Document
		if opts.WithDocs {
			d := r.doc
			docPtr = &d
		}
		action, err := cb(r.info, docPtr)
		if err != nil {
			return err
		}
		if action == docstore.Cancel {
			return nil
		}
	}
	return nil
}

// OpenDocWithDocInfo implements docstore.Store.
func (s *MemStore) OpenDocWithDocInfo(info docstore.DocInfo) (*docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[string(info.Key)]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	d := r.doc
	return &d, nil
}

// GetLocalDoc implements docstore.Store.
func (s *MemStore) GetLocalDoc(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.localDocs[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// SetLocalDoc implements docstore.Store.
func (s *MemStore) SetLocalDoc(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.localDocs[id] = cp
	return nil
}

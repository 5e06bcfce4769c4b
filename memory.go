package docmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps collections in process memory, in insertion order. It is
// safe for concurrent use; every call is atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	docs  []Document
	index map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) collection(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{index: make(map[string]int)}
		s.collections[name] = c
	}
	return c
}

func (c *memCollection) reindex() {
	c.index = make(map[string]int, len(c.docs))
	for i, d := range c.docs {
		c.index[d.ID()] = i
	}
}

func (s *MemoryStore) Find(ctx context.Context, collection string, req FindRequest) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	return findDocuments(c.docs, req)
}

func (s *MemoryStore) Distinct(ctx context.Context, collection string, criteria Criteria, field string) ([]Value, error) {
	docs, err := s.Find(ctx, collection, FindRequest{Criteria: criteria})
	if err != nil {
		return nil, err
	}
	return distinctValues(docs, field), nil
}

func (s *MemoryStore) Insert(ctx context.Context, collection string, docs []Document) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	prepared, ids, err := prepareInsert(docs, func(id string) bool {
		_, exists := c.index[id]
		return exists
	})
	if err != nil {
		return nil, err
	}

	for _, d := range prepared {
		c.index[d.ID()] = len(c.docs)
		c.docs = append(c.docs, d)
	}
	return ids, nil
}

// prepareInsert clones docs and assigns identifiers. exists reports whether
// an identifier is already taken in the target collection.
func prepareInsert(docs []Document, exists func(id string) bool) ([]Document, []string, error) {
	prepared := make([]Document, len(docs))
	ids := make([]string, len(docs))
	seen := make(map[string]bool, len(docs))

	for i, d := range docs {
		d = d.Clone()
		if d == nil {
			d = Document{}
		}

		id := uuid.NewString()
		if raw, ok := d[idKey]; ok && !raw.IsNull() {
			s, isStr := raw.Str()
			if !isStr || s == "" {
				return nil, nil, invalidArgf("document %d: identifier must be a non-empty string", i)
			}
			id = s
		}

		if seen[id] || exists(id) {
			return nil, nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, id)
		}
		seen[id] = true

		d[idKey] = String(id)
		prepared[i] = d
		ids[i] = id
	}

	return prepared, ids, nil
}

func (s *MemoryStore) Update(ctx context.Context, collection string, criteria Criteria, ops []UpdateOperation, multi bool) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return UpdateResult{}, nil
	}

	next, res, err := updateDocuments(c.docs, criteria, ops, multi)
	if err != nil {
		return UpdateResult{}, err
	}
	for i, d := range next {
		c.docs[i] = d
	}
	return res, nil
}

// updateDocuments applies ops to the matching docs and returns the changed
// documents keyed by position. Nothing is returned on error.
func updateDocuments(docs []Document, criteria Criteria, ops []UpdateOperation, multi bool) (map[int]Document, UpdateResult, error) {
	match, err := compileCriteria(criteria)
	if err != nil {
		return nil, UpdateResult{}, err
	}

	var res UpdateResult
	changed := make(map[int]Document)
	for i, d := range docs {
		if !match(d) {
			continue
		}

		res.MatchedCount++
		updated, modified, err := applyUpdate(d, ops)
		if err != nil {
			return nil, UpdateResult{}, fmt.Errorf("document %s: %w", d.ID(), err)
		}
		if modified {
			res.ModifiedCount++
			changed[i] = updated
		}

		if !multi {
			break
		}
	}

	return changed, res, nil
}

func (s *MemoryStore) Replace(ctx context.Context, collection string, id string, doc Document, upsert bool) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	if id == "" {
		return UpdateResult{}, invalidArgf("replace requires an identifier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc = doc.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc[idKey] = String(id)

	c := s.collection(collection)
	i, ok := c.index[id]
	if !ok {
		if !upsert {
			return UpdateResult{}, nil
		}
		c.index[id] = len(c.docs)
		c.docs = append(c.docs, doc)
		return UpdateResult{}, nil
	}

	res := UpdateResult{MatchedCount: 1}
	if !c.docs[i].Equal(doc) {
		res.ModifiedCount = 1
		c.docs[i] = doc
	}
	return res, nil
}

func (s *MemoryStore) Remove(ctx context.Context, collection string, criteria Criteria) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	match, err := compileCriteria(criteria)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return 0, nil
	}

	kept := make([]Document, 0, len(c.docs))
	for _, d := range c.docs {
		if !match(d) {
			kept = append(kept, d)
		}
	}

	removed := int64(len(c.docs) - len(kept))
	c.docs = kept
	c.reindex()
	return removed, nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, collection string, stages []Stage) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []Document
	if c, ok := s.collections[collection]; ok {
		docs = c.docs
	}
	return runPipeline(docs, stages)
}

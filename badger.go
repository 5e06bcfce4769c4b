package docmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// BadgerStore persists documents in an embedded badger database under keys
// "doc:{len(collection)}{collection}:{id}", the length a uvarint so no
// collection's prefix covers another's. Each call runs in a single badger
// transaction.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a badger database at path. With inMemory set
// path is ignored and nothing touches the disk.
func OpenBadger(path string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerRecord is the stored value: the document plus its insertion sequence.
type badgerRecord struct {
	Seq uint64   `json:"seq"`
	Doc Document `json:"doc"`
}

type storedDoc struct {
	key []byte
	rec badgerRecord
}

func collectionKey(kind, collection string) []byte {
	key := append([]byte(kind), ':')
	key = binary.AppendUvarint(key, uint64(len(collection)))
	return append(key, collection...)
}

func docKey(collection, id string) []byte {
	return append(collectionPrefix(collection), id...)
}

func collectionPrefix(collection string) []byte {
	return append(collectionKey("doc", collection), ':')
}

func seqKey(collection string) []byte {
	return collectionKey("seq", collection)
}

// load reads every document of a collection in insertion order.
func (s *BadgerStore) load(txn *badger.Txn, collection string) ([]storedDoc, error) {
	prefix := collectionPrefix(collection)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []storedDoc
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}

		var rec badgerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", item.Key(), err)
		}
		out = append(out, storedDoc{key: item.KeyCopy(nil), rec: rec})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].rec.Seq < out[j].rec.Seq })
	return out, nil
}

func (s *BadgerStore) loadDocs(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []Document
	err := s.db.View(func(txn *badger.Txn) error {
		stored, err := s.load(txn, collection)
		if err != nil {
			return err
		}
		docs = make([]Document, len(stored))
		for i, sd := range stored {
			docs[i] = sd.rec.Doc
		}
		return nil
	})
	return docs, err
}

func (s *BadgerStore) put(txn *badger.Txn, key []byte, rec badgerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return txn.Set(key, data)
}

// nextSeq reserves n sequence numbers for a collection and returns the first.
func (s *BadgerStore) nextSeq(txn *badger.Txn, collection string, n int) (uint64, error) {
	var cur uint64
	item, err := txn.Get(seqKey(collection))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			cur = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur+uint64(n))
	if err := txn.Set(seqKey(collection), buf); err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func (s *BadgerStore) Find(ctx context.Context, collection string, req FindRequest) ([]Document, error) {
	docs, err := s.loadDocs(ctx, collection)
	if err != nil {
		return nil, err
	}
	return findDocuments(docs, req)
}

func (s *BadgerStore) Distinct(ctx context.Context, collection string, criteria Criteria, field string) ([]Value, error) {
	docs, err := s.Find(ctx, collection, FindRequest{Criteria: criteria})
	if err != nil {
		return nil, err
	}
	return distinctValues(docs, field), nil
}

func (s *BadgerStore) Insert(ctx context.Context, collection string, docs []Document) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.Update(func(txn *badger.Txn) error {
		var (
			prepared []Document
			lookErr  error
		)
		prepared, ids, lookErr = prepareInsert(docs, func(id string) bool {
			_, err := txn.Get(docKey(collection, id))
			return err == nil
		})
		if lookErr != nil {
			return lookErr
		}

		seq, err := s.nextSeq(txn, collection, len(prepared))
		if err != nil {
			return err
		}
		for i, d := range prepared {
			if err := s.put(txn, docKey(collection, d.ID()), badgerRecord{Seq: seq + uint64(i), Doc: d}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BadgerStore) Update(ctx context.Context, collection string, criteria Criteria, ops []UpdateOperation, multi bool) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}

	var res UpdateResult
	err := s.db.Update(func(txn *badger.Txn) error {
		stored, err := s.load(txn, collection)
		if err != nil {
			return err
		}

		docs := make([]Document, len(stored))
		for i, sd := range stored {
			docs[i] = sd.rec.Doc
		}

		changed, r, err := updateDocuments(docs, criteria, ops, multi)
		if err != nil {
			return err
		}
		res = r

		for i, d := range changed {
			if err := s.put(txn, stored[i].key, badgerRecord{Seq: stored[i].rec.Seq, Doc: d}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

func (s *BadgerStore) Replace(ctx context.Context, collection string, id string, doc Document, upsert bool) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	if id == "" {
		return UpdateResult{}, invalidArgf("replace requires an identifier")
	}

	doc = doc.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc[idKey] = String(id)

	var res UpdateResult
	err := s.db.Update(func(txn *badger.Txn) error {
		key := docKey(collection, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if !upsert {
				return nil
			}
			seq, err := s.nextSeq(txn, collection, 1)
			if err != nil {
				return err
			}
			return s.put(txn, key, badgerRecord{Seq: seq, Doc: doc})
		}
		if err != nil {
			return err
		}

		var rec badgerRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		res.MatchedCount = 1
		if rec.Doc.Equal(doc) {
			return nil
		}
		res.ModifiedCount = 1
		return s.put(txn, key, badgerRecord{Seq: rec.Seq, Doc: doc})
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

func (s *BadgerStore) Remove(ctx context.Context, collection string, criteria Criteria) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	match, err := compileCriteria(criteria)
	if err != nil {
		return 0, err
	}

	var removed int64
	err = s.db.Update(func(txn *badger.Txn) error {
		stored, err := s.load(txn, collection)
		if err != nil {
			return err
		}

		for _, sd := range stored {
			if !match(sd.rec.Doc) {
				continue
			}
			if err := txn.Delete(sd.key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BadgerStore) Aggregate(ctx context.Context, collection string, stages []Stage) ([]Document, error) {
	docs, err := s.loadDocs(ctx, collection)
	if err != nil {
		return nil, err
	}
	return runPipeline(docs, stages)
}

package docmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every in-process Store shares.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	seed := func(t *testing.T, s Store) {
		t.Helper()
		ids, err := s.Insert(ctx, "books", []Document{
			{"_id": String("1"), "title": String("A"), "payment": Number(50), "tags": Array(String("go"))},
			{"_id": String("2"), "title": String("B"), "payment": Number(150)},
			{"_id": String("3"), "title": String("B"), "payment": Number(250), "tags": Array(String("go"), String("db"))},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"1", "2", "3"}, ids)
	}

	t.Run("find keeps insertion order", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		docs, err := s.Find(ctx, "books", FindRequest{Criteria: Where("title").Is("B")})
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "3"}, sliceMap(docs, Document.ID))

		docs, err = s.Find(ctx, "books", FindRequest{Sort: []Order{Desc("payment")}, Skip: 1, Limit: 1, Projection: []string{"title"}})
		require.NoError(t, err)
		assert.Equal(t, []Document{{"_id": String("2"), "title": String("B")}}, docs)

		docs, err = s.Find(ctx, "missing", FindRequest{})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("insert generates identifiers and rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		ids, err := s.Insert(ctx, "books", []Document{{"title": String("C")}})
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.NotEmpty(t, ids[0])

		_, err = s.Insert(ctx, "books", []Document{{"_id": String("4")}, {"_id": String("1")}})
		assert.ErrorIs(t, err, ErrKeyAlreadyExists)

		_, err = s.Insert(ctx, "books", []Document{{"_id": String("5")}, {"_id": String("5")}})
		assert.ErrorIs(t, err, ErrKeyAlreadyExists)

		_, err = s.Insert(ctx, "books", []Document{{"_id": Number(5)}})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		docs, err := s.Find(ctx, "books", FindRequest{})
		require.NoError(t, err)
		assert.Len(t, docs, 4, "failed batches store nothing")
	})

	t.Run("distinct unwinds arrays", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		values, err := s.Distinct(ctx, "books", nil, "tags")
		require.NoError(t, err)
		assert.Equal(t, []Value{String("go"), String("db")}, values)

		values, err = s.Distinct(ctx, "books", Where("payment").Gt(100), "title")
		require.NoError(t, err)
		assert.Equal(t, []Value{String("B")}, values)
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		res, err := s.Update(ctx, "books", Where("title").Is("B"), SetValue("title", "B").Operations(), true)
		require.NoError(t, err)
		assert.Equal(t, UpdateResult{MatchedCount: 2}, res)

		res, err = s.Update(ctx, "books", Where("title").Is("B"), NewUpdate().Inc("payment", 1).Operations(), false)
		require.NoError(t, err)
		assert.Equal(t, UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)

		res, err = s.Update(ctx, "books", nil, NewUpdate().AddToSet("tags", "go").Operations(), true)
		require.NoError(t, err)
		assert.Equal(t, UpdateResult{MatchedCount: 3, ModifiedCount: 1}, res)

		docs, err := s.Find(ctx, "books", FindRequest{Criteria: Where("_id").Is("2")})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, Document{
			"_id":     String("2"),
			"title":   String("B"),
			"payment": Number(151),
			"tags":    Array(String("go")),
		}, docs[0])

		_, err = s.Update(ctx, "books", nil, SetValue("_id", "x").Operations(), true)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		res, err = s.Update(ctx, "missing", nil, SetValue("a", 1).Operations(), true)
		require.NoError(t, err)
		assert.Zero(t, res.MatchedCount)
	})

	t.Run("replace", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		res, err := s.Replace(ctx, "books", "1", Document{"title": String("Z")}, false)
		require.NoError(t, err)
		assert.Equal(t, UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)

		res, err = s.Replace(ctx, "books", "1", Document{"title": String("Z")}, false)
		require.NoError(t, err)
		assert.Equal(t, UpdateResult{MatchedCount: 1}, res)

		res, err = s.Replace(ctx, "books", "9", Document{"title": String("Y")}, false)
		require.NoError(t, err)
		assert.Zero(t, res)

		res, err = s.Replace(ctx, "books", "9", Document{"title": String("Y")}, true)
		require.NoError(t, err)
		assert.Zero(t, res)

		docs, err := s.Find(ctx, "books", FindRequest{})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3", "9"}, sliceMap(docs, Document.ID))
		assert.Equal(t, Document{"_id": String("1"), "title": String("Z")}, docs[0])

		_, err = s.Replace(ctx, "books", "", Document{}, true)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		n, err := s.Remove(ctx, "books", Where("payment").Gte(150))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.Insert(ctx, "books", []Document{{"_id": String("2")}})
		require.NoError(t, err, "removed identifiers can be reused")

		n, err = s.Remove(ctx, "books", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("aggregate", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		rows, err := s.Aggregate(ctx, "books", []Stage{
			Match(Where("payment").Gt(100)),
			Group("title").Count("rows").Sum("payment", "total"),
		})
		require.NoError(t, err)
		assert.Equal(t, []Document{{"title": String("B"), "rows": Number(2), "total": Number(400)}}, rows)
	})

	t.Run("canceled context", func(t *testing.T) {
		s := newStore(t)
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Find(canceled, "books", FindRequest{})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = s.Insert(canceled, "books", []Document{{}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc := Document{"_id": String("1"), "tags": Array(String("a"))}
	_, err := s.Insert(ctx, "c", []Document{doc})
	require.NoError(t, err)
	doc["tags"] = Array()

	docs, err := s.Find(ctx, "c", FindRequest{})
	require.NoError(t, err)
	docs[0]["extra"] = Bool(true)

	docs, err = s.Find(ctx, "c", FindRequest{})
	require.NoError(t, err)
	assert.Equal(t, Document{"_id": String("1"), "tags": Array(String("a"))}, docs[0])
}

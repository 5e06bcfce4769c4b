package docmap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type payment struct {
	ID     string  `doc:",id"`
	Title  string  `doc:"title"`
	Amount float64 `doc:"payment"`
	Tags   []string
	Payer  payer
}

type payer struct {
	FullName string `doc:"name"`
}

type titleCount struct {
	Title string
	Rows  int
}

type titleOnly struct {
	Title string `doc:"title"`
}

func (titleOnly) CollectionName() string { return "payment" }

func newTestTemplate(t *testing.T) (*Template, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, WithRegistry(NewRegistry()), WithLogger(zap.NewNop())), store
}

func seedPayments(t *testing.T, tpl *Template) []payment {
	t.Helper()
	values := []payment{
		{ID: "p1", Title: "A", Amount: 50, Tags: []string{"cash"}, Payer: payer{FullName: "Ann"}},
		{ID: "p2", Title: "B", Amount: 150, Tags: []string{"card", "online"}, Payer: payer{FullName: "Bob"}},
		{ID: "p3", Title: "B", Amount: 250, Tags: []string{"card"}, Payer: payer{FullName: "Ann"}},
	}
	require.NoError(t, tpl.Insert(context.Background(), values))
	return values
}

func TestTemplateFind(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var out []payment
	q := QueryFrom(Where("amount").Gt(100)).Sort("amount", Descending)
	require.NoError(t, tpl.Find(ctx, q, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "p3", out[0].ID)
	assert.Equal(t, "Ann", out[0].Payer.FullName)
	assert.Equal(t, []string{"card"}, out[0].Tags)

	require.NoError(t, tpl.Find(ctx, QueryFrom(Where("payer.fullName").Is("Bob")), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "p2", out[0].ID)

	require.NoError(t, tpl.FindAll(ctx, &out))
	assert.Len(t, out, 3)
}

func TestTemplateFindIntoDocuments(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var docs []Document
	q := QueryFrom(Where("payment").Is(150.0))
	require.NoError(t, tpl.Find(ctx, q, &docs, InCollection("payment")))
	require.Len(t, docs, 1)
	assert.Equal(t, "p2", docs[0].ID())

	var raw []map[string]any
	require.NoError(t, tpl.Find(ctx, q.Include("title"), &raw, InCollection("payment")))
	assert.Equal(t, []map[string]any{{"_id": "p2", "title": "B"}}, raw)
}

func TestTemplateFindEmptyLeavesEmptySlice(t *testing.T) {
	tpl, _ := newTestTemplate(t)

	out := []payment{{ID: "stale"}}
	require.NoError(t, tpl.Find(context.Background(), QueryFrom(Where("title").Is("none")), &out))
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestTemplateFindShapeWithoutIdentifier(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var titles []titleOnly
	require.NoError(t, tpl.Find(ctx, QueryFrom(Where("title").Is("B")), &titles))
	assert.Equal(t, []titleOnly{{Title: "B"}, {Title: "B"}}, titles)
}

func TestTemplateFindOne(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var p payment
	found, err := tpl.FindOne(ctx, QueryFrom(Where("title").Is("B")).Sort("amount", Descending), &p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "p3", p.ID)

	found, err = tpl.FindByID(ctx, "p1", &p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 50.0, p.Amount)

	found, err = tpl.FindOne(ctx, QueryFrom(Where("title").Is("Z")), &p)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = tpl.FindOne(ctx, NewQuery(), p)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTemplateFindDistinct(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var titles []string
	require.NoError(t, tpl.FindDistinct(ctx, NewQuery(), "title", payment{}, &titles))
	assert.Equal(t, []string{"A", "B"}, titles)

	var tags []string
	require.NoError(t, tpl.FindDistinct(ctx, QueryFrom(Where("amount").Gt(100)), "tags", &payment{}, &tags))
	assert.Equal(t, []string{"card", "online"}, tags)

	var names []string
	require.NoError(t, tpl.FindDistinct(ctx, NewQuery().Distinct("payer.fullName"), "", payment{}, &names))
	assert.Equal(t, []string{"Ann", "Bob"}, names)

	assert.ErrorIs(t, tpl.FindDistinct(ctx, NewQuery(), "", payment{}, &names), ErrInvalidArgument)
	assert.ErrorIs(t, tpl.Find(ctx, NewQuery().Distinct("title"), &names, InCollection("payment")), ErrInvalidArgument)
}

func TestTemplateInsertGeneratesIdentifiers(t *testing.T) {
	ctx := context.Background()
	tpl, store := newTestTemplate(t)

	p := payment{Title: "C", Amount: 10}
	require.NoError(t, tpl.Insert(ctx, &p))
	assert.NotEmpty(t, p.ID)

	batch := []*payment{{Title: "D"}, {ID: "fixed", Title: "E"}}
	require.NoError(t, tpl.Insert(ctx, batch))
	assert.NotEmpty(t, batch[0].ID)
	assert.Equal(t, "fixed", batch[1].ID)

	docs, err := store.Find(ctx, "payment", FindRequest{})
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	err = tpl.Insert(ctx, &payment{ID: "fixed"})
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)
	assert.ErrorIs(t, err, ErrStore)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
	assert.Equal(t, "payment", se.Collection)

	assert.ErrorIs(t, tpl.Insert(ctx, p), ErrInvalidArgument)
}

func TestTemplateInsertRequiresIdentifier(t *testing.T) {
	tpl, _ := newTestTemplate(t)
	err := tpl.Insert(context.Background(), &titleOnly{Title: "x"})
	assert.ErrorIs(t, err, ErrMapping)
}

func TestTemplateSave(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)

	p := payment{Title: "A", Amount: 1}
	require.NoError(t, tpl.Save(ctx, &p))
	require.NotEmpty(t, p.ID)

	p.Amount = 2
	require.NoError(t, tpl.Save(ctx, &p))

	upserted := payment{ID: "new", Title: "N"}
	require.NoError(t, tpl.Save(ctx, &upserted))

	var all []payment
	require.NoError(t, tpl.Find(ctx, NewQuery().Sort("title", Ascending), &all))
	require.Len(t, all, 2)
	assert.Equal(t, 2.0, all[0].Amount)
	assert.Equal(t, "new", all[1].ID)
}

func TestTemplateUpdate(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	res, err := tpl.UpdateFirst(ctx, QueryFrom(Where("title").Is("B")), NewUpdate().Inc("amount", 5), payment{})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)

	res, err = tpl.UpdateMulti(ctx, QueryFrom(Where("title").Is("B")), SetValue("payer.fullName", "Bob"), payment{})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 2, ModifiedCount: 1}, res)

	var out []payment
	require.NoError(t, tpl.Find(ctx, QueryFrom(Where("title").Is("B")), &out))
	require.Len(t, out, 2)
	assert.Equal(t, 155.0, out[0].Amount)
	assert.Equal(t, "Bob", out[1].Payer.FullName)

	_, err = tpl.UpdateMulti(ctx, NewQuery(), NewUpdate().Inc("a", 1).Inc("a", 2), payment{})
	assert.ErrorIs(t, err, ErrConflictingOperation)

	_, err = tpl.UpdateMulti(ctx, NewQuery(), SetValue("id", "x"), payment{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTemplateRemove(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	values := seedPayments(t, tpl)

	n, err := tpl.Remove(ctx, QueryFrom(Where("amount").Lt(100)), payment{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = tpl.RemoveEntity(ctx, &values[1])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := tpl.Count(ctx, NewQuery(), payment{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = tpl.RemoveEntity(ctx, &payment{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTemplateCountIgnoresPagination(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	n, err := tpl.Count(ctx, QueryFrom(Where("title").Is("B")).Limit(1), payment{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTemplateAggregate(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	p := NewAggregation(
		Match(Where("amount").Gt(100)),
		Group("title").Count("rows"),
	)
	res, err := tpl.Aggregate(ctx, p, payment{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Len())
	assert.Equal(t, []Document{{"title": String("B"), "rows": Number(2)}}, res.Raw())

	var rows []titleCount
	require.NoError(t, res.MappedResults(&rows))
	assert.Equal(t, []titleCount{{Title: "B", Rows: 2}}, rows)

	var one titleCount
	require.NoError(t, res.UniqueResult(&one))
	assert.Equal(t, titleCount{Title: "B", Rows: 2}, one)
}

func TestTemplateAggregateWithoutTranslation(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	p := NewAggregation(Group("payer.name").Sum("payment", "total"), SortBy(Asc("name")))
	res, err := tpl.Aggregate(ctx, p, nil, InCollection("payment"))
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{"name": String("Ann"), "total": Number(300)},
		{"name": String("Bob"), "total": Number(150)},
	}, res.Raw())
}

func TestAggregationResultsUniqueResult(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	res, err := tpl.Aggregate(ctx, NewAggregation(Group("title").Count("rows")), payment{})
	require.NoError(t, err)
	var one titleCount
	err = res.UniqueResult(&one)
	assert.ErrorIs(t, err, ErrNonUniqueResult)

	res, err = tpl.Aggregate(ctx, NewAggregation(Match(Where("title").Is("Z")), Group("title").Count("rows")), payment{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.UniqueResult(&one), ErrNoResult)

	var rows []titleCount
	require.NoError(t, res.MappedResults(&rows))
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestTemplateAggregateDecodeError(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	res, err := tpl.Aggregate(ctx, NewAggregation(Group().Max("title", "rows")), payment{})
	require.NoError(t, err)

	var rows []titleCount
	assert.ErrorIs(t, res.MappedResults(&rows), ErrDecode)
}

func TestTemplateValidation(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)

	var out []payment
	assert.ErrorIs(t, tpl.Find(ctx, NewQuery().Skip(-1), &out), ErrInvalidArgument)
	assert.ErrorIs(t, tpl.Find(ctx, NewQuery(), out), ErrInvalidArgument)

	var docs []Document
	assert.ErrorIs(t, tpl.Find(ctx, NewQuery(), &docs), ErrInvalidArgument, "no collection")

	_, err := tpl.Aggregate(ctx, NewAggregation(), payment{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tpl.Remove(ctx, QueryFrom(Where("")), payment{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

type failingStore struct {
	MemoryStore
}

var errUnavailable = errors.New("unavailable")

func (*failingStore) Find(context.Context, string, FindRequest) ([]Document, error) {
	return nil, errUnavailable
}

func TestTemplateWrapsStoreErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tpl := New(&failingStore{}, WithLogger(zap.New(core)))

	var out []payment
	err := tpl.Find(context.Background(), NewQuery(), &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, errUnavailable)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "find", entry.ContextMap()["op"])
	assert.Equal(t, "payment", entry.ContextMap()["collection"])
}

func TestTemplatePagesCoverSortedResult(t *testing.T) {
	ctx := context.Background()

	for name, store := range map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"badger": func(t *testing.T) Store { return openTestBadger(t) },
	} {
		t.Run(name, func(t *testing.T) {
			tpl := New(store(t), WithRegistry(NewRegistry()), WithLogger(zap.NewNop()))

			var values []payment
			for i := 0; i < 11; i++ {
				values = append(values, payment{
					ID:     fmt.Sprintf("p%02d", i),
					Title:  string(rune('A' + i%3)),
					Amount: float64(100 * (i % 2)),
				})
			}
			require.NoError(t, tpl.Insert(ctx, values))

			// title and amount leave ties that only insertion order breaks
			q := QueryFrom(Where("amount").Gte(0)).Sort("title", Ascending).Sort("amount", Descending)

			var all []payment
			require.NoError(t, tpl.Find(ctx, q, &all))
			require.Len(t, all, len(values))

			for size := 1; size <= len(values)+1; size++ {
				var walked []string
				seen := make(map[string]bool)
				for index := 0; ; index++ {
					var page []payment
					require.NoError(t, tpl.Find(ctx, q.Page(index, size), &page))
					if len(page) == 0 {
						break
					}
					require.LessOrEqual(t, len(page), size)
					for _, p := range page {
						require.False(t, seen[p.ID], "page size %d repeats %s", size, p.ID)
						seen[p.ID] = true
						walked = append(walked, p.ID)
					}
				}
				assert.Equal(t, sliceMap(all, func(p payment) string { return p.ID }), walked, "page size %d", size)
			}
		})
	}
}

func TestTemplateRejectsInvalidRegexBeforeStore(t *testing.T) {
	ctx := context.Background()
	tpl, _ := newTestTemplate(t)
	seedPayments(t, tpl)

	var out []payment
	err := tpl.Find(ctx, QueryFrom(Where("title").Regex("(")), &out)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NotErrorIs(t, err, ErrStore)

	_, err = tpl.Count(ctx, QueryFrom(Where("title").Regex("a**")), payment{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NotErrorIs(t, err, ErrStore)
}

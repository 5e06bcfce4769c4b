package docmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalDocs() []Document {
	return []Document{
		{"_id": String("1"), "title": String("A"), "payment": Number(50), "tags": Array(String("go"), String("db"))},
		{"_id": String("2"), "title": String("B"), "payment": Number(150), "author": DocumentValue(Document{"name": String("Rob")})},
		{"_id": String("3"), "title": String("B"), "payment": Number(250), "items": Array(
			DocumentValue(Document{"sku": String("x1"), "qty": Number(2)}),
			DocumentValue(Document{"sku": String("x2"), "qty": Number(7)}),
		)},
		{"_id": String("4"), "title": Null(), "payment": String("n/a")},
	}
}

func matchIDs(t *testing.T, c Criteria, docs []Document) []string {
	t.Helper()
	m, err := compileCriteria(c)
	require.NoError(t, err)

	ids := []string{}
	for _, d := range docs {
		if m(d) {
			ids = append(ids, d.ID())
		}
	}
	return ids
}

func TestMatchCriteria(t *testing.T) {
	docs := evalDocs()

	for name, tc := range map[string]struct {
		criteria Criteria
		want     []string
	}{
		"equality":             {Where("title").Is("B"), []string{"2", "3"}},
		"null value":           {Where("title").Is(nil), []string{"4"}},
		"null on absent field": {Where("author").Is(nil), []string{"1", "3", "4"}},
		"not equal":            {Where("title").Ne("B"), []string{"1", "4"}},
		"range keeps kind":     {Where("payment").Gt(100), []string{"2", "3"}},
		"range bounds":         {Where("payment").Gte(50).Lt(250), []string{"1", "2"}},
		"string range":         {Where("payment").Gte(""), []string{"4"}},
		"in":                   {Where("title").In("A", "C"), []string{"1"}},
		"nin":                  {Where("title").Nin("A", "B"), []string{"4"}},
		"exists":               {Where("author").Exists(true), []string{"2"}},
		"not exists":           {Where("author.name").Exists(false), []string{"1", "3", "4"}},
		"array contains":       {Where("tags").Is("db"), []string{"1"}},
		"whole array":          {Where("tags").Is([]any{"go", "db"}), []string{"1"}},
		"nested path":          {Where("author.name").Regex("^R"), []string{"2"}},
		"array fan out":        {Where("items.qty").Gt(5), []string{"3"}},
		"array index":          {Where("items.0.sku").Is("x1"), []string{"3"}},
		"or":                   {Or(Where("title").Is("A"), Where("payment").Gt(200)), []string{"1", "3"}},
		"and":                  {And(Where("title").Is("B"), Where("payment").Lt(200)), []string{"2"}},
		"nil matches all":      {nil, []string{"1", "2", "3", "4"}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchIDs(t, tc.criteria, docs))
		})
	}
}

func TestCompileInvalidRegex(t *testing.T) {
	_, err := compileCriteria(Where("title").Regex("("))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFindDocuments(t *testing.T) {
	docs := evalDocs()

	out, err := findDocuments(docs, FindRequest{
		Criteria:   Where("payment").Gt(0),
		Sort:       []Order{Desc("payment")},
		Skip:       1,
		Limit:      5,
		Projection: []string{"title"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{"_id": String("2"), "title": String("B")},
		{"_id": String("1"), "title": String("A")},
	}, out)

	out[0]["title"] = String("changed")
	v, _ := docs[1].Get("title")
	assert.True(t, v.Equal(String("B")), "results are copies")
}

func TestSortIsStableAndMissingFirst(t *testing.T) {
	docs := evalDocs()
	sortDocuments(docs, []Order{Asc("author.name"), Desc("title")})

	ids := sliceMap(docs, func(d Document) string { return d.ID() })
	assert.Equal(t, []string{"3", "1", "4", "2"}, ids)
}

func TestPaginate(t *testing.T) {
	docs := evalDocs()
	assert.Len(t, paginate(docs, 0, 0), 4)
	assert.Len(t, paginate(docs, 3, 0), 1)
	assert.Empty(t, paginate(docs, 4, 0))
	assert.Len(t, paginate(docs, 1, 2), 2)
}

func TestDistinctValues(t *testing.T) {
	docs := evalDocs()

	assert.Equal(t, []Value{String("A"), String("B"), Null()}, distinctValues(docs, "title"))
	assert.Equal(t, []Value{String("go"), String("db")}, distinctValues(docs, "tags"))
	assert.Empty(t, distinctValues(docs, "missing"))
}

func TestRunPipelineGroupCount(t *testing.T) {
	docs := []Document{
		{"_id": String("1"), "title": String("A"), "payment": Number(50)},
		{"_id": String("2"), "title": String("B"), "payment": Number(150)},
		{"_id": String("3"), "title": String("B"), "payment": Number(250)},
	}

	rows, err := runPipeline(docs, []Stage{
		Match(Where("payment").Gt(100)),
		Group("title").Count("rows"),
	})
	require.NoError(t, err)
	assert.Equal(t, []Document{{"title": String("B"), "rows": Number(2)}}, rows)
}

func TestRunPipelineAccumulators(t *testing.T) {
	docs := []Document{
		{"g": String("x"), "n": Number(1)},
		{"g": String("y"), "n": Number(10)},
		{"g": String("x"), "n": Number(3)},
		{"g": String("x")},
	}

	rows, err := runPipeline(docs, []Stage{
		Group("g").Count("count").Sum("n", "sum").Avg("n", "avg").Min("n", "min").Max("n", "max"),
		SortBy(Desc("count")),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Document{
		"g":     String("x"),
		"count": Number(3),
		"sum":   Number(4),
		"avg":   Number(2),
		"min":   Number(1),
		"max":   Number(3),
	}, rows[0])

	rows, err = runPipeline(docs, []Stage{Match(Where("n").Exists(false)), Group().Avg("n", "avg").Sum("n", "sum")})
	require.NoError(t, err)
	assert.Equal(t, []Document{{"avg": Null(), "sum": Number(0)}}, rows)
}

func TestRunPipelineProjectSkipLimit(t *testing.T) {
	rows, err := runPipeline(evalDocs(), []Stage{
		SortBy(Asc("_id")),
		Skip(1),
		Limit(2),
		Project("title"),
	})
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{"_id": String("2"), "title": String("B")},
		{"_id": String("3"), "title": String("B")},
	}, rows)
}

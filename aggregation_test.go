package docmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupStage(t *testing.T) {
	g := Group("title", "author.name").Count("rows").Sum("payment", "total")
	require.NoError(t, g.Err())

	assert.Equal(t, []GroupKey{{Path: "title", Name: "title"}, {Path: "author.name", Name: "name"}}, g.Keys)
	assert.Equal(t, []Accumulator{
		{Op: AccCount, Out: "rows"},
		{Op: AccSum, Field: "payment", Out: "total"},
	}, g.Accumulators)
}

func TestGroupStageErrors(t *testing.T) {
	for name, g := range map[string]GroupStage{
		"empty field":       Group(""),
		"duplicate key":     Group("a.name", "b.name"),
		"key and output":    Group("title").Count("title"),
		"duplicate outputs": Group().Count("n").Sum("x", "n"),
		"missing output":    Group().Count(""),
		"missing field":     Group().Avg("", "avg"),
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, g.Err(), ErrInvalidArgument)
		})
	}
}

func TestPipelineErrors(t *testing.T) {
	assert.ErrorIs(t, NewAggregation().Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(Match(nil)).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(nil).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(Group("a")).Then(Limit(0)).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(Skip(-1)).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(Project()).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, NewAggregation(SortBy()).Err(), ErrInvalidArgument)

	err := NewAggregation(Match(Where("a").Is(1)), Group("")).Err()
	assert.ErrorContains(t, err, "stage 1")
}

func TestPipelineThenIsImmutable(t *testing.T) {
	base := NewAggregation(Match(Where("a").Is(1)))
	left := base.Then(Limit(1))
	right := base.Then(Skip(1))

	assert.Len(t, base.Stages(), 1)
	assert.IsType(t, LimitStage{}, left.Stages()[1])
	assert.IsType(t, SkipStage{}, right.Stages()[1])
}

func TestPipelineString(t *testing.T) {
	p := NewAggregation(
		Match(Where("payment").Gt(100)),
		Group("title").Count("rows"),
	)

	assert.Equal(t, `[{"$match":{"payment":{"$gt":100}}}, `+
		`{"$group":{"_id":{"title":"$title"},"rows":{"$sum":1}}}, `+
		`{"$replaceRoot":{"newRoot":{"$mergeObjects":["$_id","$$ROOT"]}}}, `+
		`{"$project":{"_id":0}}]`, p.String())
}

func TestMapPipelineFieldsStopsAfterGroup(t *testing.T) {
	upper := map[string]string{"title": "t", "payment": "p", "rows": "r"}
	fn := func(s string) string {
		if m, ok := upper[s]; ok {
			return m
		}
		return s
	}

	stages := mapPipelineFields([]Stage{
		Match(Where("payment").Gt(1)),
		SortBy(Asc("payment")),
		Group("title").Count("rows").Max("payment", "top"),
		SortBy(Desc("rows")),
		Project("title"),
	}, fn)

	assert.Equal(t, `{"p":{"$gt":1}}`, stages[0].(MatchStage).Criteria.String())
	assert.Equal(t, []Order{Asc("p")}, stages[1].(SortStage).Orders)

	g := stages[2].(GroupStage)
	assert.Equal(t, []GroupKey{{Path: "t", Name: "title"}}, g.Keys)
	assert.Equal(t, "p", g.Accumulators[1].Field)
	assert.Equal(t, "rows", g.Accumulators[0].Out)

	assert.Equal(t, []Order{Desc("rows")}, stages[3].(SortStage).Orders)
	assert.Equal(t, []string{"title"}, stages[4].(ProjectStage).Fields)
}

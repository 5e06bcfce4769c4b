package docmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereChainsConstraints(t *testing.T) {
	c := Where("payment").Gt(100).Lte(250)
	require.NoError(t, c.Err())
	assert.Equal(t, "payment", c.Field())

	cons := c.Constraints()
	require.Len(t, cons, 2)
	assert.Equal(t, OpGt, cons[0].Op)
	assert.True(t, cons[0].Value.Equal(Number(100)))
	assert.Equal(t, OpLte, cons[1].Op)
	assert.Equal(t, `{"payment":{"$gt":100,"$lte":250}}`, c.String())
}

func TestCriteriaIsImmutable(t *testing.T) {
	base := Where("payment").Gt(1)
	low := base.Lt(5)
	high := base.Lt(10)

	assert.Len(t, base.Constraints(), 1)
	assert.True(t, low.Constraints()[1].Value.Equal(Number(5)))
	assert.True(t, high.Constraints()[1].Value.Equal(Number(10)))

	cons := low.Constraints()
	cons[0].Op = OpNe
	assert.Equal(t, OpGt, low.Constraints()[0].Op)
}

func TestCriteriaErrors(t *testing.T) {
	assert.ErrorIs(t, Where("").Is(1).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, Where("a").Err(), ErrInvalidArgument)
	assert.ErrorIs(t, Where("a").Is(make(chan int)).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, Where("a").Regex("(").Is(1).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, Or(Where("a").Is(1), Where("b").Regex("[z-a]")).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, And().Err(), ErrInvalidArgument)
	assert.ErrorIs(t, Or(Where("a").Is(1), nil).Err(), ErrInvalidArgument)
	assert.ErrorIs(t, And(Where("a").Is(1), Where("").Is(2)).Err(), ErrInvalidArgument)
}

func TestLogicalTreesKeepTheirShape(t *testing.T) {
	a, b, c := Where("a").Is(1), Where("b").Is(2), Where("c").Is(3)

	nested := And(a, Or(b, c))
	distributed := Or(And(a, b), And(a, c))
	require.NoError(t, nested.Err())
	require.NoError(t, distributed.Err())

	assert.NotEqual(t, nested.String(), distributed.String())
	assert.Equal(t, LogicAnd, nested.Kind())
	assert.Len(t, nested.Children(), 2)
	assert.Equal(t, `{"$and":[{"a":{"$eq":1}},{"$or":[{"b":{"$eq":2}},{"c":{"$eq":3}}]}]}`, nested.String())
}

func TestRepeatedOperatorRendersAnd(t *testing.T) {
	c := Where("tags").Ne("a").Ne("b")
	assert.Equal(t, `{"$and":[{"tags":{"$ne":"a"}},{"tags":{"$ne":"b"}}]}`, c.String())
}

func TestEmptySetCriteria(t *testing.T) {
	docs := []Document{
		{"_id": String("1"), "x": Number(1)},
		{"_id": String("2")},
	}

	in, err := compileCriteria(Where("x").In())
	require.NoError(t, err)
	nin, err := compileCriteria(Where("x").Nin())
	require.NoError(t, err)

	for _, d := range docs {
		assert.False(t, in(d))
		assert.True(t, nin(d))
	}
}

func TestMapCriteriaFields(t *testing.T) {
	c := Or(Where("a").Is(1), And(Where("b").Gt(2), Where("a").Exists(true)))
	mapped := mapCriteriaFields(c, func(s string) string { return "x_" + s })

	assert.Equal(t, `{"$or":[{"x_a":{"$eq":1}},{"$and":[{"x_b":{"$gt":2}},{"x_a":{"$exists":true}}]}]}`, mapped.String())
	assert.Equal(t, `{"$or":[{"a":{"$eq":1}},{"$and":[{"b":{"$gt":2}},{"a":{"$exists":true}}]}]}`, c.String())
}

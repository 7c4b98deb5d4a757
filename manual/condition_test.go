package manual

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

func leaf(op Operator, value any, path ...string) Condition {
	return Condition{Leaf: &LeafCondition{
		Field:    graph.FieldAddress{Path: path},
		Operator: op,
		Value:    value,
	}}
}

func TestLeafConditionOperators(t *testing.T) {
	values := map[string]any{
		"user": map[string]any{"age": 21, "name": "jane"},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq number", leaf(OpEq, 21, "user", "age"), true},
		{"neq number", leaf(OpNeq, 21, "user", "age"), false},
		{"lt", leaf(OpLt, 30, "user", "age"), true},
		{"lte boundary", leaf(OpLte, 21, "user", "age"), true},
		{"gt", leaf(OpGt, 21, "user", "age"), false},
		{"gte boundary", leaf(OpGte, 21, "user", "age"), true},
		{"eq string", leaf(OpEq, "jane", "user", "name"), true},
		{"exists", leaf(OpExists, nil, "user", "age"), true},
		{"exists missing", leaf(OpExists, nil, "user", "ssn"), false},
		{"not_exists missing", leaf(OpNotExists, nil, "user", "ssn"), true},
		{"missing field compares false", leaf(OpEq, 1, "user", "ssn"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cond.Evaluate(values)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConditionJSONNumbers(t *testing.T) {
	// Values decoded from stored JSON arrive as json.Number or float64;
	// both must compare against int thresholds.
	values := map[string]any{"age": json.Number("18")}
	cond := leaf(OpGte, 18, "age")
	ok, err := cond.Evaluate(values)
	require.NoError(t, err)
	assert.True(t, ok)

	values = map[string]any{"age": float64(17)}
	cond = leaf(OpGte, 18, "age")
	ok, err = cond.Evaluate(values)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroupConditions(t *testing.T) {
	values := map[string]any{"age": 21, "country": "DE"}

	and := Condition{Group: &GroupCondition{
		Operator: LogicalAnd,
		Children: []Condition{
			leaf(OpGte, 18, "age"),
			leaf(OpEq, "DE", "country"),
		},
	}}
	ok, err := and.Evaluate(values)
	require.NoError(t, err)
	assert.True(t, ok)

	or := Condition{Group: &GroupCondition{
		Operator: LogicalOr,
		Children: []Condition{
			leaf(OpEq, "US", "country"),
			leaf(OpGte, 18, "age"),
		},
	}}
	ok, err = or.Evaluate(values)
	require.NoError(t, err)
	assert.True(t, ok)

	nested := Condition{Group: &GroupCondition{
		Operator: LogicalAnd,
		Children: []Condition{
			leaf(OpGte, 18, "age"),
			{Group: &GroupCondition{
				Operator: LogicalOr,
				Children: []Condition{
					leaf(OpEq, "US", "country"),
					leaf(OpEq, "FR", "country"),
				},
			}},
		},
	}}
	ok, err = nested.Evaluate(values)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyAndGroupIsTrue(t *testing.T) {
	c := Condition{Group: &GroupCondition{Operator: LogicalAnd}}
	ok, err := c.Evaluate(map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilConditionIsTrue(t *testing.T) {
	var c *Condition
	ok, err := c.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFieldAddresses(t *testing.T) {
	c := Condition{Group: &GroupCondition{
		Operator: LogicalAnd,
		Children: []Condition{
			leaf(OpGte, 18, "user", "age"),
			{Group: &GroupCondition{
				Operator: LogicalOr,
				Children: []Condition{leaf(OpEq, "DE", "user", "country")},
			}},
		},
	}}

	addrs := c.FieldAddresses()
	require.Len(t, addrs, 2)
	assert.Equal(t, []string{"user", "age"}, addrs[0].Path)
	assert.Equal(t, []string{"user", "country"}, addrs[1].Path)
}

func TestExtractValues(t *testing.T) {
	fields := []graph.FieldAddress{
		{Path: []string{"user", "age"}},
		{Path: []string{"user", "country"}},
		{Path: []string{"missing"}},
	}
	inputs := [][]dsr.Row{
		{{"order_id": 10}},
		{
			{"user": map[string]any{"age": 15}},
			{"user": map[string]any{"age": 21, "country": "DE"}},
		},
	}

	values := ExtractValues(fields, inputs)

	// The first row holding the path wins; later rows never overwrite.
	age, found := lookupPath(values, []string{"user", "age"})
	require.True(t, found)
	assert.Equal(t, 15, age)

	country, found := lookupPath(values, []string{"user", "country"})
	require.True(t, found)
	assert.Equal(t, "DE", country)

	_, found = lookupPath(values, []string{"missing"})
	assert.False(t, found)
}

package manual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/dsr/graph"
)

func TestSyntheticDatasets(t *testing.T) {
	customers := graph.CollectionAddress{Dataset: "shop", Collection: "customers"}
	resolve := func(segment string) (graph.CollectionAddress, bool) {
		if segment == "user" {
			return customers, true
		}
		return graph.CollectionAddress{}, false
	}

	defs := []Definition{{
		Task: &ManualTask{
			ID:            "mt-1",
			Key:           "legal_review",
			ConnectionKey: "manual_legal",
			Condition: &Condition{Leaf: &LeafCondition{
				Field:    graph.FieldAddress{Path: []string{"user", "age"}},
				Operator: OpGte,
				Value:    18,
			}},
		},
		Configs: []*ManualTaskConfig{{
			ID: "cfg-1", ManualTaskID: "mt-1", Type: ConfigAccess, IsCurrent: true,
			Fields: []ConfigField{{Key: "approved", Type: FieldCheckbox, Required: true}},
		}},
	}}

	datasets := SyntheticDatasets(defs, ConfigAccess, resolve, []string{"email"})
	require.Len(t, datasets, 1)

	ds := datasets[0]
	assert.Equal(t, "manual_legal", ds.Name)
	assert.Equal(t, "manual_legal", ds.ConnectionKey)
	require.Len(t, ds.Collections, 1)

	c := ds.Collections[0]
	assert.Equal(t, "legal_review", c.Name)

	// Identity-tagged so the node is reachable from the seed.
	assert.Equal(t, map[string]string{"email": "email"}, c.IdentityFields())

	// Config fields plus the condition field.
	assert.NotNil(t, c.Field("approved"))
	condField := c.Field("user.age")
	require.NotNil(t, condField)
	require.Len(t, condField.References, 1)
	assert.Equal(t, graph.DirectionFrom, condField.References[0].Direction)
	assert.Equal(t, customers, condField.References[0].Field.CollectionAddress)
	assert.Equal(t, []string{"age"}, condField.References[0].Field.Path)

	// The collection runs after its condition source.
	assert.Equal(t, []graph.CollectionAddress{customers}, c.After)
}

func TestSyntheticDatasetsGroupsByConnection(t *testing.T) {
	defs := []Definition{
		{Task: &ManualTask{ID: "1", Key: "a", ConnectionKey: "conn_b"}},
		{Task: &ManualTask{ID: "2", Key: "b", ConnectionKey: "conn_a"}},
		{Task: &ManualTask{ID: "3", Key: "c", ConnectionKey: "conn_a"}},
	}

	datasets := SyntheticDatasets(defs, ConfigAccess, nil, nil)
	require.Len(t, datasets, 2)
	assert.Equal(t, "conn_a", datasets[0].Name)
	assert.Len(t, datasets[0].Collections, 2)
	assert.Equal(t, "conn_b", datasets[1].Name)
}

func TestCurrentConfigs(t *testing.T) {
	configs := []*ManualTaskConfig{
		{ID: "1", Type: ConfigAccess, Version: 1, IsCurrent: false},
		{ID: "2", Type: ConfigAccess, Version: 2, IsCurrent: true},
		{ID: "3", Type: ConfigErasure, Version: 1, IsCurrent: true},
	}

	current := CurrentConfigs(configs, ConfigAccess)
	require.Len(t, current, 1)
	assert.Equal(t, "2", current[0].ID)
}

func TestInstanceComplete(t *testing.T) {
	cfg := &ManualTaskConfig{Fields: []ConfigField{
		{Key: "approved", Required: true},
		{Key: "notes"},
	}}

	inst := &ManualTaskInstance{Submissions: map[string]*Submission{}}
	assert.False(t, inst.Complete(cfg))

	inst.Submissions["notes"] = &Submission{FieldKey: "notes", Value: "n/a"}
	assert.False(t, inst.Complete(cfg))

	inst.Submissions["approved"] = &Submission{FieldKey: "approved", Value: true}
	assert.True(t, inst.Complete(cfg))
}

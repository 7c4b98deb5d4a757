package manual

import (
	"context"
	"fmt"
	"sort"

	"github.com/meikuraledutech/dsr/graph"
)

// FieldResolver maps the first path segment of a conditional-dependency
// field address to the real collection that supplies it. This is a fixed,
// deliberately coarse mapping (e.g. "user" → the customer collection), not
// general field-provenance inference.
type FieldResolver func(segment string) (graph.CollectionAddress, bool)

// Definition bundles one manual task with its configs for graph injection.
type Definition struct {
	Task    *ManualTask
	Configs []*ManualTaskConfig
}

// LoadDefinitions reads every manual task of the given connections together
// with its configs.
func LoadDefinitions(ctx context.Context, store Store, connections []string) ([]Definition, error) {
	var defs []Definition
	for _, connection := range connections {
		tasks, err := store.ListManualTasks(ctx, connection)
		if err != nil {
			return nil, fmt.Errorf("manual: load definitions for %s: %w", connection, err)
		}
		for _, task := range tasks {
			configs, err := store.ListConfigs(ctx, task.ID)
			if err != nil {
				return nil, fmt.Errorf("manual: load definitions for %s: %w", connection, err)
			}
			defs = append(defs, Definition{Task: task, Configs: configs})
		}
	}
	return defs, nil
}

// SyntheticDatasets synthesizes one GraphDataset per connection holding
// manual tasks, with one collection per individual task; tasks on the same
// connection get independent collections so their conditional dependencies
// can differ. A collection's fields are the union of the current config's
// fields (filtered to the phase) and every field referenced in the task's
// conditional-dependency tree; its After set names the real collections that
// supply the conditional inputs. Identity tags are attached so the node is
// always reachable from the seed.
func SyntheticDatasets(defs []Definition, phase ConfigType, resolve FieldResolver, identityTags []string) []graph.GraphDataset {
	byConnection := map[string][]Definition{}
	for _, d := range defs {
		byConnection[d.Task.ConnectionKey] = append(byConnection[d.Task.ConnectionKey], d)
	}

	keys := make([]string, 0, len(byConnection))
	for k := range byConnection {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var datasets []graph.GraphDataset
	for _, connection := range keys {
		ds := graph.GraphDataset{Name: connection, ConnectionKey: connection}
		for _, d := range byConnection[connection] {
			ds.Collections = append(ds.Collections, syntheticCollection(d, phase, resolve, identityTags))
		}
		if len(ds.Collections) > 0 {
			datasets = append(datasets, ds)
		}
	}
	return datasets
}

func syntheticCollection(d Definition, phase ConfigType, resolve FieldResolver, identityTags []string) graph.Collection {
	c := graph.Collection{Name: d.Task.Key}

	for _, tag := range identityTags {
		f := graph.NewScalarField(tag)
		f.Identity = tag
		c.Fields = append(c.Fields, f)
	}

	for _, cfg := range CurrentConfigs(d.Configs, phase) {
		for _, cf := range cfg.Fields {
			c.Fields = append(c.Fields, graph.NewScalarField(cf.Key))
		}
	}

	afterSet := map[graph.CollectionAddress]struct{}{}
	for _, addr := range d.Task.Condition.FieldAddresses() {
		if len(addr.Path) == 0 {
			continue
		}
		f := graph.NewScalarField(addr.FieldPath())
		if source, ok := resolve(addr.Path[0]); ok {
			f.References = []graph.Reference{{
				Field:     graph.NewFieldAddress(source, addr.Path[1:]...),
				Direction: graph.DirectionFrom,
			}}
			afterSet[source] = struct{}{}
		}
		c.Fields = append(c.Fields, f)
	}

	for addr := range afterSet {
		c.After = append(c.After, addr)
	}
	graph.SortAddresses(c.After)
	return c
}

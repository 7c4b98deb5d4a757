// Package config loads dataset and policy definitions from YAML and
// runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

// Config is the parsed content of a dataset/policy file.
type Config struct {
	Datasets []graph.GraphDataset
	Policies []dsr.Policy
	Manual   ManualSettings
}

// ManualSettings wires stored manual tasks into the request graph.
type ManualSettings struct {
	// Connections lists the connection keys that serve manual tasks.
	Connections []string
	// FieldSources maps the first segment of a conditional-dependency field
	// address to the collection that supplies it.
	FieldSources map[string]graph.CollectionAddress
}

// Resolver returns the field-source lookup as a resolver function.
func (m ManualSettings) Resolver() func(segment string) (graph.CollectionAddress, bool) {
	return func(segment string) (graph.CollectionAddress, bool) {
		addr, ok := m.FieldSources[segment]
		return addr, ok
	}
}

// Policy returns the policy with the given key.
func (c *Config) Policy(key string) (*dsr.Policy, error) {
	for i := range c.Policies {
		if c.Policies[i].Key == key {
			return &c.Policies[i], nil
		}
	}
	return nil, fmt.Errorf("config: unknown policy %q", key)
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML config bytes. The dataset section is validated by
// building a DatasetGraph, so duplicate collections and dangling
// references are rejected here rather than at request time.
func Parse(raw []byte) (*Config, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg := &Config{}
	for _, ds := range doc.Datasets {
		built, err := ds.build()
		if err != nil {
			return nil, err
		}
		cfg.Datasets = append(cfg.Datasets, *built)
	}
	for _, p := range doc.Policies {
		cfg.Policies = append(cfg.Policies, p.build())
	}

	cfg.Manual.Connections = doc.Manual.Connections
	cfg.Manual.FieldSources = map[string]graph.CollectionAddress{}
	for segment, raw := range doc.Manual.FieldSources {
		addr, err := graph.ParseCollectionAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("config: manual field source %q: %w", segment, err)
		}
		cfg.Manual.FieldSources[segment] = addr
	}

	g, err := graph.NewDatasetGraph(cfg.Datasets)
	if err != nil {
		return nil, fmt.Errorf("config: validate datasets: %w", err)
	}
	if err := validateRuleCategories(g, cfg.Policies); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateRuleCategories rejects policy rules targeting data categories no
// dataset field carries: such a rule would silently filter every access
// output to nothing.
func validateRuleCategories(g *graph.DatasetGraph, policies []dsr.Policy) error {
	tagged := g.DataCategoryFields()
	for _, p := range policies {
		for _, r := range p.Rules {
			for _, target := range r.DataCategories {
				if !categoryKnown(tagged, target) {
					return fmt.Errorf("config: policy %q rule %q targets unknown data category %q", p.Key, r.Key, target)
				}
			}
		}
	}
	return nil
}

// categoryKnown reports whether any tagged field carries the target category
// or a descendant of it in the dotted taxonomy.
func categoryKnown(tagged map[string][]graph.FieldAddress, target string) bool {
	if _, ok := tagged[target]; ok {
		return true
	}
	for cat := range tagged {
		if strings.HasPrefix(cat, target+".") {
			return true
		}
	}
	return false
}

type fileDoc struct {
	Datasets []datasetDoc `yaml:"datasets"`
	Policies []policyDoc  `yaml:"policies"`
	Manual   manualDoc    `yaml:"manual"`
}

type manualDoc struct {
	Connections  []string          `yaml:"connections"`
	FieldSources map[string]string `yaml:"field_sources"`
}

type datasetDoc struct {
	Name          string          `yaml:"name"`
	ConnectionKey string          `yaml:"connection_key"`
	Collections   []collectionDoc `yaml:"collections"`
}

type collectionDoc struct {
	Name            string     `yaml:"name"`
	Fields          []fieldDoc `yaml:"fields"`
	After           []string   `yaml:"after"`
	EraseAfter      []string   `yaml:"erase_after"`
	MaskingOverride string     `yaml:"masking_strategy_override"`
	SkipProcessing  bool       `yaml:"skip_processing"`
}

type fieldDoc struct {
	Name           string     `yaml:"name"`
	Identity       string     `yaml:"identity"`
	DataCategories []string   `yaml:"data_categories"`
	References     []refDoc   `yaml:"references"`
	IsArray        bool       `yaml:"is_array"`
	ReadOnly       bool       `yaml:"read_only"`
	PrimaryKey     bool       `yaml:"primary_key"`
	Fields         []fieldDoc `yaml:"fields"`
}

type refDoc struct {
	Field     string `yaml:"field"`
	Direction string `yaml:"direction"`
}

type policyDoc struct {
	Key   string    `yaml:"key"`
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Key             string   `yaml:"key"`
	ActionType      string   `yaml:"action_type"`
	DataCategories  []string `yaml:"data_categories"`
	MaskingStrategy string   `yaml:"masking_strategy"`
}

func (d datasetDoc) build() (*graph.GraphDataset, error) {
	ds := &graph.GraphDataset{Name: d.Name, ConnectionKey: d.ConnectionKey}
	for _, c := range d.Collections {
		col, err := c.build(d.Name)
		if err != nil {
			return nil, err
		}
		ds.Collections = append(ds.Collections, *col)
	}
	return ds, nil
}

func (d collectionDoc) build(dataset string) (*graph.Collection, error) {
	col := &graph.Collection{
		Name:            d.Name,
		MaskingOverride: d.MaskingOverride,
		SkipProcessing:  d.SkipProcessing,
	}
	for _, raw := range d.After {
		addr, err := graph.ParseCollectionAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s.%s after: %w", dataset, d.Name, err)
		}
		col.After = append(col.After, addr)
	}
	for _, raw := range d.EraseAfter {
		addr, err := graph.ParseCollectionAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s.%s erase_after: %w", dataset, d.Name, err)
		}
		col.EraseAfter = append(col.EraseAfter, addr)
	}
	for _, f := range d.Fields {
		built, err := f.build(dataset, d.Name)
		if err != nil {
			return nil, err
		}
		col.Fields = append(col.Fields, built)
	}
	return col, nil
}

func (d fieldDoc) build(dataset, collection string) (*graph.Field, error) {
	f := &graph.Field{
		Name:           d.Name,
		Kind:           graph.ScalarKind,
		Identity:       d.Identity,
		DataCategories: d.DataCategories,
		IsArray:        d.IsArray,
		ReadOnly:       d.ReadOnly,
		PrimaryKey:     d.PrimaryKey,
	}
	for _, r := range d.References {
		target, err := graph.ParseFieldAddress(r.Field)
		if err != nil {
			return nil, fmt.Errorf("config: %s.%s.%s reference: %w", dataset, collection, d.Name, err)
		}
		f.References = append(f.References, graph.Reference{
			Field:     target,
			Direction: graph.Direction(r.Direction),
		})
	}
	if len(d.Fields) > 0 {
		f.Kind = graph.ObjectKind
		f.Fields = map[string]*graph.Field{}
		for _, sub := range d.Fields {
			built, err := sub.build(dataset, collection)
			if err != nil {
				return nil, err
			}
			f.Fields[built.Name] = built
		}
	}
	return f, nil
}

func (d policyDoc) build() dsr.Policy {
	p := dsr.Policy{Key: d.Key}
	for _, r := range d.Rules {
		p.Rules = append(p.Rules, dsr.Rule{
			Key:             r.Key,
			ActionType:      dsr.ActionType(r.ActionType),
			DataCategories:  r.DataCategories,
			MaskingStrategy: r.MaskingStrategy,
		})
	}
	return p
}

// Env holds runtime settings read from the environment.
type Env struct {
	DatabaseURL  string
	Addr         string
	ConfigPath   string
	PollInterval time.Duration
}

// FromEnv reads runtime settings, applying defaults for everything but
// DATABASE_URL.
func FromEnv() Env {
	env := Env{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Addr:         ":3000",
		ConfigPath:   "dsr.yaml",
		PollInterval: 250 * time.Millisecond,
	}
	if addr := os.Getenv("ADDR"); addr != "" {
		env.Addr = addr
	}
	if path := os.Getenv("DSR_CONFIG"); path != "" {
		env.ConfigPath = path
	}
	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			env.PollInterval = d
		}
	}
	return env
}

package manual

import (
	"encoding/json"
	"fmt"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

// Operator compares a harvested field value against a configured value.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

// LogicalOperator combines a group's children.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// LeafCondition compares one upstream field value.
type LeafCondition struct {
	Field    graph.FieldAddress `json:"field"`
	Operator Operator           `json:"operator"`
	Value    any                `json:"value,omitempty"`
}

// GroupCondition is a boolean combination of child conditions.
type GroupCondition struct {
	Operator LogicalOperator `json:"operator"`
	Children []Condition     `json:"children"`
}

// Condition is a node of the conditional-dependency tree: exactly one of
// Leaf or Group is set.
type Condition struct {
	Leaf  *LeafCondition  `json:"leaf,omitempty"`
	Group *GroupCondition `json:"group,omitempty"`
}

// FieldAddresses collects every field address referenced anywhere in the
// tree, leaf or nested group.
func (c *Condition) FieldAddresses() []graph.FieldAddress {
	var out []graph.FieldAddress
	c.walk(func(leaf *LeafCondition) {
		out = append(out, leaf.Field)
	})
	return out
}

func (c *Condition) walk(visit func(*LeafCondition)) {
	if c == nil {
		return
	}
	if c.Leaf != nil {
		visit(c.Leaf)
	}
	if c.Group != nil {
		for i := range c.Group.Children {
			c.Group.Children[i].walk(visit)
		}
	}
}

// Evaluate resolves the condition against a nested value mapping keyed by
// path segments. A nil condition always evaluates true: a manual task with
// no root condition always executes.
func (c *Condition) Evaluate(values map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case c.Leaf != nil:
		return c.Leaf.evaluate(values)
	case c.Group != nil:
		return c.Group.evaluate(values)
	}
	return false, fmt.Errorf("manual: condition has neither leaf nor group")
}

func (l *LeafCondition) evaluate(values map[string]any) (bool, error) {
	actual, found := lookupPath(values, l.Field.Path)
	switch l.Operator {
	case OpExists:
		return found, nil
	case OpNotExists:
		return !found, nil
	}
	if !found {
		return false, nil
	}
	return compare(l.Operator, actual, l.Value)
}

func (g *GroupCondition) evaluate(values map[string]any) (bool, error) {
	for i := range g.Children {
		ok, err := g.Children[i].Evaluate(values)
		if err != nil {
			return false, err
		}
		switch g.Operator {
		case LogicalAnd:
			if !ok {
				return false, nil
			}
		case LogicalOr:
			if ok {
				return true, nil
			}
		default:
			return false, fmt.Errorf("manual: unknown logical operator %q", g.Operator)
		}
	}
	return g.Operator == LogicalAnd, nil
}

func compare(op Operator, actual, expected any) (bool, error) {
	if af, aok := asFloat(actual); aok {
		ef, eok := asFloat(expected)
		if !eok {
			return false, fmt.Errorf("manual: comparing number with %T", expected)
		}
		switch op {
		case OpEq:
			return af == ef, nil
		case OpNeq:
			return af != ef, nil
		case OpLt:
			return af < ef, nil
		case OpLte:
			return af <= ef, nil
		case OpGt:
			return af > ef, nil
		case OpGte:
			return af >= ef, nil
		}
		return false, fmt.Errorf("manual: unknown operator %q", op)
	}

	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", expected)
	switch op {
	case OpEq:
		return as == es, nil
	case OpNeq:
		return as != es, nil
	case OpLt:
		return as < es, nil
	case OpLte:
		return as <= es, nil
	case OpGt:
		return as > es, nil
	case OpGte:
		return as >= es, nil
	}
	return false, fmt.Errorf("manual: unknown operator %q", op)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ExtractValues harvests values for the referenced fields from the upstream
// row data by linear search across all rows of all inputs, building a nested
// mapping keyed by path segments. The first row holding a value for a path
// wins.
func ExtractValues(fields []graph.FieldAddress, inputs [][]dsr.Row) map[string]any {
	values := map[string]any{}
	for _, f := range fields {
		if _, found := lookupPath(values, f.Path); found {
			continue
		}
		for _, rows := range inputs {
			v, found := searchRows(rows, f.Path)
			if found {
				setPath(values, f.Path, v)
				break
			}
		}
	}
	return values
}

func searchRows(rows []dsr.Row, path []string) (any, bool) {
	for _, row := range rows {
		if v, found := lookupPath(row, path); found {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range path[1:] {
		nested, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = nested[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, path []string, v any) {
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

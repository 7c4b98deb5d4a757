package graph

// FieldKind discriminates the Field variant.
type FieldKind string

const (
	ScalarKind FieldKind = "scalar"
	ObjectKind FieldKind = "object"
)

// Direction declares which side of a reference must run first. "from" means
// this field is populated from the referenced field, so the referenced
// collection is an upstream dependency; "to" is the inverse; empty means
// either order is legal and traversal picks one.
type Direction string

const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
)

// Reference links a field to a field in another collection.
type Reference struct {
	Field     FieldAddress `json:"field"`
	Direction Direction    `json:"direction,omitempty"`
}

// Field is one schema field of a collection: a tagged union of scalar and
// object variants, with the nested field map populated only for objects.
type Field struct {
	Name           string      `json:"name"`
	Kind           FieldKind   `json:"kind"`
	Identity       string      `json:"identity,omitempty"`
	DataCategories []string    `json:"data_categories,omitempty"`
	References     []Reference `json:"references,omitempty"`
	IsArray        bool        `json:"is_array,omitempty"`
	ReadOnly       bool        `json:"read_only,omitempty"`
	PrimaryKey     bool        `json:"primary_key,omitempty"`

	// Fields holds the sub-fields of an object variant, keyed by name.
	Fields map[string]*Field `json:"fields,omitempty"`
}

// NewScalarField returns a scalar field with the given name.
func NewScalarField(name string) *Field {
	return &Field{Name: name, Kind: ScalarKind}
}

// NewObjectField returns an object field with the given sub-fields.
func NewObjectField(name string, sub ...*Field) *Field {
	f := &Field{Name: name, Kind: ObjectKind, Fields: map[string]*Field{}}
	for _, s := range sub {
		f.Fields[s.Name] = s
	}
	return f
}

// walk visits the field and all nested sub-fields depth-first, passing the
// path segments accumulated from the top-level field down.
func (f *Field) walk(prefix []string, visit func(path []string, f *Field)) {
	path := append(append([]string{}, prefix...), f.Name)
	visit(path, f)
	if f.Kind != ObjectKind {
		return
	}
	for _, name := range sortedKeys(f.Fields) {
		f.Fields[name].walk(path, visit)
	}
}

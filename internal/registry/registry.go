// Package registry holds the set of model schemas a datastore serves.
//
// A Registry is built once, validated, and passed explicitly to every
// component that needs schemas. There is no global registry.
package registry

import (
	"errors"
	"fmt"

	"github.com/roach88/tether/internal/compiler"
	"github.com/roach88/tether/internal/ir"
)

// Dependent is a has-one or has-many association seen from the parent:
// records of Model whose Field holds the parent's id.
type Dependent struct {
	Model   string
	Field   string
	Cascade bool
}

// Registry is an immutable, validated set of model schemas.
type Registry struct {
	schemas    []ir.ModelSchema
	byName     map[string]int
	dependents map[string][]Dependent
	order      []string
	warnings   []CycleWarning
}

// New validates schemas and builds a registry. Validation errors are
// returned together as one CONFIGURATION error.
func New(schemas ...ir.ModelSchema) (*Registry, error) {
	if errs := compiler.ValidateModels(schemas); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, ir.NewConfigurationError("invalid model schemas", errors.Join(joined...))
	}

	r := &Registry{
		schemas:    make([]ir.ModelSchema, len(schemas)),
		byName:     make(map[string]int, len(schemas)),
		dependents: make(map[string][]Dependent),
	}
	copy(r.schemas, schemas)
	for i, s := range r.schemas {
		r.byName[s.Name] = i
	}
	for _, s := range r.schemas {
		for _, a := range s.Dependents() {
			r.dependents[s.Name] = append(r.dependents[s.Name], Dependent{
				Model:   a.Target,
				Field:   a.TargetField,
				Cascade: a.Cascade,
			})
		}
	}
	r.order, r.warnings = syncOrder(r.schemas)
	return r, nil
}

// MustNew is New that panics on error. Intended for tests and fixtures.
func MustNew(schemas ...ir.ModelSchema) *Registry {
	r, err := New(schemas...)
	if err != nil {
		panic(err)
	}
	return r
}

// Schema returns the named schema.
func (r *Registry) Schema(name string) (ir.ModelSchema, bool) {
	i, ok := r.byName[name]
	if !ok {
		return ir.ModelSchema{}, false
	}
	return r.schemas[i], true
}

// Lookup returns the named schema or a NOT_FOUND error.
func (r *Registry) Lookup(name string) (ir.ModelSchema, error) {
	s, ok := r.Schema(name)
	if !ok {
		err := ir.NewNotFoundError(fmt.Sprintf("model %q is not registered", name))
		err.Model = name
		return ir.ModelSchema{}, err
	}
	return s, nil
}

// Schemas returns all schemas in registration order.
func (r *Registry) Schemas() []ir.ModelSchema {
	out := make([]ir.ModelSchema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Names returns model names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.schemas))
	for i, s := range r.schemas {
		names[i] = s.Name
	}
	return names
}

// Dependents returns the has-one and has-many dependents of model.
func (r *Registry) Dependents(model string) []Dependent {
	return r.dependents[model]
}

// SyncOrder returns model names ordered parents first, so that applying
// remote records in this order satisfies belongs-to foreign keys.
func (r *Registry) SyncOrder() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Warnings returns belongs-to cycles found while ordering.
func (r *Registry) Warnings() []CycleWarning {
	return r.warnings
}

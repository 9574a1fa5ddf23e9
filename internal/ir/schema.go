package ir

import (
	"slices"
	"strings"
)

// FieldType names the storage type of a field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeObject FieldType = "object"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeBool, TypeList, TypeObject:
		return true
	}
	return false
}

// AssociationKind is the relationship kind between two models.
type AssociationKind string

const (
	BelongsTo AssociationKind = "belongs_to"
	HasOne    AssociationKind = "has_one"
	HasMany   AssociationKind = "has_many"
)

// DefaultPrimaryKey is the primary key field when a schema does not name one.
const DefaultPrimaryKey = "id"

// Field describes one attribute of a model.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Index is a secondary index over one or more fields.
type Index struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Association relates a model to another model.
//
// For BelongsTo, Field is the foreign-key field on this model that holds the
// target's id. For HasOne and HasMany, TargetField is the foreign-key field on
// the target model pointing back here, and Cascade controls whether deleting
// this record deletes the dependents.
type Association struct {
	Name        string          `json:"name"`
	Kind        AssociationKind `json:"kind"`
	Target      string          `json:"target"`
	Field       string          `json:"field,omitempty"`
	TargetField string          `json:"target_field,omitempty"`
	Cascade     bool            `json:"cascade,omitempty"`
}

// ModelSchema describes a model: its fields, primary key, indexes and
// relationships. Schemas are immutable once registered.
type ModelSchema struct {
	Name         string        `json:"name"`
	PrimaryKey   string        `json:"primary_key"`
	Fields       []Field       `json:"fields"`
	Indexes      []Index       `json:"indexes"`
	Associations []Association `json:"associations"`
}

// Key returns the primary key field name.
func (s ModelSchema) Key() string {
	if s.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return s.PrimaryKey
}

// Field returns the named field.
func (s ModelSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns field names in declaration order.
func (s ModelSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Dependents returns the has-one and has-many associations of the schema.
func (s ModelSchema) Dependents() []Association {
	var out []Association
	for _, a := range s.Associations {
		if a.Kind == HasOne || a.Kind == HasMany {
			out = append(out, a)
		}
	}
	return out
}

// Parents returns the belongs-to associations of the schema.
func (s ModelSchema) Parents() []Association {
	var out []Association
	for _, a := range s.Associations {
		if a.Kind == BelongsTo {
			out = append(out, a)
		}
	}
	return out
}

// Layout is a stable textual description of the stored column layout, used
// to detect schema changes against an existing database. Index and
// relationship changes that do not alter columns keep the same layout.
func (s ModelSchema) Layout() string {
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		parts = append(parts, f.Name+":"+string(f.Type))
	}
	slices.Sort(parts)
	return s.Key() + "|" + strings.Join(parts, ",")
}

package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tether/internal/ir"
)

// CompileModels compiles every model under the top-level "model" struct of
// v, in declaration order.
//
//	model: Post: {
//		fields: {
//			title:    string
//			content?: string
//			rating?:  int
//		}
//		indexes: byTitle: ["title"]
//		associations: comments: {has_many: "Comment", target_field: "postID", cascade: true}
//	}
func CompileModels(v cue.Value) ([]ir.ModelSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	models := v.LookupPath(cue.ParsePath("model"))
	if !models.Exists() {
		return []ir.ModelSchema{}, nil
	}
	iter, err := models.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := []ir.ModelSchema{}
	for iter.Next() {
		schema, err := CompileModel(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("model.%s: %w", iter.Selector().String(), err)
		}
		out = append(out, *schema)
	}
	return out, nil
}

// CompileModel parses one model struct into a ModelSchema. The model name
// is the struct's label. Fields marked optional (name?) are not required.
// The primary key field is added as a required string when not declared.
func CompileModel(v cue.Value) (*ir.ModelSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := &ir.ModelSchema{
		Fields:       []ir.Field{},
		Indexes:      []ir.Index{},
		Associations: []ir.Association{},
	}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		schema.Name = sels[len(sels)-1].Unquoted()
	}

	if pk := v.LookupPath(cue.ParsePath("primary_key")); pk.Exists() {
		name, err := pk.String()
		if err != nil {
			return nil, &CompileError{Field: "primary_key", Message: "primary_key must be a string", Pos: pk.Pos()}
		}
		schema.PrimaryKey = name
	}

	fields, err := parseFields(v)
	if err != nil {
		return nil, err
	}
	key := schema.Key()
	hasKey := false
	for _, f := range fields {
		if f.Name == key {
			hasKey = true
		}
	}
	if !hasKey {
		schema.Fields = append(schema.Fields, ir.Field{Name: key, Type: ir.TypeString, Required: true})
	}
	schema.Fields = append(schema.Fields, fields...)

	if schema.Indexes, err = parseIndexes(v); err != nil {
		return nil, err
	}
	if schema.Associations, err = parseAssociations(v); err != nil {
		return nil, err
	}
	return schema, nil
}

func parseFields(v cue.Value) ([]ir.Field, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{Field: "fields", Message: "fields are required", Pos: v.Pos()}
	}
	iter, err := fieldsVal.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	var fields []ir.Field
	for iter.Next() {
		sel := iter.Selector()
		typ, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, ir.Field{
			Name:     sel.Unquoted(),
			Type:     typ,
			Required: sel.ConstraintType() != cue.OptionalConstraint,
		})
	}
	return fields, nil
}

func parseIndexes(v cue.Value) ([]ir.Index, error) {
	indexes := []ir.Index{}
	val := v.LookupPath(cue.ParsePath("indexes"))
	if !val.Exists() {
		return indexes, nil
	}
	iter, err := val.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		idx := ir.Index{Name: iter.Selector().Unquoted()}
		if err := iter.Value().Decode(&idx.Fields); err != nil {
			return nil, &CompileError{
				Field:   "indexes." + idx.Name,
				Message: "index must be a list of field names",
				Pos:     iter.Value().Pos(),
			}
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// associationSpec mirrors the CUE shape of one association.
type associationSpec struct {
	BelongsTo   string `json:"belongs_to"`
	HasOne      string `json:"has_one"`
	HasMany     string `json:"has_many"`
	Field       string `json:"field"`
	TargetField string `json:"target_field"`
	Cascade     bool   `json:"cascade"`
}

func parseAssociations(v cue.Value) ([]ir.Association, error) {
	assocs := []ir.Association{}
	val := v.LookupPath(cue.ParsePath("associations"))
	if !val.Exists() {
		return assocs, nil
	}
	iter, err := val.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var spec associationSpec
		if err := iter.Value().Decode(&spec); err != nil {
			return nil, &CompileError{Field: "associations." + name, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		a := ir.Association{
			Name:        name,
			Field:       spec.Field,
			TargetField: spec.TargetField,
			Cascade:     spec.Cascade,
		}
		kinds := 0
		if spec.BelongsTo != "" {
			a.Kind, a.Target = ir.BelongsTo, spec.BelongsTo
			kinds++
		}
		if spec.HasOne != "" {
			a.Kind, a.Target = ir.HasOne, spec.HasOne
			kinds++
		}
		if spec.HasMany != "" {
			a.Kind, a.Target = ir.HasMany, spec.HasMany
			kinds++
		}
		if kinds != 1 {
			return nil, &CompileError{
				Field:   "associations." + name,
				Message: "exactly one of belongs_to, has_one, has_many is required",
				Pos:     iter.Value().Pos(),
			}
		}
		assocs = append(assocs, a)
	}
	return assocs, nil
}

// extractTypeName converts a CUE type to a field type. Floats are not
// supported.
func extractTypeName(v cue.Value) (ir.FieldType, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return ir.TypeString, nil
	case cue.IntKind:
		return ir.TypeInt, nil
	case cue.BoolKind:
		return ir.TypeBool, nil
	case cue.ListKind:
		return ir.TypeList, nil
	case cue.StructKind:
		return ir.TypeObject, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are not supported, use int",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

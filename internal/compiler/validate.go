package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// Single-model errors (E101-E109)
	ErrModelNameEmpty     = "E101" // model name is required
	ErrModelNoFields      = "E102" // at least one non-key field required
	ErrInvalidFieldType   = "E103" // unknown field type
	ErrDuplicateName      = "E104" // duplicate field, index or association name
	ErrInvalidPrimaryKey  = "E105" // primary key must be a string field
	ErrInvalidIndex       = "E106" // index references an unknown field
	ErrInvalidAssociation = "E107" // malformed association
	ErrReservedName       = "E108" // collides with a system table
	ErrInvalidIdentifier  = "E109" // empty or control characters in a name

	// Cross-model errors (E110-E119)
	ErrDuplicateModel     = "E110" // two models with the same name
	ErrUnknownTarget      = "E111" // association targets an unknown model
	ErrUnknownTargetField = "E112" // has_one/has_many target_field not on target
)

// reservedTables are the system tables of the storage adapter.
var reservedTables = map[string]bool{
	"mutation_events":        true,
	"mutation_sync_metadata": true,
	"model_sync_metadata":    true,
	"model_layouts":          true,
}

// ValidationError represents a schema validation error.
type ValidationError struct {
	Model   string `json:"model"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Model, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Model, e.Message)
}

// ValidateModel checks one schema in isolation. Returns all errors found.
func ValidateModel(s ir.ModelSchema) []ValidationError {
	errs := []ValidationError{}
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Model: s.Name, Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if s.Name == "" {
		add("", ErrModelNameEmpty, "model name is required")
	} else if !validIdentifier(s.Name) {
		add("", ErrInvalidIdentifier, "invalid model name %q", s.Name)
	}
	if reservedTables[strings.ToLower(s.Name)] || strings.HasPrefix(strings.ToLower(s.Name), "sqlite_") {
		add("", ErrReservedName, "model name %q is reserved", s.Name)
	}

	seen := map[string]bool{}
	nonKey := 0
	for _, f := range s.Fields {
		if !validIdentifier(f.Name) {
			add(f.Name, ErrInvalidIdentifier, "invalid field name %q", f.Name)
		}
		if seen[f.Name] {
			add(f.Name, ErrDuplicateName, "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			add(f.Name, ErrInvalidFieldType, "invalid type %q", f.Type)
		}
		if f.Name != s.Key() {
			nonKey++
		}
	}
	if nonKey == 0 {
		add("", ErrModelNoFields, "at least one field besides %q is required", s.Key())
	}

	key, ok := s.Field(s.Key())
	if !ok {
		add(s.Key(), ErrInvalidPrimaryKey, "primary key %q is not a field", s.Key())
	} else if key.Type != ir.TypeString {
		add(s.Key(), ErrInvalidPrimaryKey, "primary key must be a string, got %s", key.Type)
	}

	indexNames := map[string]bool{}
	for _, idx := range s.Indexes {
		if indexNames[idx.Name] {
			add(idx.Name, ErrDuplicateName, "duplicate index %q", idx.Name)
		}
		indexNames[idx.Name] = true
		if len(idx.Fields) == 0 {
			add(idx.Name, ErrInvalidIndex, "index %q has no fields", idx.Name)
		}
		for _, name := range idx.Fields {
			if _, ok := s.Field(name); !ok {
				add(idx.Name, ErrInvalidIndex, "index %q references unknown field %q", idx.Name, name)
			}
		}
	}

	assocNames := map[string]bool{}
	for _, a := range s.Associations {
		if assocNames[a.Name] {
			add(a.Name, ErrDuplicateName, "duplicate association %q", a.Name)
		}
		assocNames[a.Name] = true
		if a.Target == "" {
			add(a.Name, ErrInvalidAssociation, "association %q has no target model", a.Name)
		}
		switch a.Kind {
		case ir.BelongsTo:
			f, ok := s.Field(a.Field)
			switch {
			case a.Field == "":
				add(a.Name, ErrInvalidAssociation, "belongs_to %q requires field", a.Name)
			case !ok:
				add(a.Name, ErrInvalidAssociation, "belongs_to %q references unknown field %q", a.Name, a.Field)
			case f.Type != ir.TypeString:
				add(a.Name, ErrInvalidAssociation, "belongs_to %q field %q must be a string", a.Name, a.Field)
			}
			if a.Cascade {
				add(a.Name, ErrInvalidAssociation, "cascade is only valid on has_one and has_many")
			}
		case ir.HasOne, ir.HasMany:
			if a.TargetField == "" {
				add(a.Name, ErrInvalidAssociation, "%s %q requires target_field", a.Kind, a.Name)
			}
		default:
			add(a.Name, ErrInvalidAssociation, "unknown association kind %q", a.Kind)
		}
	}
	return errs
}

// ValidateModels validates each schema and the references between them.
func ValidateModels(schemas []ir.ModelSchema) []ValidationError {
	errs := []ValidationError{}
	byName := make(map[string]ir.ModelSchema, len(schemas))
	for _, s := range schemas {
		errs = append(errs, ValidateModel(s)...)
		if _, dup := byName[s.Name]; dup {
			errs = append(errs, ValidationError{Model: s.Name, Code: ErrDuplicateModel, Message: "model declared twice"})
		}
		byName[s.Name] = s
	}

	for _, s := range schemas {
		for _, a := range s.Associations {
			target, ok := byName[a.Target]
			if !ok {
				if a.Target != "" {
					errs = append(errs, ValidationError{
						Model: s.Name, Field: a.Name, Code: ErrUnknownTarget,
						Message: fmt.Sprintf("association targets unknown model %q", a.Target),
					})
				}
				continue
			}
			if a.Kind == ir.HasOne || a.Kind == ir.HasMany {
				if _, ok := target.Field(a.TargetField); !ok && a.TargetField != "" {
					errs = append(errs, ValidationError{
						Model: s.Name, Field: a.Name, Code: ErrUnknownTargetField,
						Message: fmt.Sprintf("target_field %q is not a field of %s", a.TargetField, a.Target),
					})
				}
			}
		}
	}
	return errs
}

func validIdentifier(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

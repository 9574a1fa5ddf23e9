package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tether/internal/compiler"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/registry"
)

// LoadMode controls how errors are handled during schema loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the models loaded from a schema directory.
type LoadResult struct {
	Schemas   []ir.ModelSchema
	Registry  *registry.Registry // nil when any error was reported
	Warnings  []registry.CycleWarning
	FileCount int
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadModels compiles the CUE models in dir and builds a registry from
// them. In LoadModeFailFast the first error is returned alone; in
// LoadModeCollectAll every compile and validation error is reported.
// A nil result means dir could not be loaded at all.
func LoadModels(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances(files, nil)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{convertCompileError(err, "build")}
	}

	result := &LoadResult{FileCount: len(files)}
	var errs []error

	models := value.LookupPath(cue.ParsePath("model"))
	if !models.Exists() {
		return result, []error{&LoadError{Code: ErrCodeNoModels, Message: "no models found under \"model\""}}
	}
	iter, err := models.Fields()
	if err != nil {
		return result, []error{convertCompileError(err, "model")}
	}
	for iter.Next() {
		schema, err := compiler.CompileModel(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "model."+iter.Selector().String()))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Schemas = append(result.Schemas, *schema)
	}

	for _, v := range compiler.ValidateModels(result.Schemas) {
		errs = append(errs, v)
		if mode == LoadModeFailFast {
			return result, errs
		}
	}
	if len(errs) > 0 {
		return result, errs
	}

	reg, err := registry.New(result.Schemas...)
	if err != nil {
		return result, []error{err}
	}
	result.Registry = reg
	result.Warnings = reg.Warnings()
	return result, nil
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
// Subdirectories are not searched: all files must form one CUE package.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants shared by the schema commands. Validation codes
// (E101-E119) come from the compiler package unchanged.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeNoModels    = "E008" // No "model" struct

	// Compile errors
	ErrCodeInvalidType        = "E201" // Unsupported field type (e.g. float)
	ErrCodeInvalidFields      = "E202" // Missing or malformed fields
	ErrCodeInvalidIndexSpec   = "E203" // Malformed index
	ErrCodeInvalidAssociation = "E204" // Malformed association
	ErrCodeInvalidPrimaryKey  = "E205" // primary_key is not a string
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	head, _, _ := strings.Cut(field, ".")
	switch head {
	case "type":
		return ErrCodeInvalidType
	case "fields":
		return ErrCodeInvalidFields
	case "indexes":
		return ErrCodeInvalidIndexSpec
	case "associations":
		return ErrCodeInvalidAssociation
	case "primary_key":
		return ErrCodeInvalidPrimaryKey
	case "cue":
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}

// errorCode returns the code of a loader, validation or datastore error.
func errorCode(err error) string {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code
	}
	var valErr compiler.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Code
	}
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return ErrCodeGeneric
}

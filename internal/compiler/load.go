package compiler

import (
	"fmt"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/tether/internal/ir"
)

// LoadSource compiles CUE source text and returns the models it defines.
func LoadSource(src string) ([]ir.ModelSchema, error) {
	return CompileModels(cuecontext.New().CompileString(src))
}

// LoadFiles builds the given .cue files as one CUE instance and returns the
// models they define. All files must belong to the same CUE package.
func LoadFiles(paths ...string) ([]ir.ModelSchema, error) {
	if len(paths) == 0 {
		return []ir.ModelSchema{}, nil
	}
	instances := load.Instances(paths, nil)
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded")
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	return CompileModels(cuecontext.New().BuildInstance(inst))
}

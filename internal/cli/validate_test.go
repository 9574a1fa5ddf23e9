package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/compiler"
)

const floatSchema = `package app

model: Reading: fields: value: float
model: Sensor: fields: gain: float
`

const badIndexSchema = `package app

model: Post: {
	fields: title: string
	indexes: byAuthor: ["author"]
}
`

func TestLoadModels(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})

	result, errs := LoadModels(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FileCount)
	require.Len(t, result.Schemas, 2)
	require.NotNil(t, result.Registry)
	assert.Equal(t, []string{"Blog", "Post"}, result.Registry.SyncOrder())
	assert.Empty(t, result.Warnings)
}

func TestLoadModels_Errors(t *testing.T) {
	tests := []struct {
		name     string
		dir      func(t *testing.T) string
		mode     LoadMode
		wantNil  bool
		wantErrs int
		wantCode string
	}{
		{"missing dir", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }, LoadModeFailFast, true, 1, ErrCodeNotFound},
		{"file not dir", func(t *testing.T) string {
			path := filepath.Join(t.TempDir(), "blog.cue")
			require.NoError(t, os.WriteFile(path, []byte(blogSchema), 0o644))
			return path
		}, LoadModeFailFast, true, 1, ErrCodeNotFound},
		{"no cue files", func(t *testing.T) string { return writeSchemaDir(t, map[string]string{"README.md": "x"}) }, LoadModeFailFast, true, 1, ErrCodeNoFiles},
		{"no models", func(t *testing.T) string {
			return writeSchemaDir(t, map[string]string{"x.cue": "package app\n\nother: 1\n"})
		}, LoadModeFailFast, false, 1, ErrCodeNoModels},
		{"float fail fast", func(t *testing.T) string { return writeSchemaDir(t, map[string]string{"f.cue": floatSchema}) }, LoadModeFailFast, false, 1, ErrCodeInvalidType},
		{"float collect all", func(t *testing.T) string { return writeSchemaDir(t, map[string]string{"f.cue": floatSchema}) }, LoadModeCollectAll, false, 2, ErrCodeInvalidType},
		{"validation", func(t *testing.T) string { return writeSchemaDir(t, map[string]string{"p.cue": badIndexSchema}) }, LoadModeCollectAll, false, 1, compiler.ErrInvalidIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, errs := LoadModels(tt.dir(t), tt.mode)
			if tt.wantNil {
				assert.Nil(t, result)
			} else {
				require.NotNil(t, result)
				assert.Nil(t, result.Registry)
			}
			require.Len(t, errs, tt.wantErrs)
			assert.Equal(t, tt.wantCode, errorCode(errs[0]))
		})
	}
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{"type", ErrCodeInvalidType},
		{"fields", ErrCodeInvalidFields},
		{"indexes.byTitle", ErrCodeInvalidIndexSpec},
		{"associations.blog", ErrCodeInvalidAssociation},
		{"primary_key", ErrCodeInvalidPrimaryKey},
		{"cue", ErrCodeBuildFailed},
		{"something", ErrCodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, MapFieldToErrorCode(tt.field))
		})
	}
}

func TestFindCUEFiles_TopLevelOnly(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"b.cue": "", "a.cue": "", "notes.txt": ""})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "c.cue"), nil, 0o644))

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.cue"), filepath.Join(dir, "b.cue")}, files)
}

func TestValidateCommand(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All 2 model(s) valid")
}

func TestValidateCommand_JSON(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), dir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 2, resp.Data.Models)
}

func TestValidateCommand_Failures(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"f.cue": floatSchema})

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 2 error(s)")
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, ErrCodeInvalidType)
}

func TestValidateCommand_FailuresJSON(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"p.cue": badIndexSchema})

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), dir)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, "Post", resp.Data.Errors[0].Model)
	assert.Equal(t, compiler.ErrInvalidIndex, resp.Error.Code)
}

func TestValidateCommand_MissingDir(t *testing.T) {
	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), "/nonexistent/schemas")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "schema directory not found")
}

func TestSchemaCommand(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})
	outFile := filepath.Join(t.TempDir(), "models.json")

	out, err := execute(NewSchemaCommand(&RootOptions{Format: "text"}), dir, "-o", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 2 model(s)")
	assert.Contains(t, out, "Post (key id): id, title, blogID")
	assert.Contains(t, out, "index byTitle(title)")
	assert.Contains(t, out, "has_many posts: Post.blogID (cascade)")
	assert.Contains(t, out, "belongs_to blog: blogID -> Blog")
	assert.Contains(t, out, "Sync order: Blog → Post")
	assert.Contains(t, out, "Wrote compiled models to "+outFile)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var written SchemaResult
	require.NoError(t, json.Unmarshal(data, &written))
	require.Len(t, written.Models, 2)
	assert.Equal(t, []string{"Blog", "Post"}, written.SyncOrder)
}

func TestSchemaCommand_JSON(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})

	out, err := execute(NewSchemaCommand(&RootOptions{Format: "json"}), dir)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   SchemaResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Models, 2)
	assert.Equal(t, "Blog", resp.Data.Models[0].Name)
}

func TestSchemaCommand_CompileErrors(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{"f.cue": floatSchema})

	out, err := execute(NewSchemaCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "compilation failed with 2 error(s)")
	assert.Contains(t, out, "✗ Compilation failed")
}

package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const saveScenario = `
name: save_post
schemas: [blog.cue]
steps:
  - save: {model: Blog, record: {id: b1, name: tech}}
  - save: {model: Post, record: {id: p1, title: hello, blogID: b1}}
assertions:
  - {type: record_count, model: Post, count: 1}
  - {type: trace_order, events: ["create Blog/b1", "create Post/p1"]}
`

const failingScenario = `
name: wrong_count
schemas: [blog.cue]
steps:
  - save: {model: Blog, record: {id: b1, name: tech}}
assertions:
  - {type: record_count, model: Blog, count: 3}
`

// scenarioDirs returns a schema directory holding blog.cue and a scenario
// directory holding the given files.
func scenarioDirs(t *testing.T, scenarios map[string]string) (string, string) {
	t.Helper()
	schemaDir := writeSchemaDir(t, map[string]string{"blog.cue": blogSchema})
	scenariosDir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0o755))
	for name, content := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, name), []byte(content), 0o644))
	}
	return schemaDir, scenariosDir
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(NewTestCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg")
}

func TestTestCommandMissingDirs(t *testing.T) {
	existing := t.TempDir()
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"schema dir", []string{"/nonexistent/schemas", existing}, "schema directory not found"},
		{"scenarios dir", []string{existing, "/nonexistent/scenarios"}, "scenarios directory not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(NewTestCommand(&RootOptions{Format: "text"}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	schemaDir, scenariosDir := scenarioDirs(t, nil)

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")

	out, err = execute(NewTestCommand(&RootOptions{Format: "json"}), schemaDir, scenariosDir)
	require.NoError(t, err)
	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	schemaDir, scenariosDir := scenarioDirs(t, map[string]string{"save_post.yaml": saveScenario})

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ save_post")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	schemaDir, scenariosDir := scenarioDirs(t, map[string]string{
		"save_post.yaml":   saveScenario,
		"wrong_count.yaml": failingScenario,
	})

	out, err := execute(NewTestCommand(&RootOptions{Format: "json"}), schemaDir, scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	assert.Equal(t, "E_TEST_FAILED", response.Error.Code)
	assert.Equal(t, 2, response.Data.Total)
	assert.Equal(t, 1, response.Data.Passed)
	assert.Equal(t, 1, response.Data.Failed)

	for _, s := range response.Data.Scenarios {
		if s.Name == "wrong_count" {
			assert.False(t, s.Pass)
			require.NotEmpty(t, s.Errors)
			assert.Contains(t, s.Errors[0], "3 Blog records")
		}
	}
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	schemaDir, scenariosDir := scenarioDirs(t, map[string]string{"save_post.yaml": saveScenario})
	goldenPath := filepath.Join(scenariosDir, "golden", "save_post.golden")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ save_post (golden updated)")

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Equal(t, `scenario: save_post
1 local create Blog/b1 {"name":"tech"}
2 local create Post/p1 {"blogID":"b1","title":"hello"}
`, string(golden))

	_, err = execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte("scenario: save_post\n"), 0o644))
	out, err = execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandLoadError(t *testing.T) {
	schemaDir, scenariosDir := scenarioDirs(t, map[string]string{"broken.yaml": "name: broken\nsteps: []\n"})

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), schemaDir, scenariosDir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestHelpText(t *testing.T) {
	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "schema-dir")
	assert.Contains(t, out, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	for _, name := range []string{"cart-test.yaml", "cart-add.yml", "inventory.yaml", "ignore.txt", "subdir/cart-sub.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, name), nil, 0o644))
	}

	tests := []struct {
		filter string
		want   int
	}{
		{"", 4},
		{"cart-*", 3},
		{"inventory", 1},
		{"none-*", 0},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			files, err := findScenarioFiles(tmpDir, tt.filter)
			require.NoError(t, err)
			assert.Len(t, files, tt.want)
		})
	}

	_, err := findScenarioFiles(tmpDir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/path/to/scenario.yaml", "/path/to/golden/scenario.golden"},
		{"/path/to/scenario.yml", "/path/to/golden/scenario.golden"},
		{"scenarios/test.yaml", "scenarios/golden/test.golden"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, goldenFilePath(tc.input))
	}
}

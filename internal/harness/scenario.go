package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end datastore scenario: local writes, remote
// changes and sync steps executed in order, followed by assertions on the
// observed trace and on local and remote state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas lists CUE files defining the models. Relative paths are
	// resolved against the scenario file or the supplied base path.
	Schemas []string `yaml:"schemas,omitempty"`

	// Models is inline CUE source, compiled in addition to Schemas.
	Models string `yaml:"models,omitempty"`

	// Remote wires an in-memory remote. Without it the datastore is
	// local-only and nothing is queued.
	Remote bool `yaml:"remote,omitempty"`

	// Seed records exist on the remote before the first step.
	Seed []RemoteRecord `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// RemoteRecord is a record written directly to the remote.
type RemoteRecord struct {
	Model  string         `yaml:"model"`
	Record map[string]any `yaml:"record"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	Save         *SaveStep     `yaml:"save,omitempty"`
	Delete       *DeleteStep   `yaml:"delete,omitempty"`
	RemotePut    *RemoteRecord `yaml:"remote_put,omitempty"`
	RemoteRemove *RemoteRef    `yaml:"remote_remove,omitempty"`
	Start        bool          `yaml:"start,omitempty"`
	Stop         bool          `yaml:"stop,omitempty"`
	Await        *AwaitStep    `yaml:"await,omitempty"`

	// ExpectError is the error code the step must fail with, for save and
	// delete steps.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SaveStep saves a record locally. Where is an optional condition: every
// listed field must equal the stored value.
type SaveStep struct {
	Model  string         `yaml:"model"`
	Record map[string]any `yaml:"record"`
	Where  map[string]any `yaml:"where,omitempty"`
}

// DeleteStep deletes one record locally, or every record matching Where
// when ID is empty.
type DeleteStep struct {
	Model string         `yaml:"model"`
	ID    string         `yaml:"id,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Deleted is the expected number of deleted records, cascades included.
	Deleted *int `yaml:"deleted,omitempty"`
}

// RemoteRef names a record on the remote.
type RemoteRef struct {
	Model string `yaml:"model"`
	ID    string `yaml:"id"`
}

// AwaitStep blocks until every listed condition holds or Timeout passes.
type AwaitStep struct {
	// State waits for the session to publish this state.
	State string `yaml:"state,omitempty"`

	// RemoteEvents waits for this many more remote record changes.
	RemoteEvents int `yaml:"remote_events,omitempty"`

	// Pending waits until the outbox holds this many events.
	Pending *int `yaml:"pending,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Source, Op, Model and ID filter trace events (trace_contains,
	// trace_count) and name records (final_state, remote_state).
	Source string `yaml:"source,omitempty"`
	Op     string `yaml:"op,omitempty"`
	Model  string `yaml:"model,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Fields is a subset match on record fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Events is the expected relative order of "op Model/id" refs.
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count, record_count,
	// pending_count, remote_requests).
	Count int `yaml:"count,omitempty"`

	// Absent asserts the record does not exist.
	Absent bool `yaml:"absent,omitempty"`

	// Version is the expected remote version (remote_state).
	Version int64 `yaml:"version,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertRecordCount    = "record_count"
	AssertPendingCount   = "pending_count"
	AssertRemoteState    = "remote_state"
	AssertRemoteRequests = "remote_requests"
)

// LoadScenario reads and parses a scenario YAML file. Relative schema paths
// are resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file, resolving
// relative schema paths against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, p := range scenario.Schemas {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Schemas[i] = filepath.Join(basePath, p)
		}
	}
	for _, p := range scenario.Schemas {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("invalid scenario: schema file not found: %s", p)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Schemas) == 0 && s.Models == "" {
		return fmt.Errorf("schemas or models is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if len(s.Seed) > 0 && !s.Remote {
		return fmt.Errorf("seed requires remote: true")
	}

	for i, r := range s.Seed {
		if r.Model == "" || r.Record == nil {
			return fmt.Errorf("seed[%d]: model and record are required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step, s.Remote); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, s.Remote); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, remote bool) error {
	actions := 0
	for _, set := range []bool{
		step.Save != nil, step.Delete != nil, step.RemotePut != nil,
		step.RemoteRemove != nil, step.Start, step.Stop, step.Await != nil,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, actions)
	}
	if step.ExpectError != "" && step.Save == nil && step.Delete == nil {
		return fmt.Errorf("steps[%d]: expect_error applies only to save and delete", index)
	}

	switch {
	case step.Save != nil:
		if step.Save.Model == "" || step.Save.Record == nil {
			return fmt.Errorf("steps[%d].save: model and record are required", index)
		}
	case step.Delete != nil:
		if step.Delete.Model == "" {
			return fmt.Errorf("steps[%d].delete: model is required", index)
		}
	case step.RemotePut != nil, step.RemoteRemove != nil, step.Start:
		if !remote {
			return fmt.Errorf("steps[%d]: remote steps require remote: true", index)
		}
	case step.Await != nil:
		a := step.Await
		if a.State == "" && a.RemoteEvents == 0 && a.Pending == nil {
			return fmt.Errorf("steps[%d].await: state, remote_events or pending is required", index)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, remote bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Model == "" {
			return fmt.Errorf("assertions[%d]: model is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState, AssertRemoteState:
		if a.Model == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: model and id are required for %s", index, a.Type)
		}
		if a.Type == AssertRemoteState && !remote {
			return fmt.Errorf("assertions[%d]: remote_state requires remote: true", index)
		}
	case AssertRecordCount:
		if a.Model == "" {
			return fmt.Errorf("assertions[%d]: model is required for record_count", index)
		}
	case AssertPendingCount:
	case AssertRemoteRequests:
		if !remote {
			return fmt.Errorf("assertions[%d]: remote_requests requires remote: true", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

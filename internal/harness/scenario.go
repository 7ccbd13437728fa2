package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStartMs is the world clock at the start of a scenario unless the
// scenario sets start_ms.
const DefaultStartMs = 1_700_000_000_000

// DefaultAudience is used by replicas and writes that do not name one.
const DefaultAudience = "list:1"

// Scenario defines a multi-replica sync scenario. Replicas mutate their
// local datasets and reconcile with one in-process server; assertions check
// the final state of every node.
type Scenario struct {
	// Name uniquely identifies this scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is an optional CUE schema file or directory. Paths are
	// relative to the scenario file when loaded with a base path.
	Schema string `yaml:"schema,omitempty"`

	// StartMs is the initial world clock in Unix milliseconds.
	StartMs uint64 `yaml:"start_ms,omitempty"`

	Replicas []ReplicaSpec `yaml:"replicas"`

	Flow []FlowStep `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// ReplicaSpec declares one client replica.
type ReplicaSpec struct {
	ID string `yaml:"id"`

	// SkewMs offsets the replica's physical clock from the world clock.
	SkewMs int64 `yaml:"skew_ms,omitempty"`

	// Audiences defaults to [DefaultAudience].
	Audiences []string `yaml:"audiences,omitempty"`
}

// FlowStep is one step of the flow. Exactly one operation field is set;
// Advance and Compact act on the world and the server and take no replica.
type FlowStep struct {
	Replica string `yaml:"replica,omitempty"`

	Put       *RowWrite    `yaml:"put,omitempty"`
	Delete    *RowWrite    `yaml:"delete,omitempty"`
	Sync      bool         `yaml:"sync,omitempty"`
	Bootstrap bool         `yaml:"bootstrap,omitempty"`
	Advance   string       `yaml:"advance,omitempty"`
	Compact   *CompactStep `yaml:"compact,omitempty"`

	// Expect checks the outcome of a sync or bootstrap step. Without it
	// the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RowWrite is a captured write of one row.
type RowWrite struct {
	Table    string         `yaml:"table"`
	Row      string         `yaml:"row"`
	Audience string         `yaml:"audience,omitempty"`
	Values   map[string]any `yaml:"values,omitempty"`
}

// CompactStep runs one compaction pass on the server.
type CompactStep struct {
	Retention string `yaml:"retention"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected reconciliation error kind (e.g. "behind_head",
	// "invalid_batch"). Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Round is a subset match on the round result, keyed by its JSON field
	// names (fetched, uploaded, rolled_back, ...).
	Round map[string]any `yaml:"round,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Node is a replica id or "server" (row, row_absent, log_order,
	// conflict_count).
	Node string `yaml:"node,omitempty"`

	Table string `yaml:"table,omitempty"`
	Row   string `yaml:"row,omitempty"`

	// Expect is a subset match on the row image (row).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Actions is the expected order of action ids (log_order). Other
	// actions may appear in between.
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of recorded conflicts (conflict_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged     = "converged"
	AssertRow           = "row"
	AssertRowAbsent     = "row_absent"
	AssertLogOrder      = "log_order"
	AssertConflictCount = "conflict_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, "")
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}
	if scenario.Schema != "" {
		if _, err := os.Stat(scenario.Schema); err != nil {
			return nil, fmt.Errorf("invalid scenario: schema not found: %s", scenario.Schema)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	replicas := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		switch {
		case r.ID == "":
			return fmt.Errorf("replicas[%d]: id is required", i)
		case r.ID == ServerNode:
			return fmt.Errorf("replicas[%d]: id %q is reserved", i, ServerNode)
		case replicas[r.ID]:
			return fmt.Errorf("replicas[%d]: duplicate id %q", i, r.ID)
		}
		replicas[r.ID] = true
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step, replicas); err != nil {
			return err
		}
	}

	nodes := map[string]bool{ServerNode: true}
	for id := range replicas {
		nodes[id] = true
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, nodes); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step FlowStep, replicas map[string]bool) error {
	ops := 0
	for _, set := range []bool{
		step.Put != nil, step.Delete != nil, step.Sync, step.Bootstrap,
		step.Advance != "", step.Compact != nil,
	} {
		if set {
			ops++
		}
	}
	if ops != 1 {
		return fmt.Errorf("flow[%d]: exactly one operation is required, got %d", i, ops)
	}

	world := step.Advance != "" || step.Compact != nil
	switch {
	case world && step.Replica != "":
		return fmt.Errorf("flow[%d]: advance and compact do not take a replica", i)
	case !world && !replicas[step.Replica]:
		return fmt.Errorf("flow[%d]: unknown replica %q", i, step.Replica)
	}

	for _, w := range []*RowWrite{step.Put, step.Delete} {
		if w != nil && (w.Table == "" || w.Row == "") {
			return fmt.Errorf("flow[%d]: table and row are required", i)
		}
	}
	if step.Put != nil && len(step.Put.Values) == 0 {
		return fmt.Errorf("flow[%d]: put needs values", i)
	}
	if step.Advance != "" {
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("flow[%d]: advance must be a positive duration, got %q", i, step.Advance)
		}
	}
	if step.Compact != nil {
		if d, err := time.ParseDuration(step.Compact.Retention); err != nil || d <= 0 {
			return fmt.Errorf("flow[%d]: compact retention must be a positive duration, got %q", i, step.Compact.Retention)
		}
	}
	if step.Expect != nil && !step.Sync && !step.Bootstrap {
		return fmt.Errorf("flow[%d]: expect is only valid on sync and bootstrap", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Type != AssertConverged && !nodes[a.Node] {
		return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
	}

	switch a.Type {
	case AssertConverged:
	case AssertRow:
		if a.Table == "" || a.Row == "" {
			return fmt.Errorf("assertions[%d]: table and row are required for row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertRowAbsent:
		if a.Table == "" || a.Row == "" {
			return fmt.Errorf("assertions[%d]: table and row are required for row_absent", index)
		}
	case AssertLogOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for log_order", index)
		}
	case AssertConflictCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for conflict_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

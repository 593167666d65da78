package harness

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gradsim/internal/remote"
)

// DefaultSessionID is used when a scenario does not name its session.
const DefaultSessionID = "scenario"

// Scenario is a scripted conversation with one remote session.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// SessionID is the fixed session id. Defaults to DefaultSessionID.
	SessionID string `yaml:"session_id,omitempty"`

	// Session overrides the session limits. Zero fields take the defaults.
	Session SessionLimits `yaml:"session,omitempty"`

	// Steps are fed to the session one line at a time.
	Steps []Step `yaml:"steps"`

	// Assertions validate the full trace once every step ran.
	Assertions []Assertion `yaml:"assertions"`
}

// SessionLimits mirrors the tunable parts of remote.Config.
type SessionLimits struct {
	MaxStepCount int `yaml:"max_step_count,omitempty"`
}

// Step is one protocol line. Either Op (with optional Data) or Raw is set.
type Step struct {
	Op   string         `yaml:"op,omitempty"`
	Data map[string]any `yaml:"data,omitempty"`

	// Raw is sent verbatim, for lines that cannot be built from op/data.
	Raw string `yaml:"raw,omitempty"`

	// Expect checks what the session sent back for this line.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the response to a single step.
type Expect struct {
	// Values are the expected node values of a pushed state.
	Values []Value `yaml:"values,omitempty"`

	// Neighbors are the expected neighbor lists of a pushed state.
	Neighbors [][]int `yaml:"neighbors,omitempty"`

	// Error is a substring the reported error must contain, usually its code.
	Error string `yaml:"error,omitempty"`

	// Silent requires that the step produced no output at all.
	Silent bool `yaml:"silent,omitempty"`

	// Tolerance is the allowed absolute difference per value. Default 1e-9.
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// Value is a node value in scenario YAML. inf and .inf both decode to +Inf.
type Value float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: value must be a number or inf", node.Line)
	}
	switch strings.ToLower(node.Value) {
	case "inf", "+inf", ".inf", "+.inf":
		*v = Value(math.Inf(1))
		return nil
	}
	f, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return fmt.Errorf("line %d: value must be a number or inf, got %q", node.Line, node.Value)
	}
	*v = Value(f)
	return nil
}

// Assertion validates the whole trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Values is used by final_values.
	Values []Value `yaml:"values,omitempty"`

	// Node and Neighbors are used by final_neighbors.
	Node      int   `yaml:"node,omitempty"`
	Neighbors []int `yaml:"neighbors,omitempty"`

	// Count is used by reachable_count, push_count and error_count.
	Count int `yaml:"count,omitempty"`

	// Text is used by error_contains.
	Text string `yaml:"text,omitempty"`

	// Tolerance is used by final_values. Default 1e-9.
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalValues    = "final_values"
	AssertFinalNeighbors = "final_neighbors"
	AssertReachableCount = "reachable_count"
	AssertPushCount      = "push_count"
	AssertErrorCount     = "error_count"
	AssertErrorContains  = "error_contains"
	AssertConverged      = "converged"
)

var knownOps = map[string]bool{
	remote.OpCreateSim:   true,
	remote.OpSetSource:   true,
	remote.OpStep:        true,
	remote.OpNewPosition: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
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
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Session.MaxStepCount < 0 {
		return fmt.Errorf("session.max_step_count must be non-negative")
	}

	for i, step := range s.Steps {
		switch {
		case step.Raw != "" && (step.Op != "" || step.Data != nil):
			return fmt.Errorf("steps[%d]: raw cannot be combined with op or data", i)
		case step.Raw == "" && step.Op == "":
			return fmt.Errorf("steps[%d]: op or raw is required", i)
		case step.Op != "" && !knownOps[step.Op]:
			return fmt.Errorf("steps[%d]: unknown op %q (use raw for invalid lines)", i, step.Op)
		}
		if e := step.Expect; e != nil {
			if e.Silent && (e.Values != nil || e.Neighbors != nil || e.Error != "") {
				return fmt.Errorf("steps[%d].expect: silent cannot be combined with other expectations", i)
			}
			if e.Error != "" && (e.Values != nil || e.Neighbors != nil) {
				return fmt.Errorf("steps[%d].expect: error cannot be combined with values or neighbors", i)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalValues:
		if a.Values == nil {
			return fmt.Errorf("assertions[%d]: values is required for final_values", index)
		}
	case AssertFinalNeighbors:
		if a.Node < 0 {
			return fmt.Errorf("assertions[%d]: node must be non-negative for final_neighbors", index)
		}
		if a.Neighbors == nil {
			return fmt.Errorf("assertions[%d]: neighbors is required for final_neighbors", index)
		}
	case AssertReachableCount, AssertPushCount, AssertErrorCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertErrorContains:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for error_contains", index)
		}
	case AssertConverged:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/assay/internal/ingest"
)

// Scenario defines one end-to-end test of ingestion, scheduling and review.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Declarations is inline CUE declaring policies and configs.
	Declarations string `yaml:"declarations,omitempty"`

	// DeclarationsDir is a directory of CUE files, relative to the
	// scenario file once loaded.
	DeclarationsDir string `yaml:"declarations_dir,omitempty"`

	// Units adds scripted units by name.
	Units map[string]ScriptedUnit `yaml:"units,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ScriptedUnit fails its first FailTrials trials with Outcome, then
// returns Result.
type ScriptedUnit struct {
	FailTrials int            `yaml:"fail_trials,omitempty"`
	Outcome    string         `yaml:"outcome,omitempty"`
	Result     map[string]any `yaml:"result,omitempty"`
}

// Scripted outcomes.
const (
	OutcomeError     = "error"
	OutcomeException = "exception"
	OutcomePanic     = "panic"
	OutcomeTimeout   = "timeout"
)

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Ingest []ingest.RecordDoc `yaml:"ingest,omitempty"`
	Run    *RunStep           `yaml:"run,omitempty"`
	Review *ReviewStep        `yaml:"review,omitempty"`
	Reset  *ResetStep         `yaml:"reset,omitempty"`
}

// kind names the field that is set.
func (s Step) kind() string {
	switch {
	case s.Ingest != nil:
		return "ingest"
	case s.Run != nil:
		return "run"
	case s.Review != nil:
		return "review"
	case s.Reset != nil:
		return "reset"
	}
	return ""
}

func (s Step) count() int {
	n := 0
	if s.Ingest != nil {
		n++
	}
	if s.Run != nil {
		n++
	}
	if s.Review != nil {
		n++
	}
	if s.Reset != nil {
		n++
	}
	return n
}

// RunStep drains the scheduler with a pool of Workers (default 1).
type RunStep struct {
	Workers int `yaml:"workers,omitempty"`
}

// ReviewStep runs one reviewer over a selection.
type ReviewStep struct {
	// Reviewer is "summary" or "integrity".
	Reviewer string   `yaml:"reviewer"`
	Entities []string `yaml:"entities,omitempty"`
	Unit     string   `yaml:"unit,omitempty"`
	Config   string   `yaml:"config,omitempty"`

	// States defaults to COMPLETED for summary and to the integrity states
	// for integrity.
	States []string `yaml:"states,omitempty"`
}

// ResetStep resets every task of an entity and config.
type ResetStep struct {
	Entity   string `yaml:"entity"`
	Config   string `yaml:"config"`
	Priority bool   `yaml:"priority,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Entity string `yaml:"entity,omitempty"`
	Config string `yaml:"config,omitempty"`
	Policy string `yaml:"policy,omitempty"`

	// State is the expected state of every matching task (task_state).
	State string `yaml:"state,omitempty"`

	// Trials is the expected trial count of every matching task (task_state).
	Trials *int `yaml:"trials,omitempty"`

	// Count is the expected number of matches. For task_state, zero means
	// at least one.
	Count int `yaml:"count,omitempty"`

	// Members is the expected member order (compound_members).
	Members []string `yaml:"members,omitempty"`

	// Tag and Scope select journal entries (journal_count).
	Tag   string `yaml:"tag,omitempty"`
	Scope string `yaml:"scope,omitempty"`
}

// Assertion type constants.
const (
	AssertTaskState       = "task_state"
	AssertCompoundCount   = "compound_count"
	AssertCompoundMembers = "compound_members"
	AssertJournalCount    = "journal_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// declarations_dir is resolved relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.DeclarationsDir != "" && !filepath.IsAbs(scenario.DeclarationsDir) {
		scenario.DeclarationsDir = filepath.Join(filepath.Dir(path), scenario.DeclarationsDir)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML held in memory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
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
	if s.Declarations == "" && s.DeclarationsDir == "" {
		return fmt.Errorf("declarations or declarations_dir is required")
	}
	if s.Declarations != "" && s.DeclarationsDir != "" {
		return fmt.Errorf("declarations and declarations_dir are mutually exclusive")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, u := range s.Units {
		if u.FailTrials < 0 {
			return fmt.Errorf("units.%s: fail_trials must be non-negative", name)
		}
		switch u.Outcome {
		case "", OutcomeError, OutcomeException, OutcomePanic, OutcomeTimeout:
		default:
			return fmt.Errorf("units.%s: unknown outcome %q", name, u.Outcome)
		}
		if u.FailTrials > 0 && u.Outcome == "" {
			return fmt.Errorf("units.%s: outcome is required when fail_trials is set", name)
		}
	}

	for i, step := range s.Steps {
		if step.count() != 1 {
			return fmt.Errorf("steps[%d]: exactly one of ingest, run, review, reset is required", i)
		}
		if r := step.Review; r != nil && r.Reviewer != "summary" && r.Reviewer != "integrity" {
			return fmt.Errorf("steps[%d]: unknown reviewer %q", i, r.Reviewer)
		}
		if r := step.Reset; r != nil && (r.Entity == "" || r.Config == "") {
			return fmt.Errorf("steps[%d]: reset requires entity and config", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTaskState:
		if a.Entity == "" || a.Config == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: entity, config and state are required for task_state", index)
		}
	case AssertCompoundCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for compound_count", index)
		}
	case AssertCompoundMembers:
		if a.Entity == "" || a.Policy == "" || len(a.Members) == 0 {
			return fmt.Errorf("assertions[%d]: entity, policy and members are required for compound_members", index)
		}
	case AssertJournalCount:
		if a.Tag == "" {
			return fmt.Errorf("assertions[%d]: tag is required for journal_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is one saga run with its expected outcome.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Saga is the saga name passed to the Coordinator.
	Saga string `yaml:"saga"`

	CorrelationID string `yaml:"correlation_id,omitempty"`

	// Context holds the initial saga context values.
	Context map[string]any `yaml:"context,omitempty"`

	// Idempotent routes every step and compensation through an
	// idempotency registry.
	Idempotent bool `yaml:"idempotent,omitempty"`

	Steps []StepSpec `yaml:"steps"`

	// Expect checks the terminal status. Optional.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// StepSpec scripts the behaviour of one step.
type StepSpec struct {
	Name string `yaml:"name"`

	// Result is returned from Execute and stored in the saga context.
	Result map[string]any `yaml:"result,omitempty"`

	// Fail makes Execute return an error with this message.
	Fail string `yaml:"fail,omitempty"`

	// CompensateFail makes Compensate return an error with this message.
	CompensateFail string `yaml:"compensate_fail,omitempty"`
}

// ExpectClause describes the terminal outcome of the run.
type ExpectClause struct {
	Status string `yaml:"status"`

	// ErrorKind is the fault kind returned by the runner, empty on success.
	ErrorKind string `yaml:"error_kind,omitempty"`
}

// Assertion validates the trace or the final saga state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is "execute" or "compensate" (trace_contains, trace_count).
	// Defaults to execute.
	Event string `yaml:"event,omitempty"`

	Step string `yaml:"step,omitempty"`

	// Error is the exact error recorded on the event (trace_contains).
	Error string `yaml:"error,omitempty"`

	// Order lists "event:step" entries; a bare step name means execute.
	Order []string `yaml:"order,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count *int `yaml:"count,omitempty"`

	// Where selects a sub-object of the saga state (final_state).
	// Only the "step" key is understood.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset of fields that must match (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly under dir whose
// base name matches filter. An empty filter matches everything.
func FindScenarios(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Saga == "" {
		return fmt.Errorf("saga is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 && s.Expect == nil {
		return fmt.Errorf("expect or assertions is required")
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("steps[%d]: duplicate step %q", i, step.Name)
		}
		seen[step.Name] = true
		if step.Fail != "" && step.Result != nil {
			return fmt.Errorf("steps[%d]: fail and result are mutually exclusive", i)
		}
	}

	if s.Expect != nil && s.Expect.Status == "" {
		return fmt.Errorf("expect: status is required")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, seen); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion, steps map[string]bool) error {
	checkStep := func(name string) error {
		if name == "" {
			return fmt.Errorf("%s requires step", a.Type)
		}
		if !steps[name] {
			return fmt.Errorf("unknown step %q", name)
		}
		return nil
	}

	switch a.Type {
	case AssertTraceContains:
		if err := checkEvent(a.Event); err != nil {
			return err
		}
		return checkStep(a.Step)
	case AssertTraceCount:
		if err := checkEvent(a.Event); err != nil {
			return err
		}
		if a.Count == nil {
			return fmt.Errorf("trace_count requires count")
		}
		return checkStep(a.Step)
	case AssertTraceOrder:
		if len(a.Order) < 2 {
			return fmt.Errorf("trace_order requires at least two entries")
		}
		for _, entry := range a.Order {
			event, step := splitOrderEntry(entry)
			if err := checkEvent(event); err != nil {
				return err
			}
			if err := checkStep(step); err != nil {
				return err
			}
		}
		return nil
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("final_state requires expect")
		}
		for k, v := range a.Where {
			if k != "step" {
				return fmt.Errorf("final_state: unsupported where key %q", k)
			}
			name, ok := v.(string)
			if !ok {
				return fmt.Errorf("final_state: where.step must be a string")
			}
			if err := checkStep(name); err != nil {
				return err
			}
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func checkEvent(event string) error {
	switch event {
	case "", EventExecute, EventCompensate:
		return nil
	}
	return fmt.Errorf("unknown event %q", event)
}

// splitOrderEntry parses "event:step". A bare name is an execute event.
func splitOrderEntry(entry string) (event, step string) {
	if e, s, ok := strings.Cut(entry, ":"); ok {
		return e, s
	}
	return EventExecute, entry
}

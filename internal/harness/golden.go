package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/durable/internal/payload"
)

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	ScenarioName       string       `json:"scenario_name"`
	SagaID             string       `json:"saga_id"`
	Status             string       `json:"status"`
	ErrorKind          string       `json:"error_kind,omitempty"`
	Trace              []TraceEvent `json:"trace"`
	Steps              []StepState  `json:"steps"`
	CompensationErrors []string     `json:"compensation_errors,omitempty"`
}

// Snapshot returns the canonical JSON golden form of result.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	return payload.Marshal(TraceSnapshot{
		ScenarioName:       scenarioName,
		SagaID:             result.SagaID,
		Status:             result.Status,
		ErrorKind:          result.ErrorKind,
		Trace:              result.Trace,
		Steps:              result.Steps,
		CompensationErrors: result.CompensationErrors,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

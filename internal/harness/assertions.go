package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails. It carries the full
// trace to make the failure readable without rerunning.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		if ev.Error != "" {
			fmt.Fprintf(&buf, "  [%d] %s %s (%s)\n", ev.Seq, ev.Type, ev.Step, ev.Error)
			continue
		}
		fmt.Fprintf(&buf, "  [%d] %s %s\n", ev.Seq, ev.Type, ev.Step)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func eventOrDefault(event string) string {
	if event == "" {
		return EventExecute
	}
	return event
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	event := eventOrDefault(a.Event)
	for _, ev := range trace {
		if ev.Type == event && ev.Step == a.Step && (a.Error == "" || ev.Error == a.Error) {
			return nil
		}
	}

	expected := fmt.Sprintf("%s %s", event, a.Step)
	if a.Error != "" {
		expected += fmt.Sprintf(" with error %q", a.Error)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each entry comes
// after the first occurrence of the previous one. Other events may appear
// in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int, len(a.Order))
	for i, ev := range trace {
		key := ev.Type + ":" + ev.Step
		if _, ok := positions[key]; !ok {
			positions[key] = i + 1
		}
	}

	keys := make([]string, len(a.Order))
	for i, entry := range a.Order {
		event, step := splitOrderEntry(entry)
		keys[i] = event + ":" + step
		if positions[keys[i]] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Order),
				Actual:   fmt.Sprintf("missing event: %s", keys[i]),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(keys); i++ {
		prev, curr := keys[i-1], keys[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Order),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	event := eventOrDefault(a.Event)
	count := 0
	for _, ev := range trace {
		if ev.Type == event && ev.Step == a.Step {
			count++
		}
	}

	want := 0
	if a.Count != nil {
		want = *a.Count
	}
	if count != want {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s %s exactly %d times", event, a.Step, want),
			Actual:   fmt.Sprintf("found %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState matches expect as a subset of the saga JSON, or of one
// step object when where.step is set.
func assertFinalState(result *Result, a Assertion) error {
	target := result.State
	scope := "saga"

	if name, ok := a.Where["step"].(string); ok {
		scope = "step " + name
		target = findStep(result.State, name)
		if target == nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s exists", scope),
				Actual:   "step not found in saga state",
				Trace:    result.Trace,
			}
		}
	}

	expected, err := normalize(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		actual, ok := target[k]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s has field %s=%v", scope, k, expected[k]),
				Actual:   "field missing",
				Trace:    result.Trace,
			}
		}
		if !reflect.DeepEqual(actual, expected[k]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s field %s=%v", scope, k, expected[k]),
				Actual:   fmt.Sprintf("%s=%v", k, actual),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func findStep(state map[string]any, name string) map[string]any {
	steps, _ := state["steps"].([]any)
	for _, s := range steps {
		m, ok := s.(map[string]any)
		if ok && m["name"] == name {
			return m
		}
	}
	return nil
}

// normalize round-trips YAML values through JSON so numbers and nested
// maps compare equal to the decoded saga state.
func normalize(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

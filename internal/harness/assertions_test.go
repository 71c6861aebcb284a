package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTrace = []TraceEvent{
	{Seq: 1, Type: EventExecute, Step: "a"},
	{Seq: 2, Type: EventExecute, Step: "b", Error: "boom"},
	{Seq: 3, Type: EventCompensate, Step: "a"},
}

func TestAssertTraceContains(t *testing.T) {
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Step: "a"}))
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Step: "b", Error: "boom"}))
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Event: EventCompensate, Step: "a"}))

	err := assertTraceContains(sampleTrace, Assertion{Event: EventCompensate, Step: "b"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "compensate b", ae.Expected)
	assert.Contains(t, err.Error(), "[2] execute b (boom)")

	assert.Error(t, assertTraceContains(sampleTrace, Assertion{Step: "b", Error: "other"}))
}

func TestAssertTraceOrder(t *testing.T) {
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Order: []string{"a", "compensate:a"}}))
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Order: []string{"execute:a", "b", "compensate:a"}}))

	err := assertTraceOrder(sampleTrace, Assertion{Order: []string{"compensate:a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compensate:a (pos 3) should be before execute:b (pos 2)")

	err = assertTraceOrder(sampleTrace, Assertion{Order: []string{"a", "c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event: execute:c")
}

func TestAssertTraceCount(t *testing.T) {
	one, zero := 1, 0
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Step: "a", Count: &one}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Event: EventCompensate, Step: "b", Count: &zero}))

	err := assertTraceCount(sampleTrace, Assertion{Step: "a", Count: &zero})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 1 times")
}

func TestAssertFinalState(t *testing.T) {
	result := &Result{
		Trace: sampleTrace,
		State: map[string]any{
			"status":   "compensated",
			"revision": float64(6),
			"steps": []any{
				map[string]any{"name": "a", "status": "compensated", "result": map[string]any{"n": float64(1)}},
				map[string]any{"name": "b", "status": "failed"},
			},
		},
	}

	assert.NoError(t, assertFinalState(result, Assertion{Expect: map[string]any{"status": "compensated", "revision": 6}}))
	assert.NoError(t, assertFinalState(result, Assertion{
		Where:  map[string]any{"step": "a"},
		Expect: map[string]any{"result": map[string]any{"n": 1}},
	}))

	err := assertFinalState(result, Assertion{Where: map[string]any{"step": "b"}, Expect: map[string]any{"status": "completed"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=failed")

	err = assertFinalState(result, Assertion{Where: map[string]any{"step": "z"}, Expect: map[string]any{"status": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step not found")

	err = assertFinalState(result, Assertion{Expect: map[string]any{"missing": true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field missing")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(&Result{}, []Assertion{{Type: "nope"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "nope"`)
}

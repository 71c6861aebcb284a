package harness

// Trace event types.
const (
	EventExecute    = "execute"
	EventCompensate = "compensate"
)

// TraceEvent records one call into a step implementation.
type TraceEvent struct {
	Seq   int    `json:"seq"`
	Type  string `json:"type"`
	Step  string `json:"step"`
	Error string `json:"error,omitempty"`
}

// StepState is the final status of one step.
type StepState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when the expect clause and every assertion held.
	Pass bool `json:"pass"`

	SagaID    string `json:"saga_id"`
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Trace lists step calls in the order they happened.
	Trace []TraceEvent `json:"trace"`

	Steps              []StepState `json:"steps"`
	CompensationErrors []string    `json:"compensation_errors,omitempty"`

	Errors []string `json:"errors,omitempty"`

	// State is the decoded saga JSON used by final_state assertions.
	State map[string]any `json:"-"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(eventType, step string, err error) {
	ev := TraceEvent{Seq: len(r.Trace) + 1, Type: eventType, Step: step}
	if err != nil {
		ev.Error = err.Error()
	}
	r.Trace = append(r.Trace, ev)
}

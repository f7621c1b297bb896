package harness

// Trace event types.
const (
	EventStep       = "step"
	EventState      = "state"
	EventDecryption = "decryption"
	EventEphemeral  = "ephemeral"
)

// TraceEvent is one observable thing that happened during a scenario: a
// step the harness took, or a callback a client's engine made.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Client string `json:"client"`

	// Type is a step, state, decryption or ephemeral event, or one of the
	// engine's document update kinds (snapshot-saved, update-received...).
	Type string `json:"type"`

	SnapshotID string `json:"snapshot_id,omitempty"`
	Clock      *int64 `json:"clock,omitempty"`

	// Detail is the step action, the new state, or the message content.
	Detail string `json:"detail,omitempty"`
}

// ClientState is a client's status and document when the scenario ends.
type ClientState struct {
	State            string   `json:"state"`
	Decryption       string   `json:"decryption"`
	DocumentLoaded   bool     `json:"document_loaded"`
	ActiveSnapshotID string   `json:"active_snapshot_id,omitempty"`
	Lines            []string `json:"lines"`
	Errors           []int    `json:"errors,omitempty"`
	EphemeralErrors  []int    `json:"ephemeral_errors,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: true if every assertion held.
	Pass bool `json:"pass"`

	// Trace holds steps and client callbacks in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Clients holds each client's final state, keyed by client name.
	Clients map[string]ClientState `json:"clients,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Clients: make(map[string]ClientState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends an event with the next sequence number.
func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

// EventsFor returns the client's trace events of the given type.
func (r *Result) EventsFor(client, eventType string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Client == client && ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

package harness

import (
	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// TraceEvent is one journal event as scenarios see it. The run ID is left
// out so traces compare across runs.
type TraceEvent struct {
	Seq        int64             `json:"seq"`
	Kind       string            `json:"kind"`
	BaseName   string            `json:"base_name"`
	Subject    string            `json:"subject"`
	PendingKey string            `json:"pending_key,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`

	// Hash fingerprints kind, subject, pending key and detail.
	Hash string `json:"hash"`
}

func traceEvent(ev store.Event) (TraceEvent, error) {
	hash, err := digest.EventHash(string(ev.Kind), ev.Subject, ev.PendingKey, ev.Detail)
	if err != nil {
		return TraceEvent{}, err
	}
	return TraceEvent{
		Seq:        ev.Seq,
		Kind:       string(ev.Kind),
		BaseName:   ev.BaseName,
		Subject:    ev.Subject,
		PendingKey: ev.PendingKey,
		Reason:     ev.Reason,
		Detail:     ev.Detail,
		Hash:       hash,
	}, nil
}

// Message is one payload delivered to a connection.
type Message struct {
	// Key is set when the script waits for a reply.
	Key     string `json:"key,omitempty"`
	Payload any    `json:"payload"`
}

// StepResult is what one step produced.
type StepResult struct {
	Index  int       `json:"index"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Status string    `json:"status,omitempty"`
	Body   string    `json:"body,omitempty"`
	Sent   []Message `json:"sent,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is the journal of the run, ordered by seq.
	Trace []TraceEvent `json:"trace"`

	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// Scenario is one conformance test: a script library, a sequence of
// requests and connection traffic against it, and assertions over the
// resulting journal.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Scripts is the library, keyed by path relative to the library root
	// ("index.go", "modules/util.go", "chat.client.js").
	Scripts map[string]string `yaml:"scripts"`

	// Outbound stubs the network by URL. A call to a URL with no stub fails.
	Outbound map[string]Stub `yaml:"outbound,omitempty"`

	// ReadyFunction overrides the per-request entry point.
	ReadyFunction string `yaml:"ready_function,omitempty"`

	// Steps run in order. The scheduler is drained after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and exports.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Stub is a canned outbound response.
type Stub struct {
	Status int               `yaml:"status,omitempty"`
	Header map[string]string `yaml:"header,omitempty"`
	Body   string            `yaml:"body,omitempty"`

	// Error, when set, fails the call with this message instead.
	Error string `yaml:"error,omitempty"`
}

// Step is one action. Exactly one of Request, Connect, Event, Reply, Close
// or Update is set.
//
//	steps:
//	  - request: index          run a document request
//	    params: {name: world}
//	  - connect: chat           open a connection to a document
//	    as: c1
//	  - event: Greet            fire a handler on a connection
//	    conn: c1
//	    args: [lobby]
//	  - reply: c1               answer the oldest question asked on c1
//	    payload: bob
//	  - close: c1               drop a connection
//	  - update:                 replace script sources
//	      index.go: "..."
type Step struct {
	Request string            `yaml:"request,omitempty"`
	Params  map[string]string `yaml:"params,omitempty"`

	Connect string `yaml:"connect,omitempty"`
	As      string `yaml:"as,omitempty"`

	Event string `yaml:"event,omitempty"`
	Conn  string `yaml:"conn,omitempty"`
	Args  []any  `yaml:"args,omitempty"`

	Reply   string `yaml:"reply,omitempty"`
	Payload any    `yaml:"payload,omitempty"`

	Close string `yaml:"close,omitempty"`

	Update map[string]string `yaml:"update,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Action returns the step's verb, or "" if none is set.
func (s Step) Action() string {
	var set []string
	if s.Request != "" {
		set = append(set, StepRequest)
	}
	if s.Connect != "" {
		set = append(set, StepConnect)
	}
	if s.Event != "" {
		set = append(set, StepEvent)
	}
	if s.Reply != "" {
		set = append(set, StepReply)
	}
	if s.Close != "" {
		set = append(set, StepClose)
	}
	if len(s.Update) > 0 {
		set = append(set, StepUpdate)
	}
	if len(set) != 1 {
		return ""
	}
	return set[0]
}

// Step verbs.
const (
	StepRequest = "request"
	StepConnect = "connect"
	StepEvent   = "event"
	StepReply   = "reply"
	StepClose   = "close"
	StepUpdate  = "update"
)

// Expect checks the outcome of one step.
type Expect struct {
	// Status is the response status of a request step: served, no-script
	// or load-failed.
	Status string `yaml:"status,omitempty"`

	// Body is the exact response body of a request step.
	Body *string `yaml:"body,omitempty"`

	// Sent lists the payloads delivered to the step's connection while the
	// step ran, in order. Questions count.
	Sent []any `yaml:"sent,omitempty"`
}

// Assertion validates the trace or the final exports.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count or exports.
	Type string `yaml:"type"`

	// Kind, BaseName, Subject, Reason and Detail select journal events
	// (trace_contains, trace_count). Empty fields match anything; Detail
	// is a subset match.
	Kind     string            `yaml:"kind,omitempty"`
	BaseName string            `yaml:"base_name,omitempty"`
	Subject  string            `yaml:"subject,omitempty"`
	Reason   string            `yaml:"reason,omitempty"`
	Detail   map[string]string `yaml:"detail,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events lists "kind" or "kind subject" patterns that must appear in
	// this order (trace_order). Other events may come between them.
	Events []string `yaml:"events,omitempty"`

	// Document and Module name the environment whose exports are checked
	// (exports). Module is empty for the document itself.
	Document string `yaml:"document,omitempty"`
	Module   string `yaml:"module,omitempty"`

	// Expect is a subset of the exports (exports).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertExports       = "exports"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that a typo is reported instead of ignored.
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
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain slashes or spaces", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Scripts) == 0 {
		return fmt.Errorf("scripts map is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	conns := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, conns); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks one step. conns collects connection names as they are
// opened so later steps can be checked against them.
func validateStep(i int, step Step, conns map[string]bool) error {
	action := step.Action()
	if action == "" {
		return fmt.Errorf("steps[%d]: exactly one of request, connect, event, reply, close or update is required", i)
	}

	switch action {
	case StepConnect:
		name := step.As
		if name == "" {
			name = fmt.Sprintf("conn-%d", len(conns)+1)
		}
		if conns[name] {
			return fmt.Errorf("steps[%d]: connection %q opened twice", i, name)
		}
		conns[name] = true
	case StepEvent:
		if !conns[step.Conn] {
			return fmt.Errorf("steps[%d]: event needs conn naming an open connection, got %q", i, step.Conn)
		}
	case StepReply:
		if !conns[step.Reply] {
			return fmt.Errorf("steps[%d]: reply names unknown connection %q", i, step.Reply)
		}
	case StepClose:
		if !conns[step.Close] {
			return fmt.Errorf("steps[%d]: close names unknown connection %q", i, step.Close)
		}
	}

	if step.Expect == nil {
		return nil
	}
	if action != StepRequest && (step.Expect.Status != "" || step.Expect.Body != nil) {
		return fmt.Errorf("steps[%d].expect: status and body only apply to requests", i)
	}
	if step.Expect.Status != "" && !validStatus(step.Expect.Status) {
		return fmt.Errorf("steps[%d].expect: unknown status %q", i, step.Expect.Status)
	}
	if action == StepRequest && len(step.Expect.Sent) > 0 {
		return fmt.Errorf("steps[%d].expect: sent does not apply to requests", i)
	}
	return nil
}

func validStatus(s string) bool {
	switch s {
	case engine.Served.String(), engine.NoScript.String(), engine.LoadFailed.String():
		return true
	}
	return false
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertExports:
		if a.Document == "" {
			return fmt.Errorf("assertions[%d]: document is required for exports", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for exports", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

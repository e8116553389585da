package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", FormatEvent(ev))
		}
	}
	return buf.String()
}

// ExportsSource looks up an environment's exports. module is empty for the
// document itself.
type ExportsSource interface {
	Exports(document, module string) (engine.Exports, bool)
}

// AssertionContext provides what assertions need beyond the trace.
type AssertionContext struct {
	Exports ExportsSource
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertExports:
			if actx == nil || actx.Exports == nil {
				err = fmt.Errorf("exports assertion requires an exports source")
			} else {
				err = assertExports(actx.Exports, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errors
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeSelector(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the patterns match events in order. Events
// need not be consecutive; each pattern matches after the previous match.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, pattern := range a.Events {
		kind, subject, _ := strings.Cut(pattern, " ")
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Kind == kind && (subject == "" || ev.Subject == subject) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   fmt.Sprintf("no %q after the previous match", pattern),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of matching events.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describeSelector(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertExports checks the environment's exports with subset semantics.
func assertExports(src ExportsSource, a Assertion) error {
	target := a.Document
	if a.Module != "" {
		target += "/" + a.Module
	}
	exports, ok := src.Exports(a.Document, a.Module)
	if !ok {
		return &AssertionError{
			Type:     AssertExports,
			Expected: fmt.Sprintf("environment %s", target),
			Actual:   "never loaded",
		}
	}
	for _, key := range digest.SortedKeys(a.Expect) {
		want := a.Expect[key]
		got, exists := exports[key]
		if !exists {
			return &AssertionError{
				Type:     AssertExports,
				Expected: fmt.Sprintf("%s exports %s=%v", target, key, want),
				Actual:   "not exported",
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertExports,
				Expected: fmt.Sprintf("%s exports %s=%v", target, key, want),
				Actual:   fmt.Sprintf("%s=%v", key, got),
			}
		}
	}
	return nil
}

func matchEvent(ev TraceEvent, a Assertion) bool {
	if a.Kind != "" && ev.Kind != a.Kind {
		return false
	}
	if a.BaseName != "" && ev.BaseName != a.BaseName {
		return false
	}
	if a.Subject != "" && ev.Subject != a.Subject {
		return false
	}
	if a.Reason != "" && ev.Reason != a.Reason {
		return false
	}
	for k, v := range a.Detail {
		if ev.Detail[k] != v {
			return false
		}
	}
	return true
}

func describeSelector(a Assertion) string {
	parts := []string{a.Kind}
	if a.BaseName != "" {
		parts = append(parts, "base_name="+a.BaseName)
	}
	if a.Subject != "" {
		parts = append(parts, "subject="+a.Subject)
	}
	if a.Reason != "" {
		parts = append(parts, "reason="+a.Reason)
	}
	for _, k := range digest.SortedKeys(a.Detail) {
		parts = append(parts, k+"="+a.Detail[k])
	}
	return strings.Join(parts, " ")
}

// valuesEqual compares a script value with one decoded from YAML. Scripts
// and YAML pick different Go types for the same number, so scalars compare
// by their printed form.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// checkExpect compares one step's outcome with its expect clause.
func checkExpect(i int, step Step, sr StepResult) []string {
	exp := step.Expect
	if exp == nil {
		return nil
	}
	var errs []string
	if exp.Status != "" && sr.Status != exp.Status {
		errs = append(errs, fmt.Sprintf("steps[%d] %s %s: expected status %s, got %s",
			i, sr.Action, sr.Target, exp.Status, sr.Status))
	}
	if exp.Body != nil && sr.Body != *exp.Body {
		errs = append(errs, fmt.Sprintf("steps[%d] %s %s: expected body %q, got %q",
			i, sr.Action, sr.Target, *exp.Body, sr.Body))
	}
	if exp.Sent != nil {
		got := make([]any, len(sr.Sent))
		for j, m := range sr.Sent {
			got[j] = m.Payload
		}
		if !payloadsEqual(got, exp.Sent) {
			errs = append(errs, fmt.Sprintf("steps[%d] %s %s: expected sent %v, got %v",
				i, sr.Action, sr.Target, exp.Sent, got))
		}
	}
	return errs
}

func payloadsEqual(got, want []any) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !valuesEqual(got[i], want[i]) {
			return false
		}
	}
	return true
}

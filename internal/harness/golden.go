package harness

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
)

// FormatEvent renders one event as a single line:
//
//	<seq> <kind> <base_name> <subject> [<pending_key> [<reason>]] [<detail>]
//
// Detail is canonical JSON, so the line is stable across runs.
func FormatEvent(ev TraceEvent) string {
	parts := []string{strconv.FormatInt(ev.Seq, 10), ev.Kind, ev.BaseName, ev.Subject}
	if ev.PendingKey != "" {
		parts = append(parts, ev.PendingKey)
	}
	if ev.Reason != "" {
		parts = append(parts, ev.Reason)
	}
	if len(ev.Detail) > 0 {
		b, err := digest.MarshalCanonical(ev.Detail)
		if err != nil {
			parts = append(parts, "!"+err.Error())
		} else {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, " ")
}

// FormatTrace renders a scenario's trace for golden comparison.
func FormatTrace(scenarioName string, trace []TraceEvent) []byte {
	var buf strings.Builder
	buf.WriteString("# scenario: " + scenarioName + "\n")
	for _, ev := range trace {
		buf.WriteString(FormatEvent(ev))
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass as well.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result.Trace))
}

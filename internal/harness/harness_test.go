package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "Minimal test scenario",
		Scripts:     map[string]string{"index.go": minimalScript},
		Steps: []Step{
			{Request: "index", Expect: &Expect{Status: "served", Body: strptr("ok")}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Kind: "responded", Detail: map[string]string{"status": "served"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Steps, 1)
	assert.Equal(t, "served", result.Steps[0].Status)
	assert.Equal(t, "ok", result.Steps[0].Body)

	require.NotEmpty(t, result.Trace)
	assert.Equal(t, int64(1), result.Trace[0].Seq)
	assert.Equal(t, "submitted", result.Trace[0].Kind)
	assert.Equal(t, "request:req-1", result.Trace[0].Subject)
	assert.Equal(t, "responded", result.Trace[len(result.Trace)-1].Kind)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "wrong body",
		Scripts:     map[string]string{"index.go": minimalScript},
		Steps: []Step{
			{Request: "index", Expect: &Expect{Body: strptr("not ok")}},
			{Request: "nowhere", Expect: &Expect{Status: "served"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected body "not ok", got "ok"`)
	assert.Contains(t, result.Errors[1], "expected status served, got no-script")
}

func TestRun_ConnectRequiresInitializedDocument(t *testing.T) {
	scenario := &Scenario{
		Name:        "early_connect",
		Description: "connect before any request",
		Scripts:     map[string]string{"index.go": minimalScript},
		Steps:       []Step{{Connect: "index", As: "c1"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "document index is uninitialized")
}

func TestRun_ReplyWithoutQuestion(t *testing.T) {
	scenario := &Scenario{
		Name:        "stray_reply",
		Description: "reply nobody asked for",
		Scripts:     map[string]string{"index.go": minimalScript},
		Steps: []Step{
			{Request: "index"},
			{Connect: "index", As: "c1"},
			{Reply: "c1", Payload: "hello?"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no question is waiting")
}

func TestRun_ConnectionLocalHandler(t *testing.T) {
	script := `package main

import "jj"

func Ready() {}

func Upgrade() error {
	return jj.On("Ping", func(args []any) error {
		return jj.Send("local pong")
	})
}

func Ping() {
	jj.Send("document pong")
}
`
	scenario := &Scenario{
		Name:        "local_handler",
		Description: "a handler installed with On wins over the document function",
		Scripts:     map[string]string{"index.go": script},
		Steps: []Step{
			{Request: "index"},
			{Connect: "index", As: "c1"},
			{Connect: "index", As: "c2"},
			{Event: "Upgrade", Conn: "c1"},
			{Event: "Ping", Conn: "c1", Expect: &Expect{Sent: []any{"local pong"}}},
			{Event: "Ping", Conn: "c2", Expect: &Expect{Sent: []any{"document pong"}}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_MissingStubFailsCall(t *testing.T) {
	script := `package main

import "jj"

func Ready() {
	_, err := jj.Get("http://nowhere.test/")
	jj.Export("failed", jj.IsOutboundFailure(err))
}
`
	scenario := &Scenario{
		Name:        "missing_stub",
		Description: "an unstubbed URL fails",
		Scripts:     map[string]string{"index.go": script},
		Steps:       []Step{{Request: "index", Expect: &Expect{Status: "served"}}},
		Assertions: []Assertion{
			{Type: AssertExports, Document: "index", Expect: map[string]any{"failed": true}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TimerRunsAsInternalWork(t *testing.T) {
	script := `package main

import "jj"

func Ready() error {
	return jj.After(0, func() error {
		jj.Export("fired", true)
		return nil
	})
}
`
	scenario := &Scenario{
		Name:        "timer",
		Description: "After runs its callback once the request is done",
		Scripts:     map[string]string{"index.go": script},
		Steps:       []Step{{Request: "index"}},
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Events: []string{
				"responded request:req-1",
				"submitted env:index/index",
				"completed env:index/index",
			}},
			{Type: AssertExports, Document: "index", Expect: map[string]any{"fired": true}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_StepTimeoutStopsScenario(t *testing.T) {
	script := `package main

import "jj"

func Ready() error {
	return jj.After(60000, func() error { return nil })
}
`
	scenario := &Scenario{
		Name:        "slow_timer",
		Description: "a step that never settles",
		Scripts:     map[string]string{"index.go": script},
		Steps:       []Step{{Request: "index"}, {Request: "index"}},
	}

	result, err := Run(scenario, WithStepTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "scheduler did not settle")
	assert.Len(t, result.Steps, 1)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/connection_ask.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Steps, second.Steps)

	require.NotEmpty(t, first.Trace)
	for _, ev := range first.Trace {
		assert.Len(t, ev.Hash, 64, "seq %d", ev.Seq)
	}
	assert.NotEqual(t, first.Trace[0].Hash, first.Trace[1].Hash)
}

// Package harness runs conformance scenarios against the scheduler.
//
// A scenario carries its own script library, drives it with requests and
// scripted connection traffic, and asserts over the journal the scheduler
// writes while doing so.
//
// # Scenario Format
//
//	name: module_import
//	description: "Main suspends on Require until the module has initialized"
//	scripts:
//	  index.go: |
//	    package main
//	    ...
//	  modules/util.go: |
//	    ...
//	outbound:
//	  "http://upstream.test/data": {status: 200, body: ok}
//	steps:
//	  - request: index
//	    params: {name: world}
//	    expect: {status: served, body: "hello world"}
//	  - connect: index
//	    as: c1
//	  - event: Greet
//	    conn: c1
//	    args: [lobby]
//	    expect: {sent: ["name?"]}
//	  - reply: c1
//	    payload: bob
//	  - close: c1
//	assertions:
//	  - type: trace_order
//	    events: ["suspended request:req-1", "resumed request:req-1"]
//	  - type: exports
//	    document: index
//	    expect: {greeting: hello}
//
// # Assertion Types
//
//   - trace_contains: some event matches kind, base_name, subject, reason and detail
//   - trace_order: "kind [subject]" patterns match events in order
//   - trace_count: exactly count events match
//   - exports: a document's or module's exports contain the expected values
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite journal, pending keys from
// testutil.DeterministicClock, request IDs "req-1", "req-2", ... and
// connection IDs taken from the scenario. Steps run one at a time and the
// scheduler is drained between them, so the journal of a scenario is the
// same on every run and can be compared against testdata/golden.
package harness

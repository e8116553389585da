package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"testing/fstest"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/resource"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/server"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/testutil"
)

// DefaultStepTimeout bounds how long one step may take to settle.
const DefaultStepTimeout = 5 * time.Second

// Harness runs one scenario against a real scheduler with deterministic
// keys and identifiers, an in-memory journal and stubbed collaborators.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	runID    string
	files    *scriptFS
	lib      *resource.Library
	sched    *engine.Scheduler
	layer    *connectionLayer
	reqIDs   *testutil.SequentialIDs
	conns    map[string]*conn

	logger      *slog.Logger
	stepTimeout time.Duration
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes scheduler and library logs to l. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithStepTimeout bounds each step. Default: DefaultStepTimeout
func WithStepTimeout(d time.Duration) Option {
	return func(h *Harness) { h.stepTimeout = d }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory journal. Execution flow:
//  1. Build the script library from the scenario's sources
//  2. Start a scheduler journaling to the run "scenario:<name>"
//  3. Run each step, draining the scheduler after it, and check its expect
//  4. Read the trace back from the journal and evaluate the assertions
//
// An error is returned only when the harness itself cannot run; scenario
// failures are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:    scenario,
		runID:       "scenario:" + scenario.Name,
		reqIDs:      testutil.NewSequentialIDs("req"),
		conns:       make(map[string]*conn),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	h.store = st

	ctx := context.Background()
	if err := st.BeginRun(ctx, h.runID, "harness", testutil.Epoch); err != nil {
		return nil, err
	}

	h.files = newScriptFS(scenario.Scripts)
	h.lib = resource.NewLibrary(h.files, resource.WithLogger(h.logger))
	h.layer = &connectionLayer{}

	schedOpts := []engine.Option{
		engine.WithLogger(h.logger),
		engine.WithNetwork(stubNetwork(scenario.Outbound)),
		engine.WithConnectionLayer(h.layer),
		engine.WithJournal(st, h.runID),
		engine.WithKeyGenerator(testutil.NewDeterministicClock()),
	}
	if scenario.ReadyFunction != "" {
		schedOpts = append(schedOpts, engine.WithReadyFunction(scenario.ReadyFunction))
	}
	h.sched = engine.NewScheduler(h.lib, schedOpts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, h.stepTimeout)
		defer cancel()
		if err := h.sched.Close(closeCtx); err != nil {
			h.logger.Warn("scheduler close", "error", err)
		}
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		sr, err := h.runStep(ctx, i, step)
		result.Steps = append(result.Steps, sr)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s %s: %v", i, sr.Action, sr.Target, err))
			if errors.Is(err, context.DeadlineExceeded) {
				// The scheduler never settled; later steps would only
				// pile onto it.
				break
			}
			continue
		}
		for _, msg := range checkExpect(i, step, sr) {
			result.AddError(msg)
		}
	}

	events, err := st.ReadEvents(ctx, h.runID, store.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	for _, ev := range events {
		te, err := traceEvent(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		result.Trace = append(result.Trace, te)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Exports: libraryExports{h.lib}}) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, i int, step Step) (StepResult, error) {
	sr := StepResult{Index: i, Action: step.Action()}

	switch sr.Action {
	case StepRequest:
		sr.Target = step.Request
		return sr, h.request(ctx, step, &sr)

	case StepConnect:
		name := step.As
		if name == "" {
			name = fmt.Sprintf("conn-%d", len(h.conns)+1)
		}
		sr.Target = name
		env, err := h.lib.FindOrLoadDocumentEnvironment(step.Connect)
		if err != nil {
			return sr, err
		}
		if env.State() != engine.Initialized {
			return sr, fmt.Errorf("document %s is %s", env.BaseName(), env.State())
		}
		c := &conn{id: name, env: env}
		h.conns[name] = c
		h.sched.SubmitConnectionEvent(c, server.EventOpen)
		return sr, h.settle(ctx, c, &sr)

	case StepEvent:
		sr.Target = step.Conn
		c := h.conns[step.Conn]
		if !h.sched.SubmitConnectionEvent(c, step.Event, step.Args...) {
			return sr, errors.New("scheduler closed")
		}
		return sr, h.settle(ctx, c, &sr)

	case StepReply:
		sr.Target = step.Reply
		c := h.conns[step.Reply]
		key := c.nextQuestion()
		if key == "" {
			return sr, errors.New("no question is waiting for a reply")
		}
		if !h.sched.ResumeIfPending(c, key, step.Payload) {
			return sr, fmt.Errorf("question %s is no longer pending", key)
		}
		return sr, h.settle(ctx, c, &sr)

	case StepClose:
		sr.Target = step.Close
		c := h.conns[step.Close]
		c.markClosed()
		h.sched.AbandonOwner(c, engine.ErrConnectionClosed)
		h.sched.SubmitConnectionEvent(c, server.EventClose)
		return sr, h.settle(ctx, nil, &sr)

	case StepUpdate:
		paths := make([]string, 0, len(step.Update))
		for p := range step.Update {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			h.files.write(p, step.Update[p])
		}
		sr.Target = fmt.Sprint(paths)
		return sr, nil
	}
	return sr, fmt.Errorf("unknown step")
}

type response struct {
	status engine.ResponseStatus
	body   []byte
}

func (h *Harness) request(ctx context.Context, step Step, sr *StepResult) error {
	ch := make(chan response, 1)
	req := engine.NewDocumentRequest(h.reqIDs.Generate(), step.Request, step.Params,
		engine.ResponderFunc(func(status engine.ResponseStatus, body []byte) {
			ch <- response{status: status, body: body}
		}))
	if !h.sched.SubmitRequest(req) {
		return errors.New("scheduler closed")
	}
	if err := h.drain(ctx); err != nil {
		return err
	}

	select {
	case rep := <-ch:
		sr.Status = rep.status.String()
		sr.Body = string(rep.body)
		return nil
	default:
		return fmt.Errorf("%s was not responded to", req)
	}
}

// settle drains the scheduler and collects what c was sent meanwhile.
func (h *Harness) settle(ctx context.Context, c *conn, sr *StepResult) error {
	if err := h.drain(ctx); err != nil {
		return err
	}
	if c != nil {
		sr.Sent = c.take()
	}
	return nil
}

func (h *Harness) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.stepTimeout)
	defer cancel()
	if err := h.sched.Drain(ctx); err != nil {
		return fmt.Errorf("scheduler did not settle: %w", err)
	}
	return nil
}

// scriptFS is the scenario's library. Update steps replace files between
// steps while the library may be reading.
type scriptFS struct {
	mu    sync.RWMutex
	files fstest.MapFS
}

func newScriptFS(scripts map[string]string) *scriptFS {
	s := &scriptFS{files: fstest.MapFS{}}
	for p, src := range scripts {
		s.files[p] = &fstest.MapFile{Data: []byte(src)}
	}
	return s
}

func (s *scriptFS) Open(name string) (fs.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files.Open(name)
}

// write replaces path. An empty source removes it.
func (s *scriptFS) write(path, src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src == "" {
		delete(s.files, path)
		return
	}
	s.files[path] = &fstest.MapFile{Data: []byte(src)}
}

// stubNetwork answers outbound calls from the scenario's stubs.
type stubNetwork map[string]Stub

func (n stubNetwork) IssueOutboundCall(_ context.Context, req *engine.OutboundRequest) <-chan engine.OutboundResult {
	ch := make(chan engine.OutboundResult, 1)
	stub, ok := n[req.URL]
	switch {
	case !ok:
		ch <- engine.OutboundResult{Err: fmt.Errorf("no stub for %s", req.URL)}
	case stub.Error != "":
		ch <- engine.OutboundResult{Err: errors.New(stub.Error)}
	default:
		status := stub.Status
		if status == 0 {
			status = 200
		}
		ch <- engine.OutboundResult{Response: &engine.OutboundResponse{
			Status: status,
			Header: stub.Header,
			Body:   []byte(stub.Body),
		}}
	}
	return ch
}

type libraryExports struct {
	lib *resource.Library
}

func (l libraryExports) Exports(document, module string) (engine.Exports, bool) {
	if module == "" {
		doc, ok := l.lib.Document(document)
		if !ok {
			return nil, false
		}
		return doc.Exports(), true
	}
	mod, ok := l.lib.Module(document, module)
	if !ok {
		return nil, false
	}
	return mod.Exports(), true
}

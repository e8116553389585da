package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// fakeResources serves environments registered up front.
type fakeResources struct {
	mu       sync.Mutex
	docs     map[string]DocumentEnvironment
	modules  map[string]ModuleEnvironment
	failures map[string]error
	lookups  atomic.Int32
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		docs:     make(map[string]DocumentEnvironment),
		modules:  make(map[string]ModuleEnvironment),
		failures: make(map[string]error),
	}
}

func (r *fakeResources) addDocument(name string, prog Program, funcs map[string]Callable) *Document {
	doc := NewDocument(EnvironmentConfig{Name: name, Hash: "hash-" + name, Program: prog, Functions: funcs}, "")
	r.mu.Lock()
	r.docs[name] = doc
	r.mu.Unlock()
	return doc
}

func (r *fakeResources) addModule(baseName, id string, prog Program) *Module {
	mod := NewModule(EnvironmentConfig{BaseName: baseName, Hash: "hash-" + id, Program: prog}, id, nil)
	r.mu.Lock()
	r.modules[baseName+"/"+id] = mod
	r.mu.Unlock()
	return mod
}

func (r *fakeResources) fail(name string, err error) {
	r.mu.Lock()
	r.failures[name] = err
	r.mu.Unlock()
}

func (r *fakeResources) FindOrLoadDocumentEnvironment(baseName string) (DocumentEnvironment, error) {
	r.lookups.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[baseName]; err != nil {
		return nil, err
	}
	doc, ok := r.docs[baseName]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (r *fakeResources) FindOrLoadModuleEnvironment(baseName, identifier string) (ModuleEnvironment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[baseName+"/"+identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return mod, nil
}

// heldNetwork answers outbound calls only when the test releases them.
type heldNetwork struct {
	mu    sync.Mutex
	calls []heldCall
	ready chan struct{}
}

type heldCall struct {
	req *OutboundRequest
	ch  chan OutboundResult
}

func newHeldNetwork() *heldNetwork {
	return &heldNetwork{ready: make(chan struct{}, 64)}
}

func (n *heldNetwork) IssueOutboundCall(_ context.Context, req *OutboundRequest) <-chan OutboundResult {
	ch := make(chan OutboundResult, 1)
	n.mu.Lock()
	n.calls = append(n.calls, heldCall{req: req, ch: ch})
	n.mu.Unlock()
	n.ready <- struct{}{}
	return ch
}

// next waits for the next issued call.
func (n *heldNetwork) next(t *testing.T) heldCall {
	t.Helper()
	select {
	case <-n.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound call issued")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.calls[0]
	n.calls = n.calls[1:]
	return c
}

// instantNetwork answers every call with the same result.
type instantNetwork struct {
	result OutboundResult
}

func (n instantNetwork) IssueOutboundCall(_ context.Context, _ *OutboundRequest) <-chan OutboundResult {
	ch := make(chan OutboundResult, 1)
	ch <- n.result
	return ch
}

// fakeConnection is a Connection for tests.
type fakeConnection struct {
	HandlerTable
	id        string
	env       DocumentEnvironment
	leftScope atomic.Int32
}

func newFakeConnection(id string, env DocumentEnvironment) *fakeConnection {
	return &fakeConnection{id: id, env: env}
}

func (c *fakeConnection) ID() string                       { return c.id }
func (c *fakeConnection) Environment() DocumentEnvironment { return c.env }
func (c *fakeConnection) NotifyLeftScope()                 { c.leftScope.Add(1) }

// fakeConnections records delivered messages.
type fakeConnections struct {
	mu   sync.Mutex
	sent []ClientMessage
	err  error
	got  chan ClientMessage
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{got: make(chan ClientMessage, 64)}
}

func (c *fakeConnections) DeliverToClient(_ Connection, msg ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	c.got <- msg
	return nil
}

func (c *fakeConnections) next(t *testing.T) ClientMessage {
	t.Helper()
	select {
	case msg := <-c.got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return ClientMessage{}
	}
}

// memJournal keeps events in memory.
type memJournal struct {
	mu     sync.Mutex
	events []store.Event
}

func (j *memJournal) AppendEvent(_ context.Context, ev store.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) ofKind(kind store.Kind) []store.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []store.Event
	for _, ev := range j.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// response is one Respond call.
type response struct {
	status ResponseStatus
	body   string
}

type responses struct {
	ch    chan response
	count atomic.Int32
}

func newResponses() *responses {
	return &responses{ch: make(chan response, 64)}
}

func (r *responses) Respond(status ResponseStatus, body []byte) {
	r.count.Add(1)
	r.ch <- response{status: status, body: string(body)}
}

func (r *responses) next(t *testing.T) response {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("request was not responded to")
		return response{}
	}
}

func newTestScheduler(t *testing.T, res Resources, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s := NewScheduler(res, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func write(act *Activation, text string) {
	_, _ = act.Write([]byte(text))
}

var errBoom = errors.New("boom")

// requireInvariant runs fn and requires it to panic with an InvariantError.
func requireInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		require.True(t, IsInvariantError(r), "expected InvariantError, got %T: %v", r, r)
	}()
	fn()
}

func markInitialized(env Environment) {
	env.MarkInitializing()
	env.MarkInitialized()
}

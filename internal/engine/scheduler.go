package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// DefaultReadyFunction is the document entry point run after the top-level
// program, once per request.
const DefaultReadyFunction = "Ready"

// Journal records scheduler lifecycle events. *store.Store implements it.
type Journal interface {
	AppendEvent(ctx context.Context, ev store.Event) error
}

// Scheduler turns submissions into runs of script code and routes
// suspended runs to the dispatchers that complete them.
//
// Every operation is enqueued on the logical worker keyed by the target
// environment's baseName; nothing runs inline on the caller's goroutine.
// The per-key ordering of the WorkerPool is the only mutual exclusion an
// environment gets.
//
// Thread-safety model:
//   - Submit*, ResumeAfterExternalResult, ResumeIfPending, AbandonOwner:
//     safe from any goroutine
//   - everything that touches an environment runs on its worker
//
// INVARIANTS:
//   - a document's top-level program runs at most once per environment
//   - a request is responded to exactly once
//   - a module already Initialized is never loaded again
type Scheduler struct {
	resources Resources
	network   Network
	conns     ConnectionLayer

	registry *Registry
	keys     KeyGenerator
	coord    *Coordinator
	pool     *WorkerPool
	waiters  *initWaiters

	dispatchers map[Reason]Dispatcher

	journal Journal
	runID   string
	clock   *Clock

	logger        *slog.Logger
	readyFunction string
	workers       int
	poolOpts      []PoolOption

	// external counts work running outside the pool that will submit
	// more work: outbound calls in flight and armed timers.
	external atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNetwork sets the collaborator for outbound calls.
func WithNetwork(n Network) Option {
	return func(s *Scheduler) { s.network = n }
}

// WithConnectionLayer sets the collaborator that delivers client messages.
func WithConnectionLayer(c ConnectionLayer) Option {
	return func(s *Scheduler) { s.conns = c }
}

// WithRegistry injects the pending continuation registry.
func WithRegistry(r *Registry) Option {
	return func(s *Scheduler) { s.registry = r }
}

// WithKeyGenerator injects the pending key generator.
func WithKeyGenerator(k KeyGenerator) Option {
	return func(s *Scheduler) { s.keys = k }
}

// WithJournal records lifecycle events under runID. The run must already
// exist in the journal.
func WithJournal(j Journal, runID string) Option {
	return func(s *Scheduler) {
		s.journal = j
		s.runID = runID
	}
}

// WithClock sets the clock stamping journal events. Use NewClockAt when
// appending to an existing run.
func WithClock(c *Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger for the scheduler and everything it creates.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWorkers bounds the number of physical workers.
//
// Default: DefaultWorkers
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithReadyFunction renames the document entry point run per request.
func WithReadyFunction(name string) Option {
	return func(s *Scheduler) { s.readyFunction = name }
}

// WithDispatcher replaces the dispatcher for one suspension reason.
func WithDispatcher(reason Reason, d Dispatcher) Option {
	return func(s *Scheduler) { s.dispatchers[reason] = d }
}

// WithPoolOptions passes options through to the WorkerPool.
func WithPoolOptions(opts ...PoolOption) Option {
	return func(s *Scheduler) { s.poolOpts = append(s.poolOpts, opts...) }
}

// NewScheduler creates a scheduler over the given resource layer.
func NewScheduler(resources Resources, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		resources:     resources,
		registry:      NewRegistry(),
		keys:          NewClockKeys(),
		waiters:       newInitWaiters(),
		clock:         NewClock(),
		logger:        slog.Default(),
		readyFunction: DefaultReadyFunction,
		workers:       DefaultWorkers,
		ctx:           ctx,
		cancel:        cancel,
		timers:        make(map[*time.Timer]struct{}),
	}
	s.dispatchers = map[Reason]Dispatcher{
		ImportRequest: &ImportDispatcher{s: s},
		OutboundCall:  &OutboundDispatcher{s: s},
		ClientReply:   &ClientMessageDispatcher{s: s},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.runID == "" {
		s.runID = UUIDv7Generator{}.Generate()
	}
	s.coord = NewCoordinator(WithCoordinatorLogger(s.logger), withHost(s))
	poolOpts := append([]PoolOption{WithPoolLogger(s.logger)}, s.poolOpts...)
	s.pool = NewWorkerPool(s.workers, poolOpts...)
	return s
}

// Registry returns the pending continuation registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// RunID identifies this scheduler's journal run.
func (s *Scheduler) RunID() string { return s.runID }

// Parked returns how many submissions wait on env's initialization.
func (s *Scheduler) Parked(env Environment) int { return s.waiters.count(env) }

// SubmitRequest runs a document request: the top-level program if the
// document has never run, then the ready function, then the response.
// Returns false if the scheduler is closed.
func (s *Scheduler) SubmitRequest(req *DocumentRequest) bool {
	return s.submit(req.BaseName(), "request", func() {
		s.record(store.KindSubmitted, req.BaseName(), req.String(), "", "", nil)
		s.serveRequest(req, req.BaseName())
	})
}

// serveRequest runs on the worker for key. A document found under another
// name is served from that name's worker, so one environment never runs on
// two workers.
func (s *Scheduler) serveRequest(req *DocumentRequest, key string) {
	baseName := req.BaseName()

	env, err := s.resources.FindOrLoadDocumentEnvironment(baseName)
	if err != nil || env == nil {
		status := NoScript
		if err != nil && !errors.Is(err, ErrNotFound) {
			status = LoadFailed
			s.logger.Error("document failed to load",
				"base_name", baseName,
				"request", req.ID(),
				"error", err,
			)
		}
		s.respond(req, status)
		return
	}
	if owner := env.BaseName(); owner != key {
		s.submit(owner, "request", func() { s.serveRequest(req, owner) })
		return
	}

	switch env.State() {
	case Initialized:
		stack := s.newStack(nil)
		stack.PushRequest(req, env)
		s.readyPhase(stack, req, env)

	case Initializing:
		n := s.waiters.park(env, func() {
			s.submit(key, "request", func() { s.serveRequest(req, key) })
		})
		s.record(store.KindParked, baseName, req.String(), "", "",
			map[string]string{"waiting": strconv.Itoa(n)})

	default:
		req.setPhase(InitialExecution)
		s.advance(env, Initializing)
		stack := s.newStack(nil)
		stack.PushRequest(req, env)
		s.afterInitial(stack, req, env, s.coord.Execute(stack, env))
	}
}

func (s *Scheduler) afterInitial(stack *ContextStack, req *DocumentRequest, env Environment, out Outcome) {
	if !out.Completed() {
		s.suspended(out.Pending)
		return
	}
	s.record(store.KindCompleted, env.BaseName(), req.String(), "", "",
		map[string]string{"phase": InitialExecution.String()})

	s.advance(env, Initialized)
	for _, wake := range s.waiters.release(env) {
		wake()
	}
	s.readyPhase(stack, req, env)
}

func (s *Scheduler) readyPhase(stack *ContextStack, req *DocumentRequest, env Environment) {
	req.setPhase(ReadyFunctionExecution)
	fn := env.Function(s.readyFunction)
	if fn == nil {
		s.finishRequest(stack, req)
		return
	}
	s.afterReady(stack, req, s.coord.ExecuteFunction(stack, env, fn))
}

func (s *Scheduler) afterReady(stack *ContextStack, req *DocumentRequest, out Outcome) {
	if !out.Completed() {
		s.suspended(out.Pending)
		return
	}
	s.record(store.KindCompleted, req.BaseName(), req.String(), "", "",
		map[string]string{"phase": ReadyFunctionExecution.String()})
	s.finishRequest(stack, req)
}

func (s *Scheduler) finishRequest(stack *ContextStack, req *DocumentRequest) {
	stack.End()
	s.respond(req, Served)
}

func (s *Scheduler) respond(req *DocumentRequest, status ResponseStatus) {
	req.Respond(status)
	s.record(store.KindResponded, req.BaseName(), req.String(), "", "",
		map[string]string{"status": status.String()})
}

// SubmitModuleLoad runs a module's top-level program on behalf of an
// importer, then resumes the importer with the module's exports.
func (s *Scheduler) SubmitModuleLoad(rm *RequiredModule) bool {
	return s.submit(rm.BaseName, "module-load", func() { s.loadModule(rm) })
}

func (s *Scheduler) loadModule(rm *RequiredModule) {
	s.record(store.KindSubmitted, rm.BaseName, rm.String(), rm.PendingKey, "",
		map[string]string{"module": rm.Identifier})

	env := rm.Environment
	if env == nil {
		var err error
		env, err = s.resources.FindOrLoadModuleEnvironment(rm.BaseName, rm.Identifier)
		if err == nil && env == nil {
			err = ErrNotFound
		}
		if err != nil {
			s.ResumeAfterExternalResult(rm.ParentOwner(), rm.PendingKey,
				moduleLoadFailure(rm.BaseName, rm.Identifier, rm.PendingKey, err))
			return
		}
	}
	if env.State() == Initialized {
		invariant("scheduler.SubmitModuleLoad", "module %s under %s is already initialized", rm.Identifier, rm.BaseName)
	}

	s.advance(env, Initializing)
	stack := s.newStack(rm.ParentContext)
	stack.PushModule(rm, env)
	s.afterModule(stack, rm, env, s.coord.Execute(stack, env))
}

func (s *Scheduler) afterModule(stack *ContextStack, rm *RequiredModule, env Environment, out Outcome) {
	if !out.Completed() {
		s.suspended(out.Pending)
		return
	}
	s.record(store.KindCompleted, rm.BaseName, rm.String(), rm.PendingKey, "", nil)

	s.advance(env, Initialized)
	stack.End()
	s.ResumeAfterExternalResult(rm.ParentOwner(), rm.PendingKey, env.Exports())
}

// SubmitConnectionEvent runs a connection's handler for event. A handler
// installed on the connection wins over the document's function.
func (s *Scheduler) SubmitConnectionEvent(conn Connection, event string, args ...any) bool {
	return s.submit(conn.Environment().BaseName(), "event:"+event, func() {
		s.runConnectionEvent(conn, event, args)
	})
}

func (s *Scheduler) runConnectionEvent(conn Connection, event string, args []any) {
	env := conn.Environment()
	s.record(store.KindSubmitted, env.BaseName(), describeOwner(conn), "", "",
		map[string]string{"event": event})

	fn := conn.Handler(event)
	if fn == nil {
		fn = env.Function(event)
	}
	if fn == nil {
		s.logger.Debug("no handler for connection event",
			"base_name", env.BaseName(),
			"connection", conn.ID(),
			"event", event,
		)
	}

	stack := s.newStack(nil)
	stack.PushConnection(conn)
	s.afterEvent(stack, s.coord.ExecuteFunction(stack, env, fn, args...))
}

func (s *Scheduler) afterEvent(stack *ContextStack, out Outcome) {
	if !out.Completed() {
		s.suspended(out.Pending)
		return
	}
	conn := stack.Connection()
	s.record(store.KindCompleted, conn.Environment().BaseName(), describeOwner(conn), "", "", nil)
	stack.End()
}

// SubmitInternal runs fn inside env with no request or connection of its
// own. Suspensions made there are owned by env.
func (s *Scheduler) SubmitInternal(env Environment, fn Callable, args ...any) bool {
	return s.submitInternal(nil, env, fn, args)
}

func (s *Scheduler) submitInternal(parent *ExecutionContext, env Environment, fn Callable, args []any) bool {
	return s.submit(env.BaseName(), "internal", func() {
		s.record(store.KindSubmitted, env.BaseName(), describeOwner(env), "", "", nil)
		stack := s.newStack(parent)
		stack.PushInternal(env)
		s.afterInternal(stack, s.coord.ExecuteFunction(stack, env, fn, args...))
	})
}

func (s *Scheduler) afterInternal(stack *ContextStack, out Outcome) {
	if !out.Completed() {
		s.suspended(out.Pending)
		return
	}
	env := stack.Environment()
	s.record(store.KindCompleted, env.BaseName(), describeOwner(env), "", "", nil)
	stack.End()
}

// ResumeAfterExternalResult delivers the result of the suspension (owner,
// key). The resumption is enqueued on the suspended environment's worker.
//
// An unknown key is an invariant violation, except for keys an owner
// abandoned, whose late results are dropped.
func (s *Scheduler) ResumeAfterExternalResult(owner any, key string, value any) {
	pc, ok := s.registry.TryTake(owner, key)
	if !ok {
		if s.registry.ForgetAbandoned(owner, key) {
			s.logger.Debug("dropping result for abandoned continuation",
				"owner", describeOwner(owner),
				"pending_key", key,
			)
			return
		}
		if s.closed.Load() {
			return
		}
		invariant("scheduler.ResumeAfterExternalResult", "no pending continuation %s for %s", key, describeOwner(owner))
	}
	s.enqueueResume(pc, value)
}

// ResumeIfPending is ResumeAfterExternalResult for keys relayed from an
// untrusted source such as a client reply. It reports whether the key was
// pending.
func (s *Scheduler) ResumeIfPending(owner any, key string, value any) bool {
	pc, ok := s.registry.TryTake(owner, key)
	if !ok {
		return false
	}
	s.enqueueResume(pc, value)
	return true
}

// AbandonOwner resumes every continuation owner has pending with err.
// Results that arrive for them afterwards are dropped. Returns the number
// of continuations resumed.
func (s *Scheduler) AbandonOwner(owner any, err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}
	pcs := s.registry.Abandon(owner)
	for _, pc := range pcs {
		s.record(store.KindAbandoned, pc.Environment.BaseName(), describeOwner(owner), pc.Key, pc.Reason.String(), nil)
		s.enqueueResume(pc, err)
	}
	return len(pcs)
}

func (s *Scheduler) enqueueResume(pc *PendingContinuation, value any) {
	if !s.submit(pc.Environment.BaseName(), "resume", func() { s.resume(pc, value) }) {
		s.coord.Abort(pc)
	}
}

func (s *Scheduler) resume(pc *PendingContinuation, value any) {
	s.record(store.KindResumed, pc.Environment.BaseName(), describeOwner(pc.Owner), pc.Key, pc.Reason.String(), resultDetail(value))

	stack := s.newStack(pc.Context)
	out := s.coord.Resume(stack, pc, value)

	top := pc.Context
	switch top.Type() {
	case DocumentRequestContext:
		req := top.DocumentRequest()
		switch req.Phase() {
		case InitialExecution:
			s.afterInitial(stack, req, top.Environment(), out)
		case ReadyFunctionExecution:
			s.afterReady(stack, req, out)
		default:
			invariant("scheduler.resume", "%s resumed in phase %s", req, req.Phase())
		}
	case ModuleInitializationContext:
		s.afterModule(stack, top.RequiredModule(), top.Environment(), out)
	case WebSocketConnectionContext:
		s.afterEvent(stack, out)
	case InternalExecutionContext:
		s.afterInternal(stack, out)
	}
}

func (s *Scheduler) suspended(pc *PendingContinuation) {
	s.record(store.KindSuspended, pc.Environment.BaseName(), describeOwner(pc.Owner), pc.Key, pc.Reason.String(), suspensionDetail(pc))

	d := s.dispatchers[pc.Reason]
	if d == nil {
		invariant("scheduler.suspended", "no dispatcher for %s", pc.Reason)
	}
	d.Process(pc)
}

func (s *Scheduler) advance(env Environment, to InitState) {
	from := env.State()
	if to == Initialized {
		env.MarkInitialized()
	} else {
		env.MarkInitializing()
	}
	if from != to {
		s.record(store.KindState, env.BaseName(), describeOwner(env), "", "",
			map[string]string{"from": from.String(), "to": to.String()})
	}
}

// scheduleInternal arms a timer that submits fn as internal work on top of
// the frame that scheduled it.
func (s *Scheduler) scheduleInternal(parent *ExecutionContext, env Environment, delay time.Duration, fn Callable, args ...any) {
	if s.closed.Load() {
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.external.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer s.external.Add(-1)

		s.timerMu.Lock()
		delete(s.timers, t)
		s.timerMu.Unlock()

		s.submitInternal(parent, env, fn, args)
	})
	s.timers[t] = struct{}{}
}

func (s *Scheduler) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	for t := range s.timers {
		if t.Stop() {
			s.external.Add(-1)
		}
		delete(s.timers, t)
	}
}

func (s *Scheduler) deliver(conn Connection, msg ClientMessage) error {
	if s.conns == nil {
		return NewRuntimeError(ErrCodeUnsupported, "no connection layer")
	}
	return s.conns.DeliverToClient(conn, msg)
}

// Drain blocks until no task is queued or running and no outbound call or
// timer is outstanding. Continuations waiting on clients do not count.
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	quiet := 0
	for {
		if s.idle() {
			quiet++
		} else {
			quiet = 0
		}
		// two consecutive idle observations, since an external result can
		// land between reading the two counters
		if quiet >= 2 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) idle() bool {
	return s.external.Load() == 0 && s.pool.Pending() == 0
}

// Close stops accepting work, cancels outbound calls and timers, waits for
// queued tasks and unwinds every continuation still pending.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.stopTimers()

	s.pool.Close()
	err := s.pool.Wait(ctx)

	for _, pc := range s.registry.Drain() {
		s.logger.Debug("aborting pending continuation", "pending", pc.String())
		s.coord.Abort(pc)
	}
	return err
}

func (s *Scheduler) submit(baseName, label string, fn func()) bool {
	if s.pool.Submit(baseName, label, fn) {
		return true
	}
	s.logger.Warn("scheduler closed, dropping task", "base_name", baseName, "task", label)
	return false
}

func (s *Scheduler) newStack(top *ExecutionContext) *ContextStack {
	return NewContextStack(top, s.registry, s.keys)
}

func (s *Scheduler) record(kind store.Kind, baseName, subject, key, reason string, detail map[string]string) {
	s.logger.Debug("scheduler "+string(kind),
		"base_name", baseName,
		"subject", subject,
		"pending_key", key,
		"reason", reason,
	)
	if s.journal == nil {
		return
	}

	ev := store.Event{
		RunID:      s.runID,
		Seq:        s.clock.Next(),
		Kind:       kind,
		BaseName:   baseName,
		Subject:    subject,
		PendingKey: key,
		Reason:     reason,
		Detail:     detail,
	}
	if err := s.journal.AppendEvent(context.Background(), ev); err != nil {
		s.logger.Warn("journal append failed", "kind", kind, "seq", ev.Seq, "error", err)
	}
}

func suspensionDetail(pc *PendingContinuation) map[string]string {
	switch p := pc.Payload.(type) {
	case string:
		if pc.Reason == ImportRequest {
			return map[string]string{"module": p}
		}
	case *OutboundRequest:
		return map[string]string{"method": p.Method, "url": p.URL}
	}
	return nil
}

func resultDetail(v any) map[string]string {
	err, ok := v.(error)
	if !ok {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return map[string]string{"error": string(re.Code)}
	}
	return map[string]string{"error": err.Error()}
}

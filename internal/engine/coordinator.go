package engine

import (
	"errors"
	"log/slog"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/continuation"
)

// Outcome is the uniform result of running script code: either it completed
// or it suspended with a pending continuation.
type Outcome struct {
	Pending *PendingContinuation
}

// Completed reports whether the run finished.
func (o Outcome) Completed() bool { return o.Pending == nil }

// Coordinator drives the suspend/resume primitive.
//
// It is purely mechanical: it knows nothing about requests, connections or
// modules. Every call must happen on the worker that owns the environment.
//
// ERROR HANDLING: an error returned or panicked by script code is logged and
// the run is reported as Completed. A broken script never fails the worker.
type Coordinator struct {
	logger *slog.Logger
	host   host
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger used for script errors.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

func withHost(h host) CoordinatorOption {
	return func(c *Coordinator) { c.host = h }
}

// NewCoordinator creates a Coordinator. Without a scheduler behind it,
// activations cannot set timers or send to clients.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs env's top-level program once.
func (c *Coordinator) Execute(stack *ContextStack, env Environment) Outcome {
	prog := env.Program()
	if prog == nil {
		return Outcome{}
	}
	return c.start(stack, env, func(act *Activation) error { return prog(act) })
}

// ExecuteFunction runs one entry point of env. A nil fn completes at once.
func (c *Coordinator) ExecuteFunction(stack *ContextStack, env Environment, fn Callable, args ...any) Outcome {
	if fn == nil {
		return Outcome{}
	}
	return c.start(stack, env, func(act *Activation) error { return fn(act, args...) })
}

// Resume re-enters pc's script at its suspension point. The script observes
// value after pc's transform. stack must be rebuilt from pc.Context.
func (c *Coordinator) Resume(stack *ContextStack, pc *PendingContinuation, value any) Outcome {
	if pc.token == nil || pc.activation == nil {
		invariant("coordinator.Resume", "%s was never suspended by the engine", pc.Key)
	}
	act := pc.activation
	act.stack = stack
	pc.Environment.Activate(act)

	res := pc.token.Resume(pc.apply(value))
	return c.settle(act, pc.token, res)
}

// Abort unwinds pc's script without resuming it. Used on shutdown.
func (c *Coordinator) Abort(pc *PendingContinuation) {
	if pc.token == nil {
		return
	}
	_ = pc.token.Abort()
}

func (c *Coordinator) start(stack *ContextStack, env Environment, body func(*Activation) error) Outcome {
	act := &Activation{
		stack:  stack,
		env:    env,
		host:   c.host,
		logger: c.logger.With("env", env.Name(), "base_name", env.BaseName()),
	}
	env.Activate(act)

	cont, res := continuation.Start(func(s *continuation.Suspender) error {
		act.suspender = s
		return body(act)
	})
	return c.settle(act, cont, res)
}

func (c *Coordinator) settle(act *Activation, cont *continuation.Continuation, res continuation.Result) Outcome {
	if res.Done {
		var pe *continuation.PanicError
		if errors.As(res.Err, &pe) && IsInvariantError(pe.Value) {
			panic(pe.Value)
		}
		if res.Err != nil && !errors.Is(res.Err, continuation.ErrAborted) {
			c.logScriptError(act, res.Err)
		}
		return Outcome{}
	}

	pc, ok := res.Token.(*PendingContinuation)
	if !ok {
		invariant("coordinator.settle", "script suspended with %T", res.Token)
	}
	pc.token = cont
	pc.activation = act
	return Outcome{Pending: pc}
}

func (c *Coordinator) logScriptError(act *Activation, err error) {
	env := act.env
	attrs := []any{
		"env", env.Name(),
		"base_name", env.BaseName(),
		"hash", env.Hash(),
		"error", err,
	}
	if top := act.stack.Top(); top != nil {
		attrs = append(attrs, "context", top.String())
	}

	var pe *continuation.PanicError
	if errors.As(err, &pe) {
		c.logger.Error("script panicked", attrs...)
		c.logger.Debug("script panic stack", "env", env.Name(), "stack", string(pe.Stack))
		return
	}
	c.logger.Error("script error", attrs...)
}

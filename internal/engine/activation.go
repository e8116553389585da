package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/continuation"
)

// host is the part of the scheduler an activation reaches for operations
// that do not suspend.
type host interface {
	scheduleInternal(parent *ExecutionContext, env Environment, delay time.Duration, fn Callable, args ...any)
	deliver(conn Connection, msg ClientMessage) error
}

// Activation is the handle a running script uses to talk to the scheduler.
//
// One activation lives as long as one execution of a program or callable,
// across any number of suspensions. Its stack is replaced on every
// resumption with the one rebuilt from the saved context.
type Activation struct {
	stack     *ContextStack
	env       Environment
	suspender *continuation.Suspender
	host      host
	logger    *slog.Logger
}

func (a *Activation) Environment() Environment { return a.env }

// Context returns the current frame.
func (a *Activation) Context() *ExecutionContext { return a.stack.Top() }

func (a *Activation) Logger() *slog.Logger { return a.logger }

// Await suspends the script until a collaborator delivers a result for the
// continuation registered here. A delivered error value is returned as err.
func (a *Activation) Await(reason Reason, payload any, transform Transform) (any, error) {
	if a.suspender == nil {
		invariant("activation.Await", "await outside a running script")
	}
	pc := a.stack.PrepareSuspension(reason, payload, transform)
	v := a.suspender.Suspend(pc)
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

// Require imports a module by identifier and returns its exports. While the
// module (or an import cycle through it) is still initializing, the exports
// may be incomplete.
func (a *Activation) Require(identifier string) (Exports, error) {
	v, err := a.Await(ImportRequest, identifier, nil)
	if err != nil {
		return nil, err
	}
	exports, ok := v.(Exports)
	if !ok {
		return nil, fmt.Errorf("require %s: unexpected result %T", identifier, v)
	}
	return exports, nil
}

// Fetch issues an outbound call and waits for the response.
func (a *Activation) Fetch(req *OutboundRequest) (*OutboundResponse, error) {
	v, err := a.Await(OutboundCall, req, nil)
	if err != nil {
		return nil, err
	}
	resp, ok := v.(*OutboundResponse)
	if !ok {
		return nil, fmt.Errorf("fetch %s: unexpected result %T", req.URL, v)
	}
	return resp, nil
}

// Ask sends payload to the current connection's client and waits for the
// reply. Unlike Send it needs the connection frame on top: the suspension is
// owned by the top frame and replies are matched against the connection's
// own keys, so a timer or module running under a connection cannot ask.
func (a *Activation) Ask(payload any) (any, error) {
	if a.Context().Type() != WebSocketConnectionContext {
		return nil, NewRuntimeError(ErrCodeNoConnection,
			fmt.Sprintf("ask outside a connection frame (in %s)", a.Context().Type()))
	}
	return a.Await(ClientReply, payload, nil)
}

// Send delivers payload to the nearest enclosing connection without waiting.
func (a *Activation) Send(payload any) error {
	f := a.nearest(WebSocketConnectionContext)
	if f == nil {
		return NewRuntimeError(ErrCodeNoConnection, "send outside a connection")
	}
	if a.host == nil {
		return NewRuntimeError(ErrCodeUnsupported, "no connection layer")
	}
	return a.host.deliver(f.conn, ClientMessage{Payload: payload})
}

// On installs a connection-local handler that takes precedence over the
// document's own function of the same name.
func (a *Activation) On(event string, fn Callable) error {
	f := a.nearest(WebSocketConnectionContext)
	if f == nil {
		return NewRuntimeError(ErrCodeNoConnection, "handler installed outside a connection")
	}
	f.conn.SetHandler(event, fn)
	return nil
}

// Export publishes a value on the running environment's exports.
func (a *Activation) Export(name string, value any) {
	a.env.Exports()[name] = value
}

// Write appends to the body of the nearest enclosing document request.
// Modules initialized on behalf of a request write to that request.
func (a *Activation) Write(p []byte) (int, error) {
	f := a.nearest(DocumentRequestContext)
	if f == nil {
		return 0, fmt.Errorf("write outside a document request")
	}
	return f.request.Write(p)
}

// Param returns a parameter of the nearest enclosing document request.
func (a *Activation) Param(name string) string {
	f := a.nearest(DocumentRequestContext)
	if f == nil {
		return ""
	}
	return f.request.Param(name)
}

// After runs fn on this environment's worker once delay has elapsed. The
// callback runs on top of the current frame chain, so it can still write to
// the request or send to the connection that scheduled it.
func (a *Activation) After(delay time.Duration, fn Callable, args ...any) error {
	if a.host == nil {
		return NewRuntimeError(ErrCodeUnsupported, "no timer service")
	}
	a.host.scheduleInternal(a.Context(), a.env, delay, fn, args...)
	return nil
}

func (a *Activation) nearest(kind ContextType) *ExecutionContext {
	for f := a.Context(); f != nil; f = f.parent {
		if f.kind == kind {
			return f
		}
	}
	return nil
}

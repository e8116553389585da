package engine

import "fmt"

// ContextType tags what kind of unit an ExecutionContext frame describes.
type ContextType int

const (
	DocumentRequestContext ContextType = iota + 1
	WebSocketConnectionContext
	ModuleInitializationContext
	InternalExecutionContext
)

func (t ContextType) String() string {
	switch t {
	case DocumentRequestContext:
		return "DocumentRequest"
	case WebSocketConnectionContext:
		return "WebSocketConnection"
	case ModuleInitializationContext:
		return "ModuleInitialization"
	case InternalExecutionContext:
		return "InternalExecution"
	default:
		return fmt.Sprintf("ContextType(%d)", int(t))
	}
}

// ExecutionContext is one immutable frame of the context stack. Frames link
// to their parent, so a frame captured at suspension carries the whole chain
// that led to it (a module required by a module required by a request).
type ExecutionContext struct {
	kind   ContextType
	parent *ExecutionContext

	env     Environment
	request *DocumentRequest
	conn    Connection
	module  *RequiredModule
}

func (c *ExecutionContext) Type() ContextType { return c.kind }

// Parent returns the enclosing frame, or nil for a root frame.
func (c *ExecutionContext) Parent() *ExecutionContext { return c.parent }

// Depth counts frames from this one to the root, inclusive.
func (c *ExecutionContext) Depth() int {
	n := 0
	for f := c; f != nil; f = f.parent {
		n++
	}
	return n
}

// Environment is valid for every frame kind.
func (c *ExecutionContext) Environment() Environment { return c.env }

func (c *ExecutionContext) DocumentRequest() *DocumentRequest {
	c.require("DocumentRequest", DocumentRequestContext)
	return c.request
}

func (c *ExecutionContext) Connection() Connection {
	c.require("Connection", WebSocketConnectionContext)
	return c.conn
}

func (c *ExecutionContext) RequiredModule() *RequiredModule {
	c.require("RequiredModule", ModuleInitializationContext)
	return c.module
}

func (c *ExecutionContext) require(accessor string, kind ContextType) {
	if c.kind != kind {
		invariant("context."+accessor, "accessor invalid for %s frame", c.kind)
	}
}

// Owner is the object whose lifetime bounds suspensions made under this
// frame: the request, the connection, the in-flight import, or (for internal
// work) the environment itself.
func (c *ExecutionContext) Owner() any {
	switch c.kind {
	case DocumentRequestContext:
		return c.request
	case WebSocketConnectionContext:
		return c.conn
	case ModuleInitializationContext:
		return c.module
	case InternalExecutionContext:
		return c.env
	}
	invariant("context.Owner", "unknown frame kind %d", int(c.kind))
	return nil
}

func (c *ExecutionContext) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, describeOwner(c.Owner()))
}

// ContextStack is the per-task view of the current frame chain plus the
// services needed to register suspensions.
//
// A stack is never shared between workers. It travels with the queued task,
// is captured into a PendingContinuation at suspension and rebuilt from it on
// resumption.
type ContextStack struct {
	top      *ExecutionContext
	registry *Registry
	keys     KeyGenerator
}

// NewContextStack creates a stack whose top is top (nil for empty).
func NewContextStack(top *ExecutionContext, registry *Registry, keys KeyGenerator) *ContextStack {
	return &ContextStack{top: top, registry: registry, keys: keys}
}

// Top returns the current frame, or nil.
func (s *ContextStack) Top() *ExecutionContext { return s.top }

func (s *ContextStack) Empty() bool { return s.top == nil }

func (s *ContextStack) push(f *ExecutionContext) *ExecutionContext {
	f.parent = s.top
	s.top = f
	return f
}

func (s *ContextStack) PushRequest(req *DocumentRequest, env DocumentEnvironment) *ExecutionContext {
	return s.push(&ExecutionContext{kind: DocumentRequestContext, request: req, env: env})
}

func (s *ContextStack) PushConnection(conn Connection) *ExecutionContext {
	return s.push(&ExecutionContext{kind: WebSocketConnectionContext, conn: conn, env: conn.Environment()})
}

// PushModule requires a live parent frame.
func (s *ContextStack) PushModule(rm *RequiredModule, env ModuleEnvironment) *ExecutionContext {
	if s.top == nil {
		invariant("context.PushModule", "module %s pushed without a parent frame", rm.Identifier)
	}
	return s.push(&ExecutionContext{kind: ModuleInitializationContext, module: rm, env: env})
}

func (s *ContextStack) PushInternal(env Environment) *ExecutionContext {
	return s.push(&ExecutionContext{kind: InternalExecutionContext, env: env})
}

func (s *ContextStack) current(op string) *ExecutionContext {
	if s.top == nil {
		invariant("context."+op, "empty context stack")
	}
	return s.top
}

func (s *ContextStack) Type() ContextType        { return s.current("Type").Type() }
func (s *ContextStack) Environment() Environment { return s.current("Environment").Environment() }
func (s *ContextStack) Connection() Connection   { return s.current("Connection").Connection() }
func (s *ContextStack) RequiredModule() *RequiredModule {
	return s.current("RequiredModule").RequiredModule()
}
func (s *ContextStack) DocumentRequest() *DocumentRequest {
	return s.current("DocumentRequest").DocumentRequest()
}

// End leaves the current frame. Leaving a connection frame notifies the
// connection. Ending an empty stack panics.
func (s *ContextStack) End() {
	top := s.current("End")
	if top.kind == WebSocketConnectionContext {
		top.conn.NotifyLeftScope()
	}
	s.top = top.parent
}

// PrepareSuspension registers a pending continuation for the script running
// under the current frame and returns it. The caller hands it to the engine
// primitive, which parks the script until the continuation is resumed.
//
// The owner is resolved from the current frame; the saved context is the
// current frame chain.
func (s *ContextStack) PrepareSuspension(reason Reason, payload any, transform Transform) *PendingContinuation {
	top := s.current("PrepareSuspension")
	pc := &PendingContinuation{
		Key:         s.keys.NextKey(),
		Owner:       top.Owner(),
		Reason:      reason,
		Payload:     payload,
		Transform:   transform,
		Context:     top,
		Environment: top.Environment(),
	}
	s.registry.Add(pc.Owner, pc.Key, pc)
	return pc
}

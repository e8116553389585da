package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InitState is the initialization state of an Environment.
// Transitions are monotonic: Uninitialized → Initializing → Initialized.
type InitState int32

const (
	Uninitialized InitState = iota
	Initializing
	Initialized
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	default:
		return fmt.Sprintf("InitState(%d)", int32(s))
	}
}

// Program is an environment's top-level code. It runs once per environment.
type Program func(act *Activation) error

// Callable is one named entry point of an environment: a ready function,
// an event handler, a timer callback.
type Callable func(act *Activation, args ...any) error

// Exports is the value a module makes visible to its importers. The same
// map is handed out while the module is still initializing, so importers in
// a cycle observe it filling in.
type Exports map[string]any

// Environment is a compiled program plus its scope.
//
// Environments are supplied by the resource layer. The scheduler only reads
// them and advances their initialization state, always from the worker that
// owns BaseName(), so implementations need no locking of their own beyond
// what the state field provides.
type Environment interface {
	// Name is the logical name: the baseName for documents, the module
	// identifier for modules.
	Name() string

	// BaseName is the scheduling key. Modules report their owning document's
	// baseName.
	BaseName() string

	// Hash is the content hash the environment was compiled from.
	Hash() string

	State() InitState

	// MarkInitializing and MarkInitialized advance the state. Moving
	// backwards panics; repeating the current state is a no-op.
	MarkInitializing()
	MarkInitialized()

	Program() Program

	// Function returns the named entry point, or nil.
	Function(name string) Callable

	Exports() Exports

	// Activate records the activation about to run inside this environment.
	// Script-side bindings use Active to reach it.
	Activate(act *Activation)
	Active() *Activation
}

// DocumentEnvironment is the environment of a top-level page script.
type DocumentEnvironment interface {
	Environment

	// ClientSource is the browser-side source paired with the document, or "".
	ClientSource() string
}

// ModuleEnvironment is the environment of a module imported under one
// document baseName.
type ModuleEnvironment interface {
	Environment

	Identifier() string

	// Stale reports whether the module's source changed since it was compiled.
	Stale() bool
}

// EnvironmentConfig describes a BaseEnvironment.
type EnvironmentConfig struct {
	Name     string
	BaseName string
	Hash     string
	Program  Program

	// Functions is a fixed entry point table. Resolve, when set, is consulted
	// for names Functions does not contain.
	Functions map[string]Callable
	Resolve   func(name string) Callable
}

// BaseEnvironment implements Environment. Document and Module embed it.
type BaseEnvironment struct {
	name     string
	baseName string
	hash     string
	program  Program
	funcs    map[string]Callable
	resolve  func(string) Callable

	state   atomic.Int32
	exports Exports
	active  atomic.Pointer[Activation]

	resolveMu sync.Mutex
	resolved  map[string]Callable
}

// NewBaseEnvironment creates an Uninitialized environment.
func NewBaseEnvironment(cfg EnvironmentConfig) *BaseEnvironment {
	baseName := cfg.BaseName
	if baseName == "" {
		baseName = cfg.Name
	}
	return &BaseEnvironment{
		name:     cfg.Name,
		baseName: baseName,
		hash:     cfg.Hash,
		program:  cfg.Program,
		funcs:    cfg.Functions,
		resolve:  cfg.Resolve,
		exports:  Exports{},
		resolved: make(map[string]Callable),
	}
}

func (e *BaseEnvironment) Name() string     { return e.name }
func (e *BaseEnvironment) BaseName() string { return e.baseName }
func (e *BaseEnvironment) Hash() string     { return e.hash }
func (e *BaseEnvironment) Program() Program { return e.program }
func (e *BaseEnvironment) Exports() Exports { return e.exports }

func (e *BaseEnvironment) State() InitState {
	return InitState(e.state.Load())
}

func (e *BaseEnvironment) MarkInitializing() { e.advance(Initializing) }
func (e *BaseEnvironment) MarkInitialized()  { e.advance(Initialized) }

func (e *BaseEnvironment) advance(to InitState) {
	for {
		cur := e.state.Load()
		if InitState(cur) == to {
			return
		}
		if InitState(cur) > to {
			invariant("environment.advance", "%s cannot move from %s to %s", e.name, InitState(cur), to)
		}
		if e.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Function looks the name up in the fixed table, then through the resolver.
// Resolver results, including misses, are cached.
func (e *BaseEnvironment) Function(name string) Callable {
	if fn, ok := e.funcs[name]; ok {
		return fn
	}
	if e.resolve == nil {
		return nil
	}

	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()
	if fn, ok := e.resolved[name]; ok {
		return fn
	}
	fn := e.resolve(name)
	e.resolved[name] = fn
	return fn
}

func (e *BaseEnvironment) Activate(act *Activation) { e.active.Store(act) }
func (e *BaseEnvironment) Active() *Activation      { return e.active.Load() }

func (e *BaseEnvironment) String() string {
	return fmt.Sprintf("%s[%s]", e.name, e.State())
}

// Document is the standard DocumentEnvironment.
type Document struct {
	*BaseEnvironment
	client string
}

// NewDocument creates a document environment. client may be empty.
func NewDocument(cfg EnvironmentConfig, client string) *Document {
	return &Document{BaseEnvironment: NewBaseEnvironment(cfg), client: client}
}

func (d *Document) ClientSource() string { return d.client }

// Module is the standard ModuleEnvironment.
type Module struct {
	*BaseEnvironment
	identifier string
	stale      func() bool
}

// NewModule creates a module environment scoped to cfg.BaseName. stale may be
// nil for modules that never go stale.
func NewModule(cfg EnvironmentConfig, identifier string, stale func() bool) *Module {
	if cfg.Name == "" {
		cfg.Name = identifier
	}
	return &Module{BaseEnvironment: NewBaseEnvironment(cfg), identifier: identifier, stale: stale}
}

func (m *Module) Identifier() string { return m.identifier }

func (m *Module) Stale() bool {
	if m.stale == nil {
		return false
	}
	return m.stale()
}

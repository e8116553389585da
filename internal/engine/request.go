package engine

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
)

// Phase tracks where a document request is in its two-phase lifecycle.
type Phase int32

const (
	// PhaseNone is the phase of a request that has not started running.
	PhaseNone Phase = iota

	// InitialExecution runs the document's top-level program.
	InitialExecution

	// ReadyFunctionExecution runs the document's ready function.
	ReadyFunctionExecution
)

func (p Phase) String() string {
	switch p {
	case InitialExecution:
		return "initial"
	case ReadyFunctionExecution:
		return "ready"
	default:
		return "none"
	}
}

// ResponseStatus is the outcome reported to the transport.
type ResponseStatus int

const (
	// Served means the document ran; the body holds whatever it wrote.
	Served ResponseStatus = iota + 1

	// NoScript means no document exists for the baseName.
	NoScript

	// LoadFailed means the document exists but could not be compiled.
	LoadFailed
)

func (s ResponseStatus) String() string {
	switch s {
	case Served:
		return "served"
	case NoScript:
		return "no-script"
	case LoadFailed:
		return "load-failed"
	default:
		return "unknown"
	}
}

// Responder is the transport side of a document request.
type Responder interface {
	Respond(status ResponseStatus, body []byte)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(status ResponseStatus, body []byte)

func (f ResponderFunc) Respond(status ResponseStatus, body []byte) { f(status, body) }

// DocumentRequest is one request for a page.
//
// The request owns the pending continuations it suspends, accumulates the
// output the script writes and is responded to exactly once.
type DocumentRequest struct {
	id        string
	baseName  string
	params    map[string]string
	responder Responder

	phase     atomic.Int32
	responded atomic.Bool

	mu   sync.Mutex
	body bytes.Buffer
}

// NewDocumentRequest creates a request for baseName. params may be nil.
// baseName is normalized so aliases of one document share its worker; a
// name that does not normalize is kept as given and will not be found.
func NewDocumentRequest(id, baseName string, params map[string]string, responder Responder) *DocumentRequest {
	if name, err := digest.NormalizeName(baseName); err == nil {
		baseName = name
	}
	return &DocumentRequest{
		id:        id,
		baseName:  baseName,
		params:    params,
		responder: responder,
	}
}

func (r *DocumentRequest) ID() string       { return r.id }
func (r *DocumentRequest) BaseName() string { return r.baseName }

// Param returns a request parameter, or "".
func (r *DocumentRequest) Param(name string) string {
	return r.params[name]
}

func (r *DocumentRequest) Phase() Phase {
	return Phase(r.phase.Load())
}

func (r *DocumentRequest) setPhase(p Phase) {
	r.phase.Store(int32(p))
}

// Write appends to the response body.
func (r *DocumentRequest) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

// Body returns a copy of what has been written so far.
func (r *DocumentRequest) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.body.Bytes())
}

// Responded reports whether Respond has been called.
func (r *DocumentRequest) Responded() bool {
	return r.responded.Load()
}

// Respond hands the result to the transport. A second call panics.
func (r *DocumentRequest) Respond(status ResponseStatus) {
	if !r.responded.CompareAndSwap(false, true) {
		invariant("request.respond", "request %s responded twice", r.id)
	}
	if r.responder != nil {
		r.responder.Respond(status, r.Body())
	}
}

func (r *DocumentRequest) String() string {
	return "request:" + r.id
}

// RequiredModule is one in-flight import.
//
// It captures the importing context so the importer can be resumed once the
// module finishes initializing. PendingKey is the key the importer is
// suspended under.
type RequiredModule struct {
	Identifier    string
	BaseName      string
	ParentContext *ExecutionContext
	PendingKey    string

	// Environment is the module the import claimed, if any. When nil the
	// load looks the module up itself.
	Environment ModuleEnvironment
}

// ParentOwner is the owner the importer's continuation is registered under.
func (m *RequiredModule) ParentOwner() any {
	return m.ParentContext.Owner()
}

func (m *RequiredModule) String() string {
	return "module:" + m.Identifier + "@" + m.PendingKey
}

// Connection is a live client connection bound to one document.
type Connection interface {
	ID() string
	Environment() DocumentEnvironment

	// NotifyLeftScope is called when a connection frame is popped.
	NotifyLeftScope()

	// Handler returns the connection-local handler for event, or nil.
	Handler(event string) Callable
	SetHandler(event string, fn Callable)
}

// HandlerTable implements the handler half of Connection.
type HandlerTable struct {
	mu       sync.Mutex
	handlers map[string]Callable
}

func (h *HandlerTable) Handler(event string) Callable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlers[event]
}

func (h *HandlerTable) SetHandler(event string, fn Callable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[string]Callable)
	}
	if fn == nil {
		delete(h.handlers, event)
		return
	}
	h.handlers[event] = fn
}

// ClientMessage is sent to a connected client. A non-empty PendingKey means
// the script is waiting for a reply routed back under that key.
type ClientMessage struct {
	PendingKey string `json:"key,omitempty"`
	Payload    any    `json:"payload"`
}

// OutboundRequest is an outbound network call issued by a script.
type OutboundRequest struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// OutboundResponse is a completed outbound call.
type OutboundResponse struct {
	Status int
	Header map[string]string
	Body   []byte
}

// OutboundResult is what the network collaborator delivers.
type OutboundResult struct {
	Response *OutboundResponse
	Err      error
}

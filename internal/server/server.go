// Package server is the HTTP and WebSocket transport in front of the
// scheduler.
//
// Routes:
//
//	GET /_health           lifecycle status
//	GET /_client/{name...} the document's client source
//	GET /_ws/{name...}     WebSocket connection bound to the document
//	GET /{name...}         document request; the body is what the script wrote
//
// WebSocket frames are JSON. Clients send {"event": name, "args": [...]} to
// run a handler and {"reply": key, "payload": value} to answer a script
// waiting in Ask. Scripts send {"key": key, "payload": value}; key is empty
// when no reply is expected.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// Status reports the server lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusDraining Status = "draining"
)

// DefaultDocument is served for the root path.
const DefaultDocument = "index"

const maxFrameBytes = 1 << 20

// Scheduler is the part of the engine the transport drives.
type Scheduler interface {
	SubmitRequest(req *engine.DocumentRequest) bool
	SubmitConnectionEvent(conn engine.Connection, event string, args ...any) bool
	ResumeIfPending(owner any, key string, value any) bool
	AbandonOwner(owner any, err error) int
}

// Documents resolves document environments for connections and client
// sources.
type Documents interface {
	FindOrLoadDocumentEnvironment(baseName string) (engine.DocumentEnvironment, error)
}

// Server serves documents and connections.
type Server struct {
	sched          Scheduler
	docs           Documents
	hub            *Hub
	logger         *slog.Logger
	ids            engine.IDGenerator
	requestTimeout time.Duration
	upgrader       websocket.Upgrader

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	status   Status
	conns    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIDGenerator sets the generator for request and connection IDs.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(s *Server) { s.ids = g }
}

// WithRequestTimeout bounds how long a document request waits for its
// script. Zero waits as long as the client does.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithCheckOrigin replaces the WebSocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// New creates a server. hub must be the connection layer sched delivers
// through.
func New(sched Scheduler, docs Documents, hub *Hub, opts ...Option) *Server {
	s := &Server{
		sched:          sched,
		docs:           docs,
		hub:            hub,
		logger:         slog.Default(),
		ids:            engine.UUIDv7Generator{},
		requestTimeout: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		status: StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_client/{name...}", s.handleClient)
	mux.HandleFunc("GET /_ws/{name...}", s.handleConnection)
	mux.HandleFunc("GET /{name...}", s.handleDocument)
	return mux
}

// Start binds addr and serves until Shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.status = StatusReady

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting requests, closes every connection and waits for
// in-flight requests and connection teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.status = StatusDraining
	err := s.server.Shutdown(ctx)
	s.hub.closeAll()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.server = nil
	s.listener = nil
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      string(s.Status()),
		"connections": s.hub.Len(),
	})
}

type reply struct {
	status engine.ResponseStatus
	body   []byte
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	name, ok := documentName(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ch := make(chan reply, 1)
	req := engine.NewDocumentRequest(s.ids.Generate(), name, params(r),
		engine.ResponderFunc(func(status engine.ResponseStatus, body []byte) {
			ch <- reply{status: status, body: body}
		}))

	if !s.sched.SubmitRequest(req) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var timeout <-chan time.Time
	if s.requestTimeout > 0 {
		t := time.NewTimer(s.requestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case rep := <-ch:
		switch rep.status {
		case engine.Served:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(rep.body)
		case engine.NoScript:
			http.NotFound(w, r)
		default:
			http.Error(w, "document failed to load", http.StatusInternalServerError)
		}
	case <-timeout:
		s.logger.Warn("document request timed out",
			"base_name", name,
			"request", req.ID(),
			"timeout", s.requestTimeout,
		)
		http.Error(w, "document timed out", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	env, ok := s.document(w, r)
	if !ok {
		return
	}
	src := env.ClientSource()
	if src == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("ETag", `"`+env.Hash()+`"`)
	_, _ = w.Write([]byte(src))
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	env, ok := s.document(w, r)
	if !ok {
		return
	}
	if env.State() != engine.Initialized {
		http.Error(w, "document not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "base_name", env.BaseName(), "error", err)
		return
	}
	id := s.ids.Generate()
	c := &wsConn{
		id:     id,
		env:    env,
		ws:     ws,
		logger: s.logger.With("connection", id, "base_name", env.BaseName()),
	}
	s.hub.add(c)
	s.conns.Add(1)
	go s.serveConnection(c)
}

func (s *Server) serveConnection(c *wsConn) {
	defer s.conns.Done()
	defer s.teardown(c)

	c.logger.Info("connection opened")
	s.sched.SubmitConnectionEvent(c, EventOpen)

	c.ws.SetReadLimit(maxFrameBytes)
	for {
		var frame inbound
		if err := c.ws.ReadJSON(&frame); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				c.logger.Warn("malformed frame", "error", err)
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read ended", "error", err)
			}
			return
		}

		switch {
		case frame.Reply != "":
			if !s.sched.ResumeIfPending(c, frame.Reply, frame.Payload) {
				c.logger.Debug("reply for no pending key", "pending_key", frame.Reply)
			}
		case frame.Event != "":
			s.sched.SubmitConnectionEvent(c, frame.Event, frame.Args...)
		default:
			c.logger.Warn("frame has neither event nor reply")
		}
	}
}

// teardown abandons whatever the connection's scripts are waiting on and
// then tells the document the connection is gone.
func (s *Server) teardown(c *wsConn) {
	c.close()
	s.hub.remove(c)
	n := s.sched.AbandonOwner(c, engine.ErrConnectionClosed)
	s.sched.SubmitConnectionEvent(c, EventClose)
	c.logger.Info("connection closed", "abandoned", n)
}

// document resolves the named document, answering the client itself when
// that fails.
func (s *Server) document(w http.ResponseWriter, r *http.Request) (engine.DocumentEnvironment, bool) {
	name, ok := documentName(r)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	env, err := s.docs.FindOrLoadDocumentEnvironment(name)
	if errors.Is(err, engine.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.logger.Error("document failed to load", "path", r.URL.Path, "error", err)
		http.Error(w, "document failed to load", http.StatusInternalServerError)
		return nil, false
	}
	return env, true
}

// documentName is the normalized document a path names. "/" names the
// default document; a name that does not normalize names nothing.
func documentName(r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if name == "" {
		return DefaultDocument, true
	}
	name, err := digest.NormalizeName(name)
	return name, err == nil
}

func params(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

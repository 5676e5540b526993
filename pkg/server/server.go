// Package server binds the harness method table to a transport connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/holon-run/harness/pkg/approval"
	"github.com/holon-run/harness/pkg/eventlog"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/orchestrator"
	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/registry"
	"github.com/holon-run/harness/pkg/session"
	"github.com/holon-run/harness/pkg/transport"
)

// MethodHandler handles one JSON-RPC method. Returned errors that wrap a
// *protocol.Error keep their code; anything else is an internal error.
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// MethodRegistry holds registered JSON-RPC methods
type MethodRegistry struct {
	methods map[string]MethodHandler
}

// NewMethodRegistry creates a new method registry
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodHandler),
	}
}

// RegisterMethod registers a handler. Registering a name twice panics.
func (r *MethodRegistry) RegisterMethod(name string, handler MethodHandler) {
	if _, exists := r.methods[name]; exists {
		panic(fmt.Sprintf("server: method %q registered twice", name))
	}
	r.methods[name] = handler
}

// Dispatch calls the appropriate method handler based on the method name
func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, protocol.NewError(protocol.ErrCodeMethodNotFound, protocol.ErrMsgMethodNotFound)
	}
	return handler(ctx, params)
}

// Methods returns the registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config wires a Server.
type Config struct {
	// Directory is used by thread.create when the request names none.
	Directory    string
	Version      string
	Registry     *registry.Registry
	Sessions     session.Store
	Orchestrator *orchestrator.Orchestrator
	Gate         *approval.Gate
	EventLog     *eventlog.Log
	Publisher    *orchestrator.Publisher
}

// Server routes requests to the method handlers.
type Server struct {
	directory string
	version   string
	registry  *registry.Registry
	sessions  session.Store
	orch      *orchestrator.Orchestrator
	gate      *approval.Gate
	log       *eventlog.Log
	pub       *orchestrator.Publisher
	methods   *MethodRegistry
}

// New validates cfg and registers the method table.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("server: registry is required")
	case cfg.Sessions == nil:
		return nil, errors.New("server: session store is required")
	case cfg.Orchestrator == nil:
		return nil, errors.New("server: orchestrator is required")
	case cfg.Gate == nil:
		return nil, errors.New("server: approval gate is required")
	case cfg.EventLog == nil:
		return nil, errors.New("server: event log is required")
	case cfg.Publisher == nil:
		return nil, errors.New("server: publisher is required")
	}
	s := &Server{
		directory: cfg.Directory,
		version:   cfg.Version,
		registry:  cfg.Registry,
		sessions:  cfg.Sessions,
		orch:      cfg.Orchestrator,
		gate:      cfg.Gate,
		log:       cfg.EventLog,
		pub:       cfg.Publisher,
		methods:   NewMethodRegistry(),
	}
	s.methods.RegisterMethod(protocol.MethodInitialize, s.handleInitialize)
	s.methods.RegisterMethod(protocol.MethodThreadCreate, s.handleThreadCreate)
	s.methods.RegisterMethod(protocol.MethodThreadList, s.handleThreadList)
	s.methods.RegisterMethod(protocol.MethodThreadGet, s.handleThreadGet)
	s.methods.RegisterMethod(protocol.MethodTurnStart, s.handleTurnStart)
	s.methods.RegisterMethod(protocol.MethodTurnCancel, s.handleTurnCancel)
	s.methods.RegisterMethod(protocol.MethodApprovalRespond, s.handleApprovalRespond)
	return s, nil
}

// Methods lists the served method names.
func (s *Server) Methods() []string {
	return s.methods.Methods()
}

// Handle runs one request. The second result is false for notifications,
// which get no response.
func (s *Server) Handle(ctx context.Context, req protocol.Request) (resp protocol.Response, ok bool) {
	if !req.HasID() {
		harnesslog.Debug("ignoring client notification", "method", req.Method)
		return protocol.Response{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			harnesslog.Error("method handler panicked", "method", req.Method, "panic", r)
			resp = protocol.NewErrorResponse(req.ID, protocol.NewErrorf(protocol.ErrCodeInternalError, "internal error: %v", r))
			ok = true
		}
	}()

	result, err := s.methods.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		rpcErr := protocol.AsError(err)
		if rpcErr.Code == protocol.ErrCodeInternalError {
			harnesslog.Error("method failed", "method", req.Method, "error", err)
		} else {
			harnesslog.Debug("method rejected", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		}
		return protocol.NewErrorResponse(req.ID, rpcErr), true
	}
	return protocol.NewResponse(req.ID, result), true
}

// Attach installs the server as conn's request handler.
func (s *Server) Attach(conn *transport.Conn) error {
	return conn.OnRequest(func(ctx context.Context, req protocol.Request) {
		resp, ok := s.Handle(ctx, req)
		if !ok {
			return
		}
		if err := conn.Send(resp); err != nil {
			harnesslog.Warn("failed to send response", "method", req.Method, "error", err)
		}
	})
}

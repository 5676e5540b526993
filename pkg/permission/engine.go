// Package permission holds pending approval requests raised by the agent
// and resolves them with client decisions.
package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/holon-run/harness/pkg/bus"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

// ErrRequestNotFound is returned by Reply for an unknown or settled request.
var ErrRequestNotFound = errors.New("permission: request not found")

// Request describes an action that needs approval.
type Request struct {
	SessionID  string
	Permission string
	Patterns   []string
	Metadata   map[string]any
	Tool       *bus.ToolRef
}

type pending struct {
	req   Request
	reply chan protocol.Decision
}

// Engine publishes permission.asked events and waits for replies.
type Engine struct {
	bus bus.Publisher

	mu       sync.Mutex
	pending  map[string]*pending
	approved map[string]map[string]struct{}
}

// NewEngine returns an engine publishing on pub.
func NewEngine(pub bus.Publisher) *Engine {
	return &Engine{
		bus:      pub,
		pending:  make(map[string]*pending),
		approved: make(map[string]map[string]struct{}),
	}
}

func approvalKey(permission, pattern string) string {
	return permission + "\x00" + pattern
}

func (e *Engine) alreadyApproved(req Request) bool {
	keys := e.approved[req.SessionID]
	if len(keys) == 0 || len(req.Patterns) == 0 {
		return false
	}
	for _, p := range req.Patterns {
		if _, ok := keys[approvalKey(req.Permission, p)]; !ok {
			return false
		}
	}
	return true
}

// Ask blocks until the request is answered or ctx ends. A request whose
// patterns were all approved with "always" earlier in the session returns
// immediately. When ctx ends first, the request is settled as rejected.
func (e *Engine) Ask(ctx context.Context, req Request) (protocol.Decision, error) {
	e.mu.Lock()
	if e.alreadyApproved(req) {
		e.mu.Unlock()
		return protocol.DecisionAlways, nil
	}
	id := "per_" + uuid.NewString()
	p := &pending{req: req, reply: make(chan protocol.Decision, 1)}
	e.pending[id] = p
	e.mu.Unlock()

	harnesslog.Debug("permission asked", "request_id", id, "session", req.SessionID, "permission", req.Permission)
	e.bus.Publish(bus.PermissionAsked{
		ID:         id,
		Session:    req.SessionID,
		Permission: req.Permission,
		Patterns:   req.Patterns,
		Metadata:   req.Metadata,
		Tool:       req.Tool,
	})

	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		if e.settle(id) != nil {
			e.bus.Publish(bus.PermissionReplied{Session: req.SessionID, RequestID: id, Reply: string(protocol.DecisionReject)})
			return protocol.DecisionReject, ctx.Err()
		}
		// A reply won the race.
		return <-p.reply, nil
	}
}

func (e *Engine) settle(id string) *pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	return p
}

// Reply answers a pending request.
func (e *Engine) Reply(ctx context.Context, requestID string, decision protocol.Decision) error {
	e.mu.Lock()
	p, ok := e.pending[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(e.pending, requestID)
	if decision == protocol.DecisionAlways {
		keys, ok := e.approved[p.req.SessionID]
		if !ok {
			keys = make(map[string]struct{})
			e.approved[p.req.SessionID] = keys
		}
		for _, pattern := range p.req.Patterns {
			keys[approvalKey(p.req.Permission, pattern)] = struct{}{}
		}
	}
	e.mu.Unlock()

	e.bus.Publish(bus.PermissionReplied{Session: p.req.SessionID, RequestID: requestID, Reply: string(decision)})
	p.reply <- decision
	return nil
}

// Pending returns the ids of unanswered requests.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	return ids
}

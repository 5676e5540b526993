// Package bus is the in-process event bus between the agent runtime and the
// turn orchestrator.
package bus

import (
	"encoding/json"
	"sync"
)

// Event types.
const (
	TypePartUpdated       = "message.part.updated"
	TypePermissionAsked   = "permission.asked"
	TypePermissionReplied = "permission.replied"
)

// Event is anything published on the bus. SessionID scopes it to a thread.
type Event interface {
	Type() string
	SessionID() string
}

// PartKind is the kind of a message part.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartTool      PartKind = "tool"
)

// ToolStatus is the state of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolState is the latest known state of a tool call.
type ToolState struct {
	Status ToolStatus
	Input  json.RawMessage
	Output string
	Title  string
	Error  string
}

// Part is one piece of an assistant message.
type Part struct {
	ID        string
	SessionID string
	MessageID string
	Kind      PartKind
	// Synthetic parts are generated by the runtime, not the model.
	Synthetic bool
	CallID    string
	Tool      string
	State     *ToolState
}

// PartUpdated carries a part change and, for streaming parts, the new text.
type PartUpdated struct {
	Part  Part
	Delta string
}

func (PartUpdated) Type() string        { return TypePartUpdated }
func (e PartUpdated) SessionID() string { return e.Part.SessionID }

// ToolRef identifies the tool call that raised a permission request.
type ToolRef struct {
	MessageID string
	CallID    string
}

// PermissionAsked is published when the agent needs user approval.
type PermissionAsked struct {
	ID         string
	Session    string
	Permission string
	Patterns   []string
	Metadata   map[string]any
	Tool       *ToolRef
}

func (PermissionAsked) Type() string        { return TypePermissionAsked }
func (e PermissionAsked) SessionID() string { return e.Session }

// PermissionReplied is published once a permission request is answered.
type PermissionReplied struct {
	Session   string
	RequestID string
	Reply     string
}

func (PermissionReplied) Type() string        { return TypePermissionReplied }
func (e PermissionReplied) SessionID() string { return e.Session }

// Predicate selects the events a subscriber receives.
type Predicate func(Event) bool

// Handler consumes an event.
type Handler func(Event)

// BySession matches events scoped to one session.
func BySession(id string) Predicate {
	return func(e Event) bool { return e.SessionID() == id }
}

// Publisher publishes events.
type Publisher interface {
	Publish(Event)
}

// Subscriber registers handlers. The returned function removes the
// subscription and is safe to call more than once.
type Subscriber interface {
	Subscribe(Predicate, Handler) func()
}

type subscription struct {
	id      uint64
	match   Predicate
	handler Handler
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe adds a subscription. A nil predicate matches every event.
func (b *Bus) Subscribe(match Predicate, handler Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, match: match, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every matching subscriber on the calling goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.match == nil || s.match(e) {
			s.handler(e)
		}
	}
}

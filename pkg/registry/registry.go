// Package registry tracks live threads and turns and enforces the
// one-running-turn-per-thread rule.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holon-run/harness/pkg/protocol"
)

var (
	ErrThreadNotFound = errors.New("registry: thread not found")
	ErrTurnNotFound   = errors.New("registry: turn not found")
	ErrNoActiveTurn   = errors.New("registry: no active turn")
	ErrTurnExists     = errors.New("registry: turn already registered")
)

// BusyError reports that a thread already has a running turn.
type BusyError struct {
	ThreadID     string
	ActiveTurnID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("registry: thread %s is busy with turn %s", e.ThreadID, e.ActiveTurnID)
}

// Thread is the in-memory record of a thread.
type Thread struct {
	ThreadID     string
	Directory    string
	ActiveTurnID string
}

// Turn is a snapshot of a turn.
type Turn struct {
	TurnID      string
	ThreadID    string
	Status      protocol.TurnStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Items       []protocol.Item
}

type turnState struct {
	turn        Turn
	unsubscribe func()
	cancel      context.CancelFunc
}

// Registry holds threads and turns behind one mutex. Returned values are
// copies.
type Registry struct {
	mu      sync.Mutex
	threads map[string]*Thread
	turns   map[string]*turnState
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		threads: make(map[string]*Thread),
		turns:   make(map[string]*turnState),
		now:     time.Now,
	}
}

// CreateThread registers a thread. Re-registering keeps the active turn.
func (r *Registry) CreateThread(threadID, directory string) Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if th, ok := r.threads[threadID]; ok {
		th.Directory = directory
		return *th
	}
	th := &Thread{ThreadID: threadID, Directory: directory}
	r.threads[threadID] = th
	return *th
}

// GetThread returns the thread with the given id.
func (r *Registry) GetThread(threadID string) (Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return Thread{}, false
	}
	return *th, true
}

// ListThreads returns every thread sorted by id.
func (r *Registry) ListThreads() []Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Thread, 0, len(r.threads))
	for _, th := range r.threads {
		out = append(out, *th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// StartTurn registers a running turn and makes it the thread's active turn
// without checking whether another turn is running. Prefer TryStartTurn.
func (r *Registry) StartTurn(turnID, threadID string, cancel context.CancelFunc) (Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return Turn{}, ErrThreadNotFound
	}
	return r.startLocked(th, turnID, cancel)
}

// TryStartTurn atomically checks the thread is idle and starts the turn. A
// busy thread yields a *BusyError. cancel aborts the turn's run and is
// registered together with the turn, so CancelActive never sees a running
// turn without it.
func (r *Registry) TryStartTurn(turnID, threadID string, cancel context.CancelFunc) (Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return Turn{}, ErrThreadNotFound
	}
	if th.ActiveTurnID != "" {
		return Turn{}, &BusyError{ThreadID: threadID, ActiveTurnID: th.ActiveTurnID}
	}
	return r.startLocked(th, turnID, cancel)
}

func (r *Registry) startLocked(th *Thread, turnID string, cancel context.CancelFunc) (Turn, error) {
	if _, exists := r.turns[turnID]; exists {
		return Turn{}, ErrTurnExists
	}
	st := &turnState{turn: Turn{
		TurnID:    turnID,
		ThreadID:  th.ThreadID,
		Status:    protocol.TurnRunning,
		StartedAt: r.now(),
	}, cancel: cancel}
	r.turns[turnID] = st
	th.ActiveTurnID = turnID
	return st.turn, nil
}

// GetTurn returns a snapshot of the turn.
func (r *Registry) GetTurn(turnID string) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.turns[turnID]
	if !ok {
		return Turn{}, false
	}
	return st.snapshot(), true
}

// GetActiveTurn returns the thread's running turn, if any.
func (r *Registry) GetActiveTurn(threadID string) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok || th.ActiveTurnID == "" {
		return Turn{}, false
	}
	st, ok := r.turns[th.ActiveTurnID]
	if !ok {
		return Turn{}, false
	}
	return st.snapshot(), true
}

func (st *turnState) snapshot() Turn {
	t := st.turn
	t.Items = append([]protocol.Item(nil), st.turn.Items...)
	return t
}

// CompleteTurn sets the terminal status once, clears the thread's active
// pointer if it still names this turn, and runs the unsubscribe handle
// exactly once. It reports whether this call performed the transition.
func (r *Registry) CompleteTurn(turnID string, status protocol.TurnStatus) bool {
	r.mu.Lock()
	st, ok := r.turns[turnID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	transitioned := false
	if st.turn.Status == protocol.TurnRunning {
		st.turn.Status = status
		st.turn.CompletedAt = r.now()
		transitioned = true
	}
	if th, ok := r.threads[st.turn.ThreadID]; ok && th.ActiveTurnID == turnID {
		th.ActiveTurnID = ""
	}
	unsubscribe := st.unsubscribe
	st.unsubscribe = nil
	st.cancel = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return transitioned
}

// SetUnsubscribe stores the turn's event subscription handle. If the turn
// has already ended, fn runs immediately.
func (r *Registry) SetUnsubscribe(turnID string, fn func()) error {
	r.mu.Lock()
	st, ok := r.turns[turnID]
	if !ok {
		r.mu.Unlock()
		return ErrTurnNotFound
	}
	if st.turn.Status != protocol.TurnRunning {
		r.mu.Unlock()
		fn()
		return nil
	}
	st.unsubscribe = fn
	r.mu.Unlock()
	return nil
}

// CancelActive aborts the thread's running turn and returns its id.
func (r *Registry) CancelActive(threadID string) (string, error) {
	r.mu.Lock()
	th, ok := r.threads[threadID]
	if !ok {
		r.mu.Unlock()
		return "", ErrThreadNotFound
	}
	turnID := th.ActiveTurnID
	st, ok := r.turns[turnID]
	if turnID == "" || !ok || st.turn.Status != protocol.TurnRunning {
		r.mu.Unlock()
		return "", ErrNoActiveTurn
	}
	cancel := st.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return turnID, nil
}

// AddItem records an item on its turn.
func (r *Registry) AddItem(item protocol.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.turns[item.TurnID]
	if !ok {
		return ErrTurnNotFound
	}
	st.turn.Items = append(st.turn.Items, item)
	return nil
}

// UpdateItem replaces the data of a recorded item.
func (r *Registry) UpdateItem(turnID, itemID string, data protocol.ItemData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.turns[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	for i := range st.turn.Items {
		if st.turn.Items[i].ItemID == itemID {
			st.turn.Items[i].Data = data
			return nil
		}
	}
	return fmt.Errorf("registry: item %s not found on turn %s", itemID, turnID)
}

// Items returns the turn's items in insertion order.
func (r *Registry) Items(turnID string) []protocol.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.turns[turnID]
	if !ok {
		return nil
	}
	return append([]protocol.Item(nil), st.turn.Items...)
}

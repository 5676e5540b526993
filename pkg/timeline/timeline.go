// Package timeline folds harness notifications into a client-side view.
// Live notifications and replayed log entries go through the same reducer,
// so a client that reconnects converges on the state of one that never
// disconnected.
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holon-run/harness/pkg/protocol"
)

// Status values of the view.
const (
	StatusReady = "ready"
	StatusError = "error"
)

const stderrBannerLimit = 400

// Item is one timeline entry.
type Item struct {
	ItemID   string
	ThreadID string
	TurnID   string
	Type     protocol.ItemType
	// Content is the streamed text of assistant messages.
	Content     string
	Completed   bool
	Interrupted bool
	Data        protocol.ItemData
}

type Thread struct {
	ThreadID string
	Title    string
}

type ActiveTurn struct {
	TurnID string
	Status protocol.TurnStatus
}

// TurnOutcome is the terminal state of a finished turn.
type TurnOutcome struct {
	Status protocol.TurnStatus
	Error  string
}

type PendingApproval struct {
	RequestID  string
	ItemID     string
	ThreadID   string
	TurnID     string
	Permission string
	Patterns   []string
}

// State is the reduced view.
type State struct {
	Threads          []Thread
	Timelines        map[string][]*Item
	ActiveTurns      map[string]ActiveTurn
	Turns            map[string]TurnOutcome
	PendingApprovals map[string]PendingApproval
	Status           string
	Banner           string

	processed map[string]struct{}
}

// New returns an empty view.
func New() *State {
	return &State{
		Timelines:        make(map[string][]*Item),
		ActiveTurns:      make(map[string]ActiveTurn),
		Turns:            make(map[string]TurnOutcome),
		PendingApprovals: make(map[string]PendingApproval),
		Status:           StatusReady,
		processed:        make(map[string]struct{}),
	}
}

// Apply reduces one notification received on the wire.
func (s *State) Apply(method string, params json.RawMessage) error {
	p, err := protocol.DecodePayload(method, params)
	if err != nil {
		return err
	}
	s.ApplyPayload(p)
	return nil
}

// ApplyEvent reduces one persisted log entry.
func (s *State) ApplyEvent(e protocol.Event) error {
	p, err := e.Decode()
	if err != nil {
		return err
	}
	s.ApplyPayload(p)
	return nil
}

// Replay reduces entries in order, stopping at the first undecodable one.
func (s *State) Replay(events []protocol.Event) error {
	for i, e := range events {
		if err := s.ApplyEvent(e); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, e.Notification, err)
		}
	}
	return nil
}

// Key identifies a notification for deduplication.
func Key(p protocol.Payload) string {
	h := protocol.HeaderOf(p)
	var threadID, turnID, itemID string
	switch v := p.(type) {
	case *protocol.ThreadCreated:
		threadID = v.ThreadID
	case *protocol.TurnStarted:
		threadID, turnID = v.ThreadID, v.TurnID
	case *protocol.TurnCompletedParams:
		threadID, turnID = v.ThreadID, v.TurnID
	case *protocol.TurnError:
		threadID, turnID = v.ThreadID, v.TurnID
	case *protocol.ItemStarted:
		threadID, turnID, itemID = v.Item.ThreadID, v.Item.TurnID, v.Item.ItemID
	case *protocol.ItemDelta:
		threadID, turnID, itemID = v.ThreadID, v.TurnID, v.ItemID
	case *protocol.ItemCompleted:
		threadID, turnID, itemID = v.ThreadID, v.TurnID, v.ItemID
	case *protocol.ApprovalRequested:
		threadID, turnID, itemID = v.ThreadID, v.TurnID, v.ItemID
	}
	return strings.Join([]string{h.Notification, orDash(threadID), orDash(turnID), orDash(itemID), fmt.Sprint(h.Timestamp)}, "|")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ApplyPayload reduces a decoded notification. Everything except item.delta
// is applied at most once per Key.
func (s *State) ApplyPayload(p protocol.Payload) {
	if protocol.HeaderOf(p).Notification != protocol.NotificationItemDelta {
		key := Key(p)
		if _, seen := s.processed[key]; seen {
			return
		}
		s.processed[key] = struct{}{}
	}

	switch v := p.(type) {
	case *protocol.ThreadCreated:
		s.addThread(v.ThreadID, v.Title)
	case *protocol.TurnStarted:
		s.ActiveTurns[v.ThreadID] = ActiveTurn{TurnID: v.TurnID, Status: protocol.TurnRunning}
	case *protocol.TurnCompletedParams:
		s.endTurn(v.ThreadID, v.TurnID, TurnOutcome{Status: v.Status})
	case *protocol.TurnError:
		s.endTurn(v.ThreadID, v.TurnID, TurnOutcome{Status: v.Status, Error: v.Error})
	case *protocol.ItemStarted:
		s.startItem(v.Item)
	case *protocol.ItemDelta:
		s.applyDelta(v)
	case *protocol.ItemCompleted:
		s.completeItem(v)
	case *protocol.ApprovalRequested:
		s.PendingApprovals[v.RequestID] = PendingApproval{
			RequestID:  v.RequestID,
			ItemID:     v.ItemID,
			ThreadID:   v.ThreadID,
			TurnID:     v.TurnID,
			Permission: v.Permission,
			Patterns:   v.Patterns,
		}
	case *protocol.HarnessCrash:
		s.Banner = CrashBanner(v)
		s.Status = StatusError
	}
}

// CrashBanner renders the user-facing text for a harness.crash.
func CrashBanner(c *protocol.HarnessCrash) string {
	msg := c.Message
	if msg == "" {
		msg = "Harness process stopped"
	}
	if stderr := strings.TrimSpace(c.Stderr); stderr != "" {
		if len(stderr) > stderrBannerLimit {
			stderr = stderr[:stderrBannerLimit]
		}
		msg += ": " + stderr
	}
	return msg + ". Use Reconnect to restore the session."
}

func (s *State) addThread(threadID, title string) {
	if threadID == "" {
		return
	}
	for _, th := range s.Threads {
		if th.ThreadID == threadID {
			return
		}
	}
	s.Threads = append([]Thread{{ThreadID: threadID, Title: title}}, s.Threads...)
}

func (s *State) endTurn(threadID, turnID string, outcome TurnOutcome) {
	s.Turns[turnID] = outcome
	if active, ok := s.ActiveTurns[threadID]; ok && active.TurnID == turnID {
		delete(s.ActiveTurns, threadID)
	}
	if outcome.Status == protocol.TurnCompleted {
		return
	}
	for _, it := range s.Timelines[threadID] {
		if it.TurnID == turnID && !it.Completed {
			it.Interrupted = true
		}
	}
}

func (s *State) findItem(threadID, itemID string) *Item {
	for _, it := range s.Timelines[threadID] {
		if it.ItemID == itemID {
			return it
		}
	}
	return nil
}

func (s *State) startItem(item protocol.Item) {
	if item.ItemID == "" || item.ThreadID == "" || s.findItem(item.ThreadID, item.ItemID) != nil {
		return
	}
	s.Timelines[item.ThreadID] = append(s.Timelines[item.ThreadID], &Item{
		ItemID:   item.ItemID,
		ThreadID: item.ThreadID,
		TurnID:   item.TurnID,
		Type:     item.Type,
		Data:     item.Data,
	})
}

func (s *State) applyDelta(d *protocol.ItemDelta) {
	it := s.findItem(d.ThreadID, d.ItemID)
	if it == nil || it.Completed {
		return
	}
	it.Content += d.Delta
	if log, ok := d.Data.(protocol.ToolLogData); ok {
		if exec, ok := it.Data.(protocol.ToolExecData); ok {
			exec.Status = protocol.ToolRunning
			exec.Input = log.Input
			it.Data = exec
		}
	}
}

func (s *State) completeItem(c *protocol.ItemCompleted) {
	it := s.findItem(c.ThreadID, c.ItemID)
	if it == nil {
		return
	}
	it.Completed = true
	if c.Data != nil {
		it.Data = c.Data
		if msg, ok := c.Data.(protocol.AssistantMessageData); ok && msg.Text != "" {
			it.Content = msg.Text
		}
	}
	if it.Type == protocol.ItemApproval {
		for id, pending := range s.PendingApprovals {
			if pending.ItemID == it.ItemID {
				delete(s.PendingApprovals, id)
			}
		}
	}
}

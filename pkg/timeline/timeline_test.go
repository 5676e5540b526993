package timeline

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/holon-run/harness/pkg/protocol"
)

type sentNotification struct {
	method string
	params json.RawMessage
	event  protocol.Event
}

// script builds a turn the way the harness emits it: every notification is
// stamped once, sent, and persisted unless it is a delta.
type script struct {
	t    *testing.T
	ts   int64
	sent []sentNotification
}

func (s *script) emit(method string, p protocol.Payload) {
	s.t.Helper()
	s.ts++
	protocol.Stamp(p, method, time.UnixMilli(s.ts))
	raw, err := json.Marshal(p)
	if err != nil {
		s.t.Fatalf("Marshal() error = %v", err)
	}
	ev, err := protocol.NewEvent(p)
	if err != nil {
		s.t.Fatalf("NewEvent() error = %v", err)
	}
	s.sent = append(s.sent, sentNotification{method: method, params: raw, event: ev})
}

func (s *script) persisted() []protocol.Event {
	var out []protocol.Event
	for _, n := range s.sent {
		if protocol.Persisted(n.method) {
			out = append(out, n.event)
		}
	}
	return out
}

func approvalTurn(t *testing.T) *script {
	s := &script{t: t}
	const th, turn = "ses_1", "turn_1"
	item := func(id string, data protocol.ItemData) protocol.Item {
		return protocol.Item{ItemID: id, ThreadID: th, TurnID: turn, Type: data.ItemType(), Data: data}
	}
	user := protocol.UserMessageData{Parts: []protocol.InputPart{{Type: protocol.InputText, Text: "ls"}}}
	tool := protocol.ToolExecData{CallID: "c1", Tool: "echo", Status: protocol.ToolPending}
	approval := protocol.ApprovalData{RequestID: "per_1", Permission: "echo", Patterns: []string{"ls"}}
	reply := approval
	reply.Reply = protocol.DecisionOnce

	s.emit(protocol.NotificationThreadCreated, &protocol.ThreadCreated{ThreadID: th, Title: "demo"})
	s.emit(protocol.NotificationTurnStarted, &protocol.TurnStarted{TurnID: turn, ThreadID: th})
	s.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: item("i_user", user)})
	s.emit(protocol.NotificationItemCompleted, &protocol.ItemCompleted{ItemID: "i_user", ThreadID: th, TurnID: turn, Type: protocol.ItemUserMessage, Data: user})
	s.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: item("i_tool", tool)})
	s.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: item("i_appr", approval)})
	s.emit(protocol.NotificationApprovalRequested, &protocol.ApprovalRequested{RequestID: "per_1", ThreadID: th, TurnID: turn, ItemID: "i_appr", Permission: "echo", Patterns: []string{"ls"}})
	s.emit(protocol.NotificationItemCompleted, &protocol.ItemCompleted{ItemID: "i_appr", ThreadID: th, TurnID: turn, Type: protocol.ItemApproval, Data: reply})
	s.emit(protocol.NotificationItemDelta, &protocol.ItemDelta{ItemID: "i_tool", ThreadID: th, TurnID: turn, Type: protocol.ItemToolLog, Data: protocol.ToolLogData{CallID: "c1", Tool: "echo", Input: json.RawMessage(`{"text":"ls"}`)}})
	s.emit(protocol.NotificationItemCompleted, &protocol.ItemCompleted{ItemID: "i_tool", ThreadID: th, TurnID: turn, Type: protocol.ItemToolExec, Data: protocol.ToolExecData{CallID: "c1", Tool: "echo", Status: protocol.ToolCompleted, Output: "ls"}})
	s.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: item("i_msg", protocol.AssistantMessageData{PartID: "prt_1"})})
	s.emit(protocol.NotificationItemDelta, &protocol.ItemDelta{ItemID: "i_msg", ThreadID: th, TurnID: turn, Type: protocol.ItemAssistantMessage, Delta: "Received: "})
	s.emit(protocol.NotificationItemDelta, &protocol.ItemDelta{ItemID: "i_msg", ThreadID: th, TurnID: turn, Type: protocol.ItemAssistantMessage, Delta: "ls"})
	s.emit(protocol.NotificationItemCompleted, &protocol.ItemCompleted{ItemID: "i_msg", ThreadID: th, TurnID: turn, Type: protocol.ItemAssistantMessage, Data: protocol.AssistantMessageData{PartID: "prt_1", Text: "Received: ls"}})
	s.emit(protocol.NotificationTurnCompleted, &protocol.TurnCompletedParams{TurnID: turn, ThreadID: th, Status: protocol.TurnCompleted})
	return s
}

func applyLive(t *testing.T, st *State, s *script) {
	t.Helper()
	for _, n := range s.sent {
		if err := st.Apply(n.method, n.params); err != nil {
			t.Fatalf("Apply(%s) error = %v", n.method, err)
		}
	}
}

func assertSameView(t *testing.T, got, want *State) {
	t.Helper()
	if !reflect.DeepEqual(got.Timelines, want.Timelines) {
		t.Errorf("timelines differ:\n got  %s\n want %s", dump(got), dump(want))
	}
	if !reflect.DeepEqual(got.ActiveTurns, want.ActiveTurns) {
		t.Errorf("ActiveTurns = %v, want %v", got.ActiveTurns, want.ActiveTurns)
	}
	if !reflect.DeepEqual(got.Turns, want.Turns) {
		t.Errorf("Turns = %v, want %v", got.Turns, want.Turns)
	}
	if !reflect.DeepEqual(got.PendingApprovals, want.PendingApprovals) {
		t.Errorf("PendingApprovals = %v, want %v", got.PendingApprovals, want.PendingApprovals)
	}
	if !reflect.DeepEqual(got.Threads, want.Threads) {
		t.Errorf("Threads = %v, want %v", got.Threads, want.Threads)
	}
}

func dump(st *State) string {
	var b strings.Builder
	for _, it := range st.Timelines["ses_1"] {
		b.WriteString(it.ItemID + "=" + it.Content + ";")
	}
	return b.String()
}

func TestReplayConvergesWithLive(t *testing.T) {
	s := approvalTurn(t)

	live := New()
	applyLive(t, live, s)

	replayed := New()
	if err := replayed.Replay(s.persisted()); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	assertSameView(t, replayed, live)

	items := live.Timelines["ses_1"]
	if len(items) != 4 {
		t.Fatalf("timeline has %d items, want 4", len(items))
	}
	if items[3].Content != "Received: ls" || !items[3].Completed {
		t.Errorf("assistant item = %+v", items[3])
	}
	if len(live.ActiveTurns) != 0 || len(live.PendingApprovals) != 0 {
		t.Errorf("turn left state behind: active %v pending %v", live.ActiveTurns, live.PendingApprovals)
	}
	if live.Turns["turn_1"].Status != protocol.TurnCompleted {
		t.Errorf("turn outcome = %+v", live.Turns["turn_1"])
	}
}

func TestReplayAfterLiveIsIdempotent(t *testing.T) {
	s := approvalTurn(t)
	live := New()
	applyLive(t, live, s)

	reference := New()
	applyLive(t, reference, s)

	for i := 0; i < 2; i++ {
		if err := live.Replay(s.persisted()); err != nil {
			t.Fatalf("Replay() error = %v", err)
		}
	}
	assertSameView(t, live, reference)
	if got := live.Timelines["ses_1"][3].Content; got != "Received: ls" {
		t.Errorf("content after replay = %q", got)
	}
}

func TestPendingApprovalLifecycle(t *testing.T) {
	s := approvalTurn(t)
	st := New()
	for _, n := range s.sent {
		if err := st.Apply(n.method, n.params); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if n.method == protocol.NotificationApprovalRequested {
			if _, ok := st.PendingApprovals["per_1"]; !ok {
				t.Fatal("approval not pending after approval.requested")
			}
			if st.ActiveTurns["ses_1"].TurnID != "turn_1" {
				t.Errorf("active turn = %+v", st.ActiveTurns["ses_1"])
			}
			break
		}
	}
}

func TestTurnErrorMarksOpenItemsInterrupted(t *testing.T) {
	s := &script{t: t}
	s.emit(protocol.NotificationTurnStarted, &protocol.TurnStarted{TurnID: "turn_1", ThreadID: "ses_1"})
	s.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: protocol.Item{ItemID: "i_1", ThreadID: "ses_1", TurnID: "turn_1", Type: protocol.ItemToolExec, Data: protocol.ToolExecData{CallID: "c"}}})
	s.emit(protocol.NotificationTurnError, &protocol.TurnError{TurnID: "turn_1", ThreadID: "ses_1", Status: protocol.TurnCancelled, Error: "cancelled"})

	st := New()
	applyLive(t, st, s)
	if it := st.Timelines["ses_1"][0]; !it.Interrupted || it.Completed {
		t.Errorf("item = %+v, want interrupted", it)
	}
	if out := st.Turns["turn_1"]; out.Status != protocol.TurnCancelled || out.Error != "cancelled" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCrashBanner(t *testing.T) {
	long := strings.Repeat("x", 500)
	tests := []struct {
		crash protocol.HarnessCrash
		want  string
	}{
		{protocol.HarnessCrash{Message: "harness exited with code 1"}, "harness exited with code 1. Use Reconnect to restore the session."},
		{protocol.HarnessCrash{Message: "harness exited with code 1", Stderr: "  panic: boom\n"}, "harness exited with code 1: panic: boom. Use Reconnect to restore the session."},
		{protocol.HarnessCrash{}, "Harness process stopped. Use Reconnect to restore the session."},
		{protocol.HarnessCrash{Message: "m", Stderr: long}, "m: " + long[:400] + ". Use Reconnect to restore the session."},
	}
	for _, tt := range tests {
		if got := CrashBanner(&tt.crash); got != tt.want {
			t.Errorf("CrashBanner(%+v) = %q, want %q", tt.crash, got, tt.want)
		}
	}

	st := New()
	if err := st.Apply(protocol.NotificationHarnessCrash, json.RawMessage(`{"message":"gone","code":2}`)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if st.Status != StatusError || !strings.HasPrefix(st.Banner, "gone") {
		t.Errorf("state = %s %q", st.Status, st.Banner)
	}
}

func TestApply_UnknownNotification(t *testing.T) {
	if err := New().Apply("thread.deleted", nil); err == nil {
		t.Error("Apply() accepted an unknown notification")
	}
}

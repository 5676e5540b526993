package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/holon-run/harness/pkg/protocol"
)

func TestTryStartTurn_RejectsBusyThread(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")

	if _, err := r.TryStartTurn("turn_1", "ses_1", nil); err != nil {
		t.Fatalf("TryStartTurn() error = %v", err)
	}
	_, err := r.TryStartTurn("turn_2", "ses_1", nil)
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("TryStartTurn() error = %v, want *BusyError", err)
	}
	if busy.ActiveTurnID != "turn_1" {
		t.Errorf("ActiveTurnID = %s, want turn_1", busy.ActiveTurnID)
	}

	active, ok := r.GetActiveTurn("ses_1")
	if !ok || active.TurnID != "turn_1" {
		t.Errorf("GetActiveTurn() = %+v, %v", active, ok)
	}
	if _, ok := r.GetTurn("turn_2"); ok {
		t.Error("rejected turn must not be registered")
	}
}

func TestTryStartTurn_UnknownThread(t *testing.T) {
	if _, err := New().TryStartTurn("turn_1", "ses_missing", nil); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("TryStartTurn() error = %v, want ErrThreadNotFound", err)
	}
}

func TestTryStartTurn_ConcurrentStartsAdmitOne(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.TryStartTurn(fmt.Sprintf("turn_%d", i), "ses_1", nil); err == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted %d turns, want 1", got)
	}
}

func TestCompleteTurn(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")
	if _, err := r.TryStartTurn("turn_1", "ses_1", nil); err != nil {
		t.Fatalf("TryStartTurn() error = %v", err)
	}
	var unsubscribed atomic.Int32
	if err := r.SetUnsubscribe("turn_1", func() { unsubscribed.Add(1) }); err != nil {
		t.Fatalf("SetUnsubscribe() error = %v", err)
	}

	if !r.CompleteTurn("turn_1", protocol.TurnCompleted) {
		t.Fatal("CompleteTurn() = false, want true")
	}
	if r.CompleteTurn("turn_1", protocol.TurnFailed) {
		t.Error("second CompleteTurn() = true, want false")
	}

	turn, _ := r.GetTurn("turn_1")
	if turn.Status != protocol.TurnCompleted {
		t.Errorf("Status = %s, want completed", turn.Status)
	}
	if turn.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if got := unsubscribed.Load(); got != 1 {
		t.Errorf("unsubscribe called %d times, want 1", got)
	}
	if _, ok := r.GetActiveTurn("ses_1"); ok {
		t.Error("active turn not cleared")
	}
	if _, err := r.TryStartTurn("turn_2", "ses_1", nil); err != nil {
		t.Errorf("TryStartTurn() after completion error = %v", err)
	}
	if r.CompleteTurn("turn_missing", protocol.TurnCompleted) {
		t.Error("CompleteTurn(unknown) = true")
	}
}

func TestCompleteTurn_StaleTurnKeepsNewActivePointer(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")
	_, _ = r.StartTurn("turn_old", "ses_1", nil)
	_, _ = r.StartTurn("turn_new", "ses_1", nil)

	r.CompleteTurn("turn_old", protocol.TurnCancelled)

	active, ok := r.GetActiveTurn("ses_1")
	if !ok || active.TurnID != "turn_new" {
		t.Fatalf("GetActiveTurn() = %+v, %v; want turn_new", active, ok)
	}
}

func TestSetUnsubscribe_AfterCompletionRunsImmediately(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")
	_, _ = r.TryStartTurn("turn_1", "ses_1", nil)
	r.CompleteTurn("turn_1", protocol.TurnFailed)

	called := false
	if err := r.SetUnsubscribe("turn_1", func() { called = true }); err != nil {
		t.Fatalf("SetUnsubscribe() error = %v", err)
	}
	if !called {
		t.Error("unsubscribe not invoked for completed turn")
	}
	if err := r.SetUnsubscribe("turn_x", func() {}); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("SetUnsubscribe(unknown) error = %v", err)
	}
}

func TestCancelActive(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")

	if _, err := r.CancelActive("ses_missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("CancelActive(unknown) error = %v, want ErrThreadNotFound", err)
	}
	if _, err := r.CancelActive("ses_1"); !errors.Is(err, ErrNoActiveTurn) {
		t.Errorf("CancelActive(idle) error = %v, want ErrNoActiveTurn", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = r.TryStartTurn("turn_1", "ses_1", cancel)

	turnID, err := r.CancelActive("ses_1")
	if err != nil || turnID != "turn_1" {
		t.Fatalf("CancelActive() = %q, %v", turnID, err)
	}
	if ctx.Err() == nil {
		t.Error("turn context not cancelled")
	}
}

func TestItems(t *testing.T) {
	r := New()
	r.CreateThread("ses_1", "/work")
	_, _ = r.TryStartTurn("turn_1", "ses_1", nil)

	for i := 0; i < 3; i++ {
		item := protocol.Item{ItemID: fmt.Sprintf("item_%d", i), ThreadID: "ses_1", TurnID: "turn_1", Type: protocol.ItemAssistantMessage}
		if err := r.AddItem(item); err != nil {
			t.Fatalf("AddItem() error = %v", err)
		}
	}
	if err := r.UpdateItem("turn_1", "item_1", protocol.AssistantMessageData{Text: "done"}); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	if err := r.AddItem(protocol.Item{ItemID: "x", TurnID: "turn_missing"}); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("AddItem(unknown turn) error = %v", err)
	}

	items := r.Items("turn_1")
	if len(items) != 3 || items[0].ItemID != "item_0" || items[2].ItemID != "item_2" {
		t.Fatalf("Items() = %+v", items)
	}
	if data, ok := items[1].Data.(protocol.AssistantMessageData); !ok || data.Text != "done" {
		t.Errorf("items[1].Data = %+v", items[1].Data)
	}

	items[0].ItemID = "mutated"
	if r.Items("turn_1")[0].ItemID != "item_0" {
		t.Error("Items() returned shared storage")
	}
}

func TestListThreads_Sorted(t *testing.T) {
	r := New()
	r.CreateThread("ses_b", "/b")
	r.CreateThread("ses_a", "/a")
	r.CreateThread("ses_b", "/b2")

	threads := r.ListThreads()
	if len(threads) != 2 || threads[0].ThreadID != "ses_a" || threads[1].Directory != "/b2" {
		t.Errorf("ListThreads() = %+v", threads)
	}
}

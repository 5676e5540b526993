package bus

import (
	"testing"
)

func TestPublish_FiltersBySession(t *testing.T) {
	b := New()
	var a, c []Event
	b.Subscribe(BySession("ses_a"), func(e Event) { a = append(a, e) })
	b.Subscribe(BySession("ses_c"), func(e Event) { c = append(c, e) })

	b.Publish(PartUpdated{Part: Part{ID: "p1", SessionID: "ses_a", Kind: PartText}, Delta: "hi"})
	b.Publish(PermissionAsked{ID: "per_1", Session: "ses_c", Permission: "bash"})
	b.Publish(PermissionReplied{Session: "ses_other", RequestID: "per_2", Reply: "once"})

	if len(a) != 1 || a[0].Type() != TypePartUpdated {
		t.Errorf("ses_a received %v", a)
	}
	if len(c) != 1 || c[0].Type() != TypePermissionAsked {
		t.Errorf("ses_c received %v", c)
	}
}

func TestSubscribe_NilPredicateMatchesAll(t *testing.T) {
	b := New()
	n := 0
	b.Subscribe(nil, func(Event) { n++ })
	b.Publish(PermissionReplied{Session: "x"})
	b.Publish(PermissionReplied{Session: "y"})
	if n != 2 {
		t.Errorf("received %d events, want 2", n)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	var first, second int
	unsub := b.Subscribe(nil, func(Event) { first++ })
	b.Subscribe(nil, func(Event) { second++ })

	b.Publish(PermissionReplied{Session: "s"})
	unsub()
	unsub()
	b.Publish(PermissionReplied{Session: "s"})

	if first != 1 {
		t.Errorf("first subscriber received %d events, want 1", first)
	}
	if second != 2 {
		t.Errorf("second subscriber received %d events, want 2", second)
	}
}

func TestPublish_SubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(nil, func(Event) { order = append(order, i) })
	}
	b.Publish(PermissionReplied{Session: "s"})
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("delivery order = %v", order)
	}
}

func TestPublish_HandlerMayUnsubscribe(t *testing.T) {
	b := New()
	var unsub func()
	calls := 0
	unsub = b.Subscribe(nil, func(Event) {
		calls++
		unsub()
	})
	b.Publish(PermissionReplied{Session: "s"})
	b.Publish(PermissionReplied{Session: "s"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

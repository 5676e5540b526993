package protocol

// Request methods served by the harness.
const (
	MethodInitialize      = "initialize"
	MethodThreadCreate    = "thread.create"
	MethodThreadList      = "thread.list"
	MethodThreadGet       = "thread.get"
	MethodTurnStart       = "turn.start"
	MethodTurnCancel      = "turn.cancel"
	MethodApprovalRespond = "approval.respond"
)

// Notification methods emitted by the harness.
const (
	NotificationThreadCreated     = "thread.created"
	NotificationTurnStarted       = "turn.started"
	NotificationTurnCompleted     = "turn.completed"
	NotificationTurnError         = "turn.error"
	NotificationItemStarted       = "item.started"
	NotificationItemDelta         = "item.delta"
	NotificationItemCompleted     = "item.completed"
	NotificationApprovalRequested = "approval.requested"

	// NotificationHarnessCrash is synthesized on the client side when the
	// harness process dies. The server never sends it.
	NotificationHarnessCrash = "harness.crash"
)

// Methods lists every request method in registration order.
func Methods() []string {
	return []string{
		MethodInitialize,
		MethodThreadCreate,
		MethodThreadList,
		MethodThreadGet,
		MethodTurnStart,
		MethodTurnCancel,
		MethodApprovalRespond,
	}
}

// Persisted reports whether a notification is durable. Streaming deltas are
// live only.
func Persisted(method string) bool {
	return method != NotificationItemDelta && method != NotificationHarnessCrash
}

package orchestrator

import (
	"sync"
	"time"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

// Notifier sends a notification to the connected client.
type Notifier interface {
	Notify(method string, params interface{}) error
}

// EventLog persists notifications per thread.
type EventLog interface {
	Append(directory, threadID string, p protocol.Payload) error
}

// Publisher stamps, sends and persists notifications. Emission for one
// thread is serialized so the persisted order equals the send order.
type Publisher struct {
	notifier Notifier
	log      EventLog
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPublisher returns a Publisher. now defaults to time.Now.
func NewPublisher(n Notifier, log EventLog, now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{notifier: n, log: log, now: now, locks: make(map[string]*sync.Mutex)}
}

func (p *Publisher) lockFor(threadID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		p.locks[threadID] = m
	}
	return m
}

// Emit sends one notification and, unless it is a delta, appends it to the
// thread's log. Failures are logged; the turn carries on.
func (p *Publisher) Emit(directory, threadID, method string, payload protocol.Payload) {
	lock := p.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	protocol.Stamp(payload, method, p.now())
	if err := p.notifier.Notify(method, payload); err != nil {
		harnesslog.Warn("failed to send notification", "method", method, "thread", threadID, "error", err)
	}
	if !protocol.Persisted(method) {
		return
	}
	if err := p.log.Append(directory, threadID, payload); err != nil {
		harnesslog.Warn("failed to persist notification", "method", method, "thread", threadID, "error", err)
	}
}

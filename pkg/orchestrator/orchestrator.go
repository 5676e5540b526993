// Package orchestrator drives a turn: it registers it, runs the agent,
// translates bus events into item notifications and classifies the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holon-run/harness/pkg/agent"
	"github.com/holon-run/harness/pkg/bus"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/registry"
)

// Config wires an Orchestrator.
type Config struct {
	Registry  *registry.Registry
	Bus       bus.Subscriber
	Runner    agent.Runner
	Models    agent.ModelSource
	Publisher *Publisher
	Now       func() time.Time
	NewID     func(prefix string) string
}

// Orchestrator starts and tracks turns.
type Orchestrator struct {
	registry *registry.Registry
	bus      bus.Subscriber
	runner   agent.Runner
	models   agent.ModelSource
	pub      *Publisher
	now      func() time.Time
	newID    func(prefix string) string

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewID returns a prefixed, time-ordered identifier.
func NewID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case cfg.Bus == nil:
		return nil, errors.New("orchestrator: bus is required")
	case cfg.Runner == nil:
		return nil, errors.New("orchestrator: runner is required")
	case cfg.Publisher == nil:
		return nil, errors.New("orchestrator: publisher is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewID
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: cfg.Registry,
		bus:      cfg.Bus,
		runner:   cfg.Runner,
		models:   cfg.Models,
		pub:      cfg.Publisher,
		now:      cfg.Now,
		newID:    cfg.NewID,
		base:     base,
		stop:     stop,
	}, nil
}

// StartInput describes a turn to start.
type StartInput struct {
	ThreadID  string
	Directory string
	Parts     []protocol.InputPart
	Model     *protocol.ModelRef
	Agent     string
}

// Start registers the turn and emits turn.started, then runs the agent in
// the background. It returns the new turn id without waiting for the run.
// A thread with a running turn yields a TurnBusy protocol error.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (string, error) {
	turnID := o.newID("turn")
	runCtx, cancel := context.WithCancel(o.base)
	if _, err := o.registry.TryStartTurn(turnID, in.ThreadID, cancel); err != nil {
		cancel()
		var busy *registry.BusyError
		switch {
		case errors.As(err, &busy):
			return "", protocol.TurnBusy(in.ThreadID, busy.ActiveTurnID)
		case errors.Is(err, registry.ErrThreadNotFound):
			return "", protocol.ThreadNotFound(in.ThreadID)
		default:
			return "", fmt.Errorf("start turn: %w", err)
		}
	}

	started := o.now()
	o.pub.Emit(in.Directory, in.ThreadID, protocol.NotificationTurnStarted, &protocol.TurnStarted{
		TurnID:   turnID,
		ThreadID: in.ThreadID,
		Time:     started.UnixMilli(),
	})
	harnesslog.Info("turn started", "thread", in.ThreadID, "turn", turnID)

	t := newTurnRun(o, in, turnID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, t)
	}()
	return turnID, nil
}

// Cancel aborts the thread's running turn.
func (o *Orchestrator) Cancel(threadID string) error {
	turnID, err := o.registry.CancelActive(threadID)
	switch {
	case errors.Is(err, registry.ErrThreadNotFound):
		return protocol.ThreadNotFound(threadID)
	case errors.Is(err, registry.ErrNoActiveTurn):
		return protocol.TurnNotFound(threadID)
	case err != nil:
		return err
	}
	harnesslog.Info("turn cancel requested", "thread", threadID, "turn", turnID)
	return nil
}

// Wait blocks until every started turn has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running turn and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	return o.Wait(ctx)
}

func (o *Orchestrator) run(ctx context.Context, t *turnRun) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			harnesslog.Error("turn panicked", "turn", t.turnID, "panic", r, "stack", string(debug.Stack()))
			runErr = fmt.Errorf("agent panicked: %v", r)
		}
		o.finish(t, runErr)
	}()

	t.emitUserMessage()

	unsubscribe := o.bus.Subscribe(bus.BySession(t.threadID), t.handle)
	if err := o.registry.SetUnsubscribe(t.turnID, unsubscribe); err != nil {
		unsubscribe()
	}

	req := agent.RunRequest{
		SessionID: t.threadID,
		Directory: t.directory,
		Model:     o.resolveModel(ctx, t.input.Model),
		Agent:     o.resolveAgent(ctx, t.input.Agent),
		Parts:     t.input.Parts,
	}
	harnesslog.Debug("running agent", "turn", t.turnID, "model", req.Model.String(), "agent", req.Agent)
	runErr = o.runner.Run(ctx, req)
}

func (o *Orchestrator) finish(t *turnRun, runErr error) {
	status := Classify(runErr)
	t.close(status)
	o.registry.CompleteTurn(t.turnID, status)

	at := o.now().UnixMilli()
	if status == protocol.TurnCompleted {
		o.pub.Emit(t.directory, t.threadID, protocol.NotificationTurnCompleted, &protocol.TurnCompletedParams{
			TurnID:   t.turnID,
			ThreadID: t.threadID,
			Status:   status,
			Time:     at,
		})
		harnesslog.Info("turn completed", "thread", t.threadID, "turn", t.turnID)
		return
	}

	msg := "cancelled"
	if status == protocol.TurnFailed {
		msg = runErr.Error()
	}
	o.pub.Emit(t.directory, t.threadID, protocol.NotificationTurnError, &protocol.TurnError{
		TurnID:   t.turnID,
		ThreadID: t.threadID,
		Status:   status,
		Error:    msg,
		Time:     at,
	})
	harnesslog.Info("turn ended", "thread", t.threadID, "turn", t.turnID, "status", string(status), "error", msg)
}

// Classify maps a run result to a terminal turn status.
func Classify(err error) protocol.TurnStatus {
	switch {
	case err == nil:
		return protocol.TurnCompleted
	case errors.Is(err, agent.ErrAborted), errors.Is(err, context.Canceled):
		return protocol.TurnCancelled
	default:
		return protocol.TurnFailed
	}
}

func (o *Orchestrator) resolveModel(ctx context.Context, explicit *protocol.ModelRef) protocol.ModelRef {
	if explicit != nil && !explicit.IsZero() {
		return *explicit
	}
	if o.models != nil {
		m, err := o.models.DefaultModel(ctx)
		if err == nil && !m.IsZero() {
			return m
		}
		harnesslog.Debug("no default model; using fallback", "error", err)
	}
	return agent.FallbackModel
}

func (o *Orchestrator) resolveAgent(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if o.models != nil {
		if a, err := o.models.DefaultAgent(ctx); err == nil && a != "" {
			return a
		}
	}
	return agent.DefaultAgent
}

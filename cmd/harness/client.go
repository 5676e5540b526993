package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/harness/pkg/client"
	"github.com/holon-run/harness/pkg/config"
	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/timeline"
)

const defaultPrompt = "hello"

var (
	clientCwd      string
	clientBin      string
	clientTitle    string
	clientApprove  string
	clientServeArg []string
)

var clientCmd = &cobra.Command{
	Use:   "client [PROMPT]",
	Short: "Run one turn against a spawned harness",
	Long: `Spawn "harness serve" as a child process, create a thread, run one
turn with PROMPT and print the streaming timeline.

Approval requests are answered from --approve when set, otherwise the
user is asked on stdin. After the turn ends the thread is fetched again
and its persisted events are replayed.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.TrimSpace(strings.Join(args, " "))
		if prompt == "" {
			prompt = defaultPrompt
		}
		switch protocol.Decision(clientApprove) {
		case "", protocol.DecisionOnce, protocol.DecisionAlways, protocol.DecisionReject:
		default:
			return fmt.Errorf("--approve must be once, always or reject: %q", clientApprove)
		}
		cwd, err := filepath.Abs(clientCwd)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg, err := config.LoadDir(cwd)
		if err != nil {
			return err
		}
		bin := clientBin
		if bin == "" {
			if bin, err = os.Executable(); err != nil {
				return fmt.Errorf("failed to locate harness binary: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		proc := client.NewProcess(bin, cwd,
			client.WithArgs(clientServeArg...),
			client.WithClientInfo("harness-client", Version),
			client.WithClientOptions(clientOptions(cfg)...),
		)
		defer proc.Close()

		s := newClientSession(proc, cmd.OutOrStdout(), cmd.InOrStdin(), protocol.Decision(clientApprove))
		unsubscribe := proc.Subscribe(s.handle)
		defer unsubscribe()
		return s.run(ctx, prompt)
	},
}

func clientOptions(cfg config.Config) []client.Option {
	var opts []client.Option
	if d := cfg.Client.Timeouts.Default; d > 0 {
		opts = append(opts, client.WithDefaultTimeout(d))
	}
	if d := cfg.Client.Timeouts.TurnStart; d > 0 {
		opts = append(opts, client.WithTimeout(protocol.MethodTurnStart, d))
	}
	return opts
}

// clientSession drives one demo turn. Notification handlers run on the
// client's reader goroutine, so approvals are answered from a separate one.
type clientSession struct {
	proc     *client.Process
	decision protocol.Decision

	mu       sync.Mutex
	view     *timeline.State
	render   *renderer
	threadID string
	changed  chan struct{}

	inMu sync.Mutex
	in   *bufio.Reader
}

func newClientSession(proc *client.Process, out io.Writer, in io.Reader, decision protocol.Decision) *clientSession {
	return &clientSession{
		proc:     proc,
		decision: decision,
		view:     timeline.New(),
		render:   &renderer{out: out},
		changed:  make(chan struct{}, 1),
		in:       bufio.NewReader(in),
	}
}

func (s *clientSession) handle(method string, params json.RawMessage) {
	p, err := protocol.DecodePayload(method, params)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.view.ApplyPayload(p)
	s.render.notification(p, s.view)
	s.mu.Unlock()

	if req, ok := p.(*protocol.ApprovalRequested); ok {
		go s.approve(req)
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *clientSession) run(ctx context.Context, prompt string) error {
	var created protocol.ThreadCreateResult
	if err := s.proc.Call(ctx, protocol.MethodThreadCreate, protocol.ThreadCreateParams{Title: clientTitle}, &created); err != nil {
		return fmt.Errorf("thread.create: %w", err)
	}
	s.mu.Lock()
	s.threadID = created.Thread.ThreadID
	s.render.thread(created.Thread)
	s.mu.Unlock()

	var started protocol.TurnStartResult
	err := s.proc.Call(ctx, protocol.MethodTurnStart, protocol.TurnStartParams{
		ThreadID: created.Thread.ThreadID,
		Input:    []protocol.InputPart{{Type: protocol.InputText, Text: prompt}},
	}, &started)
	if err != nil {
		return fmt.Errorf("turn.start: %w", err)
	}

	outcome, err := s.waitTurn(ctx, started.TurnID)
	if err != nil {
		return err
	}

	var got protocol.ThreadGetResult
	if err := s.proc.Call(ctx, protocol.MethodThreadGet, protocol.ThreadGetParams{ThreadID: created.Thread.ThreadID}, &got); err != nil {
		return fmt.Errorf("thread.get: %w", err)
	}
	replayed := timeline.New()
	if err := replayed.Replay(got.Events); err != nil {
		return fmt.Errorf("failed to replay thread: %w", err)
	}
	s.mu.Lock()
	fmt.Fprintf(s.render.out, "replayed %d events, %d items\n", len(got.Events), len(replayed.Timelines[created.Thread.ThreadID]))
	s.mu.Unlock()

	if outcome.Status == protocol.TurnFailed {
		return fmt.Errorf("turn failed: %s", outcome.Error)
	}
	return nil
}

// waitTurn blocks until turnID ends or the harness crashes. The turn may
// already have ended before turn.start returned.
func (s *clientSession) waitTurn(ctx context.Context, turnID string) (timeline.TurnOutcome, error) {
	for {
		s.mu.Lock()
		outcome, done := s.view.Turns[turnID]
		crashed, banner := s.view.Status == timeline.StatusError, s.view.Banner
		s.mu.Unlock()
		if done {
			return outcome, nil
		}
		if crashed {
			return timeline.TurnOutcome{}, errors.New(banner)
		}
		select {
		case <-s.changed:
		case <-ctx.Done():
			_ = s.proc.Call(context.Background(), protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: s.threadID}, nil)
			return timeline.TurnOutcome{}, ctx.Err()
		}
	}
}

func (s *clientSession) approve(req *protocol.ApprovalRequested) {
	decision := s.decision
	if decision == "" {
		decision = s.ask(req)
	}
	err := s.proc.Call(context.Background(), protocol.MethodApprovalRespond, protocol.ApprovalRespondParams{
		RequestID: req.RequestID,
		Decision:  decision,
	}, nil)
	if err != nil {
		s.mu.Lock()
		fmt.Fprintln(s.render.out, errorStyle.Render("approval.respond: "+err.Error()))
		s.mu.Unlock()
	}
}

func (s *clientSession) ask(req *protocol.ApprovalRequested) protocol.Decision {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	s.mu.Lock()
	fmt.Fprintf(s.render.out, "allow %s %s? [o]nce/[a]lways/[r]eject: ", req.Permission, strings.Join(req.Patterns, " "))
	s.mu.Unlock()

	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		return protocol.DecisionReject
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "o", "once", "y", "yes":
		return protocol.DecisionOnce
	case "a", "always":
		return protocol.DecisionAlways
	default:
		return protocol.DecisionReject
	}
}

func init() {
	clientCmd.Flags().StringVar(&clientCwd, "cwd", ".", "Workspace passed to the spawned harness")
	clientCmd.Flags().StringVar(&clientBin, "bin", "", "Harness binary to spawn (default: this executable)")
	clientCmd.Flags().StringVar(&clientTitle, "title", "", "Thread title")
	clientCmd.Flags().StringVar(&clientApprove, "approve", "", "Answer approvals without asking: once, always or reject")
	clientCmd.Flags().StringArrayVar(&clientServeArg, "serve-arg", nil, "Extra argument for the spawned serve command (repeatable)")
	rootCmd.AddCommand(clientCmd)
}

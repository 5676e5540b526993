package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

// State is the lifecycle state of a Process.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateError    State = "error"
)

// stopGrace is how long a child gets to exit after its stdin closes.
const stopGrace = 5 * time.Second

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithArgs appends arguments after "serve --cwd <workspace>".
func WithArgs(args ...string) ProcessOption {
	return func(p *Process) { p.args = append(p.args, args...) }
}

// WithEnv adds environment entries for the child.
func WithEnv(env ...string) ProcessOption {
	return func(p *Process) { p.env = append(p.env, env...) }
}

// WithClientOptions configures the Client of every spawned child.
func WithClientOptions(opts ...Option) ProcessOption {
	return func(p *Process) { p.clientOpts = append(p.clientOpts, opts...) }
}

// WithClientInfo sets the name sent with initialize.
func WithClientInfo(name, version string) ProcessOption {
	return func(p *Process) { p.info = protocol.ClientInfo{Name: name, Version: version} }
}

type child struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	client   *Client
	stopping bool
	exited   chan struct{}
}

// Process runs "harness serve" as a child process and talks to it through
// a Client. An unexpected exit is reported to subscribers as a
// harness.crash notification.
type Process struct {
	bin        string
	args       []string
	env        []string
	clientOpts []Option
	info       protocol.ClientInfo

	mu        sync.Mutex
	state     State
	workspace string
	child     *child

	subsMu  sync.RWMutex
	subs    map[uint64]NotificationHandler
	nextSub uint64
}

// NewProcess returns an idle Process that will run bin in workspace.
func NewProcess(bin, workspace string, opts ...ProcessOption) *Process {
	p := &Process{
		bin:       bin,
		workspace: workspace,
		state:     StateIdle,
		info:      protocol.ClientInfo{Name: "harness-client"},
		subs:      make(map[uint64]NotificationHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn for every notification, including harness.crash.
func (p *Process) Subscribe(fn NotificationHandler) func() {
	p.subsMu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	p.subsMu.Unlock()
	return func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}
}

func (p *Process) emit(method string, params json.RawMessage) {
	p.subsMu.RLock()
	subs := make([]NotificationHandler, 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subsMu.RUnlock()
	for _, fn := range subs {
		fn(method, params)
	}
}

func (p *Process) emitCrash(crash *protocol.HarnessCrash) {
	protocol.Stamp(crash, protocol.NotificationHarnessCrash, time.Now())
	raw, err := protocol.Marshal(crash)
	if err != nil {
		harnesslog.Warn("failed to encode crash notification", "error", err)
		return
	}
	p.emit(protocol.NotificationHarnessCrash, raw)
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Workspace returns the directory the child serves.
func (p *Process) Workspace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workspace
}

// Start spawns the child and initializes it unless it is already ready.
func (p *Process) Start(ctx context.Context) error {
	_, err := p.ensure(ctx)
	return err
}

func (p *Process) ensure(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.state == StateReady && p.child != nil {
		c := p.child.client
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.spawn(ctx)
}

func (p *Process) spawn(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	p.state = StateStarting
	workspace := p.workspace
	p.mu.Unlock()

	args := append([]string{"serve", "--cwd", workspace}, p.args...)
	cmd := exec.Command(p.bin, args...)
	cmd.Env = append(os.Environ(), p.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, p.spawnFailed(fmt.Errorf("stdin pipe: %w", err))
	}
	// exec closes pipes it creates once Wait returns, which could drop
	// unread output. Own the pipes and close the writers after Wait.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, p.spawnFailed(fmt.Errorf("start harness: %w", err))
	}

	c := New(stdin, stdoutR, stderrR, p.clientOpts...)
	c.OnNotification(p.emit)
	ch := &child{cmd: cmd, stdin: stdin, client: c, exited: make(chan struct{})}

	p.mu.Lock()
	p.child = ch
	p.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		p.onExit(ch, waitErr)
		close(ch.exited)
	}()

	var result protocol.InitializeResult
	info := p.info
	if err := c.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{ClientInfo: &info}, &result); err != nil {
		p.mu.Lock()
		if p.child == ch {
			p.state = StateError
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("initialize harness: %w", err)
	}
	harnesslog.Debug("harness ready", "version", result.Version, "workspace", workspace)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child != ch {
		return nil, ErrConnectionClosed
	}
	p.state = StateReady
	return c, nil
}

func (p *Process) spawnFailed(err error) error {
	p.mu.Lock()
	p.state = StateError
	p.mu.Unlock()
	p.emitCrash(&protocol.HarnessCrash{Message: err.Error()})
	return err
}

func (p *Process) onExit(ch *child, waitErr error) {
	<-ch.client.stderrDone
	ch.client.Close(ErrStdoutClosed)

	p.mu.Lock()
	expected := ch.stopping || p.child != ch
	if !expected {
		p.state = StateError
	}
	p.mu.Unlock()
	if expected {
		return
	}

	crash := &protocol.HarnessCrash{Stderr: ch.client.StderrTail()}
	state := ch.cmd.ProcessState
	switch {
	case state == nil:
		crash.Message = fmt.Sprintf("harness exited: %v", waitErr)
	default:
		code := state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			crash.Signal = ws.Signal().String()
			crash.Message = "harness killed by signal " + crash.Signal
		} else {
			crash.Code = &code
			crash.Message = fmt.Sprintf("harness exited with code %d", code)
		}
	}
	harnesslog.Warn("harness exited unexpectedly", "message", crash.Message)
	p.emitCrash(crash)
}

func (p *Process) stop(ch *child) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	ch.stopping = true
	p.mu.Unlock()

	ch.client.Close(ErrConnectionClosed)
	_ = ch.stdin.Close()
	select {
	case <-ch.exited:
		return
	case <-time.After(stopGrace):
	}
	if ch.cmd.Process != nil {
		_ = ch.cmd.Process.Kill()
	}
	<-ch.exited
}

// Call sends a request, starting the child first when needed.
func (p *Process) Call(ctx context.Context, method string, params, result interface{}) error {
	c, err := p.ensure(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, method, params, result)
}

// SetWorkspace restarts the child serving dir.
func (p *Process) SetWorkspace(ctx context.Context, dir string) error {
	p.mu.Lock()
	p.workspace = dir
	p.mu.Unlock()
	return p.Reconnect(ctx)
}

// Reconnect stops the current child, if any, and starts a new one.
func (p *Process) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	old := p.child
	p.child = nil
	p.mu.Unlock()
	p.stop(old)
	_, err := p.spawn(ctx)
	return err
}

// Close stops the child without reporting a crash.
func (p *Process) Close() error {
	p.mu.Lock()
	old := p.child
	p.child = nil
	p.state = StateIdle
	p.mu.Unlock()
	p.stop(old)
	return nil
}

// StderrTail returns the current child's recent stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child == nil {
		return ""
	}
	return p.child.client.StderrTail()
}

// IsCrash reports whether err means the harness went away.
func IsCrash(err error) bool {
	return errors.Is(err, ErrStdoutClosed) || errors.Is(err, ErrConnectionClosed)
}

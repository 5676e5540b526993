package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holon-run/harness/pkg/agent"
	"github.com/holon-run/harness/pkg/approval"
	"github.com/holon-run/harness/pkg/bus"
	"github.com/holon-run/harness/pkg/eventlog"
	"github.com/holon-run/harness/pkg/orchestrator"
	"github.com/holon-run/harness/pkg/permission"
	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/registry"
	"github.com/holon-run/harness/pkg/session"
	"github.com/holon-run/harness/pkg/transport"
)

type recorder struct {
	mu      sync.Mutex
	methods []string
}

func (r *recorder) Notify(method string, params interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	return nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

type runnerFactory func(b *bus.Bus, engine *permission.Engine) agent.Runner

type testEnv struct {
	dir      string
	reg      *registry.Registry
	sessions *session.FileStore
	log      *eventlog.Log
	orch     *orchestrator.Orchestrator
	srv      *Server
	rec      *recorder
}

func newTestEnv(t *testing.T, newRunner runnerFactory, notifier orchestrator.Notifier) *testEnv {
	t.Helper()
	env := &testEnv{
		dir: t.TempDir(),
		reg: registry.New(),
		log: eventlog.New(""),
		rec: &recorder{},
	}
	if notifier == nil {
		notifier = env.rec
	}
	env.sessions = session.NewFileStore(filepath.Join(env.dir, eventlog.DefaultStateDir))

	b := bus.New()
	engine := permission.NewEngine(b)
	pub := orchestrator.NewPublisher(notifier, env.log, nil)
	orch, err := orchestrator.New(orchestrator.Config{
		Registry:  env.reg,
		Bus:       b,
		Runner:    newRunner(b, engine),
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	env.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	srv, err := New(Config{
		Directory:    env.dir,
		Version:      "test",
		Registry:     env.reg,
		Sessions:     env.sessions,
		Orchestrator: orch,
		Gate:         approval.New(engine),
		EventLog:     env.log,
		Publisher:    pub,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.srv = srv
	return env
}

func echoRunner(b *bus.Bus, engine *permission.Engine) agent.Runner {
	return &agent.EchoRunner{Bus: b}
}

func (env *testEnv) call(t *testing.T, method string, params interface{}) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	resp, ok := env.srv.Handle(context.Background(), protocol.Request{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  raw,
	})
	if !ok {
		t.Fatalf("Handle(%s) returned no response", method)
	}
	return resp
}

func (env *testEnv) createThread(t *testing.T) protocol.Thread {
	t.Helper()
	resp := env.call(t, protocol.MethodThreadCreate, protocol.ThreadCreateParams{Title: "demo"})
	if resp.Error != nil {
		t.Fatalf("thread.create error = %v", resp.Error)
	}
	var result protocol.ThreadCreateResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return result.Thread
}

func (env *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.orch.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func errorCode(resp protocol.Response) int {
	if resp.Error == nil {
		return 0
	}
	return resp.Error.Code
}

func TestMethodRegistry_DuplicatePanics(t *testing.T) {
	r := NewMethodRegistry()
	noop := func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }
	r.RegisterMethod("x", noop)
	defer func() {
		if recover() == nil {
			t.Error("RegisterMethod() did not panic on a duplicate name")
		}
	}()
	r.RegisterMethod("x", noop)
}

func TestServer_Methods(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	want := append([]string(nil), protocol.Methods()...)
	got := env.srv.Methods()
	if len(got) != len(want) {
		t.Fatalf("Methods() = %v, want %v", got, want)
	}
}

func TestHandle_Initialize(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	resp := env.call(t, protocol.MethodInitialize, protocol.InitializeParams{ClientInfo: &protocol.ClientInfo{Name: "test"}})
	if resp.Error != nil {
		t.Fatalf("initialize error = %v", resp.Error)
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if result.Version != "test" || !result.Capabilities.Turns || !result.Capabilities.Approvals {
		t.Errorf("initialize result = %+v", result)
	}
}

func TestHandle_UnknownMethodEchoesID(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	resp, ok := env.srv.Handle(context.Background(), protocol.Request{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(`"req-7"`),
		Method:  "thread.delete",
	})
	if !ok {
		t.Fatal("Handle() returned no response")
	}
	if errorCode(resp) != protocol.ErrCodeMethodNotFound {
		t.Errorf("code = %d, want %d", errorCode(resp), protocol.ErrCodeMethodNotFound)
	}
	if string(resp.ID) != `"req-7"` {
		t.Errorf("ID = %s, want %q", resp.ID, `"req-7"`)
	}
}

func TestHandle_NotificationIgnored(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	if _, ok := env.srv.Handle(context.Background(), protocol.Request{JSONRPC: protocol.Version, Method: protocol.MethodThreadCreate}); ok {
		t.Error("Handle() answered a notification")
	}
	if list, _ := env.sessions.List(context.Background()); len(list) != 0 {
		t.Errorf("notification created %d sessions", len(list))
	}
}

func TestThreadCreateGetList(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	th := env.createThread(t)
	if th.ThreadID == "" || th.Title != "demo" || th.Directory != env.dir {
		t.Errorf("thread = %+v", th)
	}
	if _, ok := env.reg.GetThread(th.ThreadID); !ok {
		t.Error("thread not registered")
	}
	if meta, err := env.log.ReadMeta(env.dir, th.ThreadID); err != nil || meta.Title != "demo" {
		t.Errorf("ReadMeta() = %+v, %v", meta, err)
	}
	if got := env.rec.sent(); len(got) != 1 || got[0] != protocol.NotificationThreadCreated {
		t.Errorf("notifications = %v, want [thread.created]", got)
	}

	resp := env.call(t, protocol.MethodThreadGet, protocol.ThreadGetParams{ThreadID: th.ThreadID})
	if resp.Error != nil {
		t.Fatalf("thread.get error = %v", resp.Error)
	}
	var got protocol.ThreadGetResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Thread.ThreadID != th.ThreadID || len(got.Events) != 1 || got.Events[0].Notification != protocol.NotificationThreadCreated {
		t.Errorf("thread.get = %+v", got)
	}

	resp = env.call(t, protocol.MethodThreadList, nil)
	var list protocol.ThreadListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(list.Threads) != 1 || list.Threads[0].ThreadID != th.ThreadID {
		t.Errorf("thread.list = %+v", list)
	}
}

func TestDomainErrors(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	tests := []struct {
		method string
		params interface{}
		code   int
	}{
		{protocol.MethodThreadGet, protocol.ThreadGetParams{ThreadID: "ses_missing"}, protocol.ErrCodeThreadNotFound},
		{protocol.MethodTurnStart, protocol.TurnStartParams{ThreadID: "ses_missing", Input: []protocol.InputPart{{Type: "text", Text: "hi"}}}, protocol.ErrCodeThreadNotFound},
		{protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: "ses_missing"}, protocol.ErrCodeThreadNotFound},
		{protocol.MethodApprovalRespond, protocol.ApprovalRespondParams{RequestID: "per_missing", Decision: protocol.DecisionOnce}, protocol.ErrCodeApprovalNotFound},
		{protocol.MethodThreadGet, map[string]string{}, protocol.ErrCodeInvalidParams},
		{protocol.MethodApprovalRespond, map[string]string{"requestId": "per_1", "decision": "maybe"}, protocol.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := env.call(t, tt.method, tt.params)
			if errorCode(resp) != tt.code {
				t.Errorf("code = %d, want %d (error %v)", errorCode(resp), tt.code, resp.Error)
			}
		})
	}
}

func TestTurnStart_InvalidParamsHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	th := env.createThread(t)
	before := len(env.rec.sent())

	resp := env.call(t, protocol.MethodTurnStart, map[string]interface{}{
		"threadId": th.ThreadID,
		"input":    []map[string]string{{"type": "text", "text": "  "}},
	})
	if errorCode(resp) != protocol.ErrCodeInvalidParams {
		t.Fatalf("code = %d, want %d", errorCode(resp), protocol.ErrCodeInvalidParams)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Error.Data, &data); err != nil || data["field"] != "input[0].text" {
		t.Errorf("error data = %s", resp.Error.Data)
	}
	if _, active := env.reg.GetActiveTurn(th.ThreadID); active {
		t.Error("invalid turn.start registered a turn")
	}
	if after := len(env.rec.sent()); after != before {
		t.Errorf("invalid turn.start sent %d notifications", after-before)
	}
}

func TestTurnStart_BusyAndCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(*bus.Bus, *permission.Engine) agent.Runner {
		return agent.RunnerFunc(func(ctx context.Context, req agent.RunRequest) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		})
	}, nil)
	th := env.createThread(t)
	input := []protocol.InputPart{{Type: protocol.InputText, Text: "work"}}

	resp := env.call(t, protocol.MethodTurnStart, protocol.TurnStartParams{ThreadID: th.ThreadID, Input: input})
	if resp.Error != nil {
		t.Fatalf("turn.start error = %v", resp.Error)
	}
	var first protocol.TurnStartResult
	if err := json.Unmarshal(resp.Result, &first); err != nil || first.TurnID == "" {
		t.Fatalf("turn.start result = %s, %v", resp.Result, err)
	}
	<-started

	resp = env.call(t, protocol.MethodTurnStart, protocol.TurnStartParams{ThreadID: th.ThreadID, Input: input})
	if errorCode(resp) != protocol.ErrCodeTurnBusy {
		t.Fatalf("busy turn.start code = %d, want %d", errorCode(resp), protocol.ErrCodeTurnBusy)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Error.Data, &data); err != nil || data["activeTurnId"] != first.TurnID {
		t.Errorf("busy error data = %s, want activeTurnId %s", resp.Error.Data, first.TurnID)
	}

	resp = env.call(t, protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: th.ThreadID})
	if resp.Error != nil || string(resp.Result) != `{"ok":true}` {
		t.Fatalf("turn.cancel = %s, %v", resp.Result, resp.Error)
	}
	env.wait(t)

	turn, _ := env.reg.GetTurn(first.TurnID)
	if turn.Status != protocol.TurnCancelled {
		t.Errorf("turn status = %s, want cancelled", turn.Status)
	}
	resp = env.call(t, protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: th.ThreadID})
	if errorCode(resp) != protocol.ErrCodeTurnNotFound {
		t.Errorf("second turn.cancel code = %d, want %d", errorCode(resp), protocol.ErrCodeTurnNotFound)
	}
}

func TestTurnStart_HydratesStoredThread(t *testing.T) {
	env := newTestEnv(t, echoRunner, nil)
	sess, err := env.sessions.Create(context.Background(), "stored", env.dir)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	resp := env.call(t, protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: sess.ID})
	if errorCode(resp) != protocol.ErrCodeTurnNotFound {
		t.Errorf("turn.cancel on idle stored thread code = %d, want %d", errorCode(resp), protocol.ErrCodeTurnNotFound)
	}

	resp = env.call(t, protocol.MethodTurnStart, protocol.TurnStartParams{
		ThreadID: sess.ID,
		Input:    []protocol.InputPart{{Type: protocol.InputText, Text: "hi"}},
	})
	if resp.Error != nil {
		t.Fatalf("turn.start error = %v", resp.Error)
	}
	env.wait(t)
	if th, ok := env.reg.GetThread(sess.ID); !ok || th.Directory != env.dir {
		t.Errorf("registry thread = %+v, %v", th, ok)
	}
}

// pipeClient drives a served connection the way an external process would.
type pipeClient struct {
	t     *testing.T
	w     io.Writer
	lines chan json.RawMessage
}

func (c *pipeClient) send(id int, method string, params interface{}) {
	c.t.Helper()
	raw, _ := json.Marshal(params)
	line, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": json.RawMessage(raw)})
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func (c *pipeClient) next() wireMessage {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.t.Fatal("server output closed")
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.t.Fatalf("Unmarshal(%s) error = %v", line, err)
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for server output")
	}
	return wireMessage{}
}

func TestServe_ApprovalRoundTrip(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	conn := transport.New(inR, outW)
	env := newTestEnv(t, func(b *bus.Bus, engine *permission.Engine) agent.Runner {
		return &agent.EchoRunner{Bus: b, Permissions: engine, AskPermission: true}
	}, conn)
	if err := env.srv.Attach(conn); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- conn.Serve(context.Background()) }()

	lines := make(chan json.RawMessage, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			lines <- append(json.RawMessage(nil), scanner.Bytes()...)
		}
	}()
	c := &pipeClient{t: t, w: inW, lines: lines}

	c.send(1, protocol.MethodThreadCreate, protocol.ThreadCreateParams{})
	var threadID string
	for threadID == "" {
		msg := c.next()
		if string(msg.ID) == "1" {
			var result protocol.ThreadCreateResult
			_ = json.Unmarshal(msg.Result, &result)
			threadID = result.Thread.ThreadID
		}
	}

	c.send(2, protocol.MethodTurnStart, protocol.TurnStartParams{
		ThreadID: threadID,
		Input:    []protocol.InputPart{{Type: protocol.InputText, Text: "hello"}},
	})

	var methods []string
	var text strings.Builder
	for done := false; !done; {
		msg := c.next()
		if msg.Method == "" {
			if msg.Error != nil {
				t.Fatalf("response %s error = %v", msg.ID, msg.Error)
			}
			continue
		}
		methods = append(methods, msg.Method)
		switch msg.Method {
		case protocol.NotificationApprovalRequested:
			var req protocol.ApprovalRequested
			if err := json.Unmarshal(msg.Params, &req); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			c.send(3, protocol.MethodApprovalRespond, protocol.ApprovalRespondParams{RequestID: req.RequestID, Decision: protocol.DecisionOnce})
		case protocol.NotificationItemDelta:
			var d protocol.ItemDelta
			if err := json.Unmarshal(msg.Params, &d); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if d.Type == protocol.ItemAssistantMessage {
				text.WriteString(d.Delta)
			}
		case protocol.NotificationTurnCompleted, protocol.NotificationTurnError:
			done = true
		}
	}

	if methods[0] != protocol.NotificationTurnStarted {
		t.Errorf("first turn notification = %s, want turn.started", methods[0])
	}
	if last := methods[len(methods)-1]; last != protocol.NotificationTurnCompleted {
		t.Errorf("turn ended with %s", last)
	}
	if text.String() != "Received: hello" {
		t.Errorf("streamed text = %q", text.String())
	}

	_ = inW.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Serve() did not return after stdin closed")
	}
	_ = outW.Close()
}

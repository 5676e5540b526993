// Package client is the caller side of the harness protocol: it correlates
// requests with responses over an NDJSON stream and fans out notifications.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

var (
	// ErrClosed is returned by calls made after the client closed.
	ErrClosed = errors.New("harness client is closed")
	// ErrStdoutClosed rejects pending calls when the server output ends.
	ErrStdoutClosed = errors.New("harness stdout closed")
	// ErrConnectionClosed rejects pending calls on an explicit Close.
	ErrConnectionClosed = errors.New("harness connection closed")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("request timed out")
)

// Default per-call timeouts.
const (
	DefaultTimeout   = 30 * time.Second
	TurnStartTimeout = 120 * time.Second
)

// TimeoutError reports a call that got no response in time.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return "request timed out: " + e.Method
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NotificationHandler receives server notifications on the read goroutine.
type NotificationHandler func(method string, params json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the timeout of one method.
func WithTimeout(method string, d time.Duration) Option {
	return func(c *Client) { c.timeouts[method] = d }
}

// WithDefaultTimeout sets the timeout of methods without an override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithStderrTail sets how many bytes of server stderr are retained.
func WithStderrTail(size int) Option {
	return func(c *Client) { c.stderr = newTailBuffer(size) }
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client correlates requests written to the server's stdin with responses
// read from its stdout.
type Client struct {
	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callResult
	closed  bool
	err     error
	done    chan struct{}

	handlersMu  sync.RWMutex
	handlers    map[uint64]NotificationHandler
	nextHandler uint64

	defaultTimeout time.Duration
	timeouts       map[string]time.Duration

	stderr     *tailBuffer
	stderrDone chan struct{}
}

// New starts reading stdout (and stderr, when given) in the background.
func New(stdin io.Writer, stdout io.Reader, stderr io.Reader, opts ...Option) *Client {
	c := &Client{
		w:              stdin,
		pending:        make(map[int64]chan callResult),
		done:           make(chan struct{}),
		handlers:       make(map[uint64]NotificationHandler),
		defaultTimeout: DefaultTimeout,
		timeouts:       map[string]time.Duration{protocol.MethodTurnStart: TurnStartTimeout},
		stderr:         newTailBuffer(DefaultTailSize),
		stderrDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go func() {
			defer close(c.stderrDone)
			_, _ = io.Copy(c.stderr, stderr)
		}()
	} else {
		close(c.stderrDone)
	}
	return c
}

func (c *Client) timeoutFor(method string) time.Duration {
	if d, ok := c.timeouts[method]; ok {
		return d
	}
	return c.defaultTimeout
}

// Call sends a request and decodes the result into result, which may be
// nil. Error responses are returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Request sends a request and returns the raw result.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := protocol.Request{JSONRPC: protocol.Version, Method: method}
	if params != nil {
		raw, err := protocol.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req.ID = json.RawMessage(strconv.FormatInt(id, 10))
	if err := c.write(req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timeout := c.timeoutFor(method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.forget(id)
		return nil, &TimeoutError{Method: method, After: timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(req protocol.Request) error {
	line, err := protocol.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(line, '\n'))
	return err
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// OnNotification registers h and returns a function that removes it.
func (c *Client) OnNotification(h NotificationHandler) func() {
	c.handlersMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Client) notify(method string, params json.RawMessage) {
	c.handlersMu.RLock()
	handlers := make([]NotificationHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(method, params)
	}
}

func (c *Client) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.handleLine(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.Close(ErrStdoutClosed)
			} else {
				c.Close(err)
			}
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	msg, perr := protocol.ParseMessage(line)
	if perr != nil {
		harnesslog.Debug("ignoring malformed server line", "error", perr.Message)
		return
	}
	switch msg.Kind() {
	case protocol.KindResponse:
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			ch <- callResult{err: msg.Error}
			return
		}
		ch <- callResult{result: msg.Result}
	case protocol.KindNotification:
		c.notify(msg.Method, msg.Params)
	}
}

// Close rejects every pending call with cause (ErrConnectionClosed when
// nil) and fails later calls with ErrClosed. It does not close the
// underlying streams.
func (c *Client) Close(cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: cause}
	}
	close(c.done)
}

// Done is closed once the client closes.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause the client closed with, or nil while open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// StderrTail returns the most recent server stderr output.
func (c *Client) StderrTail() string {
	return c.stderr.String()
}

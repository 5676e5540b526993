// Package transport frames JSON-RPC messages as newline-delimited JSON over
// a byte stream, normally the process's stdin and stdout.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: connection closed")
	// ErrHandlerRegistered is returned when a second request handler is set.
	ErrHandlerRegistered = errors.New("transport: request handler already registered")
)

// Handler services one inbound request. It runs on its own goroutine.
type Handler func(ctx context.Context, req protocol.Request)

// Option configures a Conn.
type Option func(*Conn)

// WithCloser closes c together with the connection, e.g. to unblock a read.
func WithCloser(c io.Closer) Option {
	return func(conn *Conn) { conn.closers = append(conn.closers, c) }
}

// WithTraceFile appends every wire line to path as a JSON record.
func WithTraceFile(path string) Option {
	return func(conn *Conn) { conn.tracePath = path }
}

// Conn is a bidirectional NDJSON message stream.
type Conn struct {
	r         io.Reader
	closers   []io.Closer
	tracePath string
	tracer    *wireTracer

	writeMu sync.Mutex
	w       io.Writer
	closed  bool

	handlerMu sync.RWMutex
	handler   Handler

	inflight sync.WaitGroup
}

// New builds a Conn over r and w. The trace file defaults to the
// HARNESS_TRACE_FILE environment variable.
func New(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{r: r, w: w, tracePath: os.Getenv(TraceEnvKey)}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = newWireTracer(c.tracePath)
	return c
}

// Stdio builds a Conn over the process's standard streams.
func Stdio(opts ...Option) *Conn {
	return New(os.Stdin, os.Stdout, append([]Option{WithCloser(os.Stdin)}, opts...)...)
}

// OnRequest registers the request handler. Only one may be registered.
func (c *Conn) OnRequest(h Handler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler != nil {
		return ErrHandlerRegistered
	}
	c.handler = h
	return nil
}

func (c *Conn) requestHandler() Handler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Serve reads lines until the stream ends, dispatching requests. It returns
// nil on a clean end of input, after every dispatched handler has returned.
func (c *Conn) Serve(ctx context.Context) error {
	reader := bufio.NewReader(c.r)
	var readErr error
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.handleLine(ctx, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				readErr = fmt.Errorf("transport: read: %w", err)
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	c.inflight.Wait()
	return readErr
}

func (c *Conn) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	c.tracer.trace("in", line)

	h := c.requestHandler()
	msg, perr := protocol.ParseMessage(line)
	if perr != nil {
		if h == nil {
			return
		}
		harnesslog.Warn("dropping malformed message", "error", perr.Message, "code", perr.Code)
		if len(msg.ID) > 0 && perr.Code == protocol.ErrCodeInvalidRequest {
			if err := c.Send(protocol.NewErrorResponse(msg.ID, perr)); err != nil {
				harnesslog.Warn("failed to send invalid request error", "error", err)
			}
		}
		return
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		if h == nil {
			harnesslog.Debug("no request handler registered; dropping request", "method", msg.Method)
			return
		}
		req := msg.Request()
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			h(ctx, req)
		}()
	default:
		harnesslog.Debug("ignoring inbound message", "kind", msg.Kind().String(), "method", msg.Method)
	}
}

// Send writes v as one JSON line. Concurrent sends never interleave.
func (c *Conn) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	c.tracer.trace("out", bytes.TrimRight(buf.Bytes(), "\n"))
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Notify sends a notification with the given params.
func (c *Conn) Notify(method string, params interface{}) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(n)
}

func (c *Conn) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

// Close stops further sends and closes the configured closers.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	c.writeMu.Unlock()

	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.tracer.close()
	return errors.Join(errs...)
}

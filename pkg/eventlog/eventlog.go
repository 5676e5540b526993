// Package eventlog persists per-thread notification history as JSON lines
// under the thread's working directory.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

const (
	// DefaultStateDir is the directory created inside each workspace.
	DefaultStateDir = ".harness"

	eventsFile = "events.jsonl"
	metaFile   = "meta.json"

	maxLineSize = 10 * 1024 * 1024
)

// ErrMetaNotFound is returned by ReadMeta when no meta.json exists.
var ErrMetaNotFound = errors.New("eventlog: thread meta not found")

// ErrEventTooLarge is returned by Append for a payload that cannot be
// shrunk below the line limit.
var ErrEventTooLarge = errors.New("eventlog: event too large")

const truncatedMarker = "\n[output truncated]"

// Meta is the per-thread descriptor written next to the event file.
type Meta struct {
	ThreadID  string `json:"threadId"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Created   int64  `json:"created"`
}

// Log appends and replays thread event files.
type Log struct {
	stateDir string
	now      func() time.Time
	maxLine  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Log using stateDir (DefaultStateDir when empty).
func New(stateDir string) *Log {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = DefaultStateDir
	}
	return &Log{stateDir: stateDir, now: time.Now, maxLine: maxLineSize, locks: make(map[string]*sync.Mutex)}
}

// ThreadDir returns the directory holding one thread's files.
func (l *Log) ThreadDir(directory, threadID string) (string, error) {
	if err := validateThreadID(threadID); err != nil {
		return "", err
	}
	return filepath.Join(directory, l.stateDir, "threads", threadID), nil
}

func validateThreadID(threadID string) error {
	switch {
	case strings.TrimSpace(threadID) == "":
		return fmt.Errorf("eventlog: thread id is required")
	case threadID == "." || threadID == "..":
		return fmt.Errorf("eventlog: invalid thread id %q", threadID)
	case strings.ContainsAny(threadID, `/\`) || strings.ContainsRune(threadID, 0):
		return fmt.Errorf("eventlog: invalid thread id %q", threadID)
	}
	return nil
}

func (l *Log) lockFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// Append stamps the payload's timestamp if unset and appends it as one line.
func (l *Log) Append(directory, threadID string, p protocol.Payload) error {
	dir, err := l.ThreadDir(directory, threadID)
	if err != nil {
		return err
	}
	h := protocol.HeaderOf(p)
	if h.Notification == "" {
		return fmt.Errorf("eventlog: payload has no notification name")
	}
	if h.Timestamp == 0 {
		protocol.Stamp(p, h.Notification, l.now())
	}

	line, err := l.encode(p)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, eventsFile)
	lock := l.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("eventlog: append %s: %w", path, err)
	}
	return f.Close()
}

// encode marshals p as one line. Tool output is truncated until the line
// fits the replay limit.
func (l *Log) encode(p protocol.Payload) ([]byte, error) {
	name := protocol.HeaderOf(p).Notification
	for {
		line, err := protocol.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("eventlog: encode %s: %w", name, err)
		}
		if len(line) < l.maxLine {
			return append(line, '\n'), nil
		}
		shrunk, ok := shrinkToolOutput(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrEventTooLarge, name, len(line))
		}
		harnesslog.Warn("truncating tool output in event log", "notification", name, "bytes", len(line))
		p = shrunk
	}
}

// shrinkToolOutput returns a copy of a tool item.completed with half of
// its output dropped.
func shrinkToolOutput(p protocol.Payload) (protocol.Payload, bool) {
	c, ok := p.(*protocol.ItemCompleted)
	if !ok {
		return nil, false
	}
	data, ok := c.Data.(protocol.ToolExecData)
	if !ok {
		return nil, false
	}
	output := strings.TrimSuffix(data.Output, truncatedMarker)
	if output == "" {
		return nil, false
	}
	data.Output = output[:len(output)/2] + truncatedMarker
	cp := *c
	cp.Data = data
	return &cp, true
}

// Replay returns the thread's entries in file order. A missing file yields
// no entries; unparseable or oversized lines are skipped.
func (l *Log) Replay(directory, threadID string) ([]protocol.Event, error) {
	dir, err := l.ThreadDir(directory, threadID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, eventsFile)

	lock := l.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []protocol.Event{}, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	events := []protocol.Event{}
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		raw, tooLong, readErr := readLine(reader, l.maxLine)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("eventlog: read %s: %w", path, readErr)
		}
		line := bytes.TrimSpace(raw)
		switch {
		case tooLong:
			harnesslog.Warn("skipping oversized event log line", "path", path, "line", lineNo, "limit", l.maxLine)
		case len(line) > 0:
			var ev protocol.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				harnesslog.Warn("skipping malformed event log line", "path", path, "line", lineNo, "error", err)
				break
			}
			events = append(events, ev)
		}
		if readErr != nil {
			return events, nil
		}
	}
}

// readLine reads one newline-terminated line. Lines longer than limit are
// consumed and discarded, reporting tooLong.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

// WriteMeta writes meta.json atomically.
func (l *Log) WriteMeta(directory string, meta Meta) error {
	dir, err := l.ThreadDir(directory, meta.ThreadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("eventlog: encode meta: %w", err)
	}

	path := filepath.Join(dir, metaFile)
	tmp, err := os.CreateTemp(dir, metaFile+".*")
	if err != nil {
		return fmt.Errorf("eventlog: write meta: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: write meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: write meta: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: write meta: %w", err)
	}
	return nil
}

// ReadMeta reads meta.json for a thread.
func (l *Log) ReadMeta(directory, threadID string) (Meta, error) {
	dir, err := l.ThreadDir(directory, threadID)
	if err != nil {
		return Meta{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrMetaNotFound
		}
		return Meta{}, fmt.Errorf("eventlog: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("eventlog: decode meta: %w", err)
	}
	return meta, nil
}

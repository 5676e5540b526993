package transport

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	harnesslog "github.com/holon-run/harness/pkg/log"
)

// TraceEnvKey names a file that receives every inbound and outbound line.
const TraceEnvKey = "HARNESS_TRACE_FILE"

type wireTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newWireTracer(path string) *wireTracer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		harnesslog.Warn("failed to open wire trace file", "path", path, "error", err)
		return nil
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &wireTracer{file: f, enc: enc}
}

func (t *wireTracer) trace(direction string, line []byte) {
	if t == nil {
		return
	}

	entry := struct {
		TS        string          `json:"ts"`
		Seq       uint64          `json:"seq"`
		Direction string          `json:"direction"`
		Line      json.RawMessage `json:"line,omitempty"`
		Text      string          `json:"text,omitempty"`
	}{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Seq:       t.seq.Add(1),
		Direction: direction,
	}
	if json.Valid(line) {
		entry.Line = line
	} else {
		entry.Text = string(line)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		harnesslog.Warn("failed to write wire trace", "error", err)
	}
}

func (t *wireTracer) close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.file.Close()
}

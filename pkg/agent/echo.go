package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/holon-run/harness/pkg/bus"
	"github.com/holon-run/harness/pkg/permission"
	"github.com/holon-run/harness/pkg/protocol"
)

// Asker requests user approval.
type Asker interface {
	Ask(ctx context.Context, req permission.Request) (protocol.Decision, error)
}

// EchoRunner is an offline agent that streams the prompt back. With
// AskPermission set it first runs a pseudo "echo" tool call gated by an
// approval request.
type EchoRunner struct {
	Bus           bus.Publisher
	Permissions   Asker
	AskPermission bool
	// ChunkSize is the number of words per text delta.
	ChunkSize int
	// Delay is slept between deltas.
	Delay time.Duration
}

const echoTool = "echo"

func (r *EchoRunner) Run(ctx context.Context, req RunRequest) error {
	text := req.Text()
	messageID := "msg_" + uuid.NewString()

	reply := "Received: " + text
	if r.AskPermission && r.Permissions != nil {
		allowed, err := r.runTool(ctx, req.SessionID, messageID, text)
		if err != nil {
			return err
		}
		if !allowed {
			reply = "Permission denied; nothing was echoed."
		}
	}

	part := bus.Part{ID: "prt_" + uuid.NewString(), SessionID: req.SessionID, MessageID: messageID, Kind: bus.PartText}
	for _, chunk := range chunkWords(reply, r.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
		r.Bus.Publish(bus.PartUpdated{Part: part, Delta: chunk})
		if r.Delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			case <-time.After(r.Delay):
			}
		}
	}
	return nil
}

func (r *EchoRunner) runTool(ctx context.Context, sessionID, messageID, text string) (bool, error) {
	callID := "call_" + uuid.NewString()
	input, _ := json.Marshal(map[string]string{"text": text})
	toolPart := func(state bus.ToolState) bus.PartUpdated {
		return bus.PartUpdated{Part: bus.Part{
			ID:        "prt_" + callID,
			SessionID: sessionID,
			MessageID: messageID,
			Kind:      bus.PartTool,
			CallID:    callID,
			Tool:      echoTool,
			State:     &state,
		}}
	}

	r.Bus.Publish(toolPart(bus.ToolState{Status: bus.ToolPending}))

	decision, err := r.Permissions.Ask(ctx, permission.Request{
		SessionID:  sessionID,
		Permission: echoTool,
		Patterns:   []string{firstLine(text)},
		Metadata:   map[string]any{"text": text},
		Tool:       &bus.ToolRef{MessageID: messageID, CallID: callID},
	})
	if err != nil {
		r.Bus.Publish(toolPart(bus.ToolState{Status: bus.ToolError, Input: input, Error: "interrupted"}))
		return false, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if !decision.Allows() {
		r.Bus.Publish(toolPart(bus.ToolState{Status: bus.ToolError, Input: input, Error: "permission rejected"}))
		return false, nil
	}

	r.Bus.Publish(toolPart(bus.ToolState{Status: bus.ToolRunning, Input: input}))
	r.Bus.Publish(toolPart(bus.ToolState{Status: bus.ToolCompleted, Input: input, Output: text, Title: "echo"}))
	return true, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// chunkWords splits s into chunks of n words, keeping the separating
// whitespace so the chunks concatenate back to s.
func chunkWords(s string, n int) []string {
	if n <= 0 {
		return []string{s}
	}
	var chunks []string
	words := 0
	start := 0
	inWord := false
	for i, c := range s {
		space := c == ' ' || c == '\n' || c == '\t'
		if !space && !inWord {
			if words == n {
				chunks = append(chunks, s[start:i])
				start = i
				words = 0
			}
			words++
		}
		inWord = !space
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}

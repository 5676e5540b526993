// Package agent defines the agent runtime seen by the turn orchestrator and
// ships two implementations: an offline echo agent and a container agent.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/holon-run/harness/pkg/protocol"
)

// ErrAborted is returned by a Runner whose run was cancelled.
var ErrAborted = errors.New("agent: run aborted")

// ErrNoDefault is returned by a ModelSource with nothing configured.
var ErrNoDefault = errors.New("agent: no default configured")

// DefaultAgent is used when neither the request nor the model source names
// an agent.
const DefaultAgent = "build"

// FallbackModel is used when neither the request nor the model source names
// a model.
var FallbackModel = protocol.ModelRef{ProviderID: "openrouter", ModelID: "anthropic/claude-sonnet-4-20250514"}

// RunRequest is one prompt submitted to the agent.
type RunRequest struct {
	SessionID string
	Directory string
	Model     protocol.ModelRef
	Agent     string
	Parts     []protocol.InputPart
}

// Text joins the text parts of the request.
func (r RunRequest) Text() string {
	var texts []string
	for _, p := range r.Parts {
		if p.Type == protocol.InputText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Runner executes a prompt, publishing progress on the event bus. Run
// returns nil on success and an error matching ErrAborted or
// context.Canceled when cancelled.
type Runner interface {
	Run(ctx context.Context, req RunRequest) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req RunRequest) error

func (f RunnerFunc) Run(ctx context.Context, req RunRequest) error { return f(ctx, req) }

// ModelSource supplies defaults when a turn does not name a model or agent.
type ModelSource interface {
	DefaultModel(ctx context.Context) (protocol.ModelRef, error)
	DefaultAgent(ctx context.Context) (string, error)
}

// StaticModels is a ModelSource backed by configuration.
type StaticModels struct {
	Model protocol.ModelRef
	Agent string
}

func (s StaticModels) DefaultModel(ctx context.Context) (protocol.ModelRef, error) {
	if s.Model.ProviderID == "" || s.Model.ModelID == "" {
		return protocol.ModelRef{}, ErrNoDefault
	}
	return s.Model, nil
}

func (s StaticModels) DefaultAgent(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.Agent) == "" {
		return "", ErrNoDefault
	}
	return s.Agent, nil
}

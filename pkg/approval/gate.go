// Package approval routes client approval decisions to the permission
// engine.
package approval

import (
	"context"
	"errors"
	"fmt"

	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/permission"
	"github.com/holon-run/harness/pkg/protocol"
)

// Replier answers a pending permission request.
type Replier interface {
	Reply(ctx context.Context, requestID string, decision protocol.Decision) error
}

// Gate forwards approval.respond calls.
type Gate struct {
	replier Replier
}

// New returns a gate over r.
func New(r Replier) *Gate {
	return &Gate{replier: r}
}

// Respond forwards the decision. An unknown request maps to
// ApprovalNotFound; any other failure is returned wrapped.
func (g *Gate) Respond(ctx context.Context, params protocol.ApprovalRespondParams) (protocol.OKResult, error) {
	harnesslog.Info("approval response", "request_id", params.RequestID, "decision", string(params.Decision))
	if err := g.replier.Reply(ctx, params.RequestID, params.Decision); err != nil {
		if errors.Is(err, permission.ErrRequestNotFound) {
			return protocol.OKResult{}, protocol.ApprovalNotFound(params.RequestID)
		}
		return protocol.OKResult{}, fmt.Errorf("reply to %s: %w", params.RequestID, err)
	}
	return protocol.OKResult{OK: true}, nil
}

package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/holon-run/harness/pkg/permission"
	"github.com/holon-run/harness/pkg/protocol"
)

type stubReplier struct {
	err      error
	gotID    string
	gotReply protocol.Decision
}

func (s *stubReplier) Reply(ctx context.Context, requestID string, decision protocol.Decision) error {
	s.gotID, s.gotReply = requestID, decision
	return s.err
}

func TestRespond(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOK   bool
	}{
		{"forwarded", nil, 0, true},
		{"unknown request", permission.ErrRequestNotFound, protocol.ErrCodeApprovalNotFound, false},
		{"engine failure", errors.New("engine stopped"), protocol.ErrCodeInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stubReplier{err: tt.err}
			res, err := New(r).Respond(context.Background(), protocol.ApprovalRespondParams{RequestID: "per_1", Decision: protocol.DecisionAlways})
			if res.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", res.OK, tt.wantOK)
			}
			if got := protocol.CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf(err) = %d, want %d", got, tt.wantCode)
			}
			if r.gotID != "per_1" || r.gotReply != protocol.DecisionAlways {
				t.Errorf("forwarded %s/%s", r.gotID, r.gotReply)
			}
		})
	}
}

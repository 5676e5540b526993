package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/holon-run/harness/pkg/eventlog"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/orchestrator"
	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/registry"
	"github.com/holon-run/harness/pkg/session"
)

func toThread(sess session.Session) protocol.Thread {
	return protocol.Thread{
		ThreadID:  sess.ID,
		Title:     sess.Title,
		Directory: sess.Directory,
		Time:      protocol.ThreadTime{Created: sess.Created, Updated: sess.Updated},
	}
}

func (s *Server) handleInitialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.InitializeParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ClientInfo != nil {
		harnesslog.Info("client connected", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)
	}
	return protocol.InitializeResult{
		Version: s.version,
		Capabilities: protocol.Capabilities{
			Threads:     true,
			Turns:       true,
			Approvals:   true,
			Streaming:   true,
			Persistence: true,
		},
	}, nil
}

// handleThreadCreate creates the session first; the registry entry, the
// thread meta and thread.created follow only once it is stored.
func (s *Server) handleThreadCreate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.ThreadCreateParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	directory := strings.TrimSpace(params.Directory)
	if directory == "" {
		directory = s.directory
	}
	if abs, err := filepath.Abs(directory); err == nil {
		directory = abs
	}

	sess, err := s.sessions.Create(ctx, params.Title, directory)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.log.WriteMeta(directory, eventlog.Meta{
		ThreadID:  sess.ID,
		Title:     sess.Title,
		Directory: directory,
		Created:   sess.Created,
	}); err != nil {
		return nil, fmt.Errorf("write thread meta: %w", err)
	}
	s.registry.CreateThread(sess.ID, directory)
	s.pub.Emit(directory, sess.ID, protocol.NotificationThreadCreated, &protocol.ThreadCreated{
		ThreadID: sess.ID,
		Title:    sess.Title,
	})
	harnesslog.Info("thread created", "thread", sess.ID, "directory", directory)
	return protocol.ThreadCreateResult{Thread: toThread(sess)}, nil
}

func (s *Server) handleThreadList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.ThreadListParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	threads := make([]protocol.Thread, 0, len(sessions))
	for _, sess := range sessions {
		threads = append(threads, toThread(sess))
	}
	return protocol.ThreadListResult{Threads: threads}, nil
}

func (s *Server) lookupSession(ctx context.Context, threadID string) (session.Session, error) {
	sess, err := s.sessions.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Session{}, protocol.ThreadNotFound(threadID)
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Server) handleThreadGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.ThreadGetParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	sess, err := s.lookupSession(ctx, params.ThreadID)
	if err != nil {
		return nil, err
	}
	events, err := s.log.Replay(sess.Directory, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("replay thread: %w", err)
	}
	return protocol.ThreadGetResult{Thread: toThread(sess), Events: events}, nil
}

// ensureThread returns the registry entry for threadID, loading it from the
// session store when this process has not seen the thread yet.
func (s *Server) ensureThread(ctx context.Context, threadID string) (registry.Thread, error) {
	if th, ok := s.registry.GetThread(threadID); ok {
		return th, nil
	}
	sess, err := s.lookupSession(ctx, threadID)
	if err != nil {
		return registry.Thread{}, err
	}
	harnesslog.Debug("hydrating thread from session store", "thread", threadID)
	return s.registry.CreateThread(sess.ID, sess.Directory), nil
}

func (s *Server) handleTurnStart(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.TurnStartParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	th, err := s.ensureThread(ctx, params.ThreadID)
	if err != nil {
		return nil, err
	}
	turnID, err := s.orch.Start(ctx, orchestrator.StartInput{
		ThreadID:  th.ThreadID,
		Directory: th.Directory,
		Parts:     params.Input,
		Model:     params.Model,
		Agent:     params.Agent,
	})
	if err != nil {
		return nil, err
	}
	return protocol.TurnStartResult{TurnID: turnID}, nil
}

func (s *Server) handleTurnCancel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.TurnCancelParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if _, ok := s.registry.GetThread(params.ThreadID); !ok {
		// A stored thread unknown to this process cannot have a running turn.
		if _, err := s.lookupSession(ctx, params.ThreadID); err != nil {
			return nil, err
		}
		return nil, protocol.TurnNotFound(params.ThreadID)
	}
	if err := s.orch.Cancel(params.ThreadID); err != nil {
		return nil, err
	}
	return protocol.OKResult{OK: true}, nil
}

func (s *Server) handleApprovalRespond(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.ApprovalRespondParams
	if err := protocol.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.gate.Respond(ctx, params)
}

// Package session persists the sessions that back harness threads.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	harnesslog "github.com/holon-run/harness/pkg/log"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session: not found")

// Session is a stored conversation. Times are unix milliseconds.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
}

// Store creates and looks up sessions.
type Store interface {
	Create(ctx context.Context, title, directory string) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
}

// FileStore keeps one JSON document per session under <root>/sessions.
type FileStore struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at root. The directory is created on
// first write.
func NewFileStore(root string) *FileStore {
	return &FileStore{dir: filepath.Join(root, "sessions"), now: time.Now}
}

// NewID returns a time-ordered session id.
func NewID() string {
	return "ses_" + uuid.Must(uuid.NewV7()).String()
}

// DefaultTitle is used when a session is created without a title.
func DefaultTitle(at time.Time) string {
	return "New session - " + at.UTC().Format(time.RFC3339)
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileStore) Create(ctx context.Context, title, directory string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	now := s.now()
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle(now)
	}
	sess := Session{
		ID:        NewID(),
		Title:     title,
		Directory: directory,
		Created:   now.UnixMilli(),
		Updated:   now.UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(sess); err != nil {
		return Session{}, err
	}
	harnesslog.Debug("session created", "session", sess.ID, "directory", directory)
	return sess, nil
}

func (s *FileStore) write(sess Session) error {
	path, err := s.path(sess.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	path, err := s.path(id)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return sess, nil
}

// List returns every stored session, most recently updated first.
// Unreadable documents are skipped.
func (s *FileStore) List(ctx context.Context) ([]Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]Session, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		sess, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			harnesslog.Warn("skipping unreadable session", "file", name, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].Updated != sessions[j].Updated {
			return sessions[i].Updated > sessions[j].Updated
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

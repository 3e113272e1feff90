// internal/state/store.go
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/threadrelay/internal/types"
)

// Store is a JSON-file-backed session registry. Sessions live in memory;
// every mutation rewrites the snapshot before the mutating call returns.
// The chat-thread reverse index is derived from the session table on every
// load and mutation, never read from disk.
type Store struct {
	path     string
	mu       sync.RWMutex
	sessions map[types.SessionID]*types.Session
	byThread map[types.ThreadKey]types.SessionID
}

// Open loads the snapshot at path. A missing file yields an empty store; a
// file that fails to parse is an error so a daemon never runs on partial
// state.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[types.SessionID]*types.Session),
		byThread: make(map[types.ThreadKey]types.SessionID),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}

	now := time.Now()
	for id, rec := range snap.Sessions {
		if rec == nil {
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		sess := rec.toSession()
		if !sess.ID.Valid() || sess.ThreadID == 0 {
			slog.Warn("dropping invalid session from snapshot", "session_id", sess.ID, "thread_id", sess.ThreadID)
			continue
		}
		// No connection survives a restart.
		sess.Status = types.StatusDisconnected
		if sess.DisconnectedAt == nil {
			t := now
			sess.DisconnectedAt = &t
		}
		s.sessions[sess.ID] = sess
	}
	s.reindex()

	return s, nil
}

// reindex rebuilds the chatID:threadID reverse index from the session table.
// Callers hold the write lock.
func (s *Store) reindex() {
	s.byThread = make(map[types.ThreadKey]types.SessionID, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.ThreadID == 0 || sess.ChatID == 0 {
			continue
		}
		s.byThread[types.NewThreadKey(sess.ChatID, sess.ThreadID)] = id
	}
}

// save writes the snapshot atomically: unique temp file in the same
// directory, then rename. Only sessions with a valid id and a thread make it
// to disk. Callers hold the write lock.
func (s *Store) save() error {
	snap := snapshot{Sessions: make(sessionTable, len(s.sessions))}
	for id, sess := range s.sessions {
		if !sess.ID.Valid() || sess.ThreadID == 0 {
			continue
		}
		snap.Sessions[id] = toRecord(sess)
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp-" + uuid.New().String()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp state: %w", err)
	}
	return nil
}

// Get returns a deep copy of the session, if present.
func (s *Store) Get(id types.SessionID) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ByThread resolves a chat thread to its owning session.
func (s *Store) ByThread(chatID int64, threadID int) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byThread[types.NewThreadKey(chatID, threadID)]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ByTrackedMessage finds the session that sent the given bot message in the
// given chat.
func (s *Store) ByTrackedMessage(chatID int64, messageID int) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ChatID == chatID && sess.HasTrackedMessage(messageID) {
			return sess.Clone(), true
		}
	}
	return nil, false
}

// List returns deep copies of all sessions, oldest first.
func (s *Store) List() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Names returns the display names currently in use.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.AgentName != "" {
			out = append(out, sess.AgentName)
		}
	}
	return out
}

// KnownChat reports whether any session is bound to the given chat.
func (s *Store) KnownChat(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ChatID == chatID {
			return true
		}
	}
	return false
}

// Put inserts or replaces a session and persists the snapshot before
// returning.
func (s *Store) Put(sess *types.Session) error {
	if !sess.ID.Valid() {
		return fmt.Errorf("invalid session id: %q", sess.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := sess.Clone()
	c.UpdatedAt = time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	s.sessions[c.ID] = c
	s.reindex()
	return s.save()
}

// Mutate applies fn to a copy of the session, swaps it in on success, and
// persists before returning the updated session. When fn fails nothing
// changes.
func (s *Store) Mutate(id types.SessionID, fn func(*types.Session) error) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionUnknown, id)
	}

	c := sess.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now()
	s.sessions[id] = c
	s.reindex()
	if err := s.save(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Delete removes a session and persists the snapshot.
func (s *Store) Delete(id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionUnknown, id)
	}
	delete(s.sessions, id)
	s.reindex()
	return s.save()
}

// SweepStale removes sessions that have been disconnected longer than
// maxAge and returns copies of what was removed so callers can clean up
// their chat threads.
func (s *Store) SweepStale(maxAge time.Duration) []*types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var swept []*types.Session
	for id, sess := range s.sessions {
		if sess.Status != types.StatusDisconnected || sess.DisconnectedAt == nil {
			continue
		}
		if sess.DisconnectedAt.After(cutoff) {
			continue
		}
		swept = append(swept, sess.Clone())
		delete(s.sessions, id)
	}
	if len(swept) == 0 {
		return nil
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].ID < swept[j].ID })

	s.reindex()
	if err := s.save(); err != nil {
		slog.Error("persist after sweep failed", "error", err)
	}
	return swept
}

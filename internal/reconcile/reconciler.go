// internal/reconcile/reconciler.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/user/threadrelay/internal/types"
)

// Reconciler converges external thread state with the session registry.
// Thread creation for a session is deduplicated through a singleflight group
// so concurrent callers trigger at most one create call and all observe the
// same thread id.
type Reconciler struct {
	client types.ChatClient
	store  types.SessionStore

	group singleflight.Group

	mu        sync.Mutex
	dashboard map[types.SessionID]string

	// OnThreadCreated, when set, runs after a fresh thread is recorded so
	// the daemon can notify the session's live connection.
	OnThreadCreated func(s *types.Session)
}

func New(client types.ChatClient, store types.SessionStore) *Reconciler {
	return &Reconciler{
		client:    client,
		store:     store,
		dashboard: make(map[types.SessionID]string),
	}
}

// EnsureThread returns the session's thread id, creating the thread first
// when the session has none. An existing id is trusted as-is; staleness
// surfaces later as a send failure and goes through Invalidate.
func (r *Reconciler) EnsureThread(ctx context.Context, id types.SessionID) (int, error) {
	sess, ok := r.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrSessionUnknown, id)
	}
	if sess.ThreadID != 0 {
		return sess.ThreadID, nil
	}
	v, err, _ := r.group.Do(string(id), func() (any, error) {
		return r.createThread(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Reconciler) createThread(ctx context.Context, id types.SessionID) (int, error) {
	// Re-check inside the flight: a caller that queued behind the winner
	// finds the id already recorded.
	sess, ok := r.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrSessionUnknown, id)
	}
	if sess.ThreadID != 0 {
		return sess.ThreadID, nil
	}
	if sess.ChatID == 0 {
		return 0, fmt.Errorf("session %s has no destination chat", id)
	}

	threadID, err := r.client.CreateTopic(ctx, sess.ChatID, TitleFor(sess))
	if err != nil {
		return 0, fmt.Errorf("create thread: %w", err)
	}
	updated, err := r.store.Mutate(id, func(s *types.Session) error {
		s.ThreadID = threadID
		s.DashboardMessageID = 0
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record thread %d: %w", threadID, err)
	}
	slog.Info("thread created", "session", id, "chat", updated.ChatID, "thread", threadID)

	if r.OnThreadCreated != nil {
		r.OnThreadCreated(updated)
	}
	go r.SyncDashboard(context.WithoutCancel(ctx), id)
	return threadID, nil
}

// Invalidate clears the session's thread linkage after the service reported
// the thread gone. The reverse chat:thread mapping drops out with it, and the
// next EnsureThread call recreates the thread.
func (r *Reconciler) Invalidate(id types.SessionID) error {
	_, err := r.store.Mutate(id, func(s *types.Session) error {
		s.ThreadID = 0
		s.DashboardMessageID = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate thread: %w", err)
	}
	r.Forget(id)
	return nil
}

// Forget drops the cached dashboard content for a session. Used when the
// session is deleted or moves to another chat.
func (r *Reconciler) Forget(id types.SessionID) {
	r.mu.Lock()
	delete(r.dashboard, id)
	r.mu.Unlock()
}

// SyncDashboard brings the session's pinned status message in line with its
// current state. Unchanged content is skipped, an in-place edit is preferred,
// and a missing or broken message is recreated and pinned fresh. Failures are
// logged, never propagated: the dashboard is decoration.
func (r *Reconciler) SyncDashboard(ctx context.Context, id types.SessionID) {
	sess, ok := r.store.Get(id)
	if !ok || sess.ThreadID == 0 {
		return
	}
	text := dashboardText(sess)

	r.mu.Lock()
	unchanged := sess.DashboardMessageID != 0 && r.dashboard[id] == text
	r.mu.Unlock()
	if unchanged {
		return
	}

	if sess.DashboardMessageID != 0 {
		err := r.client.EditMessage(ctx, sess.ChatID, sess.DashboardMessageID, text, nil)
		if err == nil || errors.Is(err, types.ErrNotModified) {
			r.remember(id, text)
			return
		}
		slog.Warn("dashboard edit failed, recreating", "session", id, "error", err)
		if _, err := r.store.Mutate(id, func(s *types.Session) error {
			s.DashboardMessageID = 0
			return nil
		}); err != nil {
			slog.Warn("dashboard id not cleared", "session", id, "error", err)
			return
		}
	}

	msgID, err := r.client.SendMessage(ctx, sess.ChatID, text, &types.SendOptions{ThreadID: sess.ThreadID, Plain: true})
	if err != nil {
		slog.Warn("dashboard create failed", "session", id, "error", err)
		return
	}
	if err := r.client.PinMessage(ctx, sess.ChatID, msgID); err != nil {
		slog.Warn("dashboard pin failed", "session", id, "error", err)
	}
	if _, err := r.store.Mutate(id, func(s *types.Session) error {
		s.DashboardMessageID = msgID
		return nil
	}); err != nil {
		slog.Warn("dashboard id not recorded", "session", id, "error", err)
		return
	}
	r.remember(id, text)
}

// SyncTitle renames the session's thread when its computed title drifted,
// e.g. after a register carrying a new task title.
func (r *Reconciler) SyncTitle(ctx context.Context, before, after *types.Session) error {
	if after.ThreadID == 0 || after.ChatID == 0 {
		return nil
	}
	title := TitleFor(after)
	if TitleFor(before) == title {
		return nil
	}
	if err := r.client.EditTopic(ctx, after.ChatID, after.ThreadID, title); err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	return nil
}

func (r *Reconciler) remember(id types.SessionID, text string) {
	r.mu.Lock()
	r.dashboard[id] = text
	r.mu.Unlock()
}

// TitleFor computes the thread title for a session. The agent name and
// project are dropped when the task title already mentions them; sub-session
// threads carry an arrow marker. Length limits are the client's concern.
func TitleFor(s *types.Session) string {
	title := strings.TrimSpace(s.Title)
	lower := strings.ToLower(title)

	var prefix []string
	if s.AgentName != "" && !strings.Contains(lower, strings.ToLower(s.AgentName)) {
		prefix = append(prefix, s.AgentName)
	}
	if s.Project != "" && !strings.Contains(lower, strings.ToLower(s.Project)) {
		prefix = append(prefix, s.Project)
	}

	name := title
	switch {
	case name == "" && len(prefix) == 0:
		name = string(s.ID)
	case name == "":
		name = strings.Join(prefix, " · ")
	case len(prefix) > 0:
		name = strings.Join(prefix, " · ") + ": " + name
	}
	if s.ParentID != "" {
		name = "↳ " + name
	}
	return name
}

// dashboardText renders the pinned status message: who the agent is, what it
// runs on, and whether it is live.
func dashboardText(s *types.Session) string {
	var b strings.Builder
	name := s.AgentName
	if name == "" {
		name = string(s.ID)
	}
	b.WriteString("🤖 ")
	b.WriteString(name)
	if s.AgentType != "" {
		b.WriteString(" · ")
		b.WriteString(s.AgentType)
	}
	if s.Model != "" {
		b.WriteString(" (")
		b.WriteString(s.Model)
		b.WriteString(")")
	}
	if s.Project != "" {
		b.WriteString("\n📁 ")
		b.WriteString(s.Project)
	}
	b.WriteString("\n")
	b.WriteString(statusLine(s.Status))
	return b.String()
}

func statusLine(st types.SessionStatus) string {
	switch st {
	case types.StatusBusy:
		return "⏳ busy"
	case types.StatusDisconnected:
		return "🔌 disconnected"
	default:
		return "🟢 idle"
	}
}

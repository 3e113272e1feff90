package sweep

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/threadrelay/internal/state"
	"github.com/user/threadrelay/internal/types"
)

type fakeChat struct {
	mu      sync.Mutex
	deleted []int
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, opts *types.SendOptions) (int, error) {
	return 0, nil
}
func (f *fakeChat) EditMessage(ctx context.Context, chatID int64, messageID int, text string, buttons [][]types.Button) error {
	return nil
}
func (f *fakeChat) DeleteMessage(ctx context.Context, chatID int64, messageID int) error { return nil }
func (f *fakeChat) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	return 0, nil
}
func (f *fakeChat) EditTopic(ctx context.Context, chatID int64, threadID int, name string) error {
	return nil
}
func (f *fakeChat) DeleteTopic(ctx context.Context, chatID int64, threadID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	return nil
}
func (f *fakeChat) SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return nil
}
func (f *fakeChat) PinMessage(ctx context.Context, chatID int64, messageID int) error    { return nil }
func (f *fakeChat) AnswerCallback(ctx context.Context, callbackID, text string) error    { return nil }
func (f *fakeChat) SendTyping(ctx context.Context, chatID int64, threadID int) error     { return nil }
func (f *fakeChat) CheckChat(ctx context.Context, chatID int64) error                    { return nil }

func (f *fakeChat) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func seed(t *testing.T, st *state.Store, id types.SessionID, threadID int, status types.SessionStatus, age time.Duration) {
	t.Helper()
	s := &types.Session{
		ID:       id,
		Status:   status,
		ChatID:   -100,
		ThreadID: threadID,
	}
	if status == types.StatusDisconnected {
		at := time.Now().Add(-age)
		s.DisconnectedAt = &at
	}
	if err := st.Put(s); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRunOnceSweepsOnlyStaleDisconnected(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	chat := &fakeChat{}
	sw := New(st, chat, 7, "")

	seed(t, st, "ses_stale", 11, types.StatusDisconnected, 8*24*time.Hour)
	seed(t, st, "ses_fresh", 12, types.StatusDisconnected, 2*24*time.Hour)
	seed(t, st, "ses_live", 13, types.StatusBusy, 0)

	var sweptIDs []types.SessionID
	sw.OnSwept = func(s *types.Session) { sweptIDs = append(sweptIDs, s.ID) }

	n := sw.RunOnce(context.Background())
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if len(sweptIDs) != 1 || sweptIDs[0] != "ses_stale" {
		t.Errorf("unexpected swept set: %v", sweptIDs)
	}
	if chat.deleteCount() != 1 || chat.deleted[0] != 11 {
		t.Errorf("expected thread 11 deleted, got %v", chat.deleted)
	}

	if _, ok := st.Get("ses_stale"); ok {
		t.Error("stale session still in store")
	}
	if _, ok := st.Get("ses_fresh"); !ok {
		t.Error("fresh session should survive")
	}
	if _, ok := st.Get("ses_live"); !ok {
		t.Error("live session should survive")
	}
}

func TestRunOnceDisabled(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sw := New(st, &fakeChat{}, 0, "0 4 * * *")

	seed(t, st, "ses_stale", 11, types.StatusDisconnected, 365*24*time.Hour)

	if n := sw.RunOnce(context.Background()); n != 0 {
		t.Errorf("disabled sweeper removed %d sessions", n)
	}
	if _, ok := st.Get("ses_stale"); !ok {
		t.Error("session should survive a disabled sweeper")
	}
}

func TestStartRunsOnScheduleWithSeconds(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	chat := &fakeChat{}
	// Six fields: the optional-seconds form fires every second.
	sw := New(st, chat, 7, "*/1 * * * * *")

	seed(t, st, "ses_one", 21, types.StatusDisconnected, 8*24*time.Hour)

	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Stop()

	// The immediate run at Start sweeps the first session.
	if chat.deleteCount() != 1 {
		t.Fatalf("expected immediate sweep, got %d deletions", chat.deleteCount())
	}

	// A session going stale later is picked up by the scheduled run.
	seed(t, st, "ses_two", 22, types.StatusDisconnected, 8*24*time.Hour)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && chat.deleteCount() < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if chat.deleteCount() != 2 {
		t.Fatalf("scheduled sweep never fired, deletions = %d", chat.deleteCount())
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sw := New(st, &fakeChat{}, 7, "not a schedule")
	if err := sw.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

// internal/sweep/sweeper.go
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/threadrelay/internal/types"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper removes sessions that have sat disconnected past the retention
// window and deletes their chat threads. Thread deletion is best-effort: the
// session is already gone from the registry when it runs.
type Sweeper struct {
	store     types.SessionStore
	client    types.ChatClient
	retention time.Duration
	schedule  string
	cron      *cron.Cron

	// OnSwept runs for each removed session, after its thread is handled.
	OnSwept func(s *types.Session)
}

// New builds a sweeper. retentionDays <= 0 disables sweeping entirely.
func New(store types.SessionStore, client types.ChatClient, retentionDays int, schedule string) *Sweeper {
	return &Sweeper{
		store:     store,
		client:    client,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		cron:      cron.New(cron.WithParser(cronParser)),
	}
}

// RunOnce sweeps immediately and returns how many sessions were removed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if s.retention <= 0 {
		return 0
	}
	swept := s.store.SweepStale(s.retention)
	for _, sess := range swept {
		if sess.ThreadID != 0 && sess.ChatID != 0 {
			if err := s.client.DeleteTopic(ctx, sess.ChatID, sess.ThreadID); err != nil {
				slog.Warn("stale thread not deleted", "session", sess.ID, "thread", sess.ThreadID, "error", err)
			}
		}
		if s.OnSwept != nil {
			s.OnSwept(sess)
		}
		slog.Info("stale session swept", "session", sess.ID, "disconnected_at", sess.DisconnectedAt)
	}
	return len(swept)
}

// Start sweeps once immediately, then on the configured schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.retention <= 0 || s.schedule == "" {
		slog.Info("retention sweeping disabled")
		return nil
	}
	s.RunOnce(ctx)
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("retention sweeping scheduled", "schedule", s.schedule, "retention", s.retention)
	return nil
}

// Stop stops the cron ticker. Already-running sweeps finish on their own.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// internal/daemon/daemon.go

// Package daemon wires the relay together: the IPC server agent processes
// connect to, the chat update poller, the thread reconciler, and the
// retention sweeper. Exactly one daemon leads on the shared address at a
// time; Coordinator runs the election dance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/threadrelay/internal/config"
	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/reconcile"
	"github.com/user/threadrelay/internal/state"
	"github.com/user/threadrelay/internal/sweep"
	"github.com/user/threadrelay/internal/telegram"
	"github.com/user/threadrelay/internal/types"
)

// Daemon owns the relay's moving parts while it leads.
type Daemon struct {
	cfg     *config.Config
	store   types.SessionStore
	client  types.ChatClient
	rec     *reconcile.Reconciler
	reg     *Registry
	sweeper *sweep.Sweeper

	srv    *ipc.Server
	poller *telegram.Poller
	coord  *Coordinator

	botUser   string
	startedAt time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds a daemon around explicit store and chat client implementations.
// Tests substitute fakes here; FromConfig is the production path.
func New(cfg *config.Config, store types.SessionStore, client types.ChatClient) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		store:      store,
		client:     client,
		reg:        NewRegistry(),
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	d.rec = reconcile.New(client, store)
	d.rec.OnThreadCreated = d.notifyThreadCreated
	d.sweeper = sweep.New(store, client, cfg.RetentionDays, cfg.SweepSchedule)
	d.sweeper.OnSwept = func(s *types.Session) {
		d.reg.Drop(s.ID)
		d.rec.Forget(s.ID)
	}
	return d
}

// FromConfig builds the production daemon: live chat client, on-disk state.
// A state file that exists but cannot be decoded is fatal here; silently
// starting fresh would strand every existing thread.
func FromConfig(cfg *config.Config) (*Daemon, error) {
	if cfg.AuthToken == "" {
		return nil, errors.New("auth_token is not set (config or THREADRELAY_AUTH_TOKEN)")
	}
	if cfg.Telegram.Token == "" {
		return nil, errors.New("telegram token is not set (config or TELEGRAM_BOT_TOKEN)")
	}
	st, err := state.Open(filepath.Join(cfg.DataDir, "state.json"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.RatePerSecond)
	if err != nil {
		return nil, fmt.Errorf("connect chat api: %w", err)
	}
	d := New(cfg, st, tg)
	d.botUser = tg.Username()
	d.poller = telegram.NewPoller(tg, cfg.Telegram.PollTimeout, d.HandleUpdate)
	return d, nil
}

// SetPoller and SetBotUsername let tests run the daemon against a fake chat
// server without going through FromConfig.
func (d *Daemon) SetPoller(p *telegram.Poller) { d.poller = p }

func (d *Daemon) SetBotUsername(name string) { d.botUser = name }

// Lead binds the IPC endpoint and runs the relay until the context is
// cancelled or an authorized shutdown arrives. Bind errors are returned
// unwrapped so the coordinator can tell address-in-use from anything else.
func (d *Daemon) Lead(ctx context.Context, coord *Coordinator) error {
	srv, err := ipc.NewServer(d.cfg.ListenAddr(), d.cfg.AuthToken, d)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	d.srv = srv
	d.coord = coord
	if coord != nil {
		coord.setState(StateLeading)
	}
	slog.Info("leading", "listen", d.cfg.ListenAddr(), "sessions", len(d.store.List()))

	if pc, ok := d.client.(interface {
		PublishDefaultCommands(context.Context) error
	}); ok {
		if err := pc.PublishDefaultCommands(ctx); err != nil {
			slog.Warn("publish command menu failed", "error", err)
		}
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.sweeper.Start(lctx); err != nil {
		srv.Close()
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer d.sweeper.Stop()

	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if d.poller != nil {
		g.Go(func() error {
			d.poller.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.shutdownCh:
			slog.Info("shutdown requested over ipc")
			cancel()
		}
		return nil
	})

	err = g.Wait()
	if coord != nil {
		coord.setState(StateShuttingDown)
	}
	return err
}

// requestShutdown trips the shutdown channel exactly once. The ack grace
// period lets the response line flush before the listener drops.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() {
		go func() {
			time.Sleep(shutdownAckGrace)
			close(d.shutdownCh)
		}()
	})
}

func (d *Daemon) notifyThreadCreated(s *types.Session) {
	d.reg.Push(s.ID, &ipc.Response{
		Type:      ipc.PushThreadCreated,
		Success:   true,
		SessionID: string(s.ID),
		ThreadID:  s.ThreadID,
		ChatID:    s.ChatID,
	})
}

// internal/daemon/coordinator.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/user/threadrelay/internal/ipc"
)

// State is the relay's lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateStandby      State = "standby"
	StateLeading      State = "leading"
	StateShuttingDown State = "shutting_down"
)

const (
	probeTimeout      = 2 * time.Second
	probeRecheckDelay = 500 * time.Millisecond
	standbyInterval   = 15 * time.Second
	takeoverWait      = 2 * time.Second
	shutdownAckGrace  = 250 * time.Millisecond
)

// Coordinator decides which of several concurrently started relay processes
// owns the shared address. Everyone else parks in standby and promotes
// itself when the leader goes away.
type Coordinator struct {
	addr     string
	token    string
	takeover bool

	mu    sync.Mutex
	state State
}

func NewCoordinator(addr, token string, takeover bool) *Coordinator {
	return &Coordinator{addr: addr, token: token, takeover: takeover, state: StateInitializing}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		slog.Info("lifecycle state changed", "from", prev, "to", s)
	}
}

// Run drives the lifecycle until the context ends or the daemon exits:
// probe for a live leader, then stand by, take it over, or lead.
func (c *Coordinator) Run(ctx context.Context, d *Daemon) error {
	defer c.setState(StateShuttingDown)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.probeLeader(ctx) {
			if c.takeover {
				if err := c.forceTakeover(ctx); err != nil {
					return err
				}
			} else {
				c.setState(StateStandby)
				slog.Info("another relay is leading, standing by", "addr", c.addr)
				if err := c.standbyWait(ctx); err != nil {
					return err
				}
				continue
			}
		} else {
			c.removeStaleSocket()
		}

		err := d.Lead(ctx, c)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syscall.EADDRINUSE):
			// Lost the bind race to another starter.
			slog.Info("address claimed by another relay, standing by", "addr", c.addr)
			c.setState(StateStandby)
			if werr := c.standbyWait(ctx); werr != nil {
				return werr
			}
		default:
			return err
		}
	}
}

// probeLeader reports whether a live relay answers on the shared address. A
// leader mid-restart fails the first probe the same way a dead one does, so
// when the socket file still exists one delayed re-probe decides. The gap
// between this check and our own bind is accepted: losing that race
// surfaces as EADDRINUSE and lands us in standby anyway.
func (c *Coordinator) probeLeader(ctx context.Context) bool {
	if c.ping(ctx) {
		return true
	}
	if !c.socketExists() {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(probeRecheckDelay):
	}
	return c.ping(ctx)
}

func (c *Coordinator) ping(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cl, err := ipc.DialContext(pctx, c.addr)
	if err != nil {
		return false
	}
	defer cl.Close()
	return cl.Ping(pctx) == nil
}

func (c *Coordinator) socketExists() bool {
	network, target := ipc.NetworkFor(c.addr)
	if network != "unix" {
		return false
	}
	_, err := os.Stat(target)
	return err == nil
}

// standbyWait blocks until the leader stops answering or the context ends.
func (c *Coordinator) standbyWait(ctx context.Context) error {
	ticker := time.NewTicker(standbyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.probeLeader(ctx) {
				slog.Info("leader gone, attempting to lead", "addr", c.addr)
				return nil
			}
		}
	}
}

// forceTakeover asks the current leader to exit and waits for the address
// to free up.
func (c *Coordinator) forceTakeover(ctx context.Context) error {
	slog.Info("taking over running relay", "addr", c.addr)
	cl, err := ipc.DialContext(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("dial leader: %w", err)
	}
	defer cl.Close()

	hctx, cancel := context.WithTimeout(ctx, ipc.DefaultTimeout)
	defer cancel()
	if err := cl.Auth(hctx, c.token); err != nil {
		return fmt.Errorf("auth to leader: %w", err)
	}
	if _, err := cl.Call(hctx, &ipc.Request{Type: ipc.CmdShutdown, Force: true}); err != nil {
		return fmt.Errorf("shutdown leader: %w", err)
	}
	cl.Close()

	deadline := time.Now().Add(takeoverWait)
	for time.Now().Before(deadline) {
		if !c.ping(ctx) {
			// The old leader may have died without unlinking its socket.
			c.removeStaleSocket()
			c.takeover = false
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("relay at %s still alive after takeover request", c.addr)
}

// removeStaleSocket unlinks a leftover socket file from a crashed leader.
// Only the process about to bind may call this; cleaning up someone else's
// live socket would orphan their listener.
func (c *Coordinator) removeStaleSocket() {
	network, target := ipc.NetworkFor(c.addr)
	if network != "unix" {
		return
	}
	if err := os.Remove(target); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("stale socket not removed", "path", target, "error", err)
		}
		return
	}
	slog.Info("removed stale socket", "path", target)
}

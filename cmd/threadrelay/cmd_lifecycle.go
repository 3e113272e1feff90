package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/threadrelay/internal/config"
	"github.com/user/threadrelay/internal/ipc"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd, pingCmd)
}

// readPID reads the PID from the threadrelay.pid file and validates the
// process exists by sending signal 0.
func readPID() (int, error) {
	cfg := loadConfig()
	pidPath := filepath.Join(cfg.DataDir, "threadrelay.pid")

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	// Check if process exists
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}

	return pid, nil
}

// dialRelay connects to the daemon's socket and authenticates.
func dialRelay(ctx context.Context, cfg *config.Config) (*ipc.Client, error) {
	cl, err := ipc.DialContext(ctx, cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ListenAddr(), err)
	}
	if err := cl.Auth(ctx, cfg.AuthToken); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), ipc.DefaultTimeout)
		defer cancel()

		cl, err := dialRelay(ctx, cfg)
		if err == nil {
			defer cl.Close()
			if _, err := cl.Call(ctx, &ipc.Request{Type: ipc.CmdShutdown}); err != nil {
				return fmt.Errorf("shutdown command: %w", err)
			}
			fmt.Fprintln(os.Stdout, "Asked the relay to shut down.")
			return nil
		}

		// No answering socket. Fall back to the PID file.
		pid, perr := readPID()
		if perr != nil {
			return err
		}
		proc, perr := os.FindProcess(pid)
		if perr != nil {
			return fmt.Errorf("find process: %w", perr)
		}
		if perr := proc.Signal(syscall.SIGTERM); perr != nil {
			return fmt.Errorf("send SIGTERM: %w", perr)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), ipc.DefaultTimeout)
		defer cancel()

		cl, err := dialRelay(ctx, cfg)
		if err != nil {
			return err
		}
		defer cl.Close()

		resp, err := cl.Call(ctx, &ipc.Request{Type: ipc.CmdHealth})
		if err != nil {
			return fmt.Errorf("health command: %w", err)
		}
		if resp.Health == nil {
			return fmt.Errorf("malformed health response")
		}

		h := resp.Health
		fmt.Fprintf(os.Stdout, "State:       %s\n", h.State)
		fmt.Fprintf(os.Stdout, "Uptime:      %s\n", h.Uptime)
		fmt.Fprintf(os.Stdout, "Sessions:    %d (%d busy, %d idle, %d disconnected)\n",
			h.Sessions, h.Busy, h.Idle, h.Disconnected)
		fmt.Fprintf(os.Stdout, "Connected:   %d agent connection(s)\n", h.Connected)
		fmt.Fprintf(os.Stdout, "Goroutines:  %d\n", h.Goroutines)
		fmt.Fprintf(os.Stdout, "Heap:        %.1f MiB\n", float64(h.HeapBytes)/(1<<20))
		fmt.Fprintf(os.Stdout, "PID:         %d\n", h.PID)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether a relay answers on the socket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		cl, err := ipc.DialContext(ctx, cfg.ListenAddr())
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.ListenAddr(), err)
		}
		defer cl.Close()
		if err := cl.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "pong")
		return nil
	},
}

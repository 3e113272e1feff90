package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/threadrelay/internal/daemon"
)

var takeoverFlag bool

func init() {
	serveCmd.Flags().BoolVar(&takeoverFlag, "takeover", false,
		"ask a running relay to shut down and take its place")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the threadrelay daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "threadrelay.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	d, err := daemon.FromConfig(cfg)
	if err != nil {
		return err
	}
	coord := daemon.NewCoordinator(cfg.ListenAddr(), cfg.AuthToken, takeoverFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx, d) }()

	slog.Info("threadrelay started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"listen", cfg.ListenAddr(),
		"chat_id", cfg.Telegram.ChatID,
		"retention_days", cfg.RetentionDays,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-runDone:
			// The daemon exits on its own when another relay takes over.
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("daemon exited")
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec. The replacement process
				// recovers the socket file through its stale-socket check.
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					// Re-write PID file since we failed to re-exec
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			cancel()
			<-runDone
			return nil
		}
	}
}

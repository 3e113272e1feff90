package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	Listen        string `json:"listen"`
	AuthToken     string `json:"auth_token"`
	RetentionDays int    `json:"retention_days"`
	SweepSchedule string `json:"sweep_schedule"`
	Telegram      struct {
		Token         string  `json:"token"`
		ChatID        int64   `json:"chat_id"`
		RatePerSecond float64 `json:"rate_per_second"`
		PollTimeout   int     `json:"poll_timeout"`
	} `json:"telegram"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".threadrelay"),
		LogLevel:      "info",
		RetentionDays: 7,
		SweepSchedule: "0 4 * * *",
	}
	cfg.Telegram.RatePerSecond = 25
	cfg.Telegram.PollTimeout = 50

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if authToken := os.Getenv("THREADRELAY_AUTH_TOKEN"); authToken != "" {
		cfg.AuthToken = authToken
	}
	if chatID := os.Getenv("THREADRELAY_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse THREADRELAY_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	return cfg, nil
}

// ListenAddr resolves the IPC endpoint: the configured value, or a socket
// file next to the state under the data directory. A purely numeric value
// means a local TCP port instead of a unix socket.
func (c *Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return filepath.Join(c.DataDir, "threadrelay.sock")
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/threadrelay/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("threadrelay Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Telegram bot token
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token", cfg.Telegram.Token)

		// 2. Default chat for new sessions
		chatStr := prompt(scanner, "Default chat id (the supergroup's id)", strconv.FormatInt(cfg.Telegram.ChatID, 10))
		if id, err := strconv.ParseInt(chatStr, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}

		// 3. Agent auth token
		cfg.AuthToken = prompt(scanner, "Agent auth token", cfg.AuthToken)

		// 4. Data directory
		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)

		// 5. Retention window for disconnected sessions
		retStr := prompt(scanner, "Retention days (0 disables sweeping)", strconv.Itoa(cfg.RetentionDays))
		if n, err := strconv.Atoi(retStr); err == nil {
			cfg.RetentionDays = n
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

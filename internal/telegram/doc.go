// Package telegram implements the outbound chat client and the inbound
// update poller for the Telegram Bot API.
package telegram

import "github.com/user/threadrelay/internal/types"

// Compile-time interface compliance check.
var _ types.ChatClient = (*Client)(nil)

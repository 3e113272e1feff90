// Package state provides the filesystem-backed session registry.
package state

import "github.com/user/threadrelay/internal/types"

// Compile-time interface compliance check.
var _ types.SessionStore = (*Store)(nil)

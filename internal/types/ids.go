// internal/types/ids.go
package types

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type ThreadKey string

// sessionIDPrefix marks identifiers minted by agent clients. Anything
// without it is rejected at registration and dropped from snapshots.
const sessionIDPrefix = "ses_"

// NewSessionID mints a session identifier. Agents normally bring their own;
// this exists for tools and tests.
func NewSessionID() SessionID {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return SessionID(sessionIDPrefix + raw[:12])
}

// Valid reports whether the identifier carries the expected prefix and a
// non-empty body.
func (id SessionID) Valid() bool {
	return strings.HasPrefix(string(id), sessionIDPrefix) && len(id) > len(sessionIDPrefix)
}

// NewThreadKey builds the reverse-index key for a chat thread.
func NewThreadKey(chatID int64, threadID int) ThreadKey {
	return ThreadKey(strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID))
}

// NewCorrelationID mints an identifier for request/response matching on the
// wire protocol.
func NewCorrelationID() string {
	return uuid.New().String()
}

// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors the chat client maps Bot API failures onto so callers can
// branch with errors.Is without knowing transport details.
var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrNotModified    = errors.New("message not modified")
	ErrParseFailed    = errors.New("message parse failed")
	ErrSessionUnknown = errors.New("session not found")
)

// Button is one inline keyboard button attached to an outbound message.
type Button struct {
	Label string
	Data  string
}

// SendOptions carries the optional parts of an outbound message.
type SendOptions struct {
	ThreadID int
	ReplyTo  int
	Buttons  [][]Button
	Plain    bool
}

// ChatClient is the outbound surface of the external chat service.
type ChatClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, buttons [][]Button) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	EditTopic(ctx context.Context, chatID int64, threadID int, name string) error
	DeleteTopic(ctx context.Context, chatID int64, threadID int) error
	SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error
	PinMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendTyping(ctx context.Context, chatID int64, threadID int) error
	CheckChat(ctx context.Context, chatID int64) error
}

// SessionStore is the persistent session registry. Reads return deep copies;
// all writes hit disk before returning.
type SessionStore interface {
	Get(id SessionID) (*Session, bool)
	ByThread(chatID int64, threadID int) (*Session, bool)
	ByTrackedMessage(chatID int64, messageID int) (*Session, bool)
	List() []*Session
	Names() []string
	KnownChat(chatID int64) bool
	Put(s *Session) error
	Mutate(id SessionID, fn func(*Session) error) (*Session, error)
	Delete(id SessionID) error
	SweepStale(maxAge time.Duration) []*Session
}

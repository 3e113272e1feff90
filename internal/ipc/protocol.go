// internal/ipc/protocol.go

// Package ipc implements the relay's newline-delimited JSON protocol: the
// server side (unix socket or localhost TCP) and the multiplexing client
// used by the CLI, the standby probe, and agent processes.
package ipc

import "time"

// MaxLineBytes bounds a single protocol line. A connection that exceeds it
// is forcibly closed rather than allowed to grow the receive buffer without
// limit.
const MaxLineBytes = 1 << 20

// DefaultTimeout suits ordinary request/response calls. ResolveTimeout is
// for callers that block on a human decision (ask, permission) and should be
// paired with the corresponding push.
const (
	DefaultTimeout = 10 * time.Second
	ResolveTimeout = 10 * time.Minute
)

// Command types. The daemon dispatches over this closed set; anything else
// is logged and ignored.
const (
	CmdAuth              = "auth"
	CmdPing              = "ping"
	CmdRegister          = "register"
	CmdDeregister        = "deregister"
	CmdSend              = "send"
	CmdBroadcast         = "broadcast"
	CmdReplyTo           = "reply_to"
	CmdAsk               = "ask"
	CmdTyping            = "typing"
	CmdReact             = "react"
	CmdSetStatus         = "set_status"
	CmdUpdateMeta        = "update_meta"
	CmdPermissionRequest = "permission_request"
	CmdDeleteSession     = "delete_session"
	CmdSetAgentName      = "set_agent_name"
	CmdSetChat           = "set_chat"
	CmdUpdateTitle       = "update_title"
	CmdListSessions      = "list_sessions"
	CmdHealth            = "health"
	CmdShutdown          = "shutdown"
)

// Push types: server-initiated lines carrying chat activity to the bound
// session's connection. Pushes have no correlation id.
const (
	PushMessage       = "message"
	PushCommand       = "command"
	PushPermission    = "permission_response"
	PushAskResponse   = "ask_response"
	PushThreadCreated = "thread_created"
	PushReaction      = "reaction"
)

// Request is one client→server line. One flat envelope covers every command;
// unused fields stay empty on the wire.
type Request struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
	Token         string `json:"token,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Title     string `json:"title,omitempty"`
	Project   string `json:"project,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Model     string `json:"model,omitempty"`

	Text      string   `json:"text,omitempty"`
	ReplyTo   int      `json:"replyTo,omitempty"`
	Emoji     string   `json:"emoji,omitempty"`
	MessageID int      `json:"messageId,omitempty"`
	Status    string   `json:"status,omitempty"`
	Name      string   `json:"name,omitempty"`
	ChatID    int64    `json:"chatId,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Options   []string `json:"options,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// Response is one server→client line: either the reply to a request (with
// the request's correlation id echoed verbatim) or an unsolicited push.
type Response struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	HasThread bool   `json:"hasThread,omitempty"`
	MessageID int    `json:"messageId,omitempty"`
	ThreadID  int    `json:"threadId,omitempty"`
	ChatID    int64  `json:"chatId,omitempty"`

	Text   string `json:"text,omitempty"`
	Sender string `json:"sender,omitempty"`

	Command string `json:"command,omitempty"`
	Args    string `json:"args,omitempty"`

	RequestID   string `json:"requestId,omitempty"`
	Approved    *bool  `json:"approved,omitempty"`
	Option      string `json:"option,omitempty"`
	OptionIndex *int   `json:"optionIndex,omitempty"`
	Emoji       string `json:"emoji,omitempty"`

	Sessions []SessionSummary `json:"sessions,omitempty"`
	Health   *Health          `json:"health,omitempty"`
}

// SessionSummary is the list_sessions row.
type SessionSummary struct {
	ID        string `json:"id"`
	AgentName string `json:"agentName,omitempty"`
	Title     string `json:"title,omitempty"`
	Project   string `json:"project,omitempty"`
	Status    string `json:"status"`
	ThreadID  int    `json:"threadId,omitempty"`
	Queued    int    `json:"queued,omitempty"`
	Connected bool   `json:"connected"`
}

// Health is the health_response payload.
type Health struct {
	State        string `json:"state"`
	Uptime       string `json:"uptime"`
	Sessions     int    `json:"sessions"`
	Idle         int    `json:"idle"`
	Busy         int    `json:"busy"`
	Disconnected int    `json:"disconnected"`
	Connected    int    `json:"connected"`
	Goroutines   int    `json:"goroutines"`
	HeapBytes    uint64 `json:"heapBytes"`
	PID          int    `json:"pid"`
}

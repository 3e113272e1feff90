// internal/types/models.go
package types

import "time"

type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusBusy         SessionStatus = "busy"
	StatusDisconnected SessionStatus = "disconnected"
)

// ValidStatus reports whether s is one of the three known session states.
func ValidStatus(s SessionStatus) bool {
	switch s {
	case StatusIdle, StatusBusy, StatusDisconnected:
		return true
	}
	return false
}

const (
	// MaxRecentMessages caps the per-session ring of bot message ids kept
	// for /clear and reaction routing.
	MaxRecentMessages = 50
	// MaxQueuedMessages caps the per-session buffer of chat messages held
	// while the agent is disconnected. Oldest entries are dropped first.
	MaxQueuedMessages = 200
)

// QueuedMessage is an inbound chat message held for a session that has no
// live connection.
type QueuedMessage struct {
	Text      string    `json:"text"`
	Sender    string    `json:"sender,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Session is the relay's view of one agent session and the chat thread it
// owns. ThreadID is zero until the thread exists; ThreadID != 0 implies
// ChatID != 0.
type Session struct {
	ID        SessionID     `json:"id"`
	Title     string        `json:"title,omitempty"`
	Project   string        `json:"project,omitempty"`
	ParentID  SessionID     `json:"parent_id,omitempty"`
	AgentName string        `json:"agent_name,omitempty"`
	AgentType string        `json:"agent_type,omitempty"`
	Model     string        `json:"model,omitempty"`
	Status    SessionStatus `json:"status"`

	ChatID             int64 `json:"chat_id,omitempty"`
	ThreadID           int   `json:"thread_id,omitempty"`
	DashboardMessageID int   `json:"dashboard_message_id,omitempty"`

	RecentMessageIDs []int `json:"recent_message_ids,omitempty"`
	LastMessageID    int   `json:"last_message_id,omitempty"`

	Queue     []QueuedMessage     `json:"queue,omitempty"`
	Approvals map[string]int      `json:"approvals,omitempty"`
	Prompts   map[string][]string `json:"prompts,omitempty"`

	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so store reads never alias live state.
func (s *Session) Clone() *Session {
	c := *s
	if s.RecentMessageIDs != nil {
		c.RecentMessageIDs = append([]int(nil), s.RecentMessageIDs...)
	}
	if s.Queue != nil {
		c.Queue = append([]QueuedMessage(nil), s.Queue...)
	}
	if s.Approvals != nil {
		c.Approvals = make(map[string]int, len(s.Approvals))
		for k, v := range s.Approvals {
			c.Approvals[k] = v
		}
	}
	if s.Prompts != nil {
		c.Prompts = make(map[string][]string, len(s.Prompts))
		for k, v := range s.Prompts {
			c.Prompts[k] = append([]string(nil), v...)
		}
	}
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}

// TrackMessage records a bot message id, evicting the oldest entry once the
// ring is full.
func (s *Session) TrackMessage(id int) {
	s.RecentMessageIDs = append(s.RecentMessageIDs, id)
	if len(s.RecentMessageIDs) > MaxRecentMessages {
		s.RecentMessageIDs = s.RecentMessageIDs[len(s.RecentMessageIDs)-MaxRecentMessages:]
	}
	s.LastMessageID = id
}

// HasTrackedMessage reports whether the given bot message id belongs to this
// session.
func (s *Session) HasTrackedMessage(id int) bool {
	if id == s.LastMessageID && id != 0 {
		return true
	}
	for _, m := range s.RecentMessageIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Enqueue buffers an inbound message for a disconnected session, dropping
// the oldest entry when the buffer is full. It reports whether anything was
// dropped.
func (s *Session) Enqueue(m QueuedMessage) bool {
	dropped := false
	if len(s.Queue) >= MaxQueuedMessages {
		s.Queue = s.Queue[1:]
		dropped = true
	}
	s.Queue = append(s.Queue, m)
	return dropped
}

// DrainQueue returns buffered messages in arrival order and empties the
// buffer.
func (s *Session) DrainQueue() []QueuedMessage {
	q := s.Queue
	s.Queue = nil
	return q
}

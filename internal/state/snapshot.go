// internal/state/snapshot.go
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/user/threadrelay/internal/types"
)

// snapshot is the on-disk envelope of state.json.
type snapshot struct {
	Sessions sessionTable `json:"sessions"`
}

// sessionTable is keyed by session id. Older snapshots stored a bare array
// of records instead; both forms decode.
type sessionTable map[types.SessionID]*sessionRecord

func (t *sessionTable) UnmarshalJSON(data []byte) error {
	var m map[types.SessionID]*sessionRecord
	if err := json.Unmarshal(data, &m); err == nil {
		*t = m
		return nil
	}

	var list []*sessionRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("session table is neither object nor array: %w", err)
	}
	m = make(map[types.SessionID]*sessionRecord, len(list))
	for _, rec := range list {
		if rec == nil || rec.ID == "" {
			continue
		}
		m[rec.ID] = rec
	}
	*t = m
	return nil
}

// sessionRecord is the persisted form of a session. Approvals and prompts
// are stored as ordered lists so snapshots diff cleanly; older snapshots
// stored native JSON maps and still decode.
type sessionRecord struct {
	ID                 types.SessionID       `json:"id"`
	Title              string                `json:"title,omitempty"`
	Project            string                `json:"project,omitempty"`
	ParentID           types.SessionID       `json:"parent_id,omitempty"`
	AgentName          string                `json:"agent_name,omitempty"`
	AgentType          string                `json:"agent_type,omitempty"`
	Model              string                `json:"model,omitempty"`
	Status             types.SessionStatus   `json:"status,omitempty"`
	ChatID             int64                 `json:"chat_id"`
	ThreadID           int                   `json:"thread_id"`
	DashboardMessageID int                   `json:"dashboard_message_id,omitempty"`
	RecentMessageIDs   []int                 `json:"recent_message_ids,omitempty"`
	LastMessageID      int                   `json:"last_message_id,omitempty"`
	Queue              []types.QueuedMessage `json:"queue,omitempty"`
	Approvals          approvalList          `json:"approvals,omitempty"`
	Prompts            promptList            `json:"prompts,omitempty"`
	DisconnectedAt     *time.Time            `json:"disconnected_at,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

type approvalEntry struct {
	RequestID string `json:"request_id"`
	MessageID int    `json:"message_id"`
}

type approvalList []approvalEntry

func (l *approvalList) UnmarshalJSON(data []byte) error {
	var entries []approvalEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		*l = entries
		return nil
	}

	var legacy map[string]int
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("approvals are neither list nor map: %w", err)
	}
	entries = make([]approvalEntry, 0, len(legacy))
	for id, mid := range legacy {
		entries = append(entries, approvalEntry{RequestID: id, MessageID: mid})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RequestID < entries[j].RequestID })
	*l = entries
	return nil
}

type promptEntry struct {
	RequestID string   `json:"request_id"`
	Options   []string `json:"options"`
}

type promptList []promptEntry

func (l *promptList) UnmarshalJSON(data []byte) error {
	var entries []promptEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		*l = entries
		return nil
	}

	var legacy map[string][]string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("prompts are neither list nor map: %w", err)
	}
	entries = make([]promptEntry, 0, len(legacy))
	for id, opts := range legacy {
		entries = append(entries, promptEntry{RequestID: id, Options: opts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RequestID < entries[j].RequestID })
	*l = entries
	return nil
}

func toRecord(s *types.Session) *sessionRecord {
	rec := &sessionRecord{
		ID:                 s.ID,
		Title:              s.Title,
		Project:            s.Project,
		ParentID:           s.ParentID,
		AgentName:          s.AgentName,
		AgentType:          s.AgentType,
		Model:              s.Model,
		Status:             s.Status,
		ChatID:             s.ChatID,
		ThreadID:           s.ThreadID,
		DashboardMessageID: s.DashboardMessageID,
		RecentMessageIDs:   append([]int(nil), s.RecentMessageIDs...),
		LastMessageID:      s.LastMessageID,
		Queue:              append([]types.QueuedMessage(nil), s.Queue...),
		DisconnectedAt:     s.DisconnectedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	for id, mid := range s.Approvals {
		rec.Approvals = append(rec.Approvals, approvalEntry{RequestID: id, MessageID: mid})
	}
	sort.Slice(rec.Approvals, func(i, j int) bool { return rec.Approvals[i].RequestID < rec.Approvals[j].RequestID })
	for id, opts := range s.Prompts {
		rec.Prompts = append(rec.Prompts, promptEntry{RequestID: id, Options: append([]string(nil), opts...)})
	}
	sort.Slice(rec.Prompts, func(i, j int) bool { return rec.Prompts[i].RequestID < rec.Prompts[j].RequestID })
	return rec
}

func (rec *sessionRecord) toSession() *types.Session {
	s := &types.Session{
		ID:                 rec.ID,
		Title:              rec.Title,
		Project:            rec.Project,
		ParentID:           rec.ParentID,
		AgentName:          rec.AgentName,
		AgentType:          rec.AgentType,
		Model:              rec.Model,
		Status:             rec.Status,
		ChatID:             rec.ChatID,
		ThreadID:           rec.ThreadID,
		DashboardMessageID: rec.DashboardMessageID,
		RecentMessageIDs:   append([]int(nil), rec.RecentMessageIDs...),
		LastMessageID:      rec.LastMessageID,
		Queue:              append([]types.QueuedMessage(nil), rec.Queue...),
		DisconnectedAt:     rec.DisconnectedAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	if !types.ValidStatus(s.Status) {
		s.Status = types.StatusDisconnected
	}
	if len(rec.Approvals) > 0 {
		s.Approvals = make(map[string]int, len(rec.Approvals))
		for _, e := range rec.Approvals {
			s.Approvals[e.RequestID] = e.MessageID
		}
	}
	if len(rec.Prompts) > 0 {
		s.Prompts = make(map[string][]string, len(rec.Prompts))
		for _, e := range rec.Prompts {
			s.Prompts[e.RequestID] = append([]string(nil), e.Options...)
		}
	}
	return s
}

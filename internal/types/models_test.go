// internal/types/models_test.go
package types

import (
	"fmt"
	"testing"
	"time"
)

func TestSessionClone(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:               "ses_abc",
		RecentMessageIDs: []int{1, 2, 3},
		Queue:            []QueuedMessage{{Text: "hello", At: now}},
		Approvals:        map[string]int{"req1": 10},
		Prompts:          map[string][]string{"req2": {"yes", "no"}},
		DisconnectedAt:   &now,
	}

	c := s.Clone()
	c.RecentMessageIDs[0] = 99
	c.Queue[0].Text = "changed"
	c.Approvals["req1"] = 99
	c.Prompts["req2"][0] = "changed"
	*c.DisconnectedAt = now.Add(time.Hour)

	if s.RecentMessageIDs[0] != 1 {
		t.Error("clone shares recent message ids")
	}
	if s.Queue[0].Text != "hello" {
		t.Error("clone shares queue")
	}
	if s.Approvals["req1"] != 10 {
		t.Error("clone shares approvals")
	}
	if s.Prompts["req2"][0] != "yes" {
		t.Error("clone shares prompts")
	}
	if !s.DisconnectedAt.Equal(now) {
		t.Error("clone shares disconnect timestamp")
	}
}

func TestTrackMessageEviction(t *testing.T) {
	s := &Session{}
	for i := 1; i <= MaxRecentMessages+10; i++ {
		s.TrackMessage(i)
	}
	if len(s.RecentMessageIDs) != MaxRecentMessages {
		t.Fatalf("expected %d tracked ids, got %d", MaxRecentMessages, len(s.RecentMessageIDs))
	}
	if s.RecentMessageIDs[0] != 11 {
		t.Errorf("expected oldest id 11 after eviction, got %d", s.RecentMessageIDs[0])
	}
	if s.LastMessageID != MaxRecentMessages+10 {
		t.Errorf("expected last id %d, got %d", MaxRecentMessages+10, s.LastMessageID)
	}
	if !s.HasTrackedMessage(30) {
		t.Error("expected id 30 to be tracked")
	}
	if s.HasTrackedMessage(5) {
		t.Error("id 5 should have been evicted")
	}
}

func TestEnqueueCap(t *testing.T) {
	s := &Session{}
	for i := 0; i < MaxQueuedMessages; i++ {
		if dropped := s.Enqueue(QueuedMessage{Text: fmt.Sprintf("m%d", i)}); dropped {
			t.Fatalf("unexpected drop at %d", i)
		}
	}
	if !s.Enqueue(QueuedMessage{Text: "overflow"}) {
		t.Error("expected drop when queue is full")
	}
	if len(s.Queue) != MaxQueuedMessages {
		t.Fatalf("expected queue length %d, got %d", MaxQueuedMessages, len(s.Queue))
	}
	if s.Queue[0].Text != "m1" {
		t.Errorf("expected oldest message m1 after drop, got %q", s.Queue[0].Text)
	}

	drained := s.DrainQueue()
	if len(drained) != MaxQueuedMessages {
		t.Errorf("expected %d drained messages, got %d", MaxQueuedMessages, len(drained))
	}
	if len(s.Queue) != 0 {
		t.Error("queue should be empty after drain")
	}
}

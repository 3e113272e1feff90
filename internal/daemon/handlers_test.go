// internal/daemon/handlers_test.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/types"
)

func TestRegisterAssignsNameAndCreatesThread(t *testing.T) {
	d, fc, st := testDaemon(t)
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{
		Type:      ipc.CmdRegister,
		SessionID: "ses_abc",
		Title:     "Build feature",
		Project:   "Widgets",
	})
	if resp == nil || resp.Type != "registered" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.HasThread || resp.ThreadID != 700 {
		t.Fatalf("expected thread 700, got %+v", resp)
	}
	if resp.AgentName == "" {
		t.Fatal("no display name assigned")
	}

	creates := fc.snapshotCreates()
	if len(creates) != 1 {
		t.Fatalf("expected exactly one create-thread call, got %d", len(creates))
	}
	if !strings.Contains(creates[0].name, "Widgets: Build feature") {
		t.Errorf("topic name %q missing project and title", creates[0].name)
	}
	if !strings.Contains(creates[0].name, resp.AgentName) {
		t.Errorf("topic name %q missing display name %q", creates[0].name, resp.AgentName)
	}

	sess, ok := st.Get("ses_abc")
	if !ok || sess.ThreadID != 700 {
		t.Fatalf("thread id not persisted: %+v", sess)
	}
	if push := tc.waitPush(t, ipc.PushThreadCreated); push.ThreadID != 700 {
		t.Fatalf("thread_created push carried %d", push.ThreadID)
	}
	waitFor(t, func() bool {
		s, _ := st.Get("ses_abc")
		return s != nil && s.DashboardMessageID != 0
	}, "dashboard never pinned")
}

func TestRegisterIsIdempotent(t *testing.T) {
	d, fc, st := testDaemon(t)
	tc := newTestConn(t)
	ctx := context.Background()

	first := d.Handle(ctx, tc.conn, &ipc.Request{
		Type: ipc.CmdRegister, SessionID: "ses_abc", Title: "Build feature", Project: "Widgets",
	})
	if first == nil || !first.Success {
		t.Fatalf("first register failed: %+v", first)
	}
	second := d.Handle(ctx, tc.conn, &ipc.Request{
		Type: ipc.CmdRegister, SessionID: "ses_abc", Title: "Build feature v2", Project: "Widgets",
	})
	if second == nil || !second.Success || !second.HasThread {
		t.Fatalf("second register failed: %+v", second)
	}
	if second.AgentName != first.AgentName {
		t.Fatalf("display name changed across re-register: %q vs %q", first.AgentName, second.AgentName)
	}
	if fc.createCount() != 1 {
		t.Fatalf("re-register created another thread: %d creates", fc.createCount())
	}

	topics := fc.snapshotEditTopics()
	if len(topics) == 0 || !strings.Contains(topics[len(topics)-1], "Build feature v2") {
		t.Fatalf("thread title not resynced: %v", topics)
	}
	sess, _ := st.Get("ses_abc")
	if sess.Title != "Build feature v2" {
		t.Fatalf("title not updated: %q", sess.Title)
	}
}

func TestRegisterRejectsBadSessionID(t *testing.T) {
	d, fc, _ := testDaemon(t)
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "nope"})
	if resp == nil || resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "invalid session id") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
	if fc.createCount() != 0 {
		t.Fatal("thread created for rejected registration")
	}
}

func TestRegisterRequiresDestinationChat(t *testing.T) {
	d, _, _ := testDaemon(t)
	d.cfg.Telegram.ChatID = 0
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_abc"})
	if resp == nil || resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "no destination chat") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestRegisterFlushesQueuedMessages(t *testing.T) {
	d, _, st := testDaemon(t)
	now := time.Now()
	seedSession(t, st, "ses_q", func(s *types.Session) {
		s.ThreadID = 42
		s.Status = types.StatusDisconnected
		s.DisconnectedAt = &now
		s.Queue = []types.QueuedMessage{
			{Text: "first", Sender: "alice", MessageID: 11, At: now},
			{Text: "second", Sender: "bob", MessageID: 12, At: now},
		}
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_q"})
	if resp == nil || !resp.Success {
		t.Fatalf("register failed: %+v", resp)
	}
	m1 := tc.waitPush(t, ipc.PushMessage)
	m2 := tc.waitPush(t, ipc.PushMessage)
	if m1.Text != "first" || m2.Text != "second" {
		t.Fatalf("queue flushed out of order: %q, %q", m1.Text, m2.Text)
	}
	if m1.Sender != "alice" || m1.MessageID != 11 {
		t.Fatalf("queued metadata lost: %+v", m1)
	}

	sess, _ := st.Get("ses_q")
	if len(sess.Queue) != 0 {
		t.Fatalf("queue not drained: %d left", len(sess.Queue))
	}
	if sess.Status != types.StatusIdle || sess.DisconnectedAt != nil {
		t.Fatalf("session not reconnected: %+v", sess)
	}
}

func TestSendDeliversAndTracksMessage(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_s", func(s *types.Session) {
		s.ThreadID = 42
		s.DashboardMessageID = 5
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdSend, SessionID: "ses_s", Text: "done"})
	if resp == nil || resp.Type != "sent" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.MessageID != 900 {
		t.Fatalf("message id = %d, want 900", resp.MessageID)
	}

	sends := fc.userSends()
	if len(sends) != 1 || sends[0].thread != 42 || sends[0].text != "done" {
		t.Fatalf("unexpected sends: %+v", sends)
	}
	sess, _ := st.Get("ses_s")
	if sess.LastMessageID != 900 || !sess.HasTrackedMessage(900) {
		t.Fatalf("sent message not tracked: %+v", sess)
	}
}

func TestSendFailsForUnknownSession(t *testing.T) {
	d, _, _ := testDaemon(t)
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdSend, SessionID: "ses_ghost", Text: "hi"})
	if resp == nil || resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "session not found") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestSendRecreatesDeletedThread(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_r", func(s *types.Session) {
		s.ThreadID = 42
		s.DashboardMessageID = 5
	})
	fc.setSendHook(func(text string, opts *types.SendOptions) error {
		if opts != nil && opts.ThreadID == 42 {
			return fmt.Errorf("sendMessage: %w", types.ErrThreadNotFound)
		}
		return nil
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{
		Type: ipc.CmdReplyTo, SessionID: "ses_r", Text: "done", ReplyTo: 55,
	})
	if resp == nil || !resp.Success {
		t.Fatalf("recovery did not succeed: %+v", resp)
	}
	if fc.createCount() != 1 {
		t.Fatalf("expected one recreate, got %d", fc.createCount())
	}

	sess, _ := st.Get("ses_r")
	if sess.ThreadID != 700 {
		t.Fatalf("thread id = %d, want 700", sess.ThreadID)
	}
	var retry *sentMessage
	for _, m := range fc.userSends() {
		if m.thread == 700 && m.text == "done" {
			mm := m
			retry = &mm
		}
	}
	if retry == nil {
		t.Fatal("retry send never reached the new thread")
	}
	if retry.replyTo != 0 {
		t.Fatalf("reply reference survived thread recreation: %d", retry.replyTo)
	}

	if _, ok := st.ByThread(-100, 42); ok {
		t.Fatal("stale reverse mapping survived")
	}
	if got, ok := st.ByThread(-100, 700); !ok || got.ID != "ses_r" {
		t.Fatal("new reverse mapping missing")
	}
	waitFor(t, func() bool {
		s, _ := st.Get("ses_r")
		return s != nil && s.DashboardMessageID != 0
	}, "dashboard never recreated")
}

func TestAskPostsPromptWithOptions(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_a", func(s *types.Session) {
		s.ThreadID = 42
		s.DashboardMessageID = 5
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{
		Type:      ipc.CmdAsk,
		SessionID: "ses_a",
		Text:      "Deploy now?",
		Options:   []string{"Deploy", "Abort"},
		RequestID: "req9",
	})
	if resp == nil || resp.Type != "ask_ack" || !resp.Success || resp.RequestID != "req9" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sends := fc.userSends()
	if len(sends) != 1 {
		t.Fatalf("expected one prompt message, got %d", len(sends))
	}
	btns := sends[0].buttons
	if len(btns) != 2 || len(btns[0]) != 1 || len(btns[1]) != 1 {
		t.Fatalf("unexpected keyboard layout: %+v", btns)
	}
	if btns[0][0].Data != "opt|req9|0" || btns[1][0].Data != "opt|req9|1" {
		t.Fatalf("unexpected callback data: %+v", btns)
	}
	if btns[0][0].Label != "Deploy" || btns[1][0].Label != "Abort" {
		t.Fatalf("unexpected labels: %+v", btns)
	}

	sess, _ := st.Get("ses_a")
	if got := sess.Prompts["req9"]; len(got) != 2 || got[0] != "Deploy" {
		t.Fatalf("prompt not recorded: %+v", sess.Prompts)
	}
}

func TestAskRequiresOptions(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_a", func(s *types.Session) { s.ThreadID = 42 })
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdAsk, SessionID: "ses_a", Text: "?"})
	if resp == nil || resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
}

func TestPermissionRequestTracksApproval(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_p", func(s *types.Session) {
		s.ThreadID = 42
		s.DashboardMessageID = 5
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{
		Type:      ipc.CmdPermissionRequest,
		SessionID: "ses_p",
		Text:      "Run `rm -rf ./build`?",
		RequestID: "perm1",
	})
	if resp != nil {
		t.Fatalf("permission_request should not reply directly, got %+v", resp)
	}

	sends := fc.userSends()
	if len(sends) != 1 {
		t.Fatalf("expected one prompt message, got %d", len(sends))
	}
	btns := sends[0].buttons
	if len(btns) != 1 || len(btns[0]) != 2 {
		t.Fatalf("unexpected keyboard layout: %+v", btns)
	}
	if btns[0][0].Data != "apr|perm1|allow" || btns[0][1].Data != "apr|perm1|deny" {
		t.Fatalf("unexpected callback data: %+v", btns)
	}

	sess, _ := st.Get("ses_p")
	if sess.Approvals["perm1"] != 900 {
		t.Fatalf("approval not recorded: %+v", sess.Approvals)
	}
}

func TestSetAgentNameEnforcesUniqueness(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_1", nil)
	seedSession(t, st, "ses_2", func(s *types.Session) {
		s.AgentName = "Blue"
		s.ThreadID = 42
	})
	tc := newTestConn(t)
	ctx := context.Background()

	resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdSetAgentName, SessionID: "ses_2", Name: "ada"})
	if resp == nil || resp.Success {
		t.Fatalf("case-insensitive duplicate accepted: %+v", resp)
	}
	if !strings.Contains(resp.Error, "already in use") {
		t.Fatalf("unexpected error: %q", resp.Error)
	}

	resp = d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdSetAgentName, SessionID: "ses_2", Name: "Cleo"})
	if resp == nil || !resp.Success || resp.AgentName != "Cleo" {
		t.Fatalf("rename failed: %+v", resp)
	}
	sess, _ := st.Get("ses_2")
	if sess.AgentName != "Cleo" {
		t.Fatalf("name not persisted: %q", sess.AgentName)
	}
	topics := fc.snapshotEditTopics()
	if len(topics) == 0 || !strings.Contains(topics[len(topics)-1], "Cleo") {
		t.Fatalf("thread title not resynced: %v", topics)
	}
}

func TestSetChatMovesSessionAndOrphansApprovals(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_m", func(s *types.Session) {
		s.ThreadID = 42
		s.DashboardMessageID = 5
		s.Approvals = map[string]int{"perm1": 31}
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdSetChat, SessionID: "ses_m", ChatID: -200})
	if resp == nil || !resp.Success || resp.ChatID != -200 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.HasThread || resp.ThreadID != 700 {
		t.Fatalf("thread not recreated in new chat: %+v", resp)
	}

	creates := fc.snapshotCreates()
	if len(creates) != 1 || creates[0].chatID != -200 {
		t.Fatalf("create went to wrong chat: %+v", creates)
	}
	found := false
	for _, th := range fc.deletedTopics {
		if th == 42 {
			found = true
		}
	}
	if !found {
		t.Fatal("old thread not deleted")
	}

	sess, _ := st.Get("ses_m")
	if sess.ChatID != -200 || sess.ThreadID != 700 {
		t.Fatalf("linkage not moved: %+v", sess)
	}
	// Pending approvals are orphaned, not resolved: their buttons died with
	// the old thread.
	if _, ok := sess.Approvals["perm1"]; !ok {
		t.Fatal("approval entry dropped on chat move")
	}
	if _, ok := st.ByThread(-100, 42); ok {
		t.Fatal("stale reverse mapping survived")
	}
	if got, ok := st.ByThread(-200, 700); !ok || got.ID != "ses_m" {
		t.Fatal("new reverse mapping missing")
	}
}

func TestSetChatValidatesDestination(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_m", func(s *types.Session) { s.ThreadID = 42 })
	fc.checkErr = errors.New("chat not found")
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdSetChat, SessionID: "ses_m", ChatID: -999})
	if resp == nil || resp.Success {
		t.Fatalf("unreachable chat accepted: %+v", resp)
	}
	sess, _ := st.Get("ses_m")
	if sess.ChatID != -100 || sess.ThreadID != 42 {
		t.Fatalf("linkage changed despite failed validation: %+v", sess)
	}
}

func TestDeleteSessionRemovesThreadAndState(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_d", func(s *types.Session) { s.ThreadID = 42 })
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdDeleteSession, SessionID: "ses_d"})
	if resp == nil || resp.Type != "delete_session_ack" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := st.Get("ses_d"); ok {
		t.Fatal("session still in store")
	}
	if len(fc.deletedTopics) != 1 || fc.deletedTopics[0] != 42 {
		t.Fatalf("thread not deleted: %v", fc.deletedTopics)
	}
}

func TestUpdateTitleRenamesThread(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_t", func(s *types.Session) { s.ThreadID = 42 })
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdUpdateTitle, SessionID: "ses_t", Title: "Ship v2"})
	if resp == nil || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	sess, _ := st.Get("ses_t")
	if sess.Title != "Ship v2" {
		t.Fatalf("title not persisted: %q", sess.Title)
	}
	topics := fc.snapshotEditTopics()
	if len(topics) != 1 || !strings.Contains(topics[0], "Ship v2") {
		t.Fatalf("thread not renamed: %v", topics)
	}
}

func TestTypingRequiresThread(t *testing.T) {
	d, fc, st := testDaemon(t)
	seedSession(t, st, "ses_n", func(s *types.Session) { s.ThreadID = 0 })
	tc := newTestConn(t)
	ctx := context.Background()

	if resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdTyping, SessionID: "ses_n"}); resp != nil {
		t.Fatalf("typing should not reply, got %+v", resp)
	}
	if fc.typings != 0 {
		t.Fatal("typing sent without a thread")
	}

	seedSession(t, st, "ses_y", func(s *types.Session) { s.ThreadID = 42 })
	d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdTyping, SessionID: "ses_y"})
	if fc.typings != 1 {
		t.Fatalf("typing count = %d, want 1", fc.typings)
	}
}

func TestSetStatusUpdatesAndValidates(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_b", func(s *types.Session) { s.ThreadID = 42 })
	tc := newTestConn(t)
	ctx := context.Background()

	if resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdSetStatus, SessionID: "ses_b", Status: "busy"}); resp != nil {
		t.Fatalf("set_status should not reply, got %+v", resp)
	}
	sess, _ := st.Get("ses_b")
	if sess.Status != types.StatusBusy {
		t.Fatalf("status = %q, want busy", sess.Status)
	}

	d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdSetStatus, SessionID: "ses_b", Status: "exploded"})
	sess, _ = st.Get("ses_b")
	if sess.Status != types.StatusBusy {
		t.Fatalf("invalid status applied: %q", sess.Status)
	}
}

func TestDeregisterMarksDisconnected(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_g", func(s *types.Session) { s.ThreadID = 42 })
	tc := newTestConn(t)
	ctx := context.Background()

	if resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_g"}); !resp.Success {
		t.Fatalf("register failed: %+v", resp)
	}
	resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdDeregister, SessionID: "ses_g"})
	if resp == nil || resp.Type != "deregistered" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sess, _ := st.Get("ses_g")
	if sess.Status != types.StatusDisconnected || sess.DisconnectedAt == nil {
		t.Fatalf("session not marked disconnected: %+v", sess)
	}
	if d.reg.Connected("ses_g") {
		t.Fatal("registry still has the binding")
	}
}

func TestConnClosedSkipsStaleBinding(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_c", func(s *types.Session) { s.ThreadID = 42 })
	ctx := context.Background()

	tc1 := newTestConn(t)
	if resp := d.Handle(ctx, tc1.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_c"}); !resp.Success {
		t.Fatalf("register failed: %+v", resp)
	}
	tc2 := newTestConn(t)
	if resp := d.Handle(ctx, tc2.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_c"}); !resp.Success {
		t.Fatalf("re-register failed: %+v", resp)
	}

	// The first connection's close must not clobber the new binding.
	d.ConnClosed(tc1.conn)
	sess, _ := st.Get("ses_c")
	if sess.Status != types.StatusIdle {
		t.Fatalf("stale close marked session %q", sess.Status)
	}
	if !d.reg.Connected("ses_c") {
		t.Fatal("live binding dropped by stale close")
	}

	d.ConnClosed(tc2.conn)
	sess, _ = st.Get("ses_c")
	if sess.Status != types.StatusDisconnected || sess.DisconnectedAt == nil {
		t.Fatalf("current close did not mark disconnected: %+v", sess)
	}
}

func TestHealthCountsByStatus(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_1", nil)
	seedSession(t, st, "ses_2", func(s *types.Session) {
		s.AgentName = "Blue"
		s.Status = types.StatusBusy
	})
	now := time.Now()
	seedSession(t, st, "ses_3", func(s *types.Session) {
		s.AgentName = "Cleo"
		s.Status = types.StatusDisconnected
		s.DisconnectedAt = &now
	})
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdHealth})
	if resp == nil || resp.Type != "health_response" || resp.Health == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	h := resp.Health
	if h.Sessions != 3 || h.Idle != 1 || h.Busy != 1 || h.Disconnected != 1 {
		t.Fatalf("bad counts: %+v", h)
	}
	if h.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", h.PID, os.Getpid())
	}
	if h.Uptime == "" || h.Goroutines == 0 {
		t.Fatalf("process stats missing: %+v", h)
	}
}

func TestListSessionsReportsConnections(t *testing.T) {
	d, _, st := testDaemon(t)
	seedSession(t, st, "ses_1", func(s *types.Session) { s.ThreadID = 42 })
	seedSession(t, st, "ses_2", func(s *types.Session) {
		s.AgentName = "Blue"
		s.ThreadID = 43
		s.Queue = []types.QueuedMessage{{Text: "held"}}
	})
	tc := newTestConn(t)
	ctx := context.Background()
	if resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdRegister, SessionID: "ses_1"}); !resp.Success {
		t.Fatalf("register failed: %+v", resp)
	}

	resp := d.Handle(ctx, tc.conn, &ipc.Request{Type: ipc.CmdListSessions})
	if resp == nil || resp.Type != "session_list" || len(resp.Sessions) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	byID := map[string]ipc.SessionSummary{}
	for _, s := range resp.Sessions {
		byID[s.ID] = s
	}
	if !byID["ses_1"].Connected || byID["ses_2"].Connected {
		t.Fatalf("connection flags wrong: %+v", resp.Sessions)
	}
	if byID["ses_2"].Queued != 1 {
		t.Fatalf("queued count wrong: %+v", byID["ses_2"])
	}
}

func TestShutdownAcksBeforeTripping(t *testing.T) {
	d, _, _ := testDaemon(t)
	tc := newTestConn(t)

	resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: ipc.CmdShutdown, Force: true})
	if resp == nil || resp.Type != "shutdown_ack" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	select {
	case <-d.shutdownCh:
		t.Fatal("shutdown tripped before the ack grace period")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-d.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never tripped")
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	d, _, _ := testDaemon(t)
	tc := newTestConn(t)

	if resp := d.Handle(context.Background(), tc.conn, &ipc.Request{Type: "frobnicate"}); resp != nil {
		t.Fatalf("unknown command answered: %+v", resp)
	}
}

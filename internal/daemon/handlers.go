// internal/daemon/handlers.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/names"
	"github.com/user/threadrelay/internal/types"
)

// Handle dispatches one authenticated request. A nil return means the
// command sends no reply; unknown types are logged and ignored.
func (d *Daemon) Handle(ctx context.Context, conn *ipc.Conn, req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.CmdRegister:
		return d.handleRegister(ctx, conn, req)
	case ipc.CmdDeregister:
		return d.handleDeregister(ctx, conn, req)
	case ipc.CmdSend:
		return d.handleSend(ctx, req)
	case ipc.CmdReplyTo:
		return d.handleReplyTo(ctx, req)
	case ipc.CmdBroadcast:
		return d.handleBroadcast(ctx, req)
	case ipc.CmdAsk:
		return d.handleAsk(ctx, req)
	case ipc.CmdTyping:
		return d.handleTyping(ctx, req)
	case ipc.CmdReact:
		return d.handleReact(ctx, req)
	case ipc.CmdSetStatus:
		return d.handleSetStatus(ctx, req)
	case ipc.CmdUpdateMeta:
		return d.handleUpdateMeta(ctx, req)
	case ipc.CmdPermissionRequest:
		return d.handlePermissionRequest(ctx, req)
	case ipc.CmdDeleteSession:
		return d.handleDeleteSession(ctx, req)
	case ipc.CmdSetAgentName:
		return d.handleSetAgentName(ctx, req)
	case ipc.CmdSetChat:
		return d.handleSetChat(ctx, req)
	case ipc.CmdUpdateTitle:
		return d.handleUpdateTitle(ctx, req)
	case ipc.CmdListSessions:
		return d.handleListSessions(req)
	case ipc.CmdHealth:
		return d.handleHealth(req)
	case ipc.CmdShutdown:
		return d.handleShutdown(req)
	default:
		slog.Warn("ignoring unknown command", "type", req.Type)
		return nil
	}
}

// ConnClosed marks the bound session disconnected when its connection drops.
// A stale binding (the session reconnected elsewhere) is left alone.
func (d *Daemon) ConnClosed(conn *ipc.Conn) {
	id := conn.Session()
	if id == "" {
		return
	}
	if !d.reg.Unbind(id, conn) {
		return
	}
	now := time.Now()
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		s.Status = types.StatusDisconnected
		s.DisconnectedAt = &now
		return nil
	}); err != nil {
		slog.Warn("mark disconnected failed", "session", id, "error", err)
		return
	}
	slog.Info("session disconnected", "session", id)
	go d.rec.SyncDashboard(context.Background(), id)
}

func fail(typ, format string, args ...any) *ipc.Response {
	return &ipc.Response{Type: typ, Error: fmt.Sprintf(format, args...)}
}

func (d *Daemon) handleRegister(ctx context.Context, conn *ipc.Conn, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if !id.Valid() {
		return fail("registered", "invalid session id %q", req.SessionID)
	}

	before, existed := d.store.Get(id)
	var sess *types.Session
	if existed {
		updated, err := d.store.Mutate(id, func(s *types.Session) error {
			if req.Title != "" {
				s.Title = req.Title
			}
			if req.Project != "" {
				s.Project = req.Project
			}
			if req.AgentType != "" {
				s.AgentType = req.AgentType
			}
			if req.Model != "" {
				s.Model = req.Model
			}
			if s.ChatID == 0 {
				s.ChatID = d.destinationChat(req.ChatID)
			}
			s.Status = types.StatusIdle
			s.DisconnectedAt = nil
			return nil
		})
		if err != nil {
			return fail("registered", "update session: %v", err)
		}
		sess = updated
	} else {
		chatID := d.destinationChat(req.ChatID)
		if chatID == 0 {
			return fail("registered", "no destination chat configured")
		}
		sess = &types.Session{
			ID:        id,
			Title:     req.Title,
			Project:   req.Project,
			ParentID:  types.SessionID(req.ParentID),
			AgentName: names.Assign(d.store.Names()),
			AgentType: req.AgentType,
			Model:     req.Model,
			Status:    types.StatusIdle,
			ChatID:    chatID,
		}
		if err := d.store.Put(sess); err != nil {
			return fail("registered", "persist session: %v", err)
		}
	}

	conn.BindSession(id)
	d.reg.Bind(id, conn)

	if existed && sess.ThreadID != 0 {
		if err := d.rec.SyncTitle(ctx, before, sess); err != nil {
			slog.Warn("rename thread failed", "session", id, "error", err)
		}
	}

	// Top-level sessions get their thread eagerly; sub-sessions wait for
	// the first outbound send. Creation failure is not fatal to register,
	// the next send retries it.
	if sess.ThreadID == 0 && sess.ParentID == "" {
		if _, err := d.rec.EnsureThread(ctx, id); err != nil {
			slog.Warn("thread create at register failed", "session", id, "error", err)
		}
	}
	go d.rec.SyncDashboard(context.WithoutCancel(ctx), id)

	d.flushQueue(id)

	cur, ok := d.store.Get(id)
	if !ok {
		cur = sess
	}
	return &ipc.Response{
		Type:      "registered",
		Success:   true,
		SessionID: string(id),
		AgentName: cur.AgentName,
		HasThread: cur.ThreadID != 0,
		ThreadID:  cur.ThreadID,
		ChatID:    cur.ChatID,
	}
}

// destinationChat resolves where a session's thread lives: the chat the
// client named, falling back to the configured default.
func (d *Daemon) destinationChat(requested int64) int64 {
	if requested != 0 {
		return requested
	}
	return d.cfg.Telegram.ChatID
}

// flushQueue drains messages buffered while the session had no connection
// and pushes them to the freshly bound one. The drain persists first so a
// crash mid-flush loses messages rather than duplicating them.
func (d *Daemon) flushQueue(id types.SessionID) {
	cur, ok := d.store.Get(id)
	if !ok || len(cur.Queue) == 0 {
		return
	}
	var queued []types.QueuedMessage
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		queued = s.DrainQueue()
		return nil
	}); err != nil {
		slog.Warn("drain queue failed", "session", id, "error", err)
		return
	}
	for _, m := range queued {
		d.reg.Push(id, &ipc.Response{
			Type:      ipc.PushMessage,
			Success:   true,
			SessionID: string(id),
			Text:      m.Text,
			Sender:    m.Sender,
			MessageID: m.MessageID,
		})
	}
	slog.Info("queued messages flushed", "session", id, "count", len(queued))
}

func (d *Daemon) handleDeregister(ctx context.Context, conn *ipc.Conn, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	now := time.Now()
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		s.Status = types.StatusDisconnected
		s.DisconnectedAt = &now
		return nil
	}); err != nil {
		return fail("deregistered", "%v", err)
	}
	d.reg.Unbind(id, conn)
	go d.rec.SyncDashboard(context.WithoutCancel(ctx), id)
	return &ipc.Response{Type: "deregistered", Success: true, SessionID: string(id)}
}

// deliverToThread sends text into the session's thread, creating the thread
// on demand. When the chat reports the thread gone it clears the stored
// linkage, recreates once, and retries without the reply reference (the
// replied-to message died with the old thread).
func (d *Daemon) deliverToThread(ctx context.Context, id types.SessionID, text string, replyTo int, buttons [][]types.Button) (int, error) {
	sess, ok := d.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrSessionUnknown, id)
	}
	threadID := sess.ThreadID
	if threadID == 0 {
		var err error
		if threadID, err = d.rec.EnsureThread(ctx, id); err != nil {
			return 0, err
		}
	}

	msgID, err := d.client.SendMessage(ctx, sess.ChatID, text, &types.SendOptions{
		ThreadID: threadID,
		ReplyTo:  replyTo,
		Buttons:  buttons,
	})
	if errors.Is(err, types.ErrThreadNotFound) {
		slog.Warn("thread gone externally, recreating", "session", id, "thread", threadID)
		if ierr := d.rec.Invalidate(id); ierr != nil {
			return 0, ierr
		}
		if threadID, err = d.rec.EnsureThread(ctx, id); err != nil {
			return 0, err
		}
		msgID, err = d.client.SendMessage(ctx, sess.ChatID, text, &types.SendOptions{
			ThreadID: threadID,
			Buttons:  buttons,
		})
	}
	if err != nil {
		return 0, err
	}

	if _, merr := d.store.Mutate(id, func(s *types.Session) error {
		s.TrackMessage(msgID)
		return nil
	}); merr != nil {
		slog.Warn("track sent message failed", "session", id, "error", merr)
	}
	return msgID, nil
}

func (d *Daemon) handleSend(ctx context.Context, req *ipc.Request) *ipc.Response {
	if strings.TrimSpace(req.Text) == "" {
		return fail("sent", "empty text")
	}
	msgID, err := d.deliverToThread(ctx, types.SessionID(req.SessionID), req.Text, 0, nil)
	if err != nil {
		return fail("sent", "%v", err)
	}
	return &ipc.Response{Type: "sent", Success: true, MessageID: msgID}
}

func (d *Daemon) handleReplyTo(ctx context.Context, req *ipc.Request) *ipc.Response {
	if strings.TrimSpace(req.Text) == "" {
		return fail("reply_to", "empty text")
	}
	msgID, err := d.deliverToThread(ctx, types.SessionID(req.SessionID), req.Text, req.ReplyTo, nil)
	if err != nil {
		return fail("reply_to", "%v", err)
	}
	return &ipc.Response{Type: "reply_to", Success: true, MessageID: msgID}
}

// handleBroadcast posts to the session's chat outside any thread, for
// announcements that should be visible without opening a topic.
func (d *Daemon) handleBroadcast(ctx context.Context, req *ipc.Request) *ipc.Response {
	if strings.TrimSpace(req.Text) == "" {
		return fail("broadcast", "empty text")
	}
	id := types.SessionID(req.SessionID)
	sess, ok := d.store.Get(id)
	if !ok {
		return fail("broadcast", "unknown session %q", req.SessionID)
	}
	msgID, err := d.client.SendMessage(ctx, sess.ChatID, req.Text, nil)
	if err != nil {
		return fail("broadcast", "%v", err)
	}
	if _, merr := d.store.Mutate(id, func(s *types.Session) error {
		s.TrackMessage(msgID)
		return nil
	}); merr != nil {
		slog.Warn("track sent message failed", "session", id, "error", merr)
	}
	return &ipc.Response{Type: "broadcast", Success: true, MessageID: msgID}
}

// handleAsk posts a multiple-choice prompt. The answer comes back later as
// an ask_response push once someone presses a button; the ack only confirms
// the prompt is up.
func (d *Daemon) handleAsk(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if strings.TrimSpace(req.Text) == "" || len(req.Options) == 0 {
		return fail("ask_ack", "ask needs text and at least one option")
	}
	reqID := req.RequestID
	if reqID == "" {
		reqID = types.NewCorrelationID()
	}

	buttons := make([][]types.Button, 0, len(req.Options))
	for i, opt := range req.Options {
		buttons = append(buttons, []types.Button{{
			Label: opt,
			Data:  fmt.Sprintf("opt|%s|%d", reqID, i),
		}})
	}
	msgID, err := d.deliverToThread(ctx, id, req.Text, 0, buttons)
	if err != nil {
		return fail("ask_ack", "%v", err)
	}
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		if s.Prompts == nil {
			s.Prompts = make(map[string][]string)
		}
		s.Prompts[reqID] = append([]string(nil), req.Options...)
		return nil
	}); err != nil {
		return fail("ask_ack", "record prompt: %v", err)
	}
	return &ipc.Response{Type: "ask_ack", Success: true, MessageID: msgID, RequestID: reqID}
}

// handleTyping is droppable: no thread yet or no spare rate budget means
// nobody misses anything.
func (d *Daemon) handleTyping(ctx context.Context, req *ipc.Request) *ipc.Response {
	sess, ok := d.store.Get(types.SessionID(req.SessionID))
	if !ok || sess.ThreadID == 0 {
		return nil
	}
	if err := d.client.SendTyping(ctx, sess.ChatID, sess.ThreadID); err != nil {
		slog.Debug("typing indicator failed", "session", sess.ID, "error", err)
	}
	return nil
}

func (d *Daemon) handleReact(ctx context.Context, req *ipc.Request) *ipc.Response {
	sess, ok := d.store.Get(types.SessionID(req.SessionID))
	if !ok || req.MessageID == 0 {
		return nil
	}
	if err := d.client.SetReaction(ctx, sess.ChatID, req.MessageID, req.Emoji); err != nil {
		slog.Debug("reaction failed", "session", sess.ID, "error", err)
	}
	return nil
}

func (d *Daemon) handleSetStatus(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	status := types.SessionStatus(req.Status)
	if !types.ValidStatus(status) {
		slog.Warn("ignoring invalid status", "session", id, "status", req.Status)
		return nil
	}
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		s.Status = status
		if status == types.StatusDisconnected {
			now := time.Now()
			s.DisconnectedAt = &now
		} else {
			s.DisconnectedAt = nil
		}
		return nil
	}); err != nil {
		slog.Warn("set status failed", "session", id, "error", err)
		return nil
	}
	go d.rec.SyncDashboard(context.WithoutCancel(ctx), id)
	return nil
}

func (d *Daemon) handleUpdateMeta(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		if req.Model != "" {
			s.Model = req.Model
		}
		if req.AgentType != "" {
			s.AgentType = req.AgentType
		}
		return nil
	}); err != nil {
		slog.Warn("update meta failed", "session", id, "error", err)
		return nil
	}
	go d.rec.SyncDashboard(context.WithoutCancel(ctx), id)
	return nil
}

// handlePermissionRequest posts an approval prompt with Allow/Deny buttons.
// Resolution is asynchronous: the button press comes back through the
// polling loop as a permission_response push.
func (d *Daemon) handlePermissionRequest(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if strings.TrimSpace(req.Text) == "" {
		slog.Warn("permission request without text", "session", id)
		return nil
	}
	reqID := req.RequestID
	if reqID == "" {
		reqID = types.NewCorrelationID()
	}
	buttons := [][]types.Button{{
		{Label: "✅ Allow", Data: fmt.Sprintf("apr|%s|allow", reqID)},
		{Label: "❌ Deny", Data: fmt.Sprintf("apr|%s|deny", reqID)},
	}}
	msgID, err := d.deliverToThread(ctx, id, req.Text, 0, buttons)
	if err != nil {
		slog.Warn("permission prompt failed", "session", id, "error", err)
		return nil
	}
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		if s.Approvals == nil {
			s.Approvals = make(map[string]int)
		}
		s.Approvals[reqID] = msgID
		return nil
	}); err != nil {
		slog.Warn("record approval failed", "session", id, "error", err)
	}
	return nil
}

func (d *Daemon) handleDeleteSession(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	sess, ok := d.store.Get(id)
	if !ok {
		return fail("delete_session_ack", "unknown session %q", req.SessionID)
	}
	if sess.ThreadID != 0 {
		if err := d.client.DeleteTopic(ctx, sess.ChatID, sess.ThreadID); err != nil {
			slog.Warn("thread not deleted", "session", id, "thread", sess.ThreadID, "error", err)
		}
	}
	if err := d.store.Delete(id); err != nil {
		return fail("delete_session_ack", "%v", err)
	}
	d.reg.Drop(id)
	d.rec.Forget(id)
	slog.Info("session deleted", "session", id)
	return &ipc.Response{Type: "delete_session_ack", Success: true, SessionID: string(id)}
}

func (d *Daemon) handleSetAgentName(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return fail("set_agent_name_ack", "empty name")
	}
	before, ok := d.store.Get(id)
	if !ok {
		return fail("set_agent_name_ack", "unknown session %q", req.SessionID)
	}
	var others []string
	for _, s := range d.store.List() {
		if s.ID != id && s.AgentName != "" {
			others = append(others, s.AgentName)
		}
	}
	if names.Taken(name, others) {
		return fail("set_agent_name_ack", "name %q already in use", name)
	}
	sess, err := d.store.Mutate(id, func(s *types.Session) error {
		s.AgentName = name
		return nil
	})
	if err != nil {
		return fail("set_agent_name_ack", "%v", err)
	}
	if err := d.rec.SyncTitle(ctx, before, sess); err != nil {
		slog.Warn("rename thread failed", "session", id, "error", err)
	}
	go d.rec.SyncDashboard(context.WithoutCancel(ctx), id)
	return &ipc.Response{Type: "set_agent_name_ack", Success: true, SessionID: string(id), AgentName: name}
}

// handleSetChat moves a session to a different destination chat. The old
// thread is deleted best-effort, the linkage cleared, and a fresh thread
// created in the new chat. Pending approvals and prompts stay recorded but
// their buttons died with the old thread; resolutions for them simply never
// arrive.
func (d *Daemon) handleSetChat(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if req.ChatID == 0 {
		return fail("set_chat_ack", "chat id required")
	}
	sess, ok := d.store.Get(id)
	if !ok {
		return fail("set_chat_ack", "unknown session %q", req.SessionID)
	}
	if err := d.client.CheckChat(ctx, req.ChatID); err != nil {
		return fail("set_chat_ack", "chat %d not reachable: %v", req.ChatID, err)
	}
	if sess.ThreadID != 0 {
		if err := d.client.DeleteTopic(ctx, sess.ChatID, sess.ThreadID); err != nil {
			slog.Warn("old thread not deleted", "session", id, "thread", sess.ThreadID, "error", err)
		}
	}
	if _, err := d.store.Mutate(id, func(s *types.Session) error {
		s.ChatID = req.ChatID
		s.ThreadID = 0
		s.DashboardMessageID = 0
		return nil
	}); err != nil {
		return fail("set_chat_ack", "%v", err)
	}
	d.rec.Forget(id)
	if _, err := d.rec.EnsureThread(ctx, id); err != nil {
		slog.Warn("thread create in new chat failed", "session", id, "error", err)
	}
	cur, _ := d.store.Get(id)
	resp := &ipc.Response{Type: "set_chat_ack", Success: true, SessionID: string(id), ChatID: req.ChatID}
	if cur != nil {
		resp.ThreadID = cur.ThreadID
		resp.HasThread = cur.ThreadID != 0
	}
	return resp
}

func (d *Daemon) handleUpdateTitle(ctx context.Context, req *ipc.Request) *ipc.Response {
	id := types.SessionID(req.SessionID)
	if strings.TrimSpace(req.Title) == "" {
		return fail("update_title_ack", "empty title")
	}
	before, ok := d.store.Get(id)
	if !ok {
		return fail("update_title_ack", "unknown session %q", req.SessionID)
	}
	sess, err := d.store.Mutate(id, func(s *types.Session) error {
		s.Title = req.Title
		return nil
	})
	if err != nil {
		return fail("update_title_ack", "%v", err)
	}
	if err := d.rec.SyncTitle(ctx, before, sess); err != nil {
		return fail("update_title_ack", "rename thread: %v", err)
	}
	return &ipc.Response{Type: "update_title_ack", Success: true, SessionID: string(id)}
}

func (d *Daemon) handleListSessions(req *ipc.Request) *ipc.Response {
	return &ipc.Response{Type: "session_list", Success: true, Sessions: d.sessionSummaries()}
}

func (d *Daemon) handleHealth(req *ipc.Request) *ipc.Response {
	return &ipc.Response{Type: "health_response", Success: true, Health: d.healthSnapshot()}
}

// handleShutdown acknowledges first, then trips the shutdown channel after a
// short grace so the ack reaches the wire before the listener drops.
func (d *Daemon) handleShutdown(req *ipc.Request) *ipc.Response {
	if req.Force {
		slog.Info("forced shutdown requested")
	} else {
		slog.Info("shutdown requested")
	}
	d.requestShutdown()
	return &ipc.Response{Type: "shutdown_ack", Success: true}
}

// internal/daemon/inbound.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/telegram"
	"github.com/user/threadrelay/internal/types"
)

const helpText = `threadrelay bridges agent sessions into this chat, one topic per session.

Write inside a session's topic to talk to that agent. Commands:
/sessions - list sessions in this chat
/cleanup - sweep stale disconnected sessions
/rename <title> - rename this topic's session
/clear - delete the relay's recent messages in this topic
/stop - interrupt the agent in this topic
/broadcast <text> - send to every connected session here
/undo, /redo - step the agent's history
!<cmd> [args] - forward a structured command to the agent`

// HandleUpdate routes one polled chat update. A non-nil error tells the
// poller to redeliver, so only failures that plausibly heal on retry
// (persistence, mostly) propagate; everything else is logged and dropped to
// keep one bad update from wedging the loop.
func (d *Daemon) HandleUpdate(ctx context.Context, u *telegram.Update) error {
	switch {
	case u.CallbackQuery != nil:
		return d.handleCallback(ctx, u.CallbackQuery)
	case u.MessageReaction != nil:
		return d.handleReaction(ctx, u.MessageReaction)
	case u.Message != nil:
		return d.handleChatMessage(ctx, u.Message)
	}
	return nil
}

func (d *Daemon) handleChatMessage(ctx context.Context, msg *telegram.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	text = stripMention(text, d.botUser)
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "/") {
		return d.handleSlashCommand(ctx, msg, text)
	}
	if strings.HasPrefix(text, "!") && len(text) > 1 {
		cmd, args := splitBang(text)
		d.pushThreadCommand(ctx, msg, cmd, args)
		return nil
	}

	if sess, ok := d.threadSession(msg); ok {
		return d.routeToSession(msg, sess, text)
	}
	if msg.MessageThreadID != 0 {
		slog.Debug("message in unmapped thread", "chat", msg.Chat.ID, "thread", msg.MessageThreadID)
		return nil
	}
	d.fanOut(msg, text)
	return nil
}

// routeToSession hands thread chatter to the owning session, or buffers it
// when no connection is bound.
func (d *Daemon) routeToSession(msg *telegram.Message, sess *types.Session, text string) error {
	sender := msg.From.DisplayName()
	if d.reg.Push(sess.ID, &ipc.Response{
		Type:      ipc.PushMessage,
		Success:   true,
		SessionID: string(sess.ID),
		Text:      text,
		Sender:    sender,
		MessageID: msg.MessageID,
	}) {
		return nil
	}

	dropped := false
	if _, err := d.store.Mutate(sess.ID, func(s *types.Session) error {
		dropped = s.Enqueue(types.QueuedMessage{
			Text:      text,
			Sender:    sender,
			MessageID: msg.MessageID,
			At:        time.Now(),
		})
		return nil
	}); err != nil {
		if errors.Is(err, types.ErrSessionUnknown) {
			return nil
		}
		return fmt.Errorf("buffer message: %w", err)
	}
	if dropped {
		slog.Warn("queue full, oldest buffered message dropped", "session", sess.ID)
	}
	slog.Info("message buffered for disconnected session", "session", sess.ID)
	return nil
}

// fanOut delivers a chat-level message to every top-level connected session
// in that chat. Disconnected sessions do not buffer these; chat-level
// chatter is addressed to whoever is listening now.
func (d *Daemon) fanOut(msg *telegram.Message, text string) {
	sender := msg.From.DisplayName()
	n := 0
	for _, s := range d.store.List() {
		if s.ChatID != msg.Chat.ID || s.ParentID != "" || !d.reg.Connected(s.ID) {
			continue
		}
		if d.reg.Push(s.ID, &ipc.Response{
			Type:      ipc.PushMessage,
			Success:   true,
			SessionID: string(s.ID),
			Text:      text,
			Sender:    sender,
			MessageID: msg.MessageID,
		}) {
			n++
		}
	}
	slog.Debug("chat message fanned out", "chat", msg.Chat.ID, "sessions", n)
}

func (d *Daemon) handleSlashCommand(ctx context.Context, msg *telegram.Message, text string) error {
	cmd, args := splitCommand(text)

	// Help works from anywhere, including chats the relay has never seen.
	if cmd == "help" || cmd == "start" {
		d.replyTo(ctx, msg, helpText)
		return nil
	}
	if !d.store.KnownChat(msg.Chat.ID) {
		slog.Debug("slash command from unknown chat ignored", "chat", msg.Chat.ID, "command", cmd)
		return nil
	}

	switch cmd {
	case "sessions":
		d.replyTo(ctx, msg, d.sessionListText(msg.Chat.ID))
	case "cleanup":
		if d.cfg.RetentionDays <= 0 {
			d.replyTo(ctx, msg, "Retention sweeping is disabled.")
			return nil
		}
		n := d.sweeper.RunOnce(ctx)
		d.replyTo(ctx, msg, fmt.Sprintf("Swept %d stale session(s).", n))
	case "rename":
		return d.commandRename(ctx, msg, args)
	case "clear":
		return d.commandClear(ctx, msg)
	case "stop", "undo", "redo":
		d.pushThreadCommand(ctx, msg, cmd, "")
	case "broadcast":
		if strings.TrimSpace(args) == "" {
			d.replyTo(ctx, msg, "Usage: /broadcast <text>")
			return nil
		}
		d.fanOut(msg, args)
	default:
		slog.Debug("unknown slash command ignored", "command", cmd)
	}
	return nil
}

// pushThreadCommand forwards a structured command to the session owning the
// surrounding thread.
func (d *Daemon) pushThreadCommand(ctx context.Context, msg *telegram.Message, command, args string) {
	sess, ok := d.threadSession(msg)
	if !ok {
		d.replyTo(ctx, msg, "That only works inside a session's topic.")
		return
	}
	delivered := d.reg.Push(sess.ID, &ipc.Response{
		Type:      ipc.PushCommand,
		Success:   true,
		SessionID: string(sess.ID),
		Command:   command,
		Args:      args,
		Sender:    msg.From.DisplayName(),
	})
	if !delivered {
		d.replyTo(ctx, msg, fmt.Sprintf("%s is not connected right now.", sess.AgentName))
	}
}

func (d *Daemon) commandRename(ctx context.Context, msg *telegram.Message, args string) error {
	before, ok := d.threadSession(msg)
	if !ok {
		d.replyTo(ctx, msg, "Use /rename inside a session's topic.")
		return nil
	}
	title := strings.TrimSpace(args)
	if title == "" {
		d.replyTo(ctx, msg, "Usage: /rename <new title>")
		return nil
	}
	updated, err := d.store.Mutate(before.ID, func(s *types.Session) error {
		s.Title = title
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrSessionUnknown) {
			return nil
		}
		return fmt.Errorf("rename session: %w", err)
	}
	if err := d.rec.SyncTitle(ctx, before, updated); err != nil {
		slog.Warn("rename thread failed", "session", before.ID, "error", err)
	}
	d.replyTo(ctx, msg, fmt.Sprintf("Renamed to %q.", title))
	return nil
}

// commandClear deletes the relay's recent messages in the thread, plus the
// /clear message itself. The pinned dashboard is not tracked and survives.
func (d *Daemon) commandClear(ctx context.Context, msg *telegram.Message) error {
	sess, ok := d.threadSession(msg)
	if !ok {
		d.replyTo(ctx, msg, "Use /clear inside a session's topic.")
		return nil
	}
	for _, mid := range sess.RecentMessageIDs {
		if err := d.client.DeleteMessage(ctx, sess.ChatID, mid); err != nil {
			slog.Debug("tracked message not deleted", "chat", sess.ChatID, "message", mid, "error", err)
		}
	}
	if err := d.client.DeleteMessage(ctx, msg.Chat.ID, msg.MessageID); err != nil {
		slog.Debug("command message not deleted", "error", err)
	}
	if _, err := d.store.Mutate(sess.ID, func(s *types.Session) error {
		s.RecentMessageIDs = nil
		s.LastMessageID = 0
		return nil
	}); err != nil && !errors.Is(err, types.ErrSessionUnknown) {
		return fmt.Errorf("clear tracked messages: %w", err)
	}
	return nil
}

func (d *Daemon) sessionListText(chatID int64) string {
	var b strings.Builder
	n := 0
	for _, s := range d.store.List() {
		if s.ChatID != chatID {
			continue
		}
		n++
		if s.ParentID != "" {
			b.WriteString("↳ ")
		}
		b.WriteString(statusEmoji(s.Status))
		b.WriteByte(' ')
		b.WriteString(s.AgentName)
		if s.Title != "" {
			b.WriteString(": ")
			b.WriteString(s.Title)
		}
		if qn := len(s.Queue); qn > 0 {
			fmt.Fprintf(&b, " (%d queued)", qn)
		}
		b.WriteByte('\n')
	}
	if n == 0 {
		return "No sessions in this chat."
	}
	return fmt.Sprintf("%d session(s):\n%s", n, b.String())
}

func statusEmoji(s types.SessionStatus) string {
	switch s {
	case types.StatusBusy:
		return "⏳"
	case types.StatusDisconnected:
		return "🔌"
	default:
		return "🟢"
	}
}

func (d *Daemon) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	parts := strings.Split(cb.Data, "|")
	switch {
	case len(parts) == 3 && parts[0] == "apr":
		return d.resolveApproval(ctx, cb, parts[1], parts[2] == "allow")
	case len(parts) == 3 && parts[0] == "opt":
		return d.resolvePrompt(ctx, cb, parts[1], parts[2])
	default:
		slog.Debug("unknown callback ignored", "data", cb.Data)
		d.answerCallback(ctx, cb.ID, "")
		return nil
	}
}

func (d *Daemon) resolveApproval(ctx context.Context, cb *telegram.CallbackQuery, reqID string, approved bool) error {
	sess, ok := d.findApproval(reqID)
	if !ok {
		d.answerCallback(ctx, cb.ID, "Request expired")
		return nil
	}
	if _, err := d.store.Mutate(sess.ID, func(s *types.Session) error {
		delete(s.Approvals, reqID)
		return nil
	}); err != nil && !errors.Is(err, types.ErrSessionUnknown) {
		return fmt.Errorf("clear approval: %w", err)
	}
	d.reg.Push(sess.ID, &ipc.Response{
		Type:      ipc.PushPermission,
		Success:   true,
		SessionID: string(sess.ID),
		RequestID: reqID,
		Approved:  &approved,
	})

	outcome, ack := "❌ Denied", "Denied"
	if approved {
		outcome, ack = "✅ Approved", "Approved"
	}
	if who := cb.From.DisplayName(); who != "" {
		outcome += " by " + who
	}
	d.finishPrompt(ctx, cb, sess.ChatID, outcome, ack)
	slog.Info("permission resolved", "session", sess.ID, "request", reqID, "approved", approved)
	return nil
}

func (d *Daemon) resolvePrompt(ctx context.Context, cb *telegram.CallbackQuery, reqID, idxStr string) error {
	sess, options, ok := d.findPrompt(reqID)
	if !ok {
		d.answerCallback(ctx, cb.ID, "Prompt expired")
		return nil
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(options) {
		slog.Warn("prompt option out of range", "request", reqID, "index", idxStr)
		d.answerCallback(ctx, cb.ID, "")
		return nil
	}
	if _, err := d.store.Mutate(sess.ID, func(s *types.Session) error {
		delete(s.Prompts, reqID)
		return nil
	}); err != nil && !errors.Is(err, types.ErrSessionUnknown) {
		return fmt.Errorf("clear prompt: %w", err)
	}
	option := options[idx]
	d.reg.Push(sess.ID, &ipc.Response{
		Type:        ipc.PushAskResponse,
		Success:     true,
		SessionID:   string(sess.ID),
		RequestID:   reqID,
		Option:      option,
		OptionIndex: &idx,
	})

	outcome := "☑️ " + option
	if who := cb.From.DisplayName(); who != "" {
		outcome = fmt.Sprintf("☑️ %s picked %s", who, option)
	}
	d.finishPrompt(ctx, cb, sess.ChatID, outcome, option)
	slog.Info("prompt resolved", "session", sess.ID, "request", reqID, "option", option)
	return nil
}

// finishPrompt rewrites the prompt message with its outcome, which also
// removes the buttons, and acknowledges the press so the client stops
// spinning.
func (d *Daemon) finishPrompt(ctx context.Context, cb *telegram.CallbackQuery, chatID int64, outcome, ack string) {
	if cb.Message != nil {
		text := cb.Message.Text
		if text != "" {
			text += "\n\n"
		}
		text += outcome
		if err := d.client.EditMessage(ctx, chatID, cb.Message.MessageID, text, nil); err != nil && !errors.Is(err, types.ErrNotModified) {
			slog.Debug("prompt edit failed", "message", cb.Message.MessageID, "error", err)
		}
	}
	d.answerCallback(ctx, cb.ID, ack)
}

func (d *Daemon) handleReaction(ctx context.Context, mr *telegram.MessageReaction) error {
	emoji := mr.AddedEmoji()
	if emoji == "" || mr.User == nil || mr.User.IsBot {
		return nil
	}
	sess, ok := d.store.ByTrackedMessage(mr.Chat.ID, mr.MessageID)
	if !ok {
		return nil
	}
	d.reg.Push(sess.ID, &ipc.Response{
		Type:      ipc.PushReaction,
		Success:   true,
		SessionID: string(sess.ID),
		MessageID: mr.MessageID,
		Emoji:     emoji,
		Sender:    mr.User.DisplayName(),
	})
	return nil
}

func (d *Daemon) threadSession(msg *telegram.Message) (*types.Session, bool) {
	if msg.MessageThreadID == 0 {
		return nil, false
	}
	return d.store.ByThread(msg.Chat.ID, msg.MessageThreadID)
}

func (d *Daemon) findApproval(reqID string) (*types.Session, bool) {
	for _, s := range d.store.List() {
		if _, ok := s.Approvals[reqID]; ok {
			return s, true
		}
	}
	return nil, false
}

func (d *Daemon) findPrompt(reqID string) (*types.Session, []string, bool) {
	for _, s := range d.store.List() {
		if opts, ok := s.Prompts[reqID]; ok {
			return s, opts, true
		}
	}
	return nil, nil, false
}

func (d *Daemon) replyTo(ctx context.Context, msg *telegram.Message, text string) {
	_, err := d.client.SendMessage(ctx, msg.Chat.ID, text, &types.SendOptions{
		ThreadID: msg.MessageThreadID,
		ReplyTo:  msg.MessageID,
		Plain:    true,
	})
	if err != nil {
		slog.Warn("command reply failed", "chat", msg.Chat.ID, "error", err)
	}
}

func (d *Daemon) answerCallback(ctx context.Context, id, text string) {
	if err := d.client.AnswerCallback(ctx, id, text); err != nil {
		slog.Debug("callback ack failed", "error", err)
	}
}

// stripMention removes a leading or trailing @botname so mentioning the bot
// reads as addressing it, not as content.
func stripMention(text, botUser string) string {
	t := strings.TrimSpace(text)
	if botUser == "" {
		return t
	}
	mention := "@" + strings.ToLower(botUser)
	if low := strings.ToLower(t); strings.HasPrefix(low, mention) {
		t = strings.TrimSpace(t[len(mention):])
	}
	if low := strings.ToLower(t); strings.HasSuffix(low, mention) {
		t = strings.TrimSpace(t[:len(t)-len(mention)])
	}
	return t
}

// splitCommand parses "/rename@relay_bot new title" into ("rename",
// "new title").
func splitCommand(text string) (cmd, args string) {
	rest := strings.TrimPrefix(text, "/")
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		cmd, args = rest[:i], strings.TrimSpace(rest[i+1:])
	} else {
		cmd = rest
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), args
}

// splitBang parses "!compact keep recent" into ("compact", "keep recent").
func splitBang(text string) (cmd, args string) {
	body := strings.TrimSpace(strings.TrimPrefix(text, "!"))
	if i := strings.IndexAny(body, " \t\n"); i >= 0 {
		return strings.ToLower(body[:i]), strings.TrimSpace(body[i+1:])
	}
	return strings.ToLower(body), ""
}

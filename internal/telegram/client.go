package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/user/threadrelay/internal/types"
)

// Client wraps the Bot API with a shared rate limiter, bounded retries, and
// the forum-topic and reaction methods the v5 wrapper predates. Those go
// through MakeRequest with raw params.
type Client struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	retry   *RetryPolicy
}

// New connects to the Bot API and validates the token.
func New(token string, ratePerSecond float64) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newClient(bot, ratePerSecond), nil
}

// NewWithEndpoint is like New but targets a custom API endpoint. Tests point
// this at a local fake server.
func NewWithEndpoint(token, endpoint string, ratePerSecond float64) (*Client, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newClient(bot, ratePerSecond), nil
}

func newClient(bot *tgbotapi.BotAPI, ratePerSecond float64) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		retry:   DefaultRetryPolicy(),
	}
}

// Username returns the bot's own username, used for mention stripping.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// call acquires a rate slot, runs one Bot API method with retries, and maps
// well-known rejections onto sentinel errors.
func (c *Client) call(ctx context.Context, method string, params tgbotapi.Params) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var result json.RawMessage
	err := c.retry.Execute(ctx, func() error {
		resp, err := c.bot.MakeRequest(method, params)
		if err != nil {
			return err
		}
		result = resp.Result
		return nil
	})
	if err != nil {
		return nil, classify(method, err)
	}
	return result, nil
}

// classify wraps Bot API rejections with the sentinels callers branch on.
func classify(method string, err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", method, err)
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "thread not found") || strings.Contains(msg, "topic_deleted"):
		return fmt.Errorf("%s: %w: %w", method, types.ErrThreadNotFound, err)
	case strings.Contains(msg, "message is not modified"):
		return fmt.Errorf("%s: %w: %w", method, types.ErrNotModified, err)
	case strings.Contains(msg, "can't parse entities"):
		return fmt.Errorf("%s: %w: %w", method, types.ErrParseFailed, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// SendMessage posts text to a chat, splitting at the API length limit. Parts
// go out as Markdown with a plain-text retry when entity parsing fails. The
// reply reference rides on the first part, buttons on the last. Returns the
// id of the last message sent.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *types.SendOptions) (int, error) {
	if opts == nil {
		opts = &types.SendOptions{}
	}
	parts := splitMessage(normalizeOutbound(text))
	var lastID int
	for i, part := range parts {
		params := tgbotapi.Params{}
		params.AddNonZero64("chat_id", chatID)
		params["text"] = part
		params.AddNonZero("message_thread_id", opts.ThreadID)
		if i == 0 {
			params.AddNonZero("reply_to_message_id", opts.ReplyTo)
		}
		if i == len(parts)-1 && len(opts.Buttons) > 0 {
			if err := params.AddInterface("reply_markup", keyboard(opts.Buttons)); err != nil {
				return 0, fmt.Errorf("encode keyboard: %w", err)
			}
		}
		if !opts.Plain {
			params["parse_mode"] = "Markdown"
		}

		msg, err := c.sendOnce(ctx, params)
		if err != nil && errors.Is(err, types.ErrParseFailed) {
			// Retry without markdown if it fails
			delete(params, "parse_mode")
			msg, err = c.sendOnce(ctx, params)
		}
		if err != nil {
			return 0, err
		}
		lastID = msg.MessageID
	}
	return lastID, nil
}

func (c *Client) sendOnce(ctx context.Context, params tgbotapi.Params) (*Message, error) {
	raw, err := c.call(ctx, "sendMessage", params)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	return &msg, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string, buttons [][]types.Button) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params["text"] = text
	params["parse_mode"] = "Markdown"
	if len(buttons) > 0 {
		if err := params.AddInterface("reply_markup", keyboard(buttons)); err != nil {
			return fmt.Errorf("encode keyboard: %w", err)
		}
	}
	_, err := c.call(ctx, "editMessageText", params)
	if err != nil && errors.Is(err, types.ErrParseFailed) {
		delete(params, "parse_mode")
		_, err = c.call(ctx, "editMessageText", params)
	}
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	_, err := c.call(ctx, "deleteMessage", params)
	return err
}

// CreateTopic creates a forum topic and returns its thread id.
func (c *Client) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params["name"] = truncateTopicName(name)
	raw, err := c.call(ctx, "createForumTopic", params)
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return 0, fmt.Errorf("decode forum topic: %w", err)
	}
	if topic.MessageThreadID == 0 {
		return 0, fmt.Errorf("createForumTopic returned no thread id")
	}
	return topic.MessageThreadID, nil
}

func (c *Client) EditTopic(ctx context.Context, chatID int64, threadID int, name string) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", threadID)
	params["name"] = truncateTopicName(name)
	_, err := c.call(ctx, "editForumTopic", params)
	return err
}

func (c *Client) DeleteTopic(ctx context.Context, chatID int64, threadID int) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", threadID)
	_, err := c.call(ctx, "deleteForumTopic", params)
	return err
}

// SetReaction replaces the bot's reaction on a message. An empty emoji
// clears it.
func (c *Client) SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	if emoji != "" {
		if err := params.AddInterface("reaction", []ReactionType{{Type: "emoji", Emoji: emoji}}); err != nil {
			return fmt.Errorf("encode reaction: %w", err)
		}
	}
	_, err := c.call(ctx, "setMessageReaction", params)
	return err
}

func (c *Client) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params.AddBool("disable_notification", true)
	_, err := c.call(ctx, "pinChatMessage", params)
	return err
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := tgbotapi.Params{}
	params["callback_query_id"] = callbackID
	params.AddNonEmpty("text", text)
	_, err := c.call(ctx, "answerCallbackQuery", params)
	return err
}

// SendTyping shows the typing indicator. Indicators are droppable: when the
// rate budget is tight the call is skipped rather than queued behind real
// messages.
func (c *Client) SendTyping(ctx context.Context, chatID int64, threadID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return nil
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", threadID)
	params["action"] = "typing"
	if _, err := c.bot.MakeRequest("sendChatAction", params); err != nil {
		return classify("sendChatAction", err)
	}
	return nil
}

// CheckChat verifies the bot can see the given chat.
func (c *Client) CheckChat(ctx context.Context, chatID int64) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	_, err := c.call(ctx, "getChat", params)
	return err
}

// SetCommands publishes the bot's slash-command menu.
func (c *Client) SetCommands(ctx context.Context, commands []tgbotapi.BotCommand) error {
	params := tgbotapi.Params{}
	if err := params.AddInterface("commands", commands); err != nil {
		return fmt.Errorf("encode commands: %w", err)
	}
	_, err := c.call(ctx, "setMyCommands", params)
	return err
}

// PublishDefaultCommands registers the chat commands the relay understands.
func (c *Client) PublishDefaultCommands(ctx context.Context) error {
	return c.SetCommands(ctx, []tgbotapi.BotCommand{
		{Command: "sessions", Description: "List sessions in this chat"},
		{Command: "cleanup", Description: "Sweep stale disconnected sessions"},
		{Command: "rename", Description: "Rename the session in this thread"},
		{Command: "clear", Description: "Delete the relay's recent messages here"},
		{Command: "stop", Description: "Interrupt the agent in this thread"},
		{Command: "broadcast", Description: "Send a message to every connected session"},
		{Command: "help", Description: "Show usage help"},
	})
}

func keyboard(rows [][]types.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		out = append(out, btns)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

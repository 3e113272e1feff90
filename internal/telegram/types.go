package telegram

// Wire types for inbound updates. The v5 library predates forum topics and
// message reactions, so the poller decodes into these instead of the
// library's update structs.

type Update struct {
	UpdateID        int              `json:"update_id"`
	Message         *Message         `json:"message"`
	EditedMessage   *Message         `json:"edited_message"`
	CallbackQuery   *CallbackQuery   `json:"callback_query"`
	MessageReaction *MessageReaction `json:"message_reaction"`
}

type Message struct {
	MessageID       int      `json:"message_id"`
	From            *User    `json:"from"`
	Chat            *Chat    `json:"chat"`
	Date            int64    `json:"date"`
	Text            string   `json:"text"`
	Caption         string   `json:"caption"`
	MessageThreadID int      `json:"message_thread_id"`
	IsTopicMessage  bool     `json:"is_topic_message"`
	ReplyToMessage  *Message `json:"reply_to_message"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// DisplayName prefers the human-readable first name over the handle.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

type MessageReaction struct {
	Chat        *Chat          `json:"chat"`
	MessageID   int            `json:"message_id"`
	User        *User          `json:"user"`
	Date        int64          `json:"date"`
	OldReaction []ReactionType `json:"old_reaction"`
	NewReaction []ReactionType `json:"new_reaction"`
}

type ReactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// AddedEmoji returns the first emoji present in the new reaction set, or ""
// when the update only removed reactions.
func (r *MessageReaction) AddedEmoji() string {
	for _, rt := range r.NewReaction {
		if rt.Emoji != "" {
			return rt.Emoji
		}
	}
	return ""
}

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	pollBackoffMin = 1 * time.Second
	pollBackoffMax = 30 * time.Second
)

// UpdateHandler processes one inbound update. An error means the update was
// not consumed and must be redelivered.
type UpdateHandler func(ctx context.Context, u *Update) error

// Poller long-polls getUpdates and feeds each update to the handler. The
// offset advances only after the handler returns nil, so a crash or handler
// failure redelivers unprocessed updates instead of dropping them. Poll
// failures back off exponentially, independent of outbound retry budgets.
type Poller struct {
	client  *Client
	timeout int
	handler UpdateHandler
	offset  int
}

func NewPoller(client *Client, timeout int, handler UpdateHandler) *Poller {
	if timeout <= 0 || timeout > 50 {
		timeout = 50
	}
	return &Poller{client: client, timeout: timeout, handler: handler}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	backoff := pollBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("poll updates failed", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > pollBackoffMax {
				backoff = pollBackoffMax
			}
			continue
		}
		backoff = pollBackoffMin

		for _, u := range updates {
			if err := p.handler(ctx, u); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("update handler failed, will redeliver", "update_id", u.UpdateID, "error", err)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > pollBackoffMax {
					backoff = pollBackoffMax
				}
				break
			}
			p.offset = u.UpdateID + 1
			backoff = pollBackoffMin
		}
	}
}

// fetch issues one long-poll getUpdates call. It bypasses the client's rate
// limiter: there is only ever one outstanding poll and it must not compete
// with outbound sends.
func (p *Poller) fetch(ctx context.Context) ([]*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := tgbotapi.Params{}
	params.AddNonZero("offset", p.offset)
	params.AddNonZero("timeout", p.timeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query", "message_reaction"}); err != nil {
		return nil, fmt.Errorf("encode allowed_updates: %w", err)
	}

	resp, err := p.client.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []*Update
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

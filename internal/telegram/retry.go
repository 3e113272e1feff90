package telegram

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// RetryPolicy controls how failed API calls are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 2x multiplier, 30s max delay. Flood-control
// waits directed by the server are honored up to 5 minutes; anything longer
// fails fast instead of stalling the relay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		Multiplier:    2.0,
		MaxDelay:      30 * time.Second,
		MaxRetryAfter: 5 * time.Minute,
	}
}

// isRetryable classifies errors as retryable or permanent. Flood control
// (429) and server-side failures are retryable; other API rejections are
// permanent. Transport errors default to retryable.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return true
		}
		return apiErr.Code >= 500
	}
	return true
}

// retryAfter extracts the server-directed wait from a flood-control error.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries. A
// server-directed flood wait replaces the computed backoff for that attempt;
// a wait beyond MaxRetryAfter aborts immediately since the bot is
// effectively banned for the relay's purposes. Returns nil on success or the
// last error if all attempts fail or the error is permanent.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.isRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.NextDelay(attempt)
		if ra, ok := retryAfter(err); ok {
			if ra > p.MaxRetryAfter {
				return fmt.Errorf("flood wait %s exceeds %s ceiling: %w", ra, p.MaxRetryAfter, err)
			}
			delay = ra
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

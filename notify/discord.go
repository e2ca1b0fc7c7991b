package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"nextcloud-notifier/pkg/notifier"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// RateLimitError indicates the webhook asked us to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("HTTP 429 Too Many Requests (retry after %v)", e.RetryAfter)
}

// IsRateLimited checks if an error is a webhook rate limit.
func IsRateLimited(err error) bool {
	var limited *RateLimitError
	return errors.As(err, &limited)
}

// Discord posts events as embeds to a Discord webhook, one message per batch.
type Discord struct {
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	webhookURL string
	attempts   uint
}

// NewDiscord creates a Discord sink sending at most ratePerSec messages per second.
func NewDiscord(client *http.Client, webhookURL string, ratePerSec float64, logger *slog.Logger) *Discord {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Discord{
		client:     client,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		webhookURL: webhookURL,
		attempts:   3,
	}
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Author      discordAuthor    `json:"author"`
	Title       string           `json:"title"`
	URL         string           `json:"url,omitempty"`
	Description string           `json:"description"`
	Timestamp   string           `json:"timestamp,omitempty"`
	Fields      []notifier.Field `json:"fields,omitempty"`
	Color       int              `json:"color"`
}

type discordAuthor struct {
	Name string `json:"name"`
}

func embedFor(ev *notifier.Event) discordEmbed {
	e := discordEmbed{
		Author:      discordAuthor{Name: ev.User},
		Title:       ev.FileName(),
		URL:         ev.FileURL,
		Description: Describe(ev, MarkdownLink),
		Fields:      ev.Fields,
		Color:       Color(ev.Action),
	}
	if !ev.CreatedAt.IsZero() {
		e.Timestamp = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	return e
}

// Send posts one webhook message carrying an embed per event.
func (d *Discord) Send(ctx context.Context, events []*notifier.Event) error {
	if len(events) == 0 {
		return nil
	}

	msg := discordMessage{Embeds: make([]discordEmbed, 0, len(events))}
	for _, ev := range events {
		msg.Embeds = append(msg.Embeds, embedFor(ev))
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}

	err = retry.Do(
		func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			return d.post(ctx, body, len(events))
		},
		retry.Attempts(d.attempts),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying webhook after rate limit", "attempt", n, "error", err)
		}),
		retry.RetryIf(IsRateLimited),
	)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func (d *Discord) post(ctx context.Context, body []byte, count int) error {
	d.logger.Info("Discord webhook request starting", "method", "POST", "embeds", count)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		d.logger.Warn("Discord webhook request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		after := retryAfter(resp)
		d.logger.Warn("Discord webhook rate limited", "retry_after", after.String())
		// Wait out the server's window here; retry's own delay only adds jitter.
		timer := time.NewTimer(after)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		return &RateLimitError{RetryAfter: after}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("Discord webhook returned non-2xx status",
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	d.logger.Info("Discord webhook request completed",
		"embeds", count,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return nil
}

// retryAfter reads Discord's retry_after (seconds, fractional) from the body,
// falling back to the Retry-After header and then one second.
func retryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}

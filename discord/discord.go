package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"repowatch/pkg/watch"
)

// DefaultAPIBase is the Discord REST endpoint.
const DefaultAPIBase = "https://discord.com/api/v10"

// DiscordProvider posts messages through the Discord REST API with a bot token.
type DiscordProvider struct {
	client   *http.Client
	logger   *slog.Logger
	token    string
	apiBase  string
	attempts uint
}

// NewDiscordProvider creates a provider. An empty apiBase uses DefaultAPIBase.
func NewDiscordProvider(token, apiBase string, logger *slog.Logger) *DiscordProvider {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &DiscordProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		token:    token,
		apiBase:  strings.TrimSuffix(apiBase, "/"),
		attempts: 3,
	}
}

// Send posts msg to channel, retrying rate limits and server errors.
func (d *DiscordProvider) Send(ctx context.Context, channel watch.ChannelID, msg *Message) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/channels/%s/messages", d.apiBase, channel)

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bot "+d.token)
			req.Header.Set("User-Agent", "DiscordBot (https://github.com/repowatch, 1.0)")

			resp, err := d.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				d.logger.Warn("Discord API request failed, will retry",
					"channel_id", channel,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(&ForbiddenError{Channel: channel, StatusCode: resp.StatusCode})
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				d.logger.Warn("Discord API returned retryable status",
					"status_code", resp.StatusCode,
					"channel_id", channel,
					"retry_after", resp.Header.Get("Retry-After"))
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			d.logger.Debug("Discord API request completed",
				"channel_id", channel,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(d.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying Discord message after error", "attempt", n, "channel_id", channel, "error", err)
		}),
	)
}

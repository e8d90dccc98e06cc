package discord

import (
	"context"
	"log/slog"

	"repowatch/pkg/watch"
)

// MockProvider logs messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of posting it.
func (m *MockProvider) Send(ctx context.Context, channel watch.ChannelID, msg *Message) error {
	title := ""
	if len(msg.Embeds) > 0 {
		title = msg.Embeds[0].Title + ": " + msg.Embeds[0].Description
	}
	m.logger.Info("MOCK DISCORD MESSAGE",
		"channel_id", channel,
		"content", msg.Content,
		"embed", title)
	return nil
}

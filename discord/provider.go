// Package discord delivers watch notifications to Discord channels.
package discord

import (
	"context"
	"errors"
	"fmt"

	"repowatch/pkg/watch"
)

// Provider posts a message to a channel.
type Provider interface {
	Send(ctx context.Context, channel watch.ChannelID, msg *Message) error
}

// Message is the subset of Discord's create-message payload the bot uses.
type Message struct {
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
	Content         string           `json:"content,omitempty"`
	Embeds          []*Embed         `json:"embeds,omitempty"`
}

// AllowedMentions restricts which mentions in a message ping anyone.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// Embed is a rich message card.
type Embed struct {
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	URL         string        `json:"url,omitempty"`
	Timestamp   string        `json:"timestamp,omitempty"`
	Fields      []*EmbedField `json:"fields,omitempty"`
	Color       int           `json:"color,omitempty"`
}

// EmbedField is one name/value row in an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// ForbiddenError indicates the bot cannot post to the channel, either because
// it lacks permission or the channel does not exist.
type ForbiddenError struct {
	Channel    watch.ChannelID
	StatusCode int
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("cannot post to channel %s (HTTP %d)", e.Channel, e.StatusCode)
}

// IsForbidden reports whether err is (or wraps) a ForbiddenError.
func IsForbidden(err error) bool {
	var forbidden *ForbiddenError
	return errors.As(err, &forbidden)
}

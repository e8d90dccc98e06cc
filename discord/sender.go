package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"repowatch/pkg/watch"
)

const (
	colorIssue       = 0x2ecc71
	colorPullRequest = 0x3498db

	// Discord rejects embed field values longer than this.
	maxFieldRunes = 1024
)

// Sender formats watch events and hands them to a Provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a sender using provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Notify announces a new item. watchedLabels is the subscription's filter;
// item labels that match it are highlighted.
func (s *Sender) Notify(ctx context.Context, channel watch.ChannelID, repo string, item *watch.Item, watchedLabels []string) error {
	msg := &Message{
		Embeds:          []*Embed{itemEmbed(repo, item, watchedLabels)},
		AllowedMentions: &AllowedMentions{Parse: []string{}},
	}

	s.logger.Info("Sending notification",
		"channel_id", channel,
		"repo", repo,
		"number", item.Number,
		"kind", item.Kind.String())

	if err := s.provider.Send(ctx, channel, msg); err != nil {
		return fmt.Errorf("send notification for %s: %w", item.ID(repo), err)
	}
	return nil
}

// NotifyRemoved tells a channel that repo disappeared and is no longer watched.
func (s *Sender) NotifyRemoved(ctx context.Context, channel watch.ChannelID, repo string) error {
	msg := &Message{
		Content: fmt.Sprintf(":warning: Repository `%s` could not be found. It may have been deleted or renamed. Removing from watch list.", repo),
	}
	s.logger.Info("Sending removal notice", "channel_id", channel, "repo", repo)
	if err := s.provider.Send(ctx, channel, msg); err != nil {
		return fmt.Errorf("send removal notice for %s: %w", repo, err)
	}
	return nil
}

func itemEmbed(repo string, item *watch.Item, watchedLabels []string) *Embed {
	title, color, numberField := "New Issue", colorIssue, "Issue Number"
	if item.Kind == watch.KindPullRequest {
		title, color, numberField = "New Pull Request", colorPullRequest, "PR Number"
	}

	e := &Embed{
		Title:       title,
		Description: item.Title,
		URL:         item.URL,
		Color:       color,
		Fields: []*EmbedField{
			{Name: "Repository", Value: "`" + repo + "`"},
			{Name: numberField, Value: fmt.Sprintf("#%d", item.Number), Inline: true},
			{Name: "Created By", Value: authorLink(item), Inline: true},
		},
	}
	if !item.CreatedAt.IsZero() {
		e.Timestamp = item.CreatedAt.UTC().Format(time.RFC3339)
	}
	if labels := formatLabels(item.Labels, watchedLabels); labels != "" {
		e.Fields = append(e.Fields, &EmbedField{Name: "Labels", Value: labels})
	}
	if summary := excerpt(item.Body); summary != "" {
		e.Fields = append(e.Fields, &EmbedField{Name: "Summary", Value: summary})
	}
	return e
}

func authorLink(item *watch.Item) string {
	if item.AuthorURL == "" {
		return item.Author
	}
	return fmt.Sprintf("[%s](%s)", item.Author, item.AuthorURL)
}

// formatLabels renders item labels as code spans, starring the ones the
// subscription filters on.
func formatLabels(itemLabels, watchedLabels []string) string {
	if len(itemLabels) == 0 {
		return ""
	}
	matched := make(map[string]bool)
	for _, l := range watch.MatchLabels(watchedLabels, itemLabels) {
		matched[l] = true
	}

	parts := make([]string, 0, len(itemLabels))
	for _, name := range itemLabels {
		if matched[name] {
			parts = append(parts, "**`"+name+"`** :star:")
		} else {
			parts = append(parts, "`"+name+"`")
		}
	}
	return fitField(parts)
}

// fitField joins parts, dropping trailing ones until the result fits in a
// single embed field.
func fitField(parts []string) string {
	out := strings.Join(parts, ", ")
	for len(parts) > 1 && utf8.RuneCountInString(out) > maxFieldRunes {
		parts = parts[:len(parts)-1]
		out = strings.Join(parts, ", ") + ", …"
	}
	if utf8.RuneCountInString(out) > maxFieldRunes {
		out = string([]rune(out)[:maxFieldRunes-1]) + "…"
	}
	return out
}

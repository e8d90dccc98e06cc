package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"repowatch/pkg/watch"
)

type recordingProvider struct {
	err      error
	channels []watch.ChannelID
	messages []*Message
}

func (r *recordingProvider) Send(_ context.Context, channel watch.ChannelID, msg *Message) error {
	r.channels = append(r.channels, channel)
	r.messages = append(r.messages, msg)
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func field(e *Embed, name string) *EmbedField {
	for _, f := range e.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func TestNotifyIssueEmbed(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, testLogger())
	item := &watch.Item{
		Number:    42,
		Kind:      watch.KindIssue,
		Title:     "Crash on start",
		URL:       "https://github.com/octo/demo/issues/42",
		Author:    "ana",
		AuthorURL: "https://github.com/ana",
		CreatedAt: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
		Labels:    []string{"Bug", "ui"},
	}

	if err := s.Notify(context.Background(), "123", "octo/demo", item, []string{"bug"}); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if len(p.messages) != 1 || p.channels[0] != "123" {
		t.Fatalf("sent %d messages to %v, want 1 to 123", len(p.messages), p.channels)
	}

	e := p.messages[0].Embeds[0]
	if e.Title != "New Issue" || e.Color != colorIssue {
		t.Errorf("embed title/color = %q/%#x, want New Issue/%#x", e.Title, e.Color, colorIssue)
	}
	if e.Description != "Crash on start" || e.URL != item.URL {
		t.Errorf("embed description/url = %q/%q", e.Description, e.URL)
	}
	if e.Timestamp != "2024-02-01T12:00:00Z" {
		t.Errorf("embed timestamp = %q", e.Timestamp)
	}

	tests := []struct {
		name string
		want string
	}{
		{name: "Repository", want: "`octo/demo`"},
		{name: "Issue Number", want: "#42"},
		{name: "Created By", want: "[ana](https://github.com/ana)"},
		{name: "Labels", want: "**`Bug`** :star:, `ui`"},
	}
	for _, tt := range tests {
		f := field(e, tt.name)
		if f == nil {
			t.Errorf("missing field %q", tt.name)
			continue
		}
		if f.Value != tt.want {
			t.Errorf("field %q = %q, want %q", tt.name, f.Value, tt.want)
		}
	}
	if field(e, "Summary") != nil {
		t.Error("Summary field present for an empty body")
	}
}

func TestNotifyPullRequestEmbed(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, testLogger())
	item := &watch.Item{Number: 8, Kind: watch.KindPullRequest, Title: "Fix crash", Author: "bo"}

	if err := s.Notify(context.Background(), "1", "octo/demo", item, nil); err != nil {
		t.Fatal(err)
	}
	e := p.messages[0].Embeds[0]
	if e.Title != "New Pull Request" || e.Color != colorPullRequest {
		t.Errorf("embed title/color = %q/%#x", e.Title, e.Color)
	}
	if f := field(e, "PR Number"); f == nil || f.Value != "#8" {
		t.Errorf("PR Number field = %+v", f)
	}
	if f := field(e, "Created By"); f == nil || f.Value != "bo" {
		t.Errorf("Created By field = %+v, want plain login without profile URL", f)
	}
	if field(e, "Labels") != nil {
		t.Error("Labels field present for an unlabelled item")
	}
}

func TestFormatLabels(t *testing.T) {
	tests := []struct {
		name    string
		labels  []string
		watched []string
		want    string
	}{
		{name: "no labels", want: ""},
		{name: "no filter", labels: []string{"bug", "ui"}, want: "`bug`, `ui`"},
		{name: "filter highlights", labels: []string{"bug", "ui"}, watched: []string{"UI"}, want: "`bug`, **`ui`** :star:"},
		{name: "filter without hits", labels: []string{"bug"}, watched: []string{"docs"}, want: "`bug`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatLabels(tt.labels, tt.watched); got != tt.want {
				t.Errorf("formatLabels() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatLabelsFitsEmbedField(t *testing.T) {
	var labels []string
	for i := range 100 {
		labels = append(labels, fmt.Sprintf("area/component-%03d", i))
	}
	got := formatLabels(labels, []string{"area/component-000"})
	if n := utf8.RuneCountInString(got); n > maxFieldRunes {
		t.Fatalf("formatLabels() is %d runes, want at most %d", n, maxFieldRunes)
	}
	if !strings.HasPrefix(got, "**`area/component-000`** :star:, `area/component-001`") {
		t.Errorf("formatLabels() = %q, want leading labels kept", got)
	}
	if !strings.HasSuffix(got, ", …") {
		t.Errorf("formatLabels() = %q, want an ellipsis for dropped labels", got)
	}

	huge := strings.Repeat("x", 2000)
	if n := utf8.RuneCountInString(formatLabels([]string{huge}, nil)); n > maxFieldRunes {
		t.Errorf("formatLabels(single huge label) is %d runes, want at most %d", n, maxFieldRunes)
	}
}

func TestNotifyRemoved(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, testLogger())
	if err := s.NotifyRemoved(context.Background(), "9", "gone/repo"); err != nil {
		t.Fatal(err)
	}
	want := ":warning: Repository `gone/repo` could not be found. It may have been deleted or renamed. Removing from watch list."
	if got := p.messages[0].Content; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestNotifyPropagatesProviderError(t *testing.T) {
	p := &recordingProvider{err: &ForbiddenError{Channel: "1", StatusCode: 403}}
	s := New(p, testLogger())
	err := s.Notify(context.Background(), "1", "a/b", &watch.Item{Number: 1}, nil)
	if !IsForbidden(err) {
		t.Errorf("Notify() error = %v, want ForbiddenError", err)
	}
	if !strings.Contains(err.Error(), "a/b#1") {
		t.Errorf("error %q should name the item", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("error should wrap the provider error")
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "empty", body: "  \n", want: ""},
		{name: "plain", body: "Steps to reproduce", want: "Steps to reproduce"},
		{name: "markdown", body: "## Bug\n\nIt **crashes** when [clicking](https://x.test) save.", want: "Bug It crashes when clicking save."},
		{name: "drops code and images", body: "Intro\n\n```go\npanic(1)\n```\n\n![shot](a.png) done", want: "Intro done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := excerpt(tt.body); got != tt.want {
				t.Errorf("excerpt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExcerptTruncates(t *testing.T) {
	got := excerpt(strings.Repeat("é", 500))
	if n := len([]rune(got)); n != maxExcerptRunes {
		t.Errorf("excerpt length = %d runes, want %d", n, maxExcerptRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated excerpt %q should end with an ellipsis", got)
	}
}

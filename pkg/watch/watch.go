// Package watch contains the core domain types for the repository watch service.
package watch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LegacyLabel is the label implied by subscriptions written before labels were configurable.
const LegacyLabel = "good first issue"

var (
	ownerRegex = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
	nameRegex  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
)

// WatchType selects which kinds of items a subscription reports.
type WatchType string

const (
	Issues       WatchType = "issues"
	PullRequests WatchType = "pull_requests"
	Both         WatchType = "both"
)

// ParseWatchType accepts canonical names and the short forms users type in chat.
// An empty string means Issues.
func ParseWatchType(s string) (WatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "issues", "issue":
		return Issues, nil
	case "pull_requests", "prs", "pr", "pulls":
		return PullRequests, nil
	case "both", "all":
		return Both, nil
	default:
		return "", fmt.Errorf("unknown watch type %q (want issues, prs or all)", s)
	}
}

// Accepts reports whether an item of kind k passes this filter.
func (w WatchType) Accepts(k Kind) bool {
	switch w {
	case PullRequests:
		return k == KindPullRequest
	case Both:
		return true
	default:
		return k == KindIssue
	}
}

// Describe returns a human-readable name for log lines and listings.
func (w WatchType) Describe() string {
	switch w {
	case PullRequests:
		return "pull requests"
	case Both:
		return "issues and pull requests"
	default:
		return "issues"
	}
}

// Kind tags a remote item as an issue or a pull request.
type Kind int

const (
	KindIssue Kind = iota
	KindPullRequest
)

func (k Kind) String() string {
	if k == KindPullRequest {
		return "pull_request"
	}
	return "issue"
}

// ChannelID is an opaque chat destination. Numeric ids (Discord snowflakes)
// round-trip as bare JSON numbers so documents stay compatible with older files.
type ChannelID string

// IsSnowflake reports whether c is a canonical unsigned 64-bit decimal id,
// the form Discord uses for channels.
func (c ChannelID) IsSnowflake() bool {
	v, err := strconv.ParseUint(string(c), 10, 64)
	return err == nil && strconv.FormatUint(v, 10) == string(c)
}

// MarshalJSON writes snowflakes as numbers and anything else as a string.
// Zero-padded or oversized digit runs stay quoted; they are not valid JSON numbers.
func (c ChannelID) MarshalJSON() ([]byte, error) {
	if c.IsSnowflake() {
		return []byte(c), nil
	}
	return []byte(strconv.Quote(string(c))), nil
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*c = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		v, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("channel id: %w", err)
		}
		*c = ChannelID(v)
		return nil
	}
	if !isDigits(s) {
		return fmt.Errorf("channel id: unsupported value %s", s)
	}
	*c = ChannelID(s)
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Subscription is the watch configuration for one repository.
type Subscription struct {
	WatchSince time.Time // Lower bound for item creation; zero when unknown
	Repository string    // owner/name
	ChannelID  ChannelID // Where notifications go
	WatchType  WatchType
	Labels     []string // Filter labels, original casing; empty matches everything
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Labels = append([]string(nil), s.Labels...)
	return &c
}

// HasCheckpoint reports whether WatchSince can be trusted as a lower bound.
func (s *Subscription) HasCheckpoint() bool {
	return !s.WatchSince.IsZero()
}

// MatchesLabels reports whether an item carrying itemLabels passes the filter.
// Every filter label must be present (case-insensitive), mirroring the remote
// query's conjunctive label semantics.
func (s *Subscription) MatchesLabels(itemLabels []string) bool {
	if len(s.Labels) == 0 {
		return true
	}
	have := make(map[string]bool, len(itemLabels))
	for _, l := range itemLabels {
		have[strings.ToLower(l)] = true
	}
	for _, want := range s.Labels {
		if !have[strings.ToLower(want)] {
			return false
		}
	}
	return true
}

// MatchedLabels returns the item labels that hit the filter, in item order.
func (s *Subscription) MatchedLabels(itemLabels []string) []string {
	return MatchLabels(s.Labels, itemLabels)
}

// MatchLabels returns the entries of itemLabels that appear in filter, ignoring case.
func MatchLabels(filter, itemLabels []string) []string {
	if len(filter) == 0 {
		return nil
	}
	want := make(map[string]bool, len(filter))
	for _, l := range filter {
		want[strings.ToLower(l)] = true
	}
	var matched []string
	for _, l := range itemLabels {
		if want[strings.ToLower(l)] {
			matched = append(matched, l)
		}
	}
	return matched
}

// Item is one open issue or pull request returned by the remote source.
type Item struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Title     string
	URL       string
	Author    string
	AuthorURL string
	Body      string // Markdown as authored
	Labels    []string
	Number    int
	Kind      Kind
}

// ID returns the novelty identifier for this item within repo.
func (i *Item) ID(repo string) string {
	return ItemID(repo, i.Number)
}

// ItemID formats the global novelty identifier "owner/name#number".
func ItemID(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}

// Query carries the per-subscription filters sent to the remote source.
type Query struct {
	Since  time.Time // Zero means unbounded
	Labels []string
}

// HasSince reports whether the query carries an update-time bound.
func (q Query) HasSince() bool {
	return !q.Since.IsZero()
}

// Document is the complete persisted state: subscriptions plus the novelty set.
type Document struct {
	Subscriptions map[string]*Subscription // Keyed by repository
	Notified      []string                 // Already-notified item ids
	Revision      uint64                   // State revision the snapshot was taken at; zero when unknown
}

// ValidateRepository checks that name has the owner/name shape.
func ValidateRepository(name string) error {
	if name == "" {
		return errors.New("repository name is empty")
	}
	parts := strings.Split(name, "/")
	if len(parts) != 2 {
		return fmt.Errorf("invalid repository %q: use owner/repo (e.g. microsoft/vscode)", name)
	}
	if !ownerRegex.MatchString(parts[0]) {
		return fmt.Errorf("invalid repository owner %q", parts[0])
	}
	if !nameRegex.MatchString(parts[1]) || parts[1] == "." || parts[1] == ".." {
		return fmt.Errorf("invalid repository name %q", parts[1])
	}
	return nil
}

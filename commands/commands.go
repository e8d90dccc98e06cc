// Package commands implements the watch, unwatch and list operations exposed
// to chat front-ends.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"repowatch/pkg/watch"
	"repowatch/state"
)

// ValidationError is a user mistake: bad input or a repository or label that
// does not exist. State is unchanged when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Remote verifies repositories and labels upstream.
type Remote interface {
	RepositoryExists(ctx context.Context, repo string) (bool, error)
	ListLabels(ctx context.Context, repo string) ([]string, error)
}

// Store persists the state document.
type Store interface {
	Save(ctx context.Context, doc watch.Document) error
}

// Config wires a Service.
type Config struct {
	State  *state.State
	Store  Store
	Remote Remote
	Logger *slog.Logger
	Now    func() time.Time
}

// Service runs commands against the shared state.
type Service struct {
	state  *state.State
	store  Store
	remote Remote
	logger *slog.Logger
	now    func() time.Time
}

// New creates a command service.
func New(cfg Config) *Service {
	s := &Service{
		state:  cfg.State,
		store:  cfg.Store,
		remote: cfg.Remote,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// WatchRequest is the input to Watch.
type WatchRequest struct {
	Repository string
	Type       string // issues, prs or all; empty means issues
	ChannelID  watch.ChannelID
	Labels     []string
}

// Watch creates or replaces the subscription for a repository. The
// repository and every label are checked upstream first. Only items created
// from now on are announced.
func (s *Service) Watch(ctx context.Context, req WatchRequest) (*watch.Subscription, error) {
	repo := strings.TrimSpace(req.Repository)
	if err := watch.ValidateRepository(repo); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if req.ChannelID == "" {
		return nil, invalid("channel is required")
	}
	if !req.ChannelID.IsSnowflake() {
		return nil, invalid("channel id %q is not a Discord channel id", string(req.ChannelID))
	}
	watchType, err := watch.ParseWatchType(req.Type)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	labels := dedupeLabels(req.Labels)

	exists, err := s.remote.RepositoryExists(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("verify repository %s: %w", repo, err)
	}
	if !exists {
		return nil, invalid("repository `%s` not found, check the spelling", repo)
	}

	if len(labels) > 0 {
		if err := s.checkLabels(ctx, repo, labels); err != nil {
			return nil, err
		}
	}

	sub := &watch.Subscription{
		Repository: repo,
		ChannelID:  req.ChannelID,
		WatchType:  watchType,
		Labels:     labels,
		WatchSince: s.now().UTC(),
	}
	s.state.Put(sub)

	s.logger.Info("Repository watched",
		"repo", repo,
		"channel_id", req.ChannelID,
		"watch_type", watchType,
		"labels", labels)
	s.save(ctx)
	return sub.Clone(), nil
}

// Unwatch removes the subscription for repo and reports whether one existed.
func (s *Service) Unwatch(ctx context.Context, repo string) (bool, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return false, invalid("repository is required")
	}
	if !s.state.Delete(repo) {
		return false, nil
	}
	s.logger.Info("Repository unwatched", "repo", repo)
	s.save(ctx)
	return true, nil
}

// List returns the subscriptions whose channel is in scope, ordered by
// repository. A nil scope matches every channel.
func (s *Service) List(scope func(watch.ChannelID) bool) []*watch.Subscription {
	all := s.state.Subscriptions()
	if scope == nil {
		return all
	}
	var out []*watch.Subscription
	for _, sub := range all {
		if scope(sub.ChannelID) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Service) checkLabels(ctx context.Context, repo string, labels []string) error {
	existing, err := s.remote.ListLabels(ctx, repo)
	if err != nil {
		return fmt.Errorf("list labels for %s: %w", repo, err)
	}
	known := make(map[string]bool, len(existing))
	for _, l := range existing {
		known[strings.ToLower(l)] = true
	}

	var missing []string
	for _, l := range labels {
		if !known[strings.ToLower(l)] {
			missing = append(missing, "`"+l+"`")
		}
	}
	if len(missing) > 0 {
		return invalid("repository `%s` found, but the following labels do not exist: %s", repo, strings.Join(missing, ", "))
	}
	return nil
}

// save persists the current state. Failures are logged; the in-memory state
// stays authoritative and the next save catches up.
func (s *Service) save(ctx context.Context) {
	if err := s.store.Save(ctx, s.state.Snapshot()); err != nil {
		s.logger.Error("Failed to persist state after command", "error", err)
	}
}

// dedupeLabels trims labels and drops case-insensitive duplicates, keeping
// the first spelling.
func dedupeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := []string{}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		key := strings.ToLower(l)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

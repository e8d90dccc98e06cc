// Package poll reconciles watched repositories against GitHub and announces new items.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"repowatch/pkg/watch"
	"repowatch/state"
)

// checkpointSlack widens the since bound to absorb clock rounding between our
// cycle start and GitHub's updated_at stamps.
const checkpointSlack = time.Second

// ErrCycleRunning is returned by CheckAll when a cycle is already in progress.
var ErrCycleRunning = errors.New("poll cycle already running")

// Source lists candidate items for a repository.
type Source interface {
	ListOpenItems(ctx context.Context, repo string, q watch.Query) ([]*watch.Item, error)
}

// Notifier delivers announcements to chat channels.
type Notifier interface {
	Notify(ctx context.Context, channel watch.ChannelID, repo string, item *watch.Item, labels []string) error
	NotifyRemoved(ctx context.Context, channel watch.ChannelID, repo string) error
}

// Store persists the state document.
type Store interface {
	Save(ctx context.Context, doc watch.Document) error
}

// Config wires a Monitor.
type Config struct {
	Source       Source
	Notifier     Notifier
	Store        Store
	State        *state.State
	Logger       *slog.Logger
	IsNotFound   func(error) bool // Reports a repository that no longer exists upstream
	Now          func() time.Time
	Pacing       time.Duration // Pause between repositories
	FetchTimeout time.Duration // Bound on each remote call
}

// Result summarises one cycle.
type Result struct {
	Checked  []string // Repositories fetched successfully
	Failed   []string // Repositories whose fetch failed with a transport error
	Removed  []string // Repositories dropped because they no longer exist
	Notified int      // Items announced
	Changed  bool     // Whether state differs from what was last saved
}

// Monitor runs reconciliation cycles.
type Monitor struct {
	source       Source
	notifier     Notifier
	store        Store
	state        *state.State
	logger       *slog.Logger
	isNotFound   func(error) bool
	now          func() time.Time
	pacing       time.Duration
	fetchTimeout time.Duration
	running      atomic.Bool
}

// New creates a monitor from cfg.
func New(cfg Config) *Monitor {
	m := &Monitor{
		source:       cfg.Source,
		notifier:     cfg.Notifier,
		store:        cfg.Store,
		state:        cfg.State,
		logger:       cfg.Logger,
		isNotFound:   cfg.IsNotFound,
		now:          cfg.Now,
		pacing:       cfg.Pacing,
		fetchTimeout: cfg.FetchTimeout,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.isNotFound == nil {
		m.isNotFound = func(error) bool { return false }
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = 30 * time.Second
	}
	return m
}

// Running reports whether a cycle is in progress.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// CheckAll runs one cycle and persists the state if it changed. Save
// failures are logged, not returned; the in-memory state stays authoritative.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("Skipping poll, previous cycle still running")
		return ErrCycleRunning
	}
	defer m.running.Store(false)

	logger := m.logger.With("cycle_id", uuid.NewString())
	start := m.now().UTC()

	res, err := m.runCycle(ctx, start, logger)
	if res.Changed {
		// Shutdown must not leave a half-written cycle unsaved.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
		defer cancel()
		if saveErr := m.store.Save(saveCtx, m.state.Snapshot()); saveErr != nil {
			logger.Error("Failed to persist state after cycle", "error", saveErr)
		}
	}

	logger.Info("Poll cycle completed",
		"checked", len(res.Checked),
		"failed", len(res.Failed),
		"removed", len(res.Removed),
		"notified", res.Notified,
		"changed", res.Changed,
		"duration", time.Since(start).String())

	return err
}

// RunCycle reconciles every subscription once, treating now as the cycle
// start. It returns ctx.Err() if cancelled between repositories; the
// partial result is still valid.
func (m *Monitor) RunCycle(ctx context.Context, now time.Time) (*Result, error) {
	return m.runCycle(ctx, now.UTC(), m.logger)
}

func (m *Monitor) runCycle(ctx context.Context, now time.Time, logger *slog.Logger) (*Result, error) {
	res := &Result{}
	subs := m.state.Subscriptions()
	seenBefore := m.state.SeenCount()
	logger.Info("Checking subscriptions", "count", len(subs), "cycle_start", now.Format(time.RFC3339))

	var removals []*watch.Subscription
	var cycleErr error

	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping poll cycle", "remaining", len(subs)-i, "error", err)
			cycleErr = err
			break
		}

		if m.checkRepository(ctx, sub, now, res, logger) {
			removals = append(removals, sub)
		} else if m.state.Advance(sub.Repository, now) {
			res.Changed = true
		}

		// Removed repositories are paced like any other.
		if i < len(subs)-1 && m.pacing > 0 {
			timer := time.NewTimer(m.pacing)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	for _, sub := range removals {
		if m.state.Delete(sub.Repository) {
			logger.Info("Removed subscription for missing repository", "repo", sub.Repository, "channel_id", sub.ChannelID)
			res.Removed = append(res.Removed, sub.Repository)
			res.Changed = true
		}
	}

	if m.state.SeenCount() != seenBefore {
		res.Changed = true
	}
	return res, cycleErr
}

// checkRepository handles one subscription and reports whether it should be
// removed because the repository is gone.
func (m *Monitor) checkRepository(ctx context.Context, sub *watch.Subscription, now time.Time, res *Result, logger *slog.Logger) bool {
	q := watch.Query{Labels: sub.Labels}
	if sub.HasCheckpoint() {
		q.Since = sub.WatchSince.Add(-checkpointSlack)
	} else {
		logger.Info("Subscription has no checkpoint, fetching unbounded", "repo", sub.Repository)
		res.Changed = true
	}

	items, err := m.fetch(ctx, sub.Repository, q)
	if m.isNotFound(err) {
		logger.Warn("Repository not found, removing from watch list", "repo", sub.Repository, "channel_id", sub.ChannelID)
		notifyCtx, cancel := m.callContext(ctx)
		defer cancel()
		if nerr := m.notifier.NotifyRemoved(notifyCtx, sub.ChannelID, sub.Repository); nerr != nil {
			logger.Warn("Failed to send removal notice", "repo", sub.Repository, "channel_id", sub.ChannelID, "error", nerr)
		}
		return true
	}
	if err != nil {
		logger.Error("Failed to fetch items", "repo", sub.Repository, "error", err)
		res.Failed = append(res.Failed, sub.Repository)
		return false
	}
	res.Checked = append(res.Checked, sub.Repository)

	var fresh int
	for _, item := range items {
		if !sub.WatchType.Accepts(item.Kind) {
			continue
		}
		if !sub.MatchesLabels(item.Labels) {
			continue
		}
		// GitHub's since filter matches on update time; old items that were
		// merely relabelled or commented on must stay quiet.
		if sub.HasCheckpoint() && item.CreatedAt.Before(sub.WatchSince) {
			continue
		}
		id := item.ID(sub.Repository)
		if !m.state.MarkSeen(id) {
			continue
		}

		fresh++
		logger.Info("New item detected", "repo", sub.Repository, "item", id, "kind", item.Kind.String(), "title", item.Title)

		notifyCtx, cancel := m.callContext(ctx)
		err := m.notifier.Notify(notifyCtx, sub.ChannelID, sub.Repository, item, sub.Labels)
		cancel()
		if err != nil {
			logger.Error("Failed to send notification", "repo", sub.Repository, "item", id, "channel_id", sub.ChannelID, "error", err)
			continue
		}
		res.Notified++
	}

	logger.Debug("Repository checked", "repo", sub.Repository, "candidates", len(items), "new", fresh)
	return false
}

func (m *Monitor) fetch(ctx context.Context, repo string, q watch.Query) ([]*watch.Item, error) {
	fetchCtx, cancel := m.callContext(ctx)
	defer cancel()
	items, err := m.source.ListOpenItems(fetchCtx, repo, q)
	if err != nil {
		return nil, fmt.Errorf("list open items: %w", err)
	}
	return items, nil
}

// callContext bounds a remote call without inheriting cancellation, so an
// in-flight call finishes or times out on shutdown.
func (m *Monitor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
}

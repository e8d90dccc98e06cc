package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"repowatch/pkg/watch"
)

// wireDocument is the on-disk layout, shared with documents written by earlier
// releases ("watched_repos" / "notified_issues").
type wireDocument struct {
	WatchedRepos   map[string]json.RawMessage `json:"watched_repos"`
	NotifiedIssues []string                   `json:"notified_issues"`
}

// record is a structured subscription entry (schema v1 and later).
type record struct {
	ChannelID      watch.ChannelID `json:"channel_id"`
	Labels         []string        `json:"labels"`
	WatchType      string          `json:"watch_type,omitempty"`
	WatchSinceTime string          `json:"watch_since_time,omitempty"`
}

// migrate upgrades every entry to the current schema and reports whether any
// stored data changed. Steps run per entry, so mixed documents upgrade
// correctly, and re-running on an upgraded document is a no-op.
//
//	v0 -> v1: bare channel id becomes {channel_id, labels: [LegacyLabel]}
//	v1 -> v2: missing watch_type becomes "issues"; aliases are canonicalised
//
// A missing watch_since_time is left alone; the engine repairs it lazily.
func migrate(raw wireDocument, logger *slog.Logger) (watch.Document, bool) {
	doc := watch.Document{
		Subscriptions: make(map[string]*watch.Subscription, len(raw.WatchedRepos)),
		Notified:      raw.NotifiedIssues,
	}
	changed := false

	for repo, entry := range raw.WatchedRepos {
		if err := watch.ValidateRepository(repo); err != nil {
			logger.Warn("Dropping subscription with invalid repository key", "repo", repo, "error", err)
			changed = true
			continue
		}

		rec, upgraded, err := upgradeV1(entry)
		if err != nil {
			logger.Warn("Dropping unreadable subscription entry", "repo", repo, "error", err)
			changed = true
			continue
		}
		if upgraded {
			logger.Info("Migrated legacy subscription", "repo", repo, "from", "v0", "channel_id", rec.ChannelID)
			changed = true
		}
		if rec.ChannelID == "" {
			logger.Warn("Dropping subscription without channel", "repo", repo)
			changed = true
			continue
		}

		watchType, upgraded := upgradeV2(rec)
		if upgraded {
			logger.Info("Normalised subscription watch type", "repo", repo, "stored", rec.WatchType, "watch_type", watchType)
			changed = true
		}

		sub := &watch.Subscription{
			Repository: repo,
			ChannelID:  rec.ChannelID,
			Labels:     rec.Labels,
			WatchType:  watchType,
		}
		if rec.WatchSinceTime != "" {
			since, err := time.Parse(time.RFC3339, rec.WatchSinceTime)
			if err != nil {
				// Treated like a missing checkpoint; the next cycle rewrites it.
				logger.Warn("Invalid watch_since_time, ignoring checkpoint", "repo", repo, "value", rec.WatchSinceTime, "error", err)
			} else {
				sub.WatchSince = since.UTC()
			}
		}
		doc.Subscriptions[repo] = sub
	}

	if doc.Notified == nil {
		doc.Notified = []string{}
	}
	return doc, changed
}

// upgradeV1 decodes one entry, converting a bare channel id into a record.
func upgradeV1(entry json.RawMessage) (*record, bool, error) {
	trimmed := bytes.TrimSpace(entry)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty entry")
	}

	switch trimmed[0] {
	case '{':
		var rec record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, false, fmt.Errorf("decode record: %w", err)
		}
		return &rec, false, nil
	case '"', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var channel watch.ChannelID
		if err := json.Unmarshal(trimmed, &channel); err != nil {
			return nil, false, fmt.Errorf("decode legacy channel id: %w", err)
		}
		return &record{
			ChannelID: channel,
			Labels:    []string{watch.LegacyLabel},
		}, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported entry %s", trimmed)
	}
}

// upgradeV2 returns the canonical watch type and whether it differs from
// what was stored. Unknown values fall back to issues.
func upgradeV2(rec *record) (watch.WatchType, bool) {
	if rec.WatchType == "" {
		return watch.Issues, true
	}
	wt, err := watch.ParseWatchType(rec.WatchType)
	if err != nil {
		return watch.Issues, true
	}
	return wt, string(wt) != rec.WatchType
}

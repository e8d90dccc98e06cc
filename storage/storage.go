// Package storage handles persistence of the watch list and novelty set.
//
// Everything lives in one JSON document that is overwritten as a whole on
// every save, either as a local file or as a Cloud Storage object.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/jsonc"

	"repowatch/pkg/watch"
)

// errNotExist marks a document that has never been written.
var errNotExist = errors.New("storage: document doesn't exist")

// Store loads and saves the state document.
type Store struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	path   string // Local file path, or object name when bucket is set
	saved  uint64 // Highest state revision written
	mu     sync.Mutex
}

// New creates a store. With a nil client the document is the local file at
// path; otherwise it is the object named path in bucket.
func New(client *storage.Client, bucket, path string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		bucket: bucket,
		path:   path,
	}
}

// Location describes where the document lives, for log lines.
func (s *Store) Location() string {
	if s.client != nil {
		return fmt.Sprintf("gs://%s/%s", s.bucket, s.path)
	}
	return s.path
}

// Load reads, migrates and returns the stored state. It never fails: a
// missing or unreadable document yields empty state so the bot can always start.
// If migration changed anything the upgraded document is saved immediately.
func (s *Store) Load(ctx context.Context) watch.Document {
	empty := watch.Document{Subscriptions: make(map[string]*watch.Subscription)}

	data, err := s.read(ctx)
	if errors.Is(err, errNotExist) {
		s.logger.Info("No state document found, starting with empty state", "location", s.Location())
		return empty
	}
	if err != nil {
		s.logger.Error("Failed to read state document, starting with empty state", "location", s.Location(), "error", err)
		return empty
	}

	var raw wireDocument
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		s.logger.Error("Failed to parse state document, starting with empty state", "location", s.Location(), "error", err)
		return empty
	}

	doc, changed := migrate(raw, s.logger)
	s.logger.Info("State document loaded",
		"location", s.Location(),
		"subscriptions", len(doc.Subscriptions),
		"notified", len(doc.Notified),
		"migrated", changed)

	if changed {
		if err := s.Save(ctx, doc); err != nil {
			s.logger.Error("Failed to save migrated state document", "location", s.Location(), "error", err)
		} else {
			s.logger.Info("Migrated state document saved", "location", s.Location())
		}
	}
	return doc
}

// Save overwrites the whole document. Callers log the error and carry on
// with in-memory state; the next successful save catches up.
//
// A snapshot whose revision is older than one already written is dropped,
// so concurrent savers never roll the document back.
func (s *Store) Save(ctx context.Context, doc watch.Document) error {
	data, err := encode(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Revision != 0 && doc.Revision < s.saved {
		s.logger.Debug("Skipping stale state save", "revision", doc.Revision, "saved", s.saved)
		return nil
	}

	if s.client == nil {
		if err := writeFileAtomic(s.path, data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.markSaved(doc.Revision)
		s.logger.Debug("State saved to local storage", "path", s.path, "subscriptions", len(doc.Subscriptions), "notified", len(doc.Notified))
		return nil
	}

	// A Cloud Storage object write only becomes visible when Close succeeds,
	// so readers never see a partial document.
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.path).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.path, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.markSaved(doc.Revision)
	s.logger.Debug("State saved", "location", s.Location(), "subscriptions", len(doc.Subscriptions), "notified", len(doc.Notified))
	return nil
}

// markSaved records rev as written. Callers hold s.mu.
func (s *Store) markSaved(rev uint64) {
	if rev > s.saved {
		s.saved = rev
	}
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.client == nil {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.path).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.path, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, errNotExist
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func encode(doc watch.Document) ([]byte, error) {
	out := wireDocument{
		WatchedRepos:   make(map[string]json.RawMessage, len(doc.Subscriptions)),
		NotifiedIssues: append([]string{}, doc.Notified...),
	}
	sort.Strings(out.NotifiedIssues)

	for repo, sub := range doc.Subscriptions {
		rec := record{
			ChannelID: sub.ChannelID,
			Labels:    append([]string{}, sub.Labels...),
			WatchType: string(sub.WatchType),
		}
		if rec.WatchType == "" {
			rec.WatchType = string(watch.Issues)
		}
		if !sub.WatchSince.IsZero() {
			rec.WatchSinceTime = sub.WatchSince.UTC().Format(time.RFC3339Nano)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", repo, err)
		}
		out.WatchedRepos[repo] = data
	}

	return json.MarshalIndent(out, "", "    ")
}

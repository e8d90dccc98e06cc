// Package state holds the in-memory subscriptions and novelty set shared by
// the command handlers and the reconciliation engine.
//
// Every exported method is a single read-modify-write under one mutex, so
// callers never observe a half-applied change and never touch the maps directly.
package state

import (
	"sort"
	"sync"
	"time"

	"repowatch/novelty"
	"repowatch/pkg/watch"
)

// State is the single owned copy of everything the service persists.
type State struct {
	subs map[string]*watch.Subscription
	seen *novelty.Set
	rev  uint64 // Bumped on every mutation
	mu   sync.Mutex
}

// New builds a State from a loaded document. The document is copied.
func New(doc watch.Document) *State {
	s := &State{
		subs: make(map[string]*watch.Subscription, len(doc.Subscriptions)),
		seen: novelty.New(doc.Notified...),
		rev:  1,
	}
	for repo, sub := range doc.Subscriptions {
		if sub == nil {
			continue
		}
		c := sub.Clone()
		c.Repository = repo
		s.subs[repo] = c
	}
	return s
}

// Snapshot returns a deep copy suitable for saving, stamped with the current
// revision so the store can drop snapshots older than one it already wrote.
func (s *State) Snapshot() watch.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := watch.Document{
		Subscriptions: make(map[string]*watch.Subscription, len(s.subs)),
		Notified:      s.seen.List(),
		Revision:      s.rev,
	}
	for repo, sub := range s.subs {
		doc.Subscriptions[repo] = sub.Clone()
	}
	return doc
}

// Subscriptions returns copies of all subscriptions ordered by repository.
func (s *State) Subscriptions() []*watch.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*watch.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out
}

// Get returns a copy of the subscription for repo.
func (s *State) Get(repo string) (*watch.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[repo]
	if !ok {
		return nil, false
	}
	return sub.Clone(), true
}

// Put creates or overwrites the subscription for sub.Repository.
func (s *State) Put(sub *watch.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[sub.Repository] = sub.Clone()
	s.rev++
}

// Delete removes repo and reports whether it was present.
func (s *State) Delete(repo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[repo]; !ok {
		return false
	}
	delete(s.subs, repo)
	s.rev++
	return true
}

// Revision returns the current mutation counter.
func (s *State) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Len returns the number of subscriptions.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Seen reports whether the item id was already notified.
func (s *State) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Has(id)
}

// MarkSeen records id and reports whether it was new. Exactly one caller
// wins for a given id, which makes it the gate for sending a notification.
func (s *State) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen.Add(id) {
		return false
	}
	s.rev++
	return true
}

// SeenCount returns the size of the novelty set.
func (s *State) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Len()
}

// Advance moves repo's checkpoint to t. The checkpoint never moves backward;
// a missing repo or an older t is a no-op. Reports whether anything changed.
func (s *State) Advance(repo string, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[repo]
	if !ok {
		return false
	}
	t = t.UTC()
	if !t.After(sub.WatchSince) {
		return false
	}
	sub.WatchSince = t
	s.rev++
	return true
}

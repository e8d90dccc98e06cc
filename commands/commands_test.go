package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"repowatch/pkg/watch"
	"repowatch/state"
)

type fakeRemote struct {
	repos      map[string]bool
	labels     map[string][]string
	existsErr  error
	labelCalls int
}

func (f *fakeRemote) RepositoryExists(_ context.Context, repo string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.repos[repo], nil
}

func (f *fakeRemote) ListLabels(_ context.Context, repo string) ([]string, error) {
	f.labelCalls++
	return f.labels[repo], nil
}

type fakeStore struct {
	saves []watch.Document
	err   error
}

func (f *fakeStore) Save(_ context.Context, doc watch.Document) error {
	f.saves = append(f.saves, doc)
	return f.err
}

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(remote *fakeRemote, subs ...*watch.Subscription) (*Service, *state.State, *fakeStore) {
	doc := watch.Document{Subscriptions: make(map[string]*watch.Subscription)}
	for _, s := range subs {
		doc.Subscriptions[s.Repository] = s
	}
	st := state.New(doc)
	store := &fakeStore{}
	svc := New(Config{
		State:  st,
		Store:  store,
		Remote: remote,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return now },
	})
	return svc, st, store
}

func defaultRemote() *fakeRemote {
	return &fakeRemote{
		repos:  map[string]bool{"octo/demo": true},
		labels: map[string][]string{"octo/demo": {"bug", "Good First Issue", "help wanted"}},
	}
}

func TestWatchCreatesSubscription(t *testing.T) {
	svc, st, store := newService(defaultRemote())

	sub, err := svc.Watch(context.Background(), WatchRequest{
		Repository: " octo/demo ",
		Labels:     []string{"good first issue", "Good First Issue", "bug"},
		Type:       "prs",
		ChannelID:  "42",
	})
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	want := &watch.Subscription{
		Repository: "octo/demo",
		ChannelID:  "42",
		WatchType:  watch.PullRequests,
		Labels:     []string{"good first issue", "bug"},
		WatchSince: now,
	}
	if !reflect.DeepEqual(sub, want) {
		t.Errorf("Watch() = %+v, want %+v", sub, want)
	}
	if got, ok := st.Get("octo/demo"); !ok || !reflect.DeepEqual(got, want) {
		t.Errorf("stored subscription = %+v, want %+v", got, want)
	}
	if len(store.saves) != 1 {
		t.Errorf("saved %d times, want 1", len(store.saves))
	}
}

func TestWatchOverwritesExisting(t *testing.T) {
	old := &watch.Subscription{
		Repository: "octo/demo",
		ChannelID:  "1",
		WatchType:  watch.Issues,
		Labels:     []string{"bug"},
		WatchSince: now.Add(-24 * time.Hour),
	}
	svc, st, _ := newService(defaultRemote(), old)

	if _, err := svc.Watch(context.Background(), WatchRequest{Repository: "octo/demo", ChannelID: "2", Type: "all"}); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Get("octo/demo")
	if got.ChannelID != "2" || got.WatchType != watch.Both || len(got.Labels) != 0 || !got.WatchSince.Equal(now) {
		t.Errorf("subscription after rewatch = %+v", got)
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestWatchValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     WatchRequest
		wantMsg string
	}{
		{name: "bad format", req: WatchRequest{Repository: "octo", ChannelID: "1"}, wantMsg: "owner/repo"},
		{name: "no channel", req: WatchRequest{Repository: "octo/demo"}, wantMsg: "channel"},
		{name: "zero padded channel", req: WatchRequest{Repository: "octo/demo", ChannelID: "007"}, wantMsg: "not a Discord channel id"},
		{name: "oversized channel", req: WatchRequest{Repository: "octo/demo", ChannelID: "123456789012345678901234"}, wantMsg: "not a Discord channel id"},
		{name: "named channel", req: WatchRequest{Repository: "octo/demo", ChannelID: "general"}, wantMsg: "not a Discord channel id"},
		{name: "bad type", req: WatchRequest{Repository: "octo/demo", ChannelID: "1", Type: "commits"}, wantMsg: "unknown watch type"},
		{name: "missing repo", req: WatchRequest{Repository: "octo/gone", ChannelID: "1"}, wantMsg: "not found"},
		{
			name:    "missing labels",
			req:     WatchRequest{Repository: "octo/demo", ChannelID: "1", Labels: []string{"BUG", "nope", "also nope"}},
			wantMsg: "`nope`, `also nope`",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, store := newService(defaultRemote())
			_, err := svc.Watch(context.Background(), tt.req)
			if !IsValidation(err) {
				t.Fatalf("Watch() error = %v, want ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Watch() error = %q, want it to mention %q", err, tt.wantMsg)
			}
			if st.Len() != 0 || len(store.saves) != 0 {
				t.Error("failed Watch() changed state")
			}
		})
	}
}

func TestWatchTransportError(t *testing.T) {
	remote := defaultRemote()
	remote.existsErr = errors.New("connection refused")
	svc, st, _ := newService(remote)

	_, err := svc.Watch(context.Background(), WatchRequest{Repository: "octo/demo", ChannelID: "1"})
	if err == nil || IsValidation(err) {
		t.Fatalf("Watch() error = %v, want a non-validation error", err)
	}
	if st.Len() != 0 {
		t.Error("Watch() stored a subscription after a transport error")
	}
}

func TestWatchWithoutLabelsSkipsLabelLookup(t *testing.T) {
	remote := defaultRemote()
	svc, _, _ := newService(remote)
	if _, err := svc.Watch(context.Background(), WatchRequest{Repository: "octo/demo", ChannelID: "1", Labels: []string{" ", ""}}); err != nil {
		t.Fatal(err)
	}
	if remote.labelCalls != 0 {
		t.Errorf("ListLabels called %d times, want 0", remote.labelCalls)
	}
}

func TestWatchSaveFailureKeepsState(t *testing.T) {
	svc, st, store := newService(defaultRemote())
	store.err = errors.New("disk full")
	if _, err := svc.Watch(context.Background(), WatchRequest{Repository: "octo/demo", ChannelID: "1"}); err != nil {
		t.Fatalf("Watch() error = %v, want nil when only the save fails", err)
	}
	if _, ok := st.Get("octo/demo"); !ok {
		t.Error("subscription missing from memory after failed save")
	}
}

func TestUnwatch(t *testing.T) {
	svc, st, store := newService(defaultRemote(), &watch.Subscription{Repository: "octo/demo", ChannelID: "1", WatchType: watch.Issues})

	removed, err := svc.Unwatch(context.Background(), "octo/demo")
	if err != nil || !removed {
		t.Fatalf("Unwatch() = %v, %v; want true, nil", removed, err)
	}
	if st.Len() != 0 || len(store.saves) != 1 {
		t.Errorf("after Unwatch: Len() = %d, saves = %d", st.Len(), len(store.saves))
	}

	removed, err = svc.Unwatch(context.Background(), "octo/demo")
	if err != nil || removed {
		t.Errorf("second Unwatch() = %v, %v; want false, nil", removed, err)
	}
	if len(store.saves) != 1 {
		t.Errorf("Unwatch() of an unknown repository saved")
	}
}

func TestList(t *testing.T) {
	svc, _, _ := newService(defaultRemote(),
		&watch.Subscription{Repository: "z/z", ChannelID: "1"},
		&watch.Subscription{Repository: "a/a", ChannelID: "2"},
		&watch.Subscription{Repository: "m/m", ChannelID: "1"},
	)

	repos := func(subs []*watch.Subscription) []string {
		var out []string
		for _, s := range subs {
			out = append(out, s.Repository)
		}
		return out
	}

	if got := repos(svc.List(nil)); !reflect.DeepEqual(got, []string{"a/a", "m/m", "z/z"}) {
		t.Errorf("List(nil) = %v", got)
	}
	inChannel1 := func(c watch.ChannelID) bool { return c == "1" }
	if got := repos(svc.List(inChannel1)); !reflect.DeepEqual(got, []string{"m/m", "z/z"}) {
		t.Errorf("List(channel 1) = %v", got)
	}
}

func TestDedupeLabels(t *testing.T) {
	got := dedupeLabels([]string{"Bug", " bug ", "UI", "", "ui", "docs"})
	want := []string{"Bug", "UI", "docs"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dedupeLabels() = %v, want %v", got, want)
	}
}

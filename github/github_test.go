package github

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v68/github"

	"repowatch/pkg/watch"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := gogithub.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	gh.BaseURL = base
	return NewWithClient(gh, Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxPages: 2,
		Attempts: 1,
	})
}

func TestRepositoryExists(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    bool
		wantErr bool
	}{
		{name: "exists", status: http.StatusOK, want: true},
		{name: "missing", status: http.StatusNotFound, want: false},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/octo/demo" {
					t.Errorf("path = %s, want /repos/octo/demo", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"full_name": "octo/demo", "message": "x"}`)
			})

			got, err := c.RepositoryExists(context.Background(), "octo/demo")
			if (err != nil) != tt.wantErr {
				t.Fatalf("RepositoryExists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RepositoryExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListLabelsPagesUntilShortPage(t *testing.T) {
	var pages []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		if r.URL.Query().Get("per_page") != "100" {
			t.Errorf("per_page = %q, want 100", r.URL.Query().Get("per_page"))
		}

		n := 100
		if page == "2" {
			n = 3
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i := range n {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"name": "label-%s-%d"}`, page, i)
		}
		fmt.Fprint(w, "]")
	})

	got, err := c.ListLabels(context.Background(), "octo/demo")
	if err != nil {
		t.Fatalf("ListLabels() error: %v", err)
	}
	if len(got) != 103 {
		t.Errorf("ListLabels() returned %d labels, want 103", len(got))
	}
	if !reflect.DeepEqual(pages, []string{"1", "2"}) {
		t.Errorf("requested pages %v, want [1 2]", pages)
	}
}

func TestListLabelsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	})
	_, err := c.ListLabels(context.Background(), "octo/gone")
	if !IsNotFound(err) {
		t.Errorf("ListLabels() error = %v, want NotFoundError", err)
	}
}

func TestListOpenItemsQuery(t *testing.T) {
	since := time.Date(2024, 1, 15, 10, 29, 59, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		want := map[string]string{
			"state":     "open",
			"sort":      "updated",
			"direction": "desc",
			"labels":    "bug,help wanted",
			"since":     "2024-01-15T10:29:59Z",
		}
		for k, v := range want {
			if q.Get(k) != v {
				t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
			}
		}
		fmt.Fprint(w, `[]`)
	})

	_, err := c.ListOpenItems(context.Background(), "octo/demo", watch.Query{Since: since, Labels: []string{"bug", "help wanted"}})
	if err != nil {
		t.Fatalf("ListOpenItems() error: %v", err)
	}
}

func TestListOpenItemsWithoutSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("since") {
			t.Errorf("since = %q, want it omitted", r.URL.Query().Get("since"))
		}
		fmt.Fprint(w, `[]`)
	})
	if _, err := c.ListOpenItems(context.Background(), "octo/demo", watch.Query{}); err != nil {
		t.Fatalf("ListOpenItems() error: %v", err)
	}
}

func TestListOpenItemsDecodesItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"number": 7, "title": "Crash on start", "html_url": "https://github.com/octo/demo/issues/7",
			 "created_at": "2024-02-01T12:00:00Z", "body": "steps",
			 "user": {"login": "ana", "html_url": "https://github.com/ana"},
			 "labels": [{"name": "bug"}]},
			{"number": 8, "title": "Fix crash", "html_url": "https://github.com/octo/demo/pull/8",
			 "created_at": "2024-02-02T12:00:00Z",
			 "user": {"login": "bo", "html_url": "https://github.com/bo"},
			 "pull_request": {"url": "https://api.github.com/repos/octo/demo/pulls/8"}}
		]`)
	})

	items, err := c.ListOpenItems(context.Background(), "octo/demo", watch.Query{})
	if err != nil {
		t.Fatalf("ListOpenItems() error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	issue := items[0]
	if issue.Number != 7 || issue.Kind != watch.KindIssue || issue.Author != "ana" || issue.AuthorURL != "https://github.com/ana" {
		t.Errorf("issue = %+v", issue)
	}
	if !issue.CreatedAt.Equal(time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("issue CreatedAt = %v", issue.CreatedAt)
	}
	if !reflect.DeepEqual(issue.Labels, []string{"bug"}) {
		t.Errorf("issue Labels = %v, want [bug]", issue.Labels)
	}
	if items[1].Kind != watch.KindPullRequest {
		t.Errorf("item 8 Kind = %v, want pull request", items[1].Kind)
	}
}

func TestListOpenItemsStopsAtMaxPages(t *testing.T) {
	requests := 0
	var srvURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/demo/issues?page=%d>; rel="next"`, srvURL, page+1))
		fmt.Fprintf(w, `[{"number": %d, "created_at": "2024-02-01T12:00:00Z"}]`, page)
	})
	srvURL = strings.TrimSuffix(c.gh.BaseURL.String(), "/")

	items, err := c.ListOpenItems(context.Background(), "octo/demo", watch.Query{})
	if err != nil {
		t.Fatalf("ListOpenItems() error: %v", err)
	}
	if requests != 2 {
		t.Errorf("made %d requests, want 2 (MaxPages)", requests)
	}
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}
}

func TestListOpenItemsErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		header      map[string]string
		notFound    bool
		rateLimited bool
		forbidden   bool
	}{
		{name: "not found", status: http.StatusNotFound, notFound: true},
		{
			name:   "rate limited",
			status: http.StatusForbidden,
			header: map[string]string{
				"X-RateLimit-Limit":     "60",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			},
			rateLimited: true,
		},
		{name: "forbidden", status: http.StatusForbidden, forbidden: true},
		{name: "server error", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
			})

			_, err := c.ListOpenItems(context.Background(), "octo/demo", watch.Query{})
			if err == nil {
				t.Fatal("ListOpenItems() error = nil, want error")
			}
			if IsNotFound(err) != tt.notFound {
				t.Errorf("IsNotFound(%v) = %v, want %v", err, IsNotFound(err), tt.notFound)
			}
			if IsForbidden(err) != tt.forbidden {
				t.Errorf("IsForbidden(%v) = %v, want %v", err, IsForbidden(err), tt.forbidden)
			}
			if IsRateLimited(err) != tt.rateLimited {
				t.Errorf("IsRateLimited(%v) = %v, want %v", err, IsRateLimited(err), tt.rateLimited)
			}
		})
	}
}

func TestInvalidRepository(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an invalid repository")
	})
	if _, err := c.ListOpenItems(context.Background(), "not-a-repo", watch.Query{}); err == nil {
		t.Error("ListOpenItems() accepted an invalid repository")
	}
}

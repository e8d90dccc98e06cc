package github

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	gogithub "github.com/google/go-github/v68/github"
)

// NotFoundError indicates the repository no longer resolves upstream.
type NotFoundError struct {
	Repo string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("repository %s not found", e.Repo)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// RateLimitError indicates GitHub refused the request for rate limiting.
type RateLimitError struct {
	Reset time.Time // When the limit resets; zero if unknown
	Repo  string
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return fmt.Sprintf("rate limited while querying %s", e.Repo)
	}
	return fmt.Sprintf("rate limited while querying %s (resets %s)", e.Repo, e.Reset.Format(time.RFC3339))
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) bool {
	var limited *RateLimitError
	return errors.As(err, &limited)
}

// ForbiddenError indicates the credential lacks access to the repository.
type ForbiddenError struct {
	Repo       string
	StatusCode int
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("access to %s denied (HTTP %d)", e.Repo, e.StatusCode)
}

// IsForbidden reports whether err is (or wraps) a ForbiddenError.
func IsForbidden(err error) bool {
	var forbidden *ForbiddenError
	return errors.As(err, &forbidden)
}

// classify maps go-github errors onto this package's error types and marks
// the ones retrying cannot fix as unrecoverable.
func classify(err error, repo string) error {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return retry.Unrecoverable(&RateLimitError{Repo: repo, Reset: rateErr.Rate.Reset.Time})
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		limited := &RateLimitError{Repo: repo}
		if abuseErr.RetryAfter != nil {
			limited.Reset = time.Now().Add(*abuseErr.RetryAfter)
		}
		return retry.Unrecoverable(limited)
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusNotFound:
			return retry.Unrecoverable(&NotFoundError{Repo: repo})
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return retry.Unrecoverable(&ForbiddenError{Repo: repo, StatusCode: code})
		case code == http.StatusTooManyRequests:
			return retry.Unrecoverable(&RateLimitError{Repo: repo})
		case code >= 400 && code < 500:
			return retry.Unrecoverable(fmt.Errorf("HTTP %d: %w", code, err))
		}
	}
	return err
}

// Package probe issues plain HTTP GET requests against applications under
// test and measures how long they take to become ready.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// maxBody caps how much of a response body is kept for matching.
const maxBody = 1 << 20

// ErrNotReady is returned by WaitReady when the endpoint never answered as
// expected within the timeout.
var ErrNotReady = errors.New("endpoint not ready")

// Response is the outcome of a single GET.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// DefaultClient is used when a nil client is passed.
var DefaultClient = &http.Client{Timeout: 10 * time.Second}

// Get fetches url and returns status and body.
func Get(ctx context.Context, client *http.Client, url string) (*Response, error) {
	if client == nil {
		client = DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   time.Since(start),
	}, nil
}

// WaitReady polls url every interval until it returns a 2xx response whose
// body matches expect (nil matches any body). It returns the elapsed time
// until that first successful response.
func WaitReady(ctx context.Context, client *http.Client, url string, expect *regexp.Regexp, timeout, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var last string
	for {
		reqCtx, cancel := context.WithDeadline(ctx, deadline)
		resp, err := Get(reqCtx, client, url)
		cancel()
		switch {
		case err != nil:
			last = err.Error()
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			last = fmt.Sprintf("HTTP %d", resp.StatusCode)
		case expect != nil && !expect.MatchString(resp.Body):
			last = fmt.Sprintf("body does not match /%s/", expect)
		default:
			return time.Since(start), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Since(start), fmt.Errorf("%w: %s after %s: %s", ErrNotReady, url, timeout, last)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return time.Since(start), fmt.Errorf("%w: %s: %v", ErrNotReady, url, ctx.Err())
		case <-time.After(wait):
		}
	}
}

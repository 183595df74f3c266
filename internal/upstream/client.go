// Package upstream fetches the current flash feed snapshot. One poll
// returns two disjoint record subsets (the public gallery, filtered
// downstream by allow-list, and the friends feed, processed
// unconditionally) plus a feed-size fingerprint used for change detection.
//
// The client retries transient failures with bounded attempts per egress
// path and rotates across a primary proxy list, then a fallback list. If
// every path is exhausted it surfaces a single ErrUpstreamUnavailable;
// it never returns a partial or degraded result.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// FeedURL is the full gallery endpoint URL.
	FeedURL string
	// Timeout bounds one HTTP round trip. The fetch timeout is longer than
	// the publish timeout since upstream can be slow.
	Timeout time.Duration
	// MaxAttemptsPerPath bounds retries before rotating to the next path.
	MaxAttemptsPerPath int
	// PrimaryProxies and FallbackProxies are egress proxy URLs tried in
	// order. With both lists empty the client egresses directly.
	PrimaryProxies  []string
	FallbackProxies []string
	UserAgent       string
	Logger          Logger
}

// Result is one complete poll. Fingerprint is stamped onto every record
// for audit; it is not part of record identity.
type Result struct {
	Gallery     []flash.Record
	Friends     []flash.Record
	Fingerprint string
}

type egressPath struct {
	name   string
	client *http.Client
}

type Client struct {
	feedURL     string
	userAgent   string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	paths       []egressPath
	validator   *feedValidator
	logger      Logger
}

func NewClient(opts Options) (*Client, error) {
	feedURL := strings.TrimSpace(opts.FeedURL)
	if feedURL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := opts.MaxAttemptsPerPath
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	paths, err := buildEgressPaths(opts.PrimaryProxies, opts.FallbackProxies, timeout)
	if err != nil {
		return nil, err
	}
	validator, err := newFeedValidator()
	if err != nil {
		return nil, err
	}
	return &Client{
		feedURL:     feedURL,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxAttempts: maxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		paths:       paths,
		validator:   validator,
		logger:      opts.Logger,
	}, nil
}

func buildEgressPaths(primary, fallback []string, timeout time.Duration) ([]egressPath, error) {
	var paths []egressPath
	add := func(tier string, proxies []string) error {
		for _, raw := range proxies {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			proxyURL, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid %s proxy %q: %w", tier, raw, err)
			}
			paths = append(paths, egressPath{
				name: fmt.Sprintf("%s:%s", tier, proxyURL.Host),
				client: &http.Client{
					Timeout:   timeout,
					Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
				},
			})
		}
		return nil
	}
	if err := add("primary", primary); err != nil {
		return nil, err
	}
	if err := add("fallback", fallback); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths = append(paths, egressPath{
			name:   "direct",
			client: &http.Client{Timeout: timeout},
		})
	}
	return paths, nil
}

// feedResponse is the upstream wire shape. flash_count doubles as the
// feed fingerprint.
type feedResponse struct {
	FlashCount    int64       `json:"flash_count"`
	Flashes       []feedFlash `json:"flashes"`
	FriendFlashes []feedFlash `json:"friend_flashes"`
}

type feedFlash struct {
	FlashID   int64   `json:"flash_id"`
	Player    string  `json:"player"`
	City      string  `json:"city"`
	Img       string  `json:"img"`
	Text      *string `json:"text"`
	Timestamp int64   `json:"timestamp"`
}

// Fetch performs one poll. On success both subsets are non-empty and every
// record carries the poll's fingerprint.
func (c *Client) Fetch(ctx context.Context) (Result, error) {
	body, err := c.fetchBody(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := c.validator.validate(body); err != nil {
		return Result{}, fmt.Errorf("%w: %v", flash.ErrInvalidUpstreamResponse, err)
	}
	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return Result{}, fmt.Errorf("%w: decode feed: %v", flash.ErrInvalidUpstreamResponse, err)
	}
	// An empty subset is indistinguishable from a malformed response, so
	// it is rejected outright rather than risking a mass-delete signal.
	if len(feed.Flashes) == 0 || len(feed.FriendFlashes) == 0 {
		return Result{}, fmt.Errorf("%w: empty subset (gallery=%d friends=%d)",
			flash.ErrInvalidUpstreamResponse, len(feed.Flashes), len(feed.FriendFlashes))
	}

	fingerprint := strconv.FormatInt(feed.FlashCount, 10)
	return Result{
		Gallery:     toRecords(feed.Flashes, fingerprint),
		Friends:     toRecords(feed.FriendFlashes, fingerprint),
		Fingerprint: fingerprint,
	}, nil
}

func (c *Client) fetchBody(ctx context.Context) ([]byte, error) {
	var lastErr error
	for _, path := range c.paths {
		body, err := c.fetchViaPath(ctx, path)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logf("egress path %s exhausted: %v", path.name, err)
	}
	return nil, fmt.Errorf("%w: all egress paths failed: %v", flash.ErrUpstreamUnavailable, lastErr)
}

func (c *Client) fetchViaPath(ctx context.Context, path egressPath) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, c.retryDelay(attempt, retryAfterFrom(lastErr))); err != nil {
				return nil, err
			}
		}
		body, err := c.doFetch(ctx, path.client)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

type statusError struct {
	StatusCode int
	RetryAfter string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned http %d", e.StatusCode)
}

func (c *Client) doFetch(ctx context.Context, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	return body, nil
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// Network-level failures (dial, reset, timeout) are transient.
	return true
}

func retryAfterFrom(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return ""
}

func toRecords(flashes []feedFlash, fingerprint string) []flash.Record {
	records := make([]flash.Record, 0, len(flashes))
	for _, f := range flashes {
		records = append(records, flash.Record{
			FlashID:         f.FlashID,
			Player:          f.Player,
			City:            f.City,
			ImageURL:        f.Img,
			Text:            f.Text,
			Timestamp:       f.Timestamp,
			FeedFingerprint: fingerprint,
		})
	}
	return records
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

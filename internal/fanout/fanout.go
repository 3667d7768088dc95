// Package fanout implements the collector's HTTP fanout (C5): parallel stat
// download from every known node with a per-request timeout. The original
// design runs one cooperative I/O reactor per round; here a bounded
// goroutine pool driven by context cancellation is the idiomatic Go
// substitute for that reactor, following the same semaphore/WaitGroup
// pattern the fleet already uses for its health-check fanout.
package fanout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Target is one node to poll: its monitor URL and the key it should be
// reported back under.
type Target struct {
	NodeKey string
	URL     string
}

// Result is one node's fanout outcome: either a response body or an error.
// Failures drop the node's buffer and are logged; they never abort the
// round.
type Result struct {
	NodeKey string
	Body    []byte
	Err     error
}

// Config bounds the fanout's concurrency and per-request behavior.
type Config struct {
	MaxConcurrent int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

// DefaultConfig mirrors the original's default pool size and wait_timeout.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 8, RequestsPerSecond: 50, RequestTimeout: 5 * time.Second}
}

// Fanout issues one GET per target and returns as soon as every target has
// completed or failed; a per-node failure never cancels the others.
func Fanout(ctx context.Context, client *http.Client, targets []Target, cfg Config, logger *slog.Logger) []Result {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrent)

	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.MaxConcurrent)
	results := make(chan Result, len(targets))

	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				results <- Result{NodeKey: t.NodeKey, Err: ctx.Err()}
				return
			default:
			}

			if err := limiter.Wait(ctx); err != nil {
				results <- Result{NodeKey: t.NodeKey, Err: err}
				return
			}

			body, err := fetch(ctx, client, t, cfg.RequestTimeout)
			results <- Result{NodeKey: t.NodeKey, Body: body, Err: err}
		}(t)
	}

	wg.Wait()
	close(results)

	out := make([]Result, 0, len(targets))
	for r := range results {
		if r.Err != nil && logger != nil {
			logger.Warn("fanout request failed", "node", r.NodeKey, "error", r.Err)
		}
		out = append(out, r)
	}
	return out
}

func fetch(ctx context.Context, client *http.Client, t Target, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", t.NodeKey, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.NodeKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", t.NodeKey, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", t.NodeKey, err)
	}
	return body, nil
}

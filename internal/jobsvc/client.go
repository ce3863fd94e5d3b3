// Package jobsvc is the HTTP client for the external jobs service. The chat
// supervisor uses it to load the room ids a user belongs to.
package jobsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/conclave-rtc/conclave/internal/metrics"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// isRetryable reports whether a status code is worth another attempt;
// everything else fails the call immediately.
func isRetryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// idsResponse is the jobs-service reply envelope.
type idsResponse struct {
	Data       []string `json:"data"`
	Message    string   `json:"message"`
	StatusCode int      `json:"statusCode"`
	Timestamp  string   `json:"timestamp"`
}

// Client calls the jobs service with the caller's bearer token.
type Client struct {
	logger zerolog.Logger
	base   string
	http   *http.Client
}

func New(base string) *Client {
	return &Client{
		logger: log.WithComponent("jobsvc"),
		base:   strings.TrimRight(base, "/"),
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// JobIDs returns the job (room) ids the token's user belongs to. Retryable
// statuses are retried with backoff up to maxAttempts; any other failure is
// terminal. A client built without a base URL resolves every user to no
// rooms, so the daemon can run without a jobs service.
func (c *Client) JobIDs(ctx context.Context, token string) ([]string, error) {
	if c.base == "" {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.JobsFetchRetriesTotal.Inc()
			backoff := time.Duration(attempt*attempt) * 250 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ids, retry, err := c.fetchOnce(ctx, token)
		if err == nil {
			metrics.JobsFetchTotal.WithLabelValues("ok").Inc()
			return ids, nil
		}
		lastErr = err
		if !retry {
			metrics.JobsFetchTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		c.logger.Warn().
			Err(err).
			Str("event", "jobsvc.retry").
			Int("attempt", attempt+1).
			Msg("jobs-service request failed")
	}
	metrics.JobsFetchTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("jobs service failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, token string) (ids []string, retry bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+"/jobs/ids", nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		// Transport errors (timeouts, refusals) are worth another attempt.
		return nil, true, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, isRetryable(res.StatusCode), fmt.Errorf("jobs service returned %d", res.StatusCode)
	}

	var body idsResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("decode jobs response: %w", err)
	}
	return body.Data, false, nil
}

package advisory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	httpTimeout    = 60 * time.Second
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
)

// permanentError marks an API error that must not be retried.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// httpBackend posts JSON payloads with exponential backoff. Network errors,
// 429 and 5xx responses are retried; other 4xx responses are not.
type httpBackend struct {
	label      string
	url        string
	headers    map[string]string
	http       *http.Client
	logger     zerolog.Logger
	retryDelay time.Duration
	apiError   func(status int, data []byte) error
}

func (b *httpBackend) post(ctx context.Context, body []byte) ([]byte, error) {
	delayBase := b.retryDelay
	if delayBase <= 0 {
		delayBase = retryBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := delayBase * time.Duration(1<<uint(attempt-1))
			b.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msgf("retrying %s API call", b.label)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range b.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := b.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		b.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msgf("%s API response", b.label)

		if resp.StatusCode >= 400 {
			lastErr = b.apiError(resp.StatusCode, data)
			b.logger.Error().
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Err(lastErr).
				Msgf("%s API error", b.label)

			var perm permanentError
			if errors.As(lastErr, &perm) {
				return nil, lastErr
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}
		return data, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func rawSnippet(data []byte) string {
	s := string(data)
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

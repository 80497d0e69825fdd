package sentryz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus is returned for responses other than 200 and 429.
var ErrUnexpectedStatus = errors.New("unexpected server response")

// maxResponseLog bounds the response body logged in debug mode.
const maxResponseLog = 4 << 10

// Transport delivers one envelope. Called only from the worker goroutine.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
}

// RateLimitError reports an HTTP 429. RetryAfter is zero when the server
// gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// DryRunHook receives every request an HTTPTransport in dry mode would
// have sent, along with its compressed body.
type DryRunHook func(req *http.Request, body []byte)

// HTTPTransport posts gzip-compressed envelopes to the DSN's envelope
// endpoint.
//
//nolint:govet // Field order optimized for readability over memory
type HTTPTransport struct {
	client     *http.Client
	dsn        *DSN
	clock      clockz.Clock
	logger     *zap.Logger
	dryRunHook DryRunHook
	dryMode    bool
	debug      bool
}

// NewHTTPTransport creates a transport for dsn. A nil client uses
// http.DefaultClient; a nil dsn is only useful in dry mode.
func NewHTTPTransport(dsn *DSN, client *http.Client, clock clockz.Clock, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		client: client,
		dsn:    dsn,
		clock:  clock,
		logger: logger,
	}
}

// SetDryMode builds requests without issuing them. hook may be nil.
func (t *HTTPTransport) SetDryMode(dry bool, hook DryRunHook) {
	t.dryMode = dry
	t.dryRunHook = hook
}

// SetDebug enables logging of response bodies.
func (t *HTTPTransport) SetDebug(debug bool) {
	t.debug = debug
}

// AuthHeader renders the X-Sentry-Auth header value.
func AuthHeader(publicKey string, now time.Time) string {
	return fmt.Sprintf("Sentry sentry_version=7, sentry_client=%s/%s, sentry_timestamp=%s, sentry_key=%s",
		SDKName, SDKVersion, now.UTC().Format(time.RFC3339), publicKey)
}

// NewRequest builds the authenticated POST for env.
func (t *HTTPTransport) NewRequest(ctx context.Context, env *Envelope) (*http.Request, []byte, error) {
	if t.dsn == nil {
		return nil, nil, fmt.Errorf("%w: no dsn configured", ErrInvalidDSN)
	}

	body, err := env.Compress()
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dsn.EnvelopeURL(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", EnvelopeContentType)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", SDKName+"/"+SDKVersion)
	req.Header.Set("X-Sentry-Auth", AuthHeader(t.dsn.PublicKey, t.clock.Now()))
	return req, body, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, env *Envelope) error {
	if t.dryMode && t.dsn == nil {
		// Nothing to address; still prove the body serializes.
		if _, err := env.Compress(); err != nil {
			return err
		}
		t.logger.Debug("dry mode: envelope built, no dsn to address", zap.String("event_id", env.Header.EventID))
		return nil
	}

	req, body, err := t.NewRequest(ctx, env)
	if err != nil {
		return err
	}

	if t.dryMode {
		t.logger.Debug("dry mode: skipping send",
			zap.String("event_id", env.Header.EventID),
			zap.String("url", req.URL.String()),
			zap.Int("bytes", len(body)),
		)
		if t.dryRunHook != nil {
			t.dryRunHook(req, body)
		}
		return nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if t.debug {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLog))
			t.logger.Debug("envelope accepted",
				zap.String("event_id", env.Header.EventID),
				zap.ByteString("response", msg),
			)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.clock.Now())}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLog))
		t.logger.Debug("unexpected server response",
			zap.String("event_id", env.Header.EventID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", msg),
		)
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date. The result is
// capped at maxRetryWait.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		switch {
		case math.IsNaN(secs) || secs <= 0:
			return 0
		case secs >= maxRetryWait.Seconds():
			return maxRetryWait
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryWait)
		}
	}
	return 0
}

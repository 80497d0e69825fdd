package sentryz

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type capturedRequest struct {
	header http.Header
	method string
	path   string
	lines  []string
}

// newBackend starts a server answering with status and headers, and
// records every request it receives.
func newBackend(t *testing.T, status int, headers map[string]string) (*DSN, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			header: r.Header.Clone(),
			method: r.Method,
			path:   r.URL.Path,
			lines:  gunzipLines(t, body),
		})
		mu.Unlock()

		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"accepted"}`))
	}))
	t.Cleanup(srv.Close)

	dsn, err := ParseDSN(strings.Replace(srv.URL, "http://", "http://pk@", 1) + "/42")
	require.NoError(t, err)

	return dsn, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := BuildEnvelope(EventPayload(&Event{EventID: "abc", Timestamp: testTime, Message: "hi"}), testMeta())
	require.NoError(t, err)
	return env
}

func TestHTTPTransportSends(t *testing.T) {
	dsn, requests := newBackend(t, http.StatusOK, nil)
	clock := clockz.NewFakeClockAt(testTime)
	logger, logs := newObservedLogger()

	transport := NewHTTPTransport(dsn, nil, clock, logger)
	transport.SetDebug(true)

	env := testEnvelope(t)
	require.NoError(t, transport.Send(context.Background(), env))

	reqs := requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, http.MethodPost, r.method)
	assert.Equal(t, "/api/42/envelope/", r.path)
	assert.Equal(t, EnvelopeContentType, r.header.Get("Content-Type"))
	assert.Equal(t, "gzip", r.header.Get("Content-Encoding"))
	assert.Equal(t, "sentryz/0.1.0", r.header.Get("User-Agent"))
	assert.Equal(t,
		"Sentry sentry_version=7, sentry_client=sentryz/0.1.0, sentry_timestamp=2024-01-01T12:00:00Z, sentry_key=pk",
		r.header.Get("X-Sentry-Auth"))
	assert.Equal(t, envelopeLines(t, env), r.lines)

	entries := logs.FilterMessage("envelope accepted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, `{"id":"accepted"}`, entries[0].ContextMap()["response"])
}

func TestHTTPTransportRateLimited(t *testing.T) {
	t.Run("Seconds", func(t *testing.T) {
		dsn, _ := newBackend(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "7"})
		transport := NewHTTPTransport(dsn, nil, nil, nil)

		err := transport.Send(context.Background(), testEnvelope(t))
		var limited *RateLimitError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 7*time.Second, limited.RetryAfter)
	})

	t.Run("HTTP date", func(t *testing.T) {
		at := testTime.Add(30 * time.Second).Format(http.TimeFormat)
		dsn, _ := newBackend(t, http.StatusTooManyRequests, map[string]string{"Retry-After": at})
		transport := NewHTTPTransport(dsn, nil, clockz.NewFakeClockAt(testTime), nil)

		err := transport.Send(context.Background(), testEnvelope(t))
		var limited *RateLimitError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 30*time.Second, limited.RetryAfter)
	})

	t.Run("No hint", func(t *testing.T) {
		dsn, _ := newBackend(t, http.StatusTooManyRequests, nil)
		transport := NewHTTPTransport(dsn, nil, nil, nil)

		err := transport.Send(context.Background(), testEnvelope(t))
		var limited *RateLimitError
		require.ErrorAs(t, err, &limited)
		assert.Zero(t, limited.RetryAfter)
		assert.Equal(t, "rate limited", limited.Error())
	})
}

func TestHTTPTransportUnexpectedStatus(t *testing.T) {
	for _, status := range []int{http.StatusAccepted, http.StatusBadRequest, http.StatusInternalServerError} {
		dsn, requests := newBackend(t, status, nil)
		logger, logs := newObservedLogger()
		transport := NewHTTPTransport(dsn, nil, nil, logger)

		err := transport.Send(context.Background(), testEnvelope(t))
		assert.ErrorIs(t, err, ErrUnexpectedStatus, status)
		assert.Len(t, requests(), 1)
		assert.Equal(t, 1, logs.FilterMessage("unexpected server response").Len())
	}
}

func TestHTTPTransportDryMode(t *testing.T) {
	dsn, requests := newBackend(t, http.StatusOK, nil)
	transport := NewHTTPTransport(dsn, nil, nil, nil)

	var hooked *http.Request
	var hookedBody []byte
	transport.SetDryMode(true, func(req *http.Request, body []byte) {
		hooked = req
		hookedBody = body
	})

	env := testEnvelope(t)
	require.NoError(t, transport.Send(context.Background(), env))

	assert.Empty(t, requests())
	require.NotNil(t, hooked)
	assert.Equal(t, dsn.EnvelopeURL(), hooked.URL.String())
	assert.Equal(t, envelopeLines(t, env), gunzipLines(t, hookedBody))
}

func TestHTTPTransportWithoutDSN(t *testing.T) {
	transport := NewHTTPTransport(nil, nil, nil, nil)

	_, _, err := transport.NewRequest(context.Background(), testEnvelope(t))
	assert.ErrorIs(t, err, ErrInvalidDSN)
	assert.ErrorIs(t, transport.Send(context.Background(), testEnvelope(t)), ErrInvalidDSN)

	transport.SetDryMode(true, nil)
	assert.NoError(t, transport.Send(context.Background(), testEnvelope(t)))
}

func TestHTTPTransportCancelled(t *testing.T) {
	dsn, _ := newBackend(t, http.StatusOK, nil)
	transport := NewHTTPTransport(dsn, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, transport.Send(ctx, testEnvelope(t)), context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := testTime
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"2", 2 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{now.Add(time.Minute).Format(http.TimeFormat), time.Minute},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
		{"NaN", 0},
		{"120", maxRetryWait},
		{"1e20", maxRetryWait},
		{"+Inf", maxRetryWait},
		{now.Add(time.Hour).Format(http.TimeFormat), maxRetryWait},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.value, now), tt.value)
	}
}

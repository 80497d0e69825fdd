package sentryz

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testDSN = "https://pk@example.ingest.sentry.io/42"

// recordingTransport keeps every envelope it is asked to send.
// Scripted errors are returned in order, one per call.
type recordingTransport struct {
	envelopes []*Envelope
	errs      []error
	block     chan struct{}
	mu        sync.Mutex
	calls     int
}

func (r *recordingTransport) Send(ctx context.Context, env *Envelope) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.envelopes = append(r.envelopes, env)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recordingTransport) sent() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Envelope(nil), r.envelopes...)
}

func (r *recordingTransport) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// newObservedLogger returns a logger that records entries at debug and above.
func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// newTestHub creates a hub with a recording transport and observed logger.
func newTestHub(t *testing.T, opts Options) (*Hub, *recordingTransport, *observer.ObservedLogs) {
	t.Helper()
	transport := &recordingTransport{}
	if opts.Transport == nil {
		opts.Transport = transport
	}
	logger, logs := newObservedLogger()
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.DSN == "" && !opts.DryMode {
		opts.DSN = testDSN
	}

	hub, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close(time.Second) })
	return hub, transport, logs
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

// envelopeLines encodes env and splits it into lines.
func envelopeLines(t *testing.T, env *Envelope) []string {
	t.Helper()
	raw, err := env.Encode()
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

// gunzipLines decompresses an envelope body and splits it into lines.
func gunzipLines(t *testing.T, body []byte) []string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

// decodeLine unmarshals one envelope line into a generic map.
func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

// itemPayload returns the decoded payload of the first item in env.
func itemPayload(t *testing.T, env *Envelope) map[string]any {
	t.Helper()
	require.NotEmpty(t, env.Items)
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Items[0].Payload, &m))
	return m
}

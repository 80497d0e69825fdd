package sentryz

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "sentryz"
)

// Span lifecycle errors.
var (
	ErrSpanFinished   = errors.New("span already finished")
	ErrSpanNotStarted = errors.New("span was never started")
)

// Span represents a timed operation inside a transaction.
// Spans are NOT thread-safe - use ActiveSpan while a span is open.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags           map[Tag]string `json:"tags,omitempty"`
	StartTimestamp time.Time      `json:"start_timestamp"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	ParentSpanID   string         `json:"parent_span_id,omitempty"`
	Op             string         `json:"op,omitempty"`
	Description    string         `json:"description,omitempty"`
}

// Finished reports whether the span has a completion timestamp.
func (s *Span) Finished() bool {
	return !s.Timestamp.IsZero()
}

func (s *Span) clone() Span {
	c := *s
	c.Tags = maps.Clone(s.Tags)
	return c
}

// ActiveSpan wraps an open Span with thread-safe tag operations and
// lifecycle management. The root ActiveSpan of a transaction is the
// transaction handle itself.
// Safe for concurrent use by multiple goroutines.
type ActiveSpan struct {
	span     *Span
	recorder *recorder
	mu       sync.Mutex // Protects span from concurrent writes.
}

// SetTag adds a key-value pair to the span.
// No-op if span is already finished.
func (a *ActiveSpan) SetTag(key Tag, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return
	}

	if a.span.Tags == nil {
		a.span.Tags = make(map[Tag]string)
	}
	a.span.Tags[key] = value
}

// GetTag retrieves a tag value by key.
func (a *ActiveSpan) GetTag(key Tag) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	value, ok := a.span.Tags[key]
	return value, ok
}

// SetDescription sets the free-form span description.
func (a *ActiveSpan) SetDescription(description string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return
	}
	a.span.Description = description
}

// Finish stamps the completion time. Finishing the root span hands the
// transaction to the delivery queue if it was sampled.
// Returns ErrSpanFinished on every call after the first.
func (a *ActiveSpan) Finish() error {
	if a == nil {
		return ErrSpanNotStarted
	}

	a.mu.Lock()
	if a.span.Finished() {
		a.mu.Unlock()
		return ErrSpanFinished
	}
	a.span.Timestamp = a.recorder.hub.clock.Now()
	snapshot := a.span.clone()
	a.mu.Unlock()

	a.recorder.finish(a, snapshot)
	return nil
}

// IsRoot reports whether this span is the transaction root.
func (a *ActiveSpan) IsRoot() bool {
	return a.recorder.root == a
}

// Sampled reports the sampling decision of the enclosing transaction.
func (a *ActiveSpan) Sampled() bool {
	return a.recorder.sampled
}

// TraceID returns the trace ID shared by every span of the transaction.
func (a *ActiveSpan) TraceID() string {
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() string {
	return a.span.SpanID
}

// ParentSpanID returns the parent span ID, empty for a root without an
// upstream parent.
func (a *ActiveSpan) ParentSpanID() string {
	return a.span.ParentSpanID
}

// TraceHeader renders the sentry-trace propagation header.
func (a *ActiveSpan) TraceHeader() string {
	sampled := "0"
	if a.recorder.sampled {
		sampled = "1"
	}
	return fmt.Sprintf("%s-%s-%s", a.span.TraceID, a.span.SpanID, sampled)
}

// Context creates a new context with this span as the active span.
// The returned context can be used to start child spans.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	return ContextWithSpan(parent, a)
}

// ContextWithSpan binds span as the active span of ctx. Use it to hand a
// transaction to a goroutine that did not inherit the creating context.
func ContextWithSpan(ctx context.Context, span *ActiveSpan) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bundleKey, span)
}

// SpanFromContext extracts the active span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if ctx == nil {
		return nil
	}

	if span, ok := ctx.Value(bundleKey).(*ActiveSpan); ok {
		return span
	}

	return nil
}

// TraceHeaderName is the HTTP header carrying trace propagation.
const TraceHeaderName = "sentry-trace"

// ParseTraceHeader parses "<trace_id>-<span_id>[-<sampled>]".
// The sampled flag is nil when absent.
func ParseTraceHeader(header string) (traceID, spanID string, sampled *bool, ok bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", nil, false
	}
	if !isHex(parts[0], 32) || !isHex(parts[1], 16) {
		return "", "", nil, false
	}
	if len(parts) == 3 {
		v, err := strconv.ParseBool(parts[2])
		if err != nil {
			return "", "", nil, false
		}
		sampled = &v
	}
	return parts[0], parts[1], sampled, true
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

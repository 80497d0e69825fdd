package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zoobzio/sentryz"
)

// ReceivedItem is one decoded envelope item.
type ReceivedItem struct {
	Header  map[string]any
	Payload map[string]any
	Raw     []byte
}

// Type returns the item type from its header.
func (i ReceivedItem) Type() string {
	s, _ := i.Header["type"].(string)
	return s
}

// ReceivedEnvelope is a decoded request body plus the headers it came with.
type ReceivedEnvelope struct {
	Header      map[string]any
	HTTPHeaders http.Header
	Items       []ReceivedItem
}

// MockBackend is an envelope endpoint that decodes and keeps everything
// it receives. Responses can be scripted per request.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockBackend struct {
	envelopes []ReceivedEnvelope
	statuses  []int
	server    *httptest.Server
	t         *testing.T
	delay     time.Duration
	mu        sync.Mutex
	requests  int
}

// NewMockBackend starts a backend that answers 200 unless scripted.
func NewMockBackend(t *testing.T) *MockBackend {
	b := &MockBackend{t: t}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

// DSN returns a DSN addressing this backend as project 1.
func (b *MockBackend) DSN() string {
	return strings.Replace(b.server.URL, "http://", "http://public@", 1) + "/1"
}

// SetDelay slows every response down.
func (b *MockBackend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// Script queues status codes for the next requests. 429 responses carry
// a zero Retry-After.
func (b *MockBackend) Script(statuses ...int) {
	b.mu.Lock()
	b.statuses = append(b.statuses, statuses...)
	b.mu.Unlock()
}

func (b *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests++
	delay := b.delay
	status := http.StatusOK
	if len(b.statuses) > 0 {
		status = b.statuses[0]
		b.statuses = b.statuses[1:]
	}
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.URL.Path != "/api/1/envelope/" {
		b.t.Errorf("unexpected path %s", r.URL.Path)
	}

	if status == http.StatusOK {
		env, err := decodeEnvelope(r)
		if err != nil {
			b.t.Errorf("decode envelope: %v", err)
		} else {
			b.mu.Lock()
			b.envelopes = append(b.envelopes, env)
			b.mu.Unlock()
		}
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "0")
	}
	w.WriteHeader(status)
}

func decodeEnvelope(r *http.Request) (ReceivedEnvelope, error) {
	env := ReceivedEnvelope{HTTPHeaders: r.Header.Clone()}

	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		return env, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return env, err
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	if !sc.Scan() {
		return env, fmt.Errorf("empty envelope")
	}
	if err := json.Unmarshal(sc.Bytes(), &env.Header); err != nil {
		return env, fmt.Errorf("envelope header: %w", err)
	}

	for sc.Scan() {
		var item ReceivedItem
		if err := json.Unmarshal(sc.Bytes(), &item.Header); err != nil {
			return env, fmt.Errorf("item header: %w", err)
		}
		if !sc.Scan() {
			return env, fmt.Errorf("item without payload")
		}
		item.Raw = append([]byte(nil), sc.Bytes()...)
		if length, ok := item.Header["length"].(float64); !ok || int(length) != len(item.Raw) {
			return env, fmt.Errorf("length %v does not match payload of %d bytes", item.Header["length"], len(item.Raw))
		}
		// Attachments may be any JSON value.
		_ = json.Unmarshal(item.Raw, &item.Payload)
		env.Items = append(env.Items, item)
	}
	return env, sc.Err()
}

// Requests returns how many requests reached the backend.
func (b *MockBackend) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

// Envelopes returns every accepted envelope in arrival order.
func (b *MockBackend) Envelopes() []ReceivedEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReceivedEnvelope(nil), b.envelopes...)
}

// WaitForEnvelopes waits until n envelopes were accepted.
func (b *MockBackend) WaitForEnvelopes(n int, timeout time.Duration) []ReceivedEnvelope {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if envs := b.Envelopes(); len(envs) >= n {
			return envs
		}
		<-ticker.C
	}

	envs := b.Envelopes()
	b.t.Errorf("Timeout waiting for envelopes: expected %d, got %d", n, len(envs))
	return envs
}

// Payloads returns the first item payload of every accepted envelope of
// the given item type.
func (b *MockBackend) Payloads(itemType string) []map[string]any {
	var out []map[string]any
	for _, env := range b.Envelopes() {
		if len(env.Items) > 0 && env.Items[0].Type() == itemType {
			out = append(out, env.Items[0].Payload)
		}
	}
	return out
}

// NewHub creates a hub delivering to the backend. It is closed with the test.
func (b *MockBackend) NewHub(opts sentryz.Options) *sentryz.Hub {
	b.t.Helper()
	opts.DSN = b.DSN()
	hub, err := sentryz.New(opts)
	if err != nil {
		b.t.Fatalf("create hub: %v", err)
	}
	b.t.Cleanup(func() { hub.Close(5 * time.Second) })
	return hub
}

// SpanRecord is a span as it appears in a transaction payload.
type SpanRecord struct {
	SpanID       string
	ParentSpanID string
	TraceID      string
	Op           string
}

// SpansOf returns the root and child spans of a transaction payload,
// root first.
func SpansOf(tx map[string]any) []SpanRecord {
	trace, _ := tx["contexts"].(map[string]any)["trace"].(map[string]any)
	out := []SpanRecord{recordOf(trace)}
	spans, _ := tx["spans"].([]any)
	for _, s := range spans {
		m, _ := s.(map[string]any)
		out = append(out, recordOf(m))
	}
	return out
}

func recordOf(m map[string]any) SpanRecord {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return SpanRecord{
		SpanID:       str("span_id"),
		ParentSpanID: str("parent_span_id"),
		TraceID:      str("trace_id"),
		Op:           str("op"),
	}
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     SpanRecord
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list. Spans whose parent
// is not in the list become roots.
func BuildSpanTree(spans []SpanRecord) []*SpanTree {
	nodeMap := make(map[string]*SpanTree)
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanID] = &SpanTree{Span: spans[i]}
	}

	for i := range spans {
		span := spans[i]
		node := nodeMap[span.SpanID]
		if parent, exists := nodeMap[span.ParentSpanID]; exists {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// VerifyChain checks that the named ops form a parent-child chain.
func VerifyChain(spans []SpanRecord, ops ...string) error {
	if len(ops) < 2 {
		return fmt.Errorf("chain requires at least 2 spans")
	}

	byOp := make(map[string]SpanRecord, len(spans))
	for _, s := range spans {
		if _, seen := byOp[s.Op]; !seen {
			byOp[s.Op] = s
		}
	}

	for i := 1; i < len(ops); i++ {
		parent, ok := byOp[ops[i-1]]
		if !ok {
			return fmt.Errorf("span '%s' not found", ops[i-1])
		}
		child, ok := byOp[ops[i]]
		if !ok {
			return fmt.Errorf("span '%s' not found", ops[i])
		}
		if child.ParentSpanID != parent.SpanID {
			return fmt.Errorf("broken chain: %s is not child of %s", ops[i], ops[i-1])
		}
		if child.TraceID != parent.TraceID {
			return fmt.Errorf("trace ID mismatch between %s and %s", ops[i-1], ops[i])
		}
	}
	return nil
}

// MockService is an instrumented HTTP service with its own hub. Calls to
// downstream services carry the active trace header.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockService struct {
	hub        *sentryz.Hub
	server     *httptest.Server
	downstream []*MockService
	name       string
	mu         sync.Mutex
	calls      int
}

// NewMockService starts a service reporting to backend.
func NewMockService(t *testing.T, name string, backend *MockBackend, downstream ...*MockService) *MockService {
	rate := 1.0
	s := &MockService{
		name:       name,
		downstream: downstream,
		hub:        backend.NewHub(sentryz.Options{TracesSampleRate: &rate, ServerName: name}),
	}
	s.server = httptest.NewServer(s.hub.Middleware(http.HandlerFunc(s.handle)))
	t.Cleanup(s.server.Close)
	return s
}

// Hub returns the service's hub.
func (s *MockService) Hub() *sentryz.Hub {
	return s.hub
}

// URL returns the service's base URL.
func (s *MockService) URL() string {
	return s.server.URL
}

// Calls returns the number of requests the service handled.
func (s *MockService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *MockService) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	for _, d := range s.downstream {
		if err := Call(r.Context(), s.hub, d.URL()+"/"+d.name); err != nil {
			s.hub.CaptureException(err)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Call issues a GET inside an http.client span, forwarding the trace.
func Call(ctx context.Context, hub *sentryz.Hub, url string) error {
	return hub.WithTransaction(ctx, "http.client", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		if span := sentryz.SpanFromContext(ctx); span != nil {
			req.Header.Set(sentryz.TraceHeaderName, span.TraceHeader())
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", url, resp.StatusCode)
		}
		return nil
	}, sentryz.WithDescription("GET "+url))
}

package sentryz

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// maxSpans limits the number of child spans recorded per transaction.
const maxSpans = 1000

// recorder holds the live state of one transaction: its root span and
// the children started under it. Safe for concurrent use; children may be
// started and finished from any goroutine.
//
//nolint:govet // Field order optimized for readability over memory
type recorder struct {
	hub      *Hub
	root     *ActiveSpan
	open     []*ActiveSpan
	finished []Span
	eventID  string
	name     string
	dropped  int
	sampled  bool
	done     bool
	mu       sync.Mutex
}

// track registers a new child span. Returns false when the span cap is
// reached; the child still works but is never reported.
func (r *recorder) track(child *ActiveSpan) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.open)+len(r.finished) >= maxSpans {
		r.dropped++
		return false
	}
	r.open = append(r.open, child)
	return true
}

func (r *recorder) setName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// finish records a completed span. For the root it freezes the whole tree
// and hands it to the hub.
func (r *recorder) finish(span *ActiveSpan, snapshot Span) {
	if span != r.root {
		r.finishChild(span, snapshot)
		return
	}

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true

	spans := make([]Span, 0, len(r.finished)+len(r.open))
	spans = append(spans, r.finished...)
	// Children still open are reported without a timestamp.
	for _, child := range r.open {
		child.mu.Lock()
		spans = append(spans, child.span.clone())
		child.mu.Unlock()
	}
	tx := &Transaction{
		EventID: r.eventID,
		TraceID: snapshot.TraceID,
		Name:    r.name,
		Root:    snapshot,
		Spans:   spans,
		Sampled: r.sampled,
	}
	dropped := r.dropped
	r.open = nil
	r.finished = nil
	r.mu.Unlock()

	if dropped > 0 {
		r.hub.logger.Debug("transaction exceeded span limit",
			zap.String("transaction", tx.Name),
			zap.Int("dropped_spans", dropped),
		)
	}
	r.hub.submitTransaction(tx)
}

func (r *recorder) finishChild(span *ActiveSpan, snapshot Span) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		r.hub.logger.Debug("span finished after its transaction",
			zap.String("span_id", snapshot.SpanID),
			zap.String("op", snapshot.Op),
		)
		return
	}

	idx := slices.Index(r.open, span)
	if idx < 0 {
		return
	}
	r.open = slices.Delete(r.open, idx, idx+1)
	r.finished = append(r.finished, snapshot)
}

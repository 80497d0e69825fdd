package sentryz

import (
	"context"
	"maps"

	"go.uber.org/zap"
)

// Transaction is a finished span tree, frozen when its root span finishes.
//
//nolint:govet // Field order follows the wire payload.
type Transaction struct {
	Root    Span
	Spans   []Span
	EventID string
	TraceID string
	Name    string
	Sampled bool
}

// transactionConfig collects TransactionOption values.
type transactionConfig struct {
	tags          map[Tag]string
	parentSampled *bool
	name          string
	description   string
	traceID       string
	parentSpanID  string
}

// TransactionOption configures StartTransaction.
type TransactionOption func(*transactionConfig)

// WithName sets the transaction name. Ignored for child spans.
func WithName(name string) TransactionOption {
	return func(c *transactionConfig) {
		c.name = name
	}
}

// WithDescription sets the span description.
func WithDescription(description string) TransactionOption {
	return func(c *transactionConfig) {
		c.description = description
	}
}

// WithTags sets initial span tags.
func WithTags(tags map[Tag]string) TransactionOption {
	return func(c *transactionConfig) {
		c.tags = maps.Clone(tags)
	}
}

// WithTraceID continues an existing trace instead of starting a new one.
// Ignored for child spans.
func WithTraceID(traceID string) TransactionOption {
	return func(c *transactionConfig) {
		c.traceID = traceID
	}
}

// WithParentSpanID links the root span to a span in another process.
// Ignored for child spans.
func WithParentSpanID(spanID string) TransactionOption {
	return func(c *transactionConfig) {
		c.parentSpanID = spanID
	}
}

// WithParentSampled passes an upstream sampling decision to the sampler.
func WithParentSampled(sampled bool) TransactionOption {
	return func(c *transactionConfig) {
		c.parentSampled = &sampled
	}
}

// WithTraceHeader continues the trace described by a sentry-trace header.
// Malformed headers are ignored.
func WithTraceHeader(header string) TransactionOption {
	return func(c *transactionConfig) {
		traceID, spanID, sampled, ok := ParseTraceHeader(header)
		if !ok {
			return
		}
		c.traceID = traceID
		c.parentSpanID = spanID
		c.parentSampled = sampled
	}
}

// StartTransaction starts a span with the given operation.
//
// If ctx carries an active span, the new span is its child and shares its
// trace and sampling decision. Otherwise a new transaction is created and
// sampled once. The returned context carries the new span as active span.
// The caller must call Finish exactly once.
func (h *Hub) StartTransaction(ctx context.Context, op string, opts ...TransactionOption) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := transactionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var span *ActiveSpan
	if parent := SpanFromContext(ctx); parent != nil {
		span = h.startChild(parent, op, &cfg)
	} else {
		span = h.startRoot(op, &cfg)
	}

	return ContextWithSpan(ctx, span), span
}

func (h *Hub) startRoot(op string, cfg *transactionConfig) *ActiveSpan {
	traceID := cfg.traceID
	if traceID == "" {
		traceID = h.ids.traceID()
	}
	name := cfg.name
	if name == "" {
		name = op
	}

	sampled := h.sampler.Sample(SamplingContext{
		TraceID:       traceID,
		ParentSpanID:  cfg.parentSpanID,
		ParentSampled: cfg.parentSampled,
		Name:          name,
		Op:            op,
		Tags:          cfg.tags,
	})

	rec := &recorder{
		hub:     h,
		eventID: newEventID(),
		name:    name,
		sampled: sampled,
	}
	root := &ActiveSpan{
		span: &Span{
			TraceID:        traceID,
			SpanID:         h.ids.spanID(),
			ParentSpanID:   cfg.parentSpanID,
			Op:             op,
			Description:    cfg.description,
			Tags:           cfg.tags,
			StartTimestamp: h.clock.Now(),
		},
		recorder: rec,
	}
	rec.root = root
	return root
}

func (h *Hub) startChild(parent *ActiveSpan, op string, cfg *transactionConfig) *ActiveSpan {
	child := &ActiveSpan{
		span: &Span{
			TraceID:        parent.span.TraceID,
			SpanID:         h.ids.spanID(),
			ParentSpanID:   parent.span.SpanID,
			Op:             op,
			Description:    cfg.description,
			Tags:           cfg.tags,
			StartTimestamp: h.clock.Now(),
		},
		recorder: parent.recorder,
	}
	parent.recorder.track(child)
	return child
}

// WithTransaction runs fn inside a span started with StartTransaction and
// finishes the span when fn returns or panics. The error returned by fn
// is returned unchanged; panics are re-raised after the span is finished.
func (h *Hub) WithTransaction(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...TransactionOption) error {
	ctx, span := h.StartTransaction(ctx, op, opts...)
	defer func() {
		if r := recover(); r != nil {
			span.SetTag("status", "internal_error")
			h.finish(span)
			panic(r)
		}
	}()

	err := fn(ctx)
	if err != nil {
		span.SetTag("status", "unknown_error")
	}
	h.finish(span)
	return err
}

// FinishTransaction finishes a span started without a scope. Misuse is
// logged and returned, never raised.
func (h *Hub) FinishTransaction(span *ActiveSpan) error {
	return h.finish(span)
}

func (h *Hub) finish(span *ActiveSpan) error {
	err := span.Finish()
	if err != nil {
		h.logger.Debug("inconsistent transaction finish", zap.Error(err))
	}
	return err
}

// SetName renames the transaction. Only meaningful on the root span.
func (a *ActiveSpan) SetName(name string) {
	if a.IsRoot() {
		a.recorder.setName(name)
	}
}

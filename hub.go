package sentryz

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Configuration errors returned by New.
var (
	ErrConflictingSamplers = errors.New("only one of TracesSampleRate and TracesSampler may be set")
	ErrInvalidSampleRate   = errors.New("traces sample rate must be within [0, 1]")
)

// Options configures a Hub.
//
//nolint:govet // Field order groups related settings.
type Options struct {
	// DSN addresses the backend. Empty or invalid disables delivery
	// unless DryMode is set.
	DSN         string
	Release     string
	Environment string
	ServerName  string

	// Debug lowers the default logger to debug level.
	Debug bool
	// DryMode runs the full pipeline but never issues the HTTP request.
	DryMode    bool
	DryRunHook DryRunHook

	// At most one of TracesSampleRate and TracesSampler may be set.
	// Neither means no transaction is recorded.
	TracesSampleRate *float64
	TracesSampler    Sampler

	QueueSize     int
	MaxRetries    *int
	RetryInterval time.Duration

	HTTPClient *http.Client
	Transport  Transport
	Logger     *zap.Logger
	Clock      clockz.Clock
	Registerer prometheus.Registerer
}

// Hub owns the configuration, global tags, queue and worker for one DSN.
// Configuration is immutable after New. Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability over memory
type Hub struct {
	dsn        *DSN
	sampler    Sampler
	tags       map[Tag]string
	queue      *queue
	worker     *worker
	logger     *zap.Logger
	clock      clockz.Clock
	metrics    *Metrics
	ids        *idSource
	release    string
	serverName string
	tagsMu     sync.RWMutex
	closeOnce  sync.Once
	enabled    bool
	dryMode    bool
}

// New validates opts and starts the hub's worker.
//
// Conflicting or out of range sampling options are programming errors and
// return an error. A missing or invalid DSN is not: the hub is returned
// disabled and drops every capture after logging one warning.
func New(opts Options) (*Hub, error) {
	if opts.TracesSampleRate != nil && opts.TracesSampler != nil {
		return nil, ErrConflictingSamplers
	}
	if r := opts.TracesSampleRate; r != nil && (*r < 0 || *r > 1) {
		return nil, ErrInvalidSampleRate
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLogger(opts.Debug)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	h := &Hub{
		sampler:    resolveSampler(opts),
		tags:       make(map[Tag]string),
		logger:     logger,
		clock:      clock,
		ids:        newIDSource(clock),
		release:    opts.Release,
		serverName: opts.ServerName,
		dryMode:    opts.DryMode,
	}
	if h.serverName == "" {
		h.serverName, _ = os.Hostname()
	}
	if opts.Environment != "" {
		h.tags[environmentTag] = opts.Environment
	}

	if opts.DSN != "" {
		dsn, err := ParseDSN(opts.DSN)
		if err != nil {
			logger.Warn("ignoring invalid DSN", zap.Error(err))
		} else {
			h.dsn = dsn
		}
	}

	h.queue = newQueue(opts.QueueSize)
	h.metrics = newMetrics(h.queue)
	if opts.Registerer != nil {
		if err := h.metrics.register(opts.Registerer); err != nil {
			logger.Warn("failed to register metrics", zap.Error(err))
		}
	}

	h.enabled = h.dsn != nil || h.dryMode
	if !h.enabled {
		logger.Warn("no DSN configured, events will be dropped")
		h.queue.close()
		return h, nil
	}

	transport := opts.Transport
	if transport == nil {
		ht := NewHTTPTransport(h.dsn, opts.HTTPClient, clock, logger)
		ht.SetDryMode(h.dryMode, opts.DryRunHook)
		ht.SetDebug(opts.Debug)
		transport = ht
	}

	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	h.worker = newWorker(h, h.queue, transport, maxRetries, opts.RetryInterval)
	h.worker.start()

	logger.Debug("hub initialised",
		zap.Bool("dry_mode", h.dryMode),
		zap.String("release", h.release),
	)
	return h, nil
}

// newDisabledHub returns a silent hub that drops everything.
func newDisabledHub() *Hub {
	q := newQueue(1)
	q.close()
	return &Hub{
		sampler: NoSamples,
		tags:    make(map[Tag]string),
		queue:   q,
		metrics: newMetrics(q),
		logger:  zap.NewNop(),
		clock:   clockz.RealClock,
		ids:     newIDSource(clockz.RealClock),
	}
}

func resolveSampler(opts Options) Sampler {
	switch {
	case opts.TracesSampler != nil:
		return opts.TracesSampler
	case opts.TracesSampleRate != nil:
		return NewRatioSampler(*opts.TracesSampleRate)
	default:
		return NoSamples
	}
}

// Enabled reports whether captures reach the delivery queue.
func (h *Hub) Enabled() bool {
	return h.enabled
}

// DSN returns the parsed DSN, nil when none is configured.
func (h *Hub) DSN() *DSN {
	return h.dsn
}

// Metrics returns the hub's delivery counters.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Logger returns the hub's logger.
func (h *Hub) Logger() *zap.Logger {
	return h.logger
}

// SetTag sets a tag attached to every later event and transaction.
// The release tag is reserved and rejected with a warning.
func (h *Hub) SetTag(name Tag, value string) {
	if name == reservedReleaseTag {
		h.logger.Warn("tag is reserved, use Options.Release instead", zap.String("tag", name))
		return
	}

	h.tagsMu.Lock()
	defer h.tagsMu.Unlock()
	h.tags[name] = value
}

// Tags returns a copy of the global tags.
func (h *Hub) Tags() map[Tag]string {
	h.tagsMu.RLock()
	defer h.tagsMu.RUnlock()
	return maps.Clone(h.tags)
}

// CaptureMessage reports a message. Returns the event ID, or "" if the
// event was dropped.
func (h *Hub) CaptureMessage(message string, level Level, opts ...EventOption) string {
	e := h.newEvent(level)
	e.Message = message
	return h.captureEvent(e, opts)
}

// CaptureException reports err and the chain it wraps.
func (h *Hub) CaptureException(err error, opts ...EventOption) string {
	return h.captureException(err, 1, opts)
}

// Recover reports a value obtained from recover() as a fatal event.
func (h *Hub) Recover(recovered any, opts ...EventOption) string {
	return h.recoverValue(recovered, 1, opts)
}

// captureException and recoverValue drop skip frames above themselves
// from a capture-site stack, so exported wrappers stay out of it.
func (h *Hub) captureException(err error, skip int, opts []EventOption) string {
	if err == nil {
		return ""
	}
	e := h.newEvent(LevelError)
	e.Exception = NormalizeException(err, skip+1)
	return h.captureEvent(e, opts)
}

func (h *Hub) recoverValue(recovered any, skip int, opts []EventOption) string {
	if recovered == nil {
		return ""
	}
	e := h.newEvent(LevelFatal)
	e.Exception = NormalizeException(recovered, skip+1)
	return h.captureEvent(e, opts)
}

// CaptureEvent reports a caller-built event. Missing ID, timestamp and
// level are filled in. The event is copied; later changes are not sent.
func (h *Hub) CaptureEvent(e *Event, opts ...EventOption) string {
	if e == nil {
		return ""
	}
	c := e.clone()
	if c.EventID == "" {
		c.EventID = newEventID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = h.clock.Now()
	}
	if c.Level == "" {
		c.Level = LevelError
	}
	return h.captureEvent(c, opts)
}

func (h *Hub) newEvent(level Level) *Event {
	return &Event{
		EventID:   newEventID(),
		Timestamp: h.clock.Now(),
		Level:     level,
	}
}

func (h *Hub) captureEvent(e *Event, opts []EventOption) string {
	if !h.enabled {
		return ""
	}
	for _, opt := range opts {
		opt(e)
	}
	frozen := e.clone()
	frozen.freezeAttachments()
	if !h.submit(EventPayload(frozen)) {
		return ""
	}
	return e.EventID
}

func (h *Hub) submitTransaction(tx *Transaction) {
	if !tx.Sampled {
		h.metrics.Dropped.WithLabelValues(dropUnsampled).Inc()
		return
	}
	if !h.enabled {
		return
	}
	h.submit(TransactionPayload(tx))
}

func (h *Hub) submit(p Payload) bool {
	if err := h.queue.push(p); err != nil {
		reason := dropQueueFull
		if errors.Is(err, ErrHubClosed) {
			reason = dropClosed
		}
		h.metrics.Dropped.WithLabelValues(reason).Inc()
		h.logger.Debug("dropping payload",
			zap.String("event_id", p.ID()),
			zap.Stringer("kind", p.Kind),
			zap.Error(err),
		)
		return false
	}
	h.metrics.Enqueued.WithLabelValues(p.Kind.String()).Inc()
	return true
}

func (h *Hub) envelopeMeta() EnvelopeMeta {
	meta := EnvelopeMeta{
		SentAt:     h.clock.Now(),
		GlobalTags: h.Tags(),
		Logger:     h.logger,
		Release:    h.release,
		ServerName: h.serverName,
	}
	if h.dsn != nil {
		meta.DSN = h.dsn.String()
	}
	return meta
}

// Flush waits until everything enqueued before the call has been handed
// to the transport, or until timeout. Returns false on timeout.
func (h *Hub) Flush(timeout time.Duration) bool {
	if h.worker == nil {
		return true
	}
	deadline := h.clock.After(timeout)
	flushed, err := h.queue.pushFlush(deadline)
	if err != nil {
		return false
	}
	select {
	case <-flushed:
		return true
	case <-deadline:
		return false
	}
}

// Close stops accepting payloads and waits up to timeout for the worker
// to drain the queue. Returns false when payloads were left undelivered.
// Later calls wait on the same shutdown.
func (h *Hub) Close(timeout time.Duration) bool {
	h.closeOnce.Do(func() {
		h.queue.close()
	})
	defer h.ids.close()

	if h.worker == nil {
		return true
	}

	select {
	case <-h.worker.done:
		return true
	case <-h.clock.After(timeout):
		h.logger.Warn("shutdown timed out, dropping undelivered payloads",
			zap.Int("undelivered", h.queue.len()),
			zap.Duration("timeout", timeout),
		)
		h.worker.stop()
		return false
	}
}

// WithContext returns a copy of ctx carrying h, for code that only
// receives a context.
func (h *Hub) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, hubKey, h)
}

// HubFromContext returns the hub stored by WithContext, or CurrentHub.
func HubFromContext(ctx context.Context) *Hub {
	if ctx != nil {
		if h, ok := ctx.Value(hubKey).(*Hub); ok {
			return h
		}
	}
	return CurrentHub()
}

const hubKey bundleKeyType = "sentryz.hub"

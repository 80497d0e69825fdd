package sentryz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var (
	defaultHub  atomic.Pointer[Hub]
	initMu      sync.Mutex
	disabled    *Hub
	disabledOne sync.Once
)

// Init configures the process-wide hub once. Explicit options win over
// SENTRY_* environment variables. Later calls log a warning and leave the
// existing hub untouched.
func Init(opts Options) error {
	initMu.Lock()
	defer initMu.Unlock()

	if existing := defaultHub.Load(); existing != nil {
		existing.logger.Warn("sentryz already initialised, ignoring Init")
		return nil
	}

	env, err := OptionsFromEnv()
	if err != nil {
		return err
	}
	hub, err := New(opts.Merge(env))
	if err != nil {
		return err
	}
	defaultHub.Store(hub)
	return nil
}

// CurrentHub returns the hub set by Init, or a disabled hub that drops
// everything when Init has not run.
func CurrentHub() *Hub {
	if h := defaultHub.Load(); h != nil {
		return h
	}
	disabledOne.Do(func() {
		disabled = newDisabledHub()
	})
	return disabled
}

// SetTag sets a global tag on the current hub.
func SetTag(name Tag, value string) {
	CurrentHub().SetTag(name, value)
}

// CaptureMessage reports a message through the current hub.
func CaptureMessage(message string, level Level, opts ...EventOption) string {
	return CurrentHub().CaptureMessage(message, level, opts...)
}

// CaptureException reports an error through the current hub.
func CaptureException(err error, opts ...EventOption) string {
	return CurrentHub().captureException(err, 1, opts)
}

// CaptureEvent reports a caller-built event through the current hub.
func CaptureEvent(e *Event, opts ...EventOption) string {
	return CurrentHub().CaptureEvent(e, opts...)
}

// Recover reports a recovered panic value through the current hub.
func Recover(recovered any, opts ...EventOption) string {
	return CurrentHub().recoverValue(recovered, 1, opts)
}

// StartTransaction starts a transaction or child span on the current hub.
func StartTransaction(ctx context.Context, op string, opts ...TransactionOption) (context.Context, *ActiveSpan) {
	return CurrentHub().StartTransaction(ctx, op, opts...)
}

// WithTransaction runs fn in a scoped span on the current hub.
func WithTransaction(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...TransactionOption) error {
	return CurrentHub().WithTransaction(ctx, op, fn, opts...)
}

// FinishTransaction finishes an unscoped span on the current hub.
func FinishTransaction(span *ActiveSpan) error {
	return CurrentHub().FinishTransaction(span)
}

// Flush waits for the current hub's queue to drain.
func Flush(timeout time.Duration) bool {
	return CurrentHub().Flush(timeout)
}

// Close shuts the current hub down. Init cannot be called again.
func Close(timeout time.Duration) bool {
	return CurrentHub().Close(timeout)
}

// Package sentryz is a small client for reporting errors and performance
// traces to a Sentry-compatible backend.
//
// sentryz keeps capture off the network path: every capture call builds its
// payload on the calling goroutine, pushes it onto a bounded queue and
// returns. A single background worker drains the queue in FIFO order,
// serializes each payload into an envelope and sends it over HTTP.
//
// Core Components:.
//   - Hub: Configuration, global tags, queue and worker for one DSN.
//   - Event: A single error or message report.
//   - ActiveSpan: Handle to an open span or transaction.
//   - Transaction: Frozen span tree handed to the worker.
//   - Sampler: Decides whether a transaction is recorded.
//   - Envelope: The newline-delimited wire format.
//
// Basic Usage:.
//
//	hub, err := sentryz.New(sentryz.Options{DSN: dsn})
//	if err != nil {
//		return err
//	}
//	defer hub.Close(2 * time.Second)
//
//	hub.CaptureMessage("cache warmed", sentryz.LevelInfo)
//
//	ctx, tx := hub.StartTransaction(ctx, "http.server", sentryz.WithName("GET /"))
//	defer tx.Finish()
//
//	// Nested calls become child spans of tx.
//	_, span := hub.StartTransaction(ctx, "db.query")
//	span.Finish()
//
// Process-wide Usage:.
//
// Init configures a default hub once per process. The package-level
// functions (CaptureMessage, StartTransaction, ...) use it and are no-ops
// until Init succeeds.
//
// Context Propagation:.
//
// The active span lives in context.Context. Goroutines that receive a
// context derived from a span's context nest under it automatically; code
// that only receives the span handle re-binds it with ContextWithSpan.
//
// Delivery:.
//
// Delivery is best effort. Failed sends are logged at debug level and
// never surface to the caller. Call Close before the process exits to give
// the worker a bounded window to drain.
package sentryz

// SDK identity reported in envelopes and headers.
const (
	SDKName    = "sentryz"
	SDKVersion = "0.1.0"
)

// Level is the severity of an event.
type Level string

// Event levels understood by the backend.
const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Tag represents a tag key.
type Tag = string

// reservedReleaseTag cannot be set through SetTag; the backend ignores it.
const reservedReleaseTag Tag = "release"

// environmentTag carries Options.Environment.
const environmentTag Tag = "environment"

package sentryz

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retry defaults for rate-limited sends.
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = time.Second
	maxRetryInterval     = 30 * time.Second
	maxRetryWait         = time.Minute
)

// worker is the single consumer of a hub's queue. It sends one envelope at
// a time, in enqueue order.
//
//nolint:govet // Field order optimized for functionality over memory
type worker struct {
	hub           *Hub
	queue         *queue
	transport     Transport
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	maxRetries    int
	retryInterval time.Duration
}

func newWorker(h *Hub, q *queue, transport Transport, maxRetries int, retryInterval time.Duration) *worker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		hub:           h,
		queue:         q,
		transport:     transport,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
	}
}

func (w *worker) start() {
	go w.run()
}

// run drains the queue until it is closed and empty.
func (w *worker) run() {
	defer close(w.done)

	for item := range w.queue.items {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		w.safeProcess(item.payload)
	}
}

// safeProcess isolates one payload; a panic never stops the loop.
func (w *worker) safeProcess(p Payload) {
	defer func() {
		if r := recover(); r != nil {
			w.hub.metrics.Sends.WithLabelValues(sendFailed).Inc()
			w.hub.logger.Debug("panic while sending payload",
				zap.String("event_id", p.ID()),
				zap.Any("panic", r),
			)
		}
	}()
	w.process(p)
}

func (w *worker) process(p Payload) {
	logger := w.hub.logger.With(zap.String("event_id", p.ID()), zap.Stringer("kind", p.Kind))

	env, err := BuildEnvelope(p, w.hub.envelopeMeta())
	if err != nil {
		w.hub.metrics.Sends.WithLabelValues(sendBuildError).Inc()
		logger.Debug("failed to build envelope", zap.Error(err))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInterval
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Clock = w.hub.clock
	b.Reset()

	for attempt := 0; ; attempt++ {
		err := w.transport.Send(w.ctx, env)
		if err == nil {
			w.hub.metrics.Sends.WithLabelValues(sendSuccess).Inc()
			return
		}

		var limited *RateLimitError
		if !errors.As(err, &limited) {
			w.hub.metrics.Sends.WithLabelValues(sendFailed).Inc()
			logger.Debug("failed to send envelope", zap.Error(err))
			return
		}

		w.hub.metrics.Sends.WithLabelValues(sendRateLimited).Inc()
		if attempt >= w.maxRetries {
			logger.Debug("rate limited, giving up", zap.Int("attempts", attempt+1))
			return
		}

		delay := b.NextBackOff()
		if limited.RetryAfter > delay {
			delay = limited.RetryAfter
		}
		if delay > maxRetryWait {
			delay = maxRetryWait
		}
		logger.Debug("rate limited, retrying", zap.Duration("delay", delay), zap.Int("attempt", attempt+1))

		select {
		case <-w.hub.clock.After(delay):
			w.hub.metrics.Retries.Inc()
		case <-w.ctx.Done():
			w.hub.metrics.Sends.WithLabelValues(sendAbandoned).Inc()
			logger.Debug("shutdown while waiting to retry")
			return
		}
	}
}

// stop aborts in-flight sends and pending retries.
func (w *worker) stop() {
	w.cancel()
}

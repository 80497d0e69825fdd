package sentryz

import (
	"math/rand/v2"
	"sync"
)

// SamplingContext is the data a Sampler sees for a new transaction.
type SamplingContext struct {
	Tags          map[Tag]string
	ParentSampled *bool
	TraceID       string
	ParentSpanID  string
	Name          string
	Op            string
}

// Sampler decides whether a transaction is recorded.
// Called exactly once per transaction, when its root span starts.
type Sampler interface {
	Sample(ctx SamplingContext) bool
}

// SamplerFunc adapts an ordinary function to a Sampler.
type SamplerFunc func(ctx SamplingContext) bool

var _ Sampler = SamplerFunc(nil)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx SamplingContext) bool {
	return f(ctx)
}

// NoSamples never records.
var NoSamples Sampler = SamplerFunc(func(SamplingContext) bool { return false })

// RatioSampler records transactions with probability Rate.
// Safe for concurrent use.
type RatioSampler struct {
	rand interface{ Float64() float64 }
	rate float64
	mu   sync.Mutex
}

// NewRatioSampler returns a sampler recording with probability rate.
// Rates outside [0, 1] are clamped.
func NewRatioSampler(rate float64) *RatioSampler {
	return &RatioSampler{
		rate: clampRate(rate),
		rand: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // Sampling, not security.
	}
}

// Rate returns the configured probability.
func (s *RatioSampler) Rate() float64 {
	return s.rate
}

// Sample implements Sampler. The decision depends on the rate alone;
// wrap the sampler with ParentSampler to follow upstream decisions.
func (s *RatioSampler) Sample(SamplingContext) bool {
	switch {
	case s.rate <= 0:
		return false
	case s.rate >= 1:
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < s.rate
}

// ParentSampler follows the sampling decision carried by an incoming
// trace header and asks fallback for root transactions that have none.
func ParentSampler(fallback Sampler) Sampler {
	if fallback == nil {
		fallback = NoSamples
	}
	return SamplerFunc(func(ctx SamplingContext) bool {
		if ctx.ParentSampled != nil {
			return *ctx.ParentSampled
		}
		return fallback.Sample(ctx)
	})
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

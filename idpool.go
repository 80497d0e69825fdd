package sentryz

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"sync"

	"github.com/zoobzio/clockz"
)

// IDPool manages a pool of pre-generated IDs to amortize crypto/rand overhead.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		// Burst load: generate directly.
		return p.factory()
	}
}

// refill keeps the pool topped up until Close.
func (p *IDPool) refill() {
	for {
		select {
		case p.ids <- p.factory():
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// idSource hands out trace IDs (16 random bytes) and span IDs (8 random
// bytes), both hex encoded. Pools start on first use.
type idSource struct {
	clock  clockz.Clock
	traces *IDPool
	spans  *IDPool
	once   sync.Once
}

func newIDSource(clock clockz.Clock) *idSource {
	return &idSource{clock: clock}
}

func (s *idSource) ensurePools() {
	s.once.Do(func() {
		poolSize := runtime.NumCPU() * 16
		s.traces = NewIDPool(poolSize, func() string { return s.randomHex(16) })
		s.spans = NewIDPool(poolSize, func() string { return s.randomHex(8) })
	})
}

func (s *idSource) traceID() string {
	s.ensurePools()
	if s.traces == nil {
		return s.randomHex(16)
	}
	return s.traces.Get()
}

func (s *idSource) spanID() string {
	s.ensurePools()
	if s.spans == nil {
		return s.randomHex(8)
	}
	return s.spans.Get()
}

func (s *idSource) randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fall back to the clock so IDs stay unique within a process.
		ts := uint64(s.clock.Now().UnixNano()) //nolint:gosec // Nanoseconds since epoch are positive.
		for i := range b {
			b[i] = byte(ts >> (8 * (i % 8)))
		}
	}
	return hex.EncodeToString(b)
}

// close stops the refill goroutines. IDs are generated directly afterwards.
func (s *idSource) close() {
	// Pools that were never started stay that way.
	s.once.Do(func() {})
	if s.traces != nil {
		s.traces.Close()
	}
	if s.spans != nil {
		s.spans.Close()
	}
}

package sentryz

import (
	"encoding/hex"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// TestIDPoolBasicOperation tests basic ID pool functionality.
func TestIDPoolBasicOperation(t *testing.T) {
	factory := func() string { return "test-id" }
	pool := NewIDPool(10, factory)
	defer pool.Close()

	id := pool.Get()
	if id != "test-id" {
		t.Errorf("Expected 'test-id', got %s", id)
	}
}

// TestIDPoolEmpty tests behavior when pool is empty.
func TestIDPoolEmpty(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	factory := func() string {
		mu.Lock()
		defer mu.Unlock()
		callCount++
		return "direct-id"
	}

	// Very small pool that will be empty.
	pool := NewIDPool(1, factory)
	defer pool.Close()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = pool.Get()
	}

	mu.Lock()
	finalCount := callCount
	mu.Unlock()
	if finalCount < 2 {
		t.Errorf("Expected factory to be called multiple times, got %d", finalCount)
	}

	for _, id := range ids {
		if id != "direct-id" {
			t.Errorf("Expected 'direct-id', got %s", id)
		}
	}
}

// TestIDPoolGetAfterClose tests that Get keeps working once refill stops.
func TestIDPoolGetAfterClose(t *testing.T) {
	pool := NewIDPool(1, func() string { return "late-id" })
	pool.Close()
	pool.Close()

	for i := 0; i < 5; i++ {
		if id := pool.Get(); id != "late-id" {
			t.Errorf("Expected 'late-id', got %s", id)
		}
	}
}

// TestIDPoolCleanShutdown tests that pools shut down cleanly.
func TestIDPoolCleanShutdown(t *testing.T) {
	pool := NewIDPool(10, func() string { return "shutdown-test" })

	before := runtime.NumGoroutine()
	pool.Close()
	time.Sleep(10 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before {
		t.Errorf("Goroutine leak detected: %d -> %d", before, after)
	}
}

// TestIDSourceFormats tests trace and span ID length and encoding.
func TestIDSourceFormats(t *testing.T) {
	src := newIDSource(clockz.RealClock)
	defer src.close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		traceID := src.traceID()
		if len(traceID) != 32 {
			t.Fatalf("Expected 32 hex chars, got %q", traceID)
		}
		spanID := src.spanID()
		if len(spanID) != 16 {
			t.Fatalf("Expected 16 hex chars, got %q", spanID)
		}
		if _, err := hex.DecodeString(traceID + spanID); err != nil {
			t.Fatalf("IDs are not hex: %v", err)
		}
		if seen[traceID] || seen[spanID] {
			t.Fatalf("Duplicate ID generated")
		}
		seen[traceID] = true
		seen[spanID] = true
	}
}

// TestIDSourceCloseBeforeUse tests that a source closed before first use
// still generates IDs.
func TestIDSourceCloseBeforeUse(t *testing.T) {
	src := newIDSource(clockz.RealClock)
	src.close()

	if len(src.traceID()) != 32 || len(src.spanID()) != 16 {
		t.Error("Expected IDs from a closed source")
	}
}

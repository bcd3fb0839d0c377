package registry

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/toolrelay/internal/resilience"
)

// defaultWindowSize is the capacity of each tool's latency window.
const defaultWindowSize = 100

// latencyWindow keeps the last N call latencies of one tool and whether each
// call failed. Safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64 // ring buffer, milliseconds
	failed  []bool  // parallel to samples
	pos     int
	count   int
	errors  int // total failed calls
	last    time.Time
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &latencyWindow{samples: make([]int64, size), failed: make([]bool, size)}
}

// record adds one call outcome, overwriting the oldest once full.
func (w *latencyWindow) record(ms int64, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = ms
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
	if failed {
		w.errors++
	}
	w.last = time.Now()
}

// ToolStats summarises recent calls of one tool.
type ToolStats struct {
	Name      string    `json:"name"`
	Server    string    `json:"server"`
	Calls     int       `json:"calls"`
	Errors    int       `json:"errors"`
	P50Ms     int64     `json:"p50_ms"`
	P99Ms     int64     `json:"p99_ms"`
	ErrorRate float64   `json:"error_rate"`
	LastCall  time.Time `json:"last_call"`
}

// snapshot computes percentiles over the current window.
func (w *latencyWindow) snapshot() ToolStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := min(w.count, len(w.samples))
	st := ToolStats{Calls: w.count, Errors: w.errors, LastCall: w.last}
	if n == 0 {
		return st
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	st.P50Ms = sorted[n/2]
	st.P99Ms = sorted[int(float64(n-1)*0.99)]

	failed := 0
	for _, f := range w.failed[:n] {
		if f {
			failed++
		}
	}
	st.ErrorRate = float64(failed) / float64(n)
	return st
}

// gate guards calls to one server: a rate limiter and a circuit breaker. It
// lives as long as the server's connection.
type gate struct {
	limiter *rate.Limiter // rate.Inf when unlimited
	breaker *resilience.CircuitBreaker
}

func newGate(id string, perSecond float64, cfg resilience.CircuitBreakerConfig) *gate {
	cfg.Name = id
	g := &gate{
		limiter: rate.NewLimiter(rate.Inf, 1),
		breaker: resilience.NewCircuitBreaker(cfg),
	}
	g.setRate(perSecond)
	return g
}

// setRate adjusts the limiter in place; zero or less means unlimited.
func (g *gate) setRate(perSecond float64) {
	if perSecond <= 0 {
		g.limiter.SetLimit(rate.Inf)
		return
	}
	g.limiter.SetBurst(max(1, int(perSecond)))
	g.limiter.SetLimit(rate.Limit(perSecond))
}

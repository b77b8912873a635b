// Package limiter provides the admission gate in front of worker endpoints: a FIFO concurrency
// limit with an optional request rate.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("admission gate closed")

// Gate bounds concurrent worker calls. Callers beyond the limit queue in arrival order until a
// slot frees or their context ends.
type Gate struct {
	sem   *semaphore.Weighted
	rate  *rate.Limiter
	limit int64

	mu       sync.Mutex
	inFlight int64
	waiting  int64
	admitted int64
	closed   bool
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Limit    int64 `json:"limit"`
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
	Admitted int64 `json:"admitted"`
}

// New creates a gate admitting at most concurrency calls at once. A positive rps additionally
// spaces admissions to that many per second with a burst of concurrency.
func New(concurrency int, rps float64) *Gate {
	if concurrency < 1 {
		concurrency = 1
	}
	g := &Gate{sem: semaphore.NewWeighted(int64(concurrency)), limit: int64(concurrency)}
	if rps > 0 {
		g.rate = rate.NewLimiter(rate.Limit(rps), concurrency)
	}
	return g
}

// Acquire blocks until the caller is admitted and returns the release function. The wait is
// returned so callers can record queueing time.
func (g *Gate) Acquire(ctx context.Context) (release func(), wait time.Duration, err error) {
	start := time.Now()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, 0, ErrClosed
	}
	g.waiting++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, time.Since(start), fmt.Errorf("admission wait: %w", err)
	}
	if g.rate != nil {
		if err := g.rate.Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, time.Since(start), fmt.Errorf("admission rate wait: %w", err)
		}
	}

	g.mu.Lock()
	g.inFlight++
	g.admitted++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.inFlight--
			g.mu.Unlock()
			g.sem.Release(1)
		})
	}, time.Since(start), nil
}

// Stats reports the current counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Limit: g.limit, InFlight: g.inFlight, Waiting: g.waiting, Admitted: g.admitted}
}

// Close rejects new acquisitions. Calls already admitted are unaffected.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

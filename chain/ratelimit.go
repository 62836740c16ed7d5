package chain

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds concurrent in-flight RPC calls and requests per second.
// Acquisition suspends until capacity is available or the context ends.
type Limiter struct {
	sem           *semaphore.Weighted
	rps           *rate.Limiter
	maxConcurrent int64
	inFlight      int64
}

// LimiterStats is a snapshot for observability.
type LimiterStats struct {
	MaxConcurrent int64
	InFlight      int64
	MaxPerSecond  float64
}

// NewLimiter builds a limiter with the given concurrency and rate bounds.
func NewLimiter(maxConcurrent int64, maxPerSecond float64) *Limiter {
	return &Limiter{
		sem:           semaphore.NewWeighted(maxConcurrent),
		rps:           rate.NewLimiter(rate.Limit(maxPerSecond), int(maxPerSecond)),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire blocks until a slot is available, returning a release func.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "rpc concurrency limit")
	}
	if err := l.rps.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, errors.Wrap(err, "rpc rate limit")
	}
	atomic.AddInt64(&l.inFlight, 1)
	var released int32
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			atomic.AddInt64(&l.inFlight, -1)
			l.sem.Release(1)
		}
	}, nil
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConcurrent: l.maxConcurrent,
		InFlight:      atomic.LoadInt64(&l.inFlight),
		MaxPerSecond:  float64(l.rps.Limit()),
	}
}

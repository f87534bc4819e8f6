// Package ratelimit throttles outbound connection attempts and one-shot requests.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with optional named sub-buckets sharing the same
// rate. The manager waits on the global bucket before dialing a socket; the
// REST client waits on one bucket per endpoint path.
type Limiter struct {
	global   *rate.Limiter
	buckets  sync.Map
	requests int
	period   time.Duration
	stats    *stats
}

type stats struct {
	waited  atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
	buckets atomic.Int32
}

// New creates a Limiter allowing requests per period, with a burst of requests.
func New(requests int, period time.Duration) *Limiter {
	return &Limiter{
		global:   rate.NewLimiter(limitFor(requests, period), requests),
		requests: requests,
		period:   period,
		stats:    &stats{},
	}
}

// PerMinute creates a Limiter allowing n requests per minute.
func PerMinute(n int) *Limiter {
	return New(n, time.Minute)
}

func limitFor(requests int, period time.Duration) rate.Limit {
	return rate.Limit(float64(requests) / period.Seconds())
}

// Wait blocks until the global bucket yields a token or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.wait(ctx, l.global)
}

// WaitBucket blocks until the named bucket yields a token or the context is cancelled.
// Buckets are created on demand with the limiter's rate.
func (l *Limiter) WaitBucket(ctx context.Context, bucket string) error {
	return l.wait(ctx, l.bucket(bucket))
}

func (l *Limiter) wait(ctx context.Context, limiter *rate.Limiter) error {
	l.stats.waited.Add(1)
	if err := limiter.Wait(ctx); err != nil {
		l.stats.denied.Add(1)
		return err
	}
	l.stats.allowed.Add(1)
	return nil
}

// Allow reports whether the global bucket yields a token immediately.
func (l *Limiter) Allow() bool {
	allowed := l.global.Allow()
	if allowed {
		l.stats.allowed.Add(1)
	} else {
		l.stats.denied.Add(1)
	}
	return allowed
}

func (l *Limiter) bucket(name string) *rate.Limiter {
	if v, ok := l.buckets.Load(name); ok {
		return v.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(limitFor(l.requests, l.period), l.requests)
	actual, loaded := l.buckets.LoadOrStore(name, limiter)
	if !loaded {
		l.stats.buckets.Add(1)
	}
	return actual.(*rate.Limiter)
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Waited:  l.stats.waited.Load(),
		Allowed: l.stats.allowed.Load(),
		Denied:  l.stats.denied.Load(),
		Buckets: l.stats.buckets.Load(),
	}
}

// Stats is a point-in-time capture of limiter usage.
type Stats struct {
	// Waited is the number of blocking acquisitions attempted.
	Waited int64
	// Allowed is the number of tokens handed out.
	Allowed int64
	// Denied is the number of refusals and cancelled waits.
	Denied int64
	// Buckets is the number of named buckets created.
	Buckets int32
}

// Package concurrency provides the throttling primitives providers use to
// keep request volume inside remote rate limits.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Semaphore bounds concurrent work with a fixed number of slots.
type Semaphore struct {
	ch  chan struct{}
	mu  sync.Mutex
	cur int
}

func NewSemaphore(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{ch: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or the context ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.cur++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.cur++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.cur > 0 {
			s.cur--
		}
		s.mu.Unlock()
	default:
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// RateLimiter releases one request slot per interval, smoothing bursts to a
// steady requests-per-second rate.
type RateLimiter struct {
	sem    *Semaphore
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}

	rl := &RateLimiter{
		sem:  NewSemaphore(requestsPerSecond),
		stop: make(chan struct{}),
	}
	rl.ticker = time.NewTicker(time.Second / time.Duration(requestsPerSecond))

	go func() {
		for {
			select {
			case <-rl.ticker.C:
				rl.sem.Release()
			case <-rl.stop:
				return
			}
		}
	}()

	return rl
}

// Wait blocks until the limiter admits one more request.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.sem.Acquire(ctx)
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() {
		rl.ticker.Stop()
		close(rl.stop)
	})
}

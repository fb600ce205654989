// Package backoff keeps data sources alive across transient failures.
//
// A Poller re-runs an operation at a steady interval and falls back to a
// separate error interval while the operation keeps failing. Failures are
// never terminal: the poller only stops when its context is cancelled.
package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("module", "backoff")

// Signal is a broadcast "retry now" trigger. Every waiter that fetched C()
// before Notify is woken.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates an idle signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns a channel that is closed on the next Notify. A nil Signal yields
// a nil channel, which blocks forever in a select.
func (s *Signal) C() <-chan struct{} {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// Op is a fallible operation run by a Poller or Retry.
type Op[T any] func(ctx context.Context) (T, error)

// Poller repeatedly runs an Op and hands each successful result to emit.
type Poller[T any] struct {
	name          string
	op            Op[T]
	interval      time.Duration
	errorInterval time.Duration
	retry         *Signal
	refresh       chan struct{}
}

// NewPoller creates a poller. retry may be nil.
func NewPoller[T any](name string, op Op[T], interval, errorInterval time.Duration, retry *Signal) *Poller[T] {
	return &Poller[T]{
		name:          name,
		op:            op,
		interval:      interval,
		errorInterval: errorInterval,
		retry:         retry,
		refresh:       make(chan struct{}, 1),
	}
}

// Refresh cuts the current wait short so the operation runs immediately.
// Multiple refreshes before the poller wakes coalesce into one.
func (p *Poller[T]) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Only one timer is live at any time.
func (p *Poller[T]) Run(ctx context.Context, emit func(T)) {
	log := logger.WithField("poller", p.name)
	failures := 0
	for {
		retryC := p.retry.C()
		v, err := p.op(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := p.interval
		if err != nil {
			failures++
			wait = p.errorInterval
			log.WithError(err).WithField("failures", failures).Warn("poll failed, retrying")
		} else {
			if failures > 0 {
				log.WithField("failures", failures).Info("poll recovered")
			}
			failures = 0
			retryC = nil
			emit(v)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-p.refresh:
			timer.Stop()
		case <-retryC:
			timer.Stop()
		}
	}
}

// Retry runs op until it succeeds, waiting errorInterval between attempts.
// A Notify on retry skips the remaining wait. The only error Retry returns is
// the context's.
func Retry[T any](ctx context.Context, errorInterval time.Duration, retry *Signal, op Op[T]) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		retryC := retry.C()
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		logger.WithError(err).WithField("attempt", attempt).Debug("fetch failed, retrying")

		timer := time.NewTimer(errorInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		case <-retryC:
			timer.Stop()
		}
	}
}

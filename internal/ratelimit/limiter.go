// Package ratelimit enforces a minimum interval between requests to the same host.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultInterval is the minimum spacing between two requests to one host.
	DefaultInterval = 200 * time.Millisecond
	// logEvery controls how often per-host grant counts are logged.
	logEvery = 10
)

// ErrNotPermitted is returned when a reservation can never be satisfied.
var ErrNotPermitted = errors.New("rate limiter cannot grant request")

// Limiter hands out per-host request slots. Acquisitions for the same host are
// serialized; different hosts never block each other.
type Limiter struct {
	clock           Clock
	logger          *zap.Logger
	defaultInterval time.Duration
	intervals       map[string]time.Duration // read-only after New

	mutex sync.RWMutex
	hosts map[string]*hostState
}

type hostState struct {
	limiter *rate.Limiter
	granted atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHostInterval overrides the interval for one host.
func WithHostInterval(host string, interval time.Duration) Option {
	return func(l *Limiter) {
		l.intervals[normalizeHost(host)] = interval
	}
}

// New creates a limiter with the given default interval. A non-positive interval disables limiting
// for hosts without an explicit override.
func New(defaultInterval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		clock:           SystemClock{},
		logger:          zap.NewNop(),
		defaultInterval: defaultInterval,
		intervals:       make(map[string]time.Duration),
		hosts:           make(map[string]*hostState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the configured interval for host.
func (l *Limiter) Interval(host string) time.Duration {
	if interval, ok := l.intervals[normalizeHost(host)]; ok {
		return interval
	}
	return l.defaultInterval
}

// Acquire blocks until host may be contacted again and returns how long the caller waited.
// If ctx ends during the wait the reserved slot is handed back and ctx's error is returned.
func (l *Limiter) Acquire(ctx context.Context, host string) (time.Duration, error) {
	host = normalizeHost(host)
	state := l.state(host)

	now := l.clock.Now()
	reservation := state.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return 0, ErrNotPermitted
	}

	wait := reservation.DelayFrom(now)
	if wait > 0 {
		l.logger.Debug("Rate limit wait",
			zap.String("host", host),
			zap.Duration("wait", wait))

		if err := l.clock.Sleep(ctx, wait); err != nil {
			reservation.CancelAt(l.clock.Now())
			return 0, err
		}
	}

	if n := state.granted.Add(1); n%logEvery == 0 {
		l.logger.Debug("Requests granted for host",
			zap.String("host", host),
			zap.Int64("count", n))
	}

	return wait, nil
}

func (l *Limiter) state(host string) *hostState {
	l.mutex.RLock()
	state, exists := l.hosts[host]
	l.mutex.RUnlock()

	if exists {
		return state
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if state, exists := l.hosts[host]; exists {
		return state
	}

	// Burst 1 turns the token bucket into a strict minimum interval.
	state = &hostState{limiter: rate.NewLimiter(rate.Every(l.Interval(host)), 1)}
	l.hosts[host] = state

	return state
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

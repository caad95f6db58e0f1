// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package throttle implements the sliding-window admission limiter that
// gates the handshake, decision and dispatch entry points. Counters are
// kept per (endpoint class, client key); classes are fully independent,
// so a saturated handshake window never starves command dispatch.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Class names one guarded entry point. Each class carries its own limit
// and window.
type Class string

const (
	// Handshake guards unauthenticated minion key submission.
	Handshake Class = "handshake"
	// Decision guards operator accept/reject calls.
	Decision Class = "decision"
	// Dispatch guards command submission.
	Dispatch Class = "dispatch"
)

// Limit is the budget for one class: at most Requests events per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits returns the built-in budgets. Handshakes are the cheapest
// call for an attacker to spam, so they get the tightest window.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		Handshake: {Requests: 5, Window: 60 * time.Second},
		Decision:  {Requests: 30, Window: 60 * time.Second},
		Dispatch:  {Requests: 30, Window: 60 * time.Second},
	}
}

// ThrottledError reports a denied call. RetryAfter is computed exactly
// from the oldest event still inside the window, so callers can back off
// for precisely as long as needed and no longer.
type ThrottledError struct {
	Class      Class
	Key        string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s by %s, retry after %s", e.Class, e.Key, e.RetryAfter)
}

// bucket holds the in-window event times for one (class, key) pair,
// oldest first.
type bucket struct {
	mu     sync.Mutex
	events []time.Time
}

// Limiter is a sliding-window rate limiter. The zero value is not usable;
// construct with NewLimiter.
type Limiter struct {
	limits  map[Class]Limit
	buckets sync.Map // "class\x00key" -> *bucket
}

// NewLimiter builds a limiter with the given budgets. Classes absent from
// the map are never throttled.
func NewLimiter(limits map[Class]Limit) *Limiter {
	l := &Limiter{limits: make(map[Class]Limit, len(limits))}
	for c, lim := range limits {
		l.limits[c] = lim
	}
	return l
}

func (l *Limiter) bucketFor(class Class, key string) *bucket {
	k := string(class) + "\x00" + key
	if b, ok := l.buckets.Load(k); ok {
		return b.(*bucket)
	}
	b, _ := l.buckets.LoadOrStore(k, &bucket{})
	return b.(*bucket)
}

// Allow records one event for (class, key) at the given instant and
// reports whether it fits inside the window. A denied call does not count
// against the window and returns a ThrottledError carrying the exact
// retry-after.
func (l *Limiter) Allow(class Class, key string, now time.Time) error {
	lim, ok := l.limits[class]
	if !ok || lim.Requests <= 0 {
		return nil
	}

	b := l.bucketFor(class, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-lim.Window)
	// Drop events that slid out of the window. Events are appended in
	// time order, so the survivors form a suffix.
	keep := 0
	for keep < len(b.events) && !b.events[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		b.events = append(b.events[:0], b.events[keep:]...)
	}

	if len(b.events) >= lim.Requests {
		oldest := b.events[0]
		return &ThrottledError{
			Class:      class,
			Key:        key,
			RetryAfter: oldest.Add(lim.Window).Sub(now),
		}
	}

	b.events = append(b.events, now)
	return nil
}

// Prune discards all buckets whose every event slid out of its window
// before now. Called periodically so abandoned client keys do not grow
// the map without bound.
func (l *Limiter) Prune(now time.Time) {
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		empty := true
		for _, ev := range b.events {
			// The longest configured window bounds how long any event
			// can still matter.
			if ev.Add(l.maxWindow()).After(now) {
				empty = false
				break
			}
		}
		b.mu.Unlock()
		if empty {
			l.buckets.Delete(k)
		}
		return true
	})
}

// RunPruner prunes on the given interval until ctx is done.
func (l *Limiter) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Now())
		}
	}
}

func (l *Limiter) maxWindow() time.Duration {
	var max time.Duration
	for _, lim := range l.limits {
		if lim.Window > max {
			max = lim.Window
		}
	}
	return max
}

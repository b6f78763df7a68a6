// Package ratelimit implements the fixed-window request limiter that gates
// the gateway before any body ingestion or authentication happens.
package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 32

// nowFunc is a test seam.
var nowFunc = time.Now

// Limiter counts requests per key in fixed windows. State is process-local
// and resets on restart; in cluster mode every worker has its own limiter.
type Limiter struct {
	window time.Duration
	limit  int
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

// New creates a limiter allowing limit requests per windowSize per key.
func New(windowSize time.Duration, limit int) *Limiter {
	if windowSize <= 0 {
		windowSize = 10 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	l := &Limiter{window: windowSize, limit: limit}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Allow records one request for key and reports whether it fits in the
// current window. When rejected, retryAfter is the time until the window
// resets.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := nowFunc()
	s := &l.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	w, exists := s.windows[key]
	if !exists || now.Sub(w.start) >= l.window {
		s.windows[key] = &window{count: 1, start: now}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// prune drops windows that have been idle for at least two window lengths.
func (l *Limiter) prune(now time.Time) int {
	removed := 0
	cutoff := 2 * l.window
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if now.Sub(w.start) >= cutoff {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor launches a background loop that periodically prunes idle
// windows. Returns a stop function. Safe for use from main and tests.
func (l *Limiter) StartJanitor(parent context.Context, interval time.Duration, logger *slog.Logger) context.CancelFunc {
	if interval <= 0 {
		interval = l.window
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.prune(nowFunc()); n > 0 {
					logger.Debug("ratelimit: pruned idle windows", slog.Int("removed", n))
				}
			}
		}
	}()
	return cancel
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

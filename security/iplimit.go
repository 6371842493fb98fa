package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiterEntry tracks a per-IP token bucket and its last access time.
type ipLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPLimiter provides per-IP token bucket rate limiting for the HTTP surface,
// with LRU eviction to prevent unbounded memory growth. It is a fast
// in-process transport guard in front of the store-backed windowed Limiter:
// the bucket smooths bursts per connection source, the windowed limiter
// enforces the per-identity ceilings that drive security decisions.
type IPLimiter struct {
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *ipLimiterEntry
	mu         sync.Mutex
	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
}

// NewIPLimiter creates an IP limiter with automatic idle cleanup and LRU
// eviction. maxEntries caps the number of tracked IPs; when the cap is
// reached the least recently used entry is evicted. Non-positive maxEntries
// falls back to 10000.
func NewIPLimiter(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *IPLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	l := &IPLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from the given identifier may proceed.
// A non-positive rate disables the guard entirely.
func (l *IPLimiter) Allow(identifier string) bool {
	if l.rate <= 0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, exists := l.limiters[identifier]; exists {
		l.lruList.MoveToFront(elem)
		entry := elem.Value.(*ipLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(l.limiters) >= l.maxEntries {
		l.evictLRU()
	}

	entry := &ipLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(l.rate), l.burst),
		lastAccess: now,
	}
	l.limiters[identifier] = l.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex held.
func (l *IPLimiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*ipLimiterEntry)
	delete(l.limiters, entry.identifier)
	l.lruList.Remove(elem)
	l.totalEvictions++

	l.logger.Debug("ip limiter LRU eviction",
		"total_evictions", l.totalEvictions,
		"current_entries", len(l.limiters))
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(30 * time.Minute)
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries that have been idle longer than maxIdleTime.
func (l *IPLimiter) Cleanup(maxIdleTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*ipLimiterEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(l.limiters, entry.identifier)
			l.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("ip limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.limiters))
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// Package ratelimit enforces a fixed-window per-client request budget at the
// HTTP edge.
package ratelimit

import (
	"sync"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"
)

// Limiter tracks per-IP fixed windows: up to MaxRequests per Window, counter
// reset when the window rolls over.
type Limiter struct {
	cfg    *config.RateLimitConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*clientWindow

	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

type clientWindow struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

// NewLimiter creates a rate limiter and starts its eviction loop.
func NewLimiter(cfg *config.RateLimitConfig, logger *logging.Logger) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*clientWindow, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the client may proceed within its current window.
func (l *Limiter) Allow(clientIP string) bool {
	if l == nil || clientIP == "" {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[clientIP]
	if !ok || now.After(w.resetAt) {
		l.clients[clientIP] = &clientWindow{
			count:    1,
			resetAt:  now.Add(l.cfg.Window),
			lastSeen: now,
		}
		return true
	}

	w.lastSeen = now
	if w.count >= l.cfg.MaxRequests {
		return false
	}
	w.count++
	return true
}

// Stop terminates the eviction goroutine. Safe to call twice.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup evicts clients idle for more than ten windows.
func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-10 * l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, w := range l.clients {
		if w.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("Rate limiter evicted idle clients", "count", removed)
	}
}

// Size returns the number of tracked clients.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

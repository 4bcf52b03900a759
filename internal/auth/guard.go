package auth

import (
	"sync"
	"time"
)

// Guard blocks clients that fail authentication too often.
type Guard struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	block       time.Duration
	clients     map[string]*failures
	now         func() time.Time
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

const evictThreshold = 1000

// NewGuard blocks a client for block after maxFailures failures within
// window.
func NewGuard(maxFailures int, window, block time.Duration) *Guard {
	return &Guard{
		maxFailures: maxFailures,
		window:      window,
		block:       block,
		clients:     make(map[string]*failures),
		now:         time.Now,
	}
}

// DefaultGuard allows 10 failures per minute and then blocks for 5 minutes.
func DefaultGuard() *Guard {
	return NewGuard(10, time.Minute, 5*time.Minute)
}

// Blocked reports whether client is blocked and, if so, how long until the
// block expires.
func (g *Guard) Blocked(client string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.clients[client]
	if !ok || f.blockedUntil.IsZero() {
		return false, 0
	}
	remaining := f.blockedUntil.Sub(g.now())
	if remaining <= 0 {
		delete(g.clients, client)
		return false, 0
	}
	return true, remaining
}

// Fail records a failed attempt and reports whether client is now blocked.
func (g *Guard) Fail(client string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	f, ok := g.clients[client]
	if !ok || now.Sub(f.windowStart) > g.window {
		f = &failures{windowStart: now}
		g.clients[client] = f
	}
	f.count++
	if f.count >= g.maxFailures {
		f.blockedUntil = now.Add(g.block)
		return true
	}
	if len(g.clients) > evictThreshold {
		g.evict(now)
	}
	return false
}

// Succeed clears the failure record for client.
func (g *Guard) Succeed(client string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, client)
}

func (g *Guard) evict(now time.Time) {
	for client, f := range g.clients {
		switch {
		case !f.blockedUntil.IsZero() && now.After(f.blockedUntil):
			delete(g.clients, client)
		case f.blockedUntil.IsZero() && now.Sub(f.windowStart) > g.window:
			delete(g.clients, client)
		}
	}
}

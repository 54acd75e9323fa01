// Package ratelimit gates message sends per connection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum spacing between accepted sends. A limiter with
// a burst of one refills a single token per window, so unused capacity
// never accumulates into a burst and rejected calls consume nothing.
type Gate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewGate returns a gate that accepts at most one send per window.
func NewGate(window time.Duration) *Gate {
	return &Gate{limiter: rate.NewLimiter(rate.Every(window), 1)}
}

// Allow reports whether a send at now is accepted.
func (g *Gate) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter.AllowN(now, 1)
}

// PerConnection holds one Gate per connection ID. Two connections of the
// same user get independent budgets.
type PerConnection struct {
	mu     sync.Mutex
	window time.Duration
	gates  map[string]*Gate
}

func NewPerConnection(window time.Duration) *PerConnection {
	return &PerConnection{
		window: window,
		gates:  make(map[string]*Gate),
	}
}

// Allow checks the gate of connID, creating it on first use.
func (p *PerConnection) Allow(connID string, now time.Time) bool {
	p.mu.Lock()
	g, ok := p.gates[connID]
	if !ok {
		g = NewGate(p.window)
		p.gates[connID] = g
	}
	p.mu.Unlock()
	return g.Allow(now)
}

// Forget drops the gate of a closed connection.
func (p *PerConnection) Forget(connID string) {
	p.mu.Lock()
	delete(p.gates, connID)
	p.mu.Unlock()
}

// Len returns the number of tracked connections.
func (p *PerConnection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gates)
}

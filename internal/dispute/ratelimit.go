package dispute

import (
	"math"
	"sync"
	"time"
)

// filingLimiter caps how many disputes a node may open per hour using a
// token bucket per filer. Tokens replenish continuously, so the cap is an
// hourly average rather than a fixed-window count.
type filingLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu         sync.Mutex
	lastUpdate map[int]time.Time
	tokens     map[int]float64
}

func newFilingLimiter(perHour int) *filingLimiter {
	return &filingLimiter{
		rate:       float64(perHour) / 3600.0,
		burst:      float64(perHour),
		lastUpdate: make(map[int]time.Time),
		tokens:     make(map[int]float64),
	}
}

// allow consumes one filing token for nodeID if available.
func (l *filingLimiter) allow(nodeID int) bool {
	if l.rate <= 0 || l.burst <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	last, exists := l.lastUpdate[nodeID]
	if !exists {
		l.lastUpdate[nodeID] = now
		l.tokens[nodeID] = l.burst - 1.0
		return true
	}

	elapsed := now.Sub(last).Seconds()
	l.lastUpdate[nodeID] = now

	tokens := l.tokens[nodeID]
	if elapsed > 0 {
		tokens = math.Min(l.burst, tokens+elapsed*l.rate)
	}
	if tokens >= 1.0 {
		l.tokens[nodeID] = tokens - 1.0
		return true
	}
	l.tokens[nodeID] = tokens
	return false
}

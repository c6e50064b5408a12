package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/httptim/rednetd/internal/rederr"
)

// Conn is one logical connection to a remote host. Connections carry no
// socket of their own (everything rides the broadcast transport); the pool
// exists to bound concurrent requests per host.
type Conn struct {
	Host     string
	openedAt time.Time
	lastUsed time.Time
	inUse    bool
}

// ConnPool bounds concurrent connections per host and prunes idle ones.
type ConnPool struct {
	perHost     int
	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[string][]*Conn
	waits map[string][]chan *Conn
}

// NewConnPool creates a pool allowing perHost concurrent connections to
// each host. Idle connections older than idleTimeout are pruned.
func NewConnPool(perHost int, idleTimeout time.Duration) *ConnPool {
	return &ConnPool{
		perHost:     perHost,
		idleTimeout: idleTimeout,
		conns:       make(map[string][]*Conn),
		waits:       make(map[string][]chan *Conn),
	}
}

// Acquire returns a connection to host, reusing an idle one when
// available. When the host is at its cap, Acquire waits for a release
// until ctx is done.
func (p *ConnPool) Acquire(ctx context.Context, host string) (*Conn, error) {
	p.mu.Lock()
	for _, c := range p.conns[host] {
		if !c.inUse {
			c.inUse = true
			c.lastUsed = time.Now()
			p.mu.Unlock()
			return c, nil
		}
	}
	if len(p.conns[host]) < p.perHost {
		c := &Conn{Host: host, openedAt: time.Now(), lastUsed: time.Now(), inUse: true}
		p.conns[host] = append(p.conns[host], c)
		p.mu.Unlock()
		return c, nil
	}

	ch := make(chan *Conn, 1)
	p.waits[host] = append(p.waits[host], ch)
	p.mu.Unlock()

	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		p.dropWaiter(host, ch)
		// The release may have raced the cancellation.
		select {
		case c := <-ch:
			return c, nil
		default:
		}
		return nil, fmt.Errorf("waiting for connection to %s: %w", host, rederr.ErrTimeout)
	}
}

// Release returns c to the pool, handing it straight to a waiter if one
// is queued.
func (p *ConnPool) Release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.lastUsed = time.Now()
	if waiters := p.waits[c.Host]; len(waiters) > 0 {
		ch := waiters[0]
		p.waits[c.Host] = waiters[1:]
		ch <- c
		return
	}
	c.inUse = false
}

func (p *ConnPool) dropWaiter(host string, ch chan *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.waits[host]
	for i, w := range waiters {
		if w == ch {
			p.waits[host] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// Prune closes idle connections past the idle timeout and returns how
// many were removed.
func (p *ConnPool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed int
	for host, conns := range p.conns {
		kept := conns[:0]
		for _, c := range conns {
			if !c.inUse && time.Since(c.lastUsed) > p.idleTimeout {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.conns, host)
		} else {
			p.conns[host] = kept
		}
	}
	return removed
}

// Open reports the number of live connections to host.
func (p *ConnPool) Open(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[host])
}

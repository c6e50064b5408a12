package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/httptim/rednetd/internal/rederr"
)

// Bus is an in-process broadcast domain. Every Link joined to the same Bus
// sees broadcasts from the others; unicast sends reach exactly one link.
// Used by tests and by multi-node simulations inside one process.
type Bus struct {
	mu    sync.RWMutex
	links map[int]*Link
}

// NewBus creates an empty broadcast domain.
func NewBus() *Bus {
	return &Bus{links: make(map[int]*Link)}
}

// Join attaches a node to the bus and returns its transport endpoint.
// Joining an id twice replaces the earlier link.
func (b *Bus) Join(id int) *Link {
	l := &Link{bus: b, id: id, box: newMailbox()}
	b.mu.Lock()
	b.links[id] = l
	b.mu.Unlock()
	return l
}

func (b *Bus) drop(id int) {
	b.mu.Lock()
	delete(b.links, id)
	b.mu.Unlock()
}

func (b *Bus) deliver(dest int, msg Message) bool {
	b.mu.RLock()
	l, ok := b.links[dest]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	l.box.deliver(msg)
	return true
}

func (b *Bus) broadcast(from int, msg Message) {
	b.mu.RLock()
	targets := make([]*Link, 0, len(b.links))
	for id, l := range b.links {
		if id == from {
			continue
		}
		targets = append(targets, l)
	}
	b.mu.RUnlock()
	for _, l := range targets {
		l.box.deliver(msg)
	}
}

// Link is one node's endpoint on a Bus. It implements Transport.
type Link struct {
	bus *Bus
	id  int
	box *mailbox
}

var _ Transport = (*Link)(nil)

func (l *Link) SelfID() int { return l.id }

func (l *Link) Send(dest int, protocol string, env Envelope) error {
	// Fire-and-forget: an unknown destination is not an error upward,
	// matching radio semantics where nobody may be listening.
	l.bus.deliver(dest, Message{Protocol: protocol, Envelope: env})
	return nil
}

func (l *Link) Broadcast(protocol string, env Envelope) error {
	l.bus.broadcast(l.id, Message{Protocol: protocol, Envelope: env})
	return nil
}

func (l *Link) Receive(ctx context.Context, protocol string, timeout time.Duration) (Message, bool) {
	return l.box.receive(ctx, protocol, timeout)
}

func (l *Link) Close() error {
	l.bus.drop(l.id)
	l.box.close()
	return nil
}

// Lookup returns the link joined under id, for tests that need to poke a
// specific endpoint.
func (b *Bus) Lookup(id int) (*Link, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.links[id]
	if !ok {
		return nil, fmt.Errorf("bus link %d: %w", id, rederr.ErrNotFound)
	}
	return l, nil
}

// Package transport implements the broadcast-domain message layer every
// other component sits on. Delivery is best-effort and fire-and-forget:
// messages may be lost or duplicated, there is no ordering across senders,
// and FIFO holds only per (sender, protocol). Higher layers own ack/retry.
//
// Two implementations exist: an in-process Bus for tests and single-host
// simulation, and a UDP multicast transport for a real broadcast domain.
package transport

import (
	"context"
	"sync"
	"time"
)

// Transport is the message-passing surface consumed by the node.
type Transport interface {
	// Send delivers env to the node with the given id. Best effort;
	// a nil error does not mean the peer received it.
	Send(dest int, protocol string, env Envelope) error

	// Broadcast delivers env to every peer in range.
	Broadcast(protocol string, env Envelope) error

	// Receive waits up to timeout for a message on protocol.
	// ok is false on timeout or context cancellation.
	Receive(ctx context.Context, protocol string, timeout time.Duration) (Message, bool)

	// SelfID returns this node's id on the broadcast domain.
	SelfID() int

	Close() error
}

// mailboxCapacity bounds each per-protocol queue. Overflow drops the
// newest message, which the lossy-delivery contract allows.
const mailboxCapacity = 256

// mailbox fans incoming messages into per-protocol FIFO queues.
type mailbox struct {
	mu     sync.Mutex
	queues map[string]chan Message
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{queues: make(map[string]chan Message)}
}

func (m *mailbox) queue(protocol string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[protocol]
	if !ok {
		q = make(chan Message, mailboxCapacity)
		m.queues[protocol] = q
	}
	return q
}

// deliver enqueues msg without blocking. A full queue drops the message.
func (m *mailbox) deliver(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	q, ok := m.queues[msg.Protocol]
	if !ok {
		q = make(chan Message, mailboxCapacity)
		m.queues[msg.Protocol] = q
	}
	m.mu.Unlock()

	select {
	case q <- msg:
	default:
	}
}

// receive waits up to timeout for a message on protocol.
func (m *mailbox) receive(ctx context.Context, protocol string, timeout time.Duration) (Message, bool) {
	q := m.queue(protocol)

	if timeout <= 0 {
		select {
		case msg := <-q:
			return msg, true
		default:
			return Message{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, true
	case <-timer.C:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Mailbox is an exported fan-in queue for transports layered above this
// package, such as the network optimizer, which re-dispatch unpacked
// messages to their original protocols.
type Mailbox struct {
	box *mailbox
}

func NewMailbox() *Mailbox {
	return &Mailbox{box: newMailbox()}
}

// Deliver enqueues msg without blocking; overflow drops it.
func (m *Mailbox) Deliver(msg Message) {
	m.box.deliver(msg)
}

// Receive waits up to timeout for a message on protocol.
func (m *Mailbox) Receive(ctx context.Context, protocol string, timeout time.Duration) (Message, bool) {
	return m.box.receive(ctx, protocol, timeout)
}

func (m *Mailbox) Close() {
	m.box.close()
}

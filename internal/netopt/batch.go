package netopt

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/httptim/rednetd/internal/transport"
)

// BatchedMessage is one entry inside a batch envelope, preserving the
// protocol the message would have traveled on.
type BatchedMessage struct {
	Protocol string             `json:"protocol"`
	Envelope transport.Envelope `json:"envelope"`
}

// BatchPayload is the payload of a type=batch envelope.
type BatchPayload struct {
	Messages []BatchedMessage `json:"messages"`
}

// Batcher accumulates small non-urgent messages per destination and flushes
// them as one batch envelope when any limit is reached: message count, byte
// size, or age.
type Batcher struct {
	selfID   int
	maxCount int
	maxBytes int
	timeout  time.Duration
	send     func(dest int, protocol string, env transport.Envelope) error
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[int]*pendingBatch
	closed  bool
}

type pendingBatch struct {
	messages []BatchedMessage
	bytes    int
	timer    *time.Timer
}

// NewBatcher creates a batcher that flushes through send.
func NewBatcher(selfID, maxCount, maxBytes int, timeout time.Duration, send func(int, string, transport.Envelope) error, logger *slog.Logger) *Batcher {
	return &Batcher{
		selfID:   selfID,
		maxCount: maxCount,
		maxBytes: maxBytes,
		timeout:  timeout,
		send:     send,
		logger:   logger,
		pending:  make(map[int]*pendingBatch),
	}
}

// Add queues env for dest. Messages added to the same destination are
// delivered in the order they were added.
func (b *Batcher) Add(dest int, protocol string, env transport.Envelope) {
	size := envelopeSize(env)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// After shutdown, fall back to immediate send.
		_ = b.send(dest, protocol, env)
		return
	}

	pb, ok := b.pending[dest]
	if !ok {
		pb = &pendingBatch{}
		pb.timer = time.AfterFunc(b.timeout, func() { b.flushDest(dest) })
		b.pending[dest] = pb
	}
	pb.messages = append(pb.messages, BatchedMessage{Protocol: protocol, Envelope: env})
	pb.bytes += size

	full := len(pb.messages) >= b.maxCount || pb.bytes >= b.maxBytes
	b.mu.Unlock()

	if full {
		b.flushDest(dest)
	}
}

// flushDest sends the pending batch for dest, if any.
func (b *Batcher) flushDest(dest int) {
	b.mu.Lock()
	pb, ok := b.pending[dest]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, dest)
	pb.timer.Stop()
	msgs := pb.messages
	b.mu.Unlock()

	b.deliver(dest, msgs)
}

func (b *Batcher) deliver(dest int, msgs []BatchedMessage) {
	if len(msgs) == 0 {
		return
	}
	// A batch of one skips the batch envelope entirely.
	if len(msgs) == 1 {
		_ = b.send(dest, msgs[0].Protocol, msgs[0].Envelope)
		return
	}
	env, err := transport.NewEnvelope("batch", b.selfID, BatchPayload{Messages: msgs})
	if err != nil {
		// Timer-path failure model: fall back to immediate sends.
		if b.logger != nil {
			b.logger.Warn("batch encode failed, sending individually", "err", err)
		}
		for _, m := range msgs {
			_ = b.send(dest, m.Protocol, m.Envelope)
		}
		return
	}
	_ = b.send(dest, transport.ProtocolBatch, env)
}

// Flush forces out every pending batch.
func (b *Batcher) Flush() {
	b.mu.Lock()
	dests := make([]int, 0, len(b.pending))
	for dest := range b.pending {
		dests = append(dests, dest)
	}
	b.mu.Unlock()
	for _, dest := range dests {
		b.flushDest(dest)
	}
}

// Close flushes and stops accepting batched messages.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

// UnpackBatch expands a batch envelope into its ordered messages.
func UnpackBatch(env transport.Envelope) ([]BatchedMessage, error) {
	var payload BatchPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

func envelopeSize(env transport.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		return len(env.Payload)
	}
	return len(data)
}

// Package netopt layers batching, deduplication, dictionary compression,
// and delta sync on top of the raw transport. The Optimizer implements
// transport.Transport, so every higher layer talks to it unchanged.
package netopt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

// Config mirrors the net-optimizer section of the node configuration.
type Config struct {
	CompressionThreshold int
	CompressionLevel     Level
	BatchSize            int
	BatchTimeout         time.Duration
	MaxBatchSize         int
	DedupeWindow         time.Duration
	MaxDedupeCache       int
}

// Stats counts optimizer activity since startup.
type Stats struct {
	Sent       int64 `json:"sent"`
	Deduped    int64 `json:"deduped"`
	Compressed int64 `json:"compressed"`
	Batched    int64 `json:"batched"`
	Unpacked   int64 `json:"unpacked"`
}

// pumpedProtocols is the closed set of protocol tags the optimizer drains
// from the inner transport.
var pumpedProtocols = []string{
	transport.ProtocolDNS,
	transport.ProtocolSearch,
	transport.ProtocolHTTP,
	transport.ProtocolBatch,
	transport.ProtocolPrefetch,
	transport.ProtocolUrgent,
}

// Optimizer wraps an inner transport. Outbound messages are deduped,
// compressed, and batched; inbound batch envelopes are unpacked and
// compressed payloads restored before delivery.
type Optimizer struct {
	inner   transport.Transport
	cfg     Config
	comp    Compressor
	dedupe  *Deduper
	batcher *Batcher
	delta   *DeltaSync
	box     *transport.Mailbox
	logger  *slog.Logger

	sent       atomic.Int64
	deduped    atomic.Int64
	compressed atomic.Int64
	batched    atomic.Int64
	unpacked   atomic.Int64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Transport = (*Optimizer)(nil)

// New wraps inner with the optimizer and starts its receive pumps.
func New(inner transport.Transport, cfg Config, logger *slog.Logger) *Optimizer {
	o := &Optimizer{
		inner:  inner,
		cfg:    cfg,
		comp:   Compressor{Threshold: cfg.CompressionThreshold, Level: cfg.CompressionLevel},
		dedupe: NewDeduper(cfg.DedupeWindow, cfg.MaxDedupeCache),
		delta:  NewDeltaSync(),
		box:    transport.NewMailbox(),
		logger: logger,
		done:   make(chan struct{}),
	}
	o.batcher = NewBatcher(inner.SelfID(), cfg.BatchSize, cfg.MaxBatchSize, cfg.BatchTimeout, o.rawSend, logger)

	for _, protocol := range pumpedProtocols {
		o.wg.Add(1)
		go o.pump(protocol)
	}
	return o
}

func (o *Optimizer) SelfID() int { return o.inner.SelfID() }

// Send applies dedupe, compression, and batching before handing the
// envelope to the inner transport. A duplicate inside the dedupe window is
// dropped and reported as a conflict.
func (o *Optimizer) Send(dest int, protocol string, env transport.Envelope) error {
	if isRequestType(env.Type) && o.dedupe.Duplicate(requestKey(env)) {
		o.deduped.Add(1)
		return fmt.Errorf("duplicate %s within dedupe window: %w", env.Type, rederr.ErrConflict)
	}

	env = o.maybeCompress(env)

	if protocol != transport.ProtocolUrgent && envelopeSize(env) <= o.cfg.MaxBatchSize {
		o.batched.Add(1)
		o.batcher.Add(dest, protocol, env)
		return nil
	}
	return o.rawSend(dest, protocol, env)
}

// Broadcast applies dedupe and compression. Broadcasts are never batched;
// there is no single destination to accumulate against.
func (o *Optimizer) Broadcast(protocol string, env transport.Envelope) error {
	if isRequestType(env.Type) && o.dedupe.Duplicate(requestKey(env)) {
		o.deduped.Add(1)
		return fmt.Errorf("duplicate %s within dedupe window: %w", env.Type, rederr.ErrConflict)
	}
	env = o.maybeCompress(env)
	o.sent.Add(1)
	return o.inner.Broadcast(protocol, env)
}

func (o *Optimizer) rawSend(dest int, protocol string, env transport.Envelope) error {
	o.sent.Add(1)
	return o.inner.Send(dest, protocol, env)
}

// Receive delivers unpacked, decompressed messages.
func (o *Optimizer) Receive(ctx context.Context, protocol string, timeout time.Duration) (transport.Message, bool) {
	return o.box.Receive(ctx, protocol, timeout)
}

// Close flushes pending batches and stops the pumps.
func (o *Optimizer) Close() error {
	o.closeOnce.Do(func() {
		o.batcher.Close()
		close(o.done)
		o.wg.Wait()
		o.box.Close()
	})
	return o.inner.Close()
}

// Stats returns a snapshot of optimizer counters.
func (o *Optimizer) Stats() Stats {
	return Stats{
		Sent:       o.sent.Load(),
		Deduped:    o.deduped.Load(),
		Compressed: o.compressed.Load(),
		Batched:    o.batched.Load(),
		Unpacked:   o.unpacked.Load(),
	}
}

// maybeCompress swaps a large payload for its compression wrapper.
// Compression failure falls back to the raw payload.
func (o *Optimizer) maybeCompress(env transport.Envelope) transport.Envelope {
	if len(env.Payload) == 0 {
		return env
	}
	w := o.comp.Wrap(env.Payload)
	if !w.Compressed {
		return env
	}
	data, err := WrapJSON(w)
	if err != nil {
		return env
	}
	env.Payload = data
	o.compressed.Add(1)
	return env
}

// pump drains one protocol off the inner transport, unpacking batches and
// restoring compressed payloads, then re-delivers locally.
func (o *Optimizer) pump(protocol string) {
	defer o.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-o.done:
			return
		default:
		}

		msg, ok := o.inner.Receive(ctx, protocol, 250*time.Millisecond)
		if !ok {
			continue
		}
		if protocol == transport.ProtocolBatch && msg.Envelope.Type == "batch" {
			msgs, err := UnpackBatch(msg.Envelope)
			if err != nil {
				if o.logger != nil {
					o.logger.Debug("dropping malformed batch", "err", err)
				}
				continue
			}
			for _, m := range msgs {
				o.deliver(transport.Message{Protocol: m.Protocol, Envelope: m.Envelope})
			}
			o.unpacked.Add(int64(len(msgs)))
			continue
		}
		o.deliver(msg)
	}
}

func (o *Optimizer) deliver(msg transport.Message) {
	if len(msg.Envelope.Payload) > 0 {
		restored, err := UnwrapJSON(msg.Envelope.Payload)
		if err != nil {
			if o.logger != nil {
				o.logger.Debug("dropping undecompressable payload", "type", msg.Envelope.Type, "err", err)
			}
			return
		}
		msg.Envelope.Payload = restored
	}
	o.box.Deliver(msg)
}

// SendResourceUpdate transmits the state of a named resource, as a delta
// when the delta is worth it, as full state otherwise.
func (o *Optimizer) SendResourceUpdate(dest int, protocol, resource string, state ResourceState) error {
	msgType, payload := o.delta.Prepare(resource, state)
	env, err := transport.NewEnvelope(msgType, o.SelfID(), payload)
	if err != nil {
		return err
	}
	return o.Send(dest, protocol, env)
}

// ApplyResourceUpdate consumes a delta or resource_full envelope and
// returns the resulting state. Integrity failures return an error; the
// caller should answer with RequestResync so the sender falls back to full
// state.
func (o *Optimizer) ApplyResourceUpdate(env transport.Envelope) (string, ResourceState, error) {
	switch env.Type {
	case "resource_full":
		var p FullPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", nil, err
		}
		state, err := o.delta.ApplyFull(p)
		return p.Resource, state, err
	case "delta":
		var p DeltaPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", nil, err
		}
		state, err := o.delta.ApplyDelta(p)
		return p.Resource, state, err
	default:
		return "", nil, fmt.Errorf("not a resource update: %s: %w", env.Type, rederr.ErrValidation)
	}
}

// RequestResync tells the sender its delta failed and full state is needed.
func (o *Optimizer) RequestResync(dest int, protocol, resource, reason string) error {
	env, err := transport.NewEnvelope("resource_resync", o.SelfID(), ResyncPayload{Resource: resource, Reason: reason})
	if err != nil {
		return err
	}
	return o.rawSend(dest, protocol, env)
}

// HandleResync drops sender-side delta state for the named resource.
func (o *Optimizer) HandleResync(env transport.Envelope) error {
	var p ResyncPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	o.delta.Forget(p.Resource)
	return nil
}

// requestKey extracts the identifying fields of a request envelope and
// hashes them. Fields the payload lacks hash as empty.
func requestKey(env transport.Envelope) uint64 {
	var probe struct {
		URL    string          `json:"url"`
		Domain string          `json:"domain"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(env.Payload, &probe)
	url := probe.URL
	if url == "" {
		url = probe.Domain
	}
	return RequestKey(env.Type, url, probe.Method, string(probe.Params))
}

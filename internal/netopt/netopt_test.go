package netopt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

func testConfig() Config {
	return Config{
		CompressionThreshold: 512,
		CompressionLevel:     LevelFast,
		BatchSize:            10,
		BatchTimeout:         50 * time.Millisecond,
		MaxBatchSize:         4096,
		DedupeWindow:         time.Second,
		MaxDedupeCache:       100,
	}
}

func optimizerPair(t *testing.T) (*Optimizer, *Optimizer) {
	t.Helper()
	bus := transport.NewBus()
	a := New(bus.Join(1), testConfig(), nil)
	b := New(bus.Join(9), testConfig(), nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestBatchingPreservesOrderAndCompression(t *testing.T) {
	a, b := optimizerPair(t)

	// Four small updates to the same destination inside the batch window
	// travel as one batch envelope, and a large payload compresses.
	big := strings.Repeat(`"type":"DNS_REGISTER","domain":"shop.comp9.rednet",`, 20)
	for i := 0; i < 4; i++ {
		env, err := transport.NewEnvelope("UPDATE", 1, map[string]any{"seq": i, "blob": big})
		require.NoError(t, err)
		require.NoError(t, a.Send(9, transport.ProtocolHTTP, env))
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		msg, ok := b.Receive(ctx, transport.ProtocolHTTP, time.Second)
		require.True(t, ok, "message %d lost", i)

		var p struct {
			Seq  int    `json:"seq"`
			Blob string `json:"blob"`
		}
		require.NoError(t, msg.Envelope.DecodePayload(&p))
		require.Equal(t, i, p.Seq, "batch must preserve order")
		require.Equal(t, big, p.Blob, "payload must round-trip through compression")
	}

	require.GreaterOrEqual(t, a.Stats().Compressed, int64(4))
}

func TestUrgentBypassesBatching(t *testing.T) {
	a, b := optimizerPair(t)

	env, err := transport.NewEnvelope("PONG", 1, map[string]int{"nonce": 7})
	require.NoError(t, err)
	require.NoError(t, a.Send(9, transport.ProtocolUrgent, env))

	// Urgent messages do not wait out the batch timer.
	_, ok := b.Receive(context.Background(), transport.ProtocolUrgent, 30*time.Millisecond)
	require.True(t, ok)
}

func TestDuplicateRequestDropped(t *testing.T) {
	a, _ := optimizerPair(t)

	env, err := transport.NewEnvelope("DNS_QUERY", 1, map[string]string{"domain": "shop"})
	require.NoError(t, err)
	require.NoError(t, a.Broadcast(transport.ProtocolDNS, env))

	env2, err := transport.NewEnvelope("DNS_QUERY", 1, map[string]string{"domain": "shop"})
	require.NoError(t, err)
	err = a.Broadcast(transport.ProtocolDNS, env2)
	require.True(t, errors.Is(err, rederr.ErrConflict))
}

func TestResponsesNeverDeduped(t *testing.T) {
	a, b := optimizerPair(t)

	for i := 0; i < 2; i++ {
		env, err := transport.NewEnvelope("DNS_RESPONSE", 1, map[string]string{"domain": "shop"})
		require.NoError(t, err)
		require.NoError(t, a.Send(9, transport.ProtocolDNS, env))
	}
	a.batcher.Flush()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, ok := b.Receive(ctx, transport.ProtocolDNS, time.Second)
		require.True(t, ok, "response %d was deduped", i)
	}
}

func TestResourceUpdateRoundTrip(t *testing.T) {
	a, b := optimizerPair(t)

	state := ResourceState{"page1": "content-one", "page2": "content-two"}
	require.NoError(t, a.SendResourceUpdate(9, transport.ProtocolHTTP, "sitemap", state))

	msg, ok := b.Receive(context.Background(), transport.ProtocolHTTP, time.Second)
	require.True(t, ok)
	require.Equal(t, "resource_full", msg.Envelope.Type)

	resource, got, err := b.ApplyResourceUpdate(msg.Envelope)
	require.NoError(t, err)
	require.Equal(t, "sitemap", resource)
	require.Equal(t, Checksum(state), Checksum(got))
}

func TestResyncFallback(t *testing.T) {
	a, b := optimizerPair(t)

	big := ResourceState{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		big[k] = "value-for-" + k
	}

	// Seed sender-side state, then lose the full transfer on purpose by
	// not applying it at the receiver.
	require.NoError(t, a.SendResourceUpdate(9, transport.ProtocolHTTP, "sitemap", big))
	msg, ok := b.Receive(context.Background(), transport.ProtocolHTTP, time.Second)
	require.True(t, ok)
	require.Equal(t, "resource_full", msg.Envelope.Type)

	next := cloneState(big)
	next["a"] = "changed"
	require.NoError(t, a.SendResourceUpdate(9, transport.ProtocolHTTP, "sitemap", next))
	msg, ok = b.Receive(context.Background(), transport.ProtocolHTTP, time.Second)
	require.True(t, ok)
	require.Equal(t, "delta", msg.Envelope.Type)

	// Receiver has no base: integrity error, resync requested.
	_, _, err := b.ApplyResourceUpdate(msg.Envelope)
	require.True(t, errors.Is(err, rederr.ErrIntegrity))
	require.NoError(t, b.RequestResync(1, transport.ProtocolHTTP, "sitemap", "missing base"))

	msg, ok = a.Receive(context.Background(), transport.ProtocolHTTP, time.Second)
	require.True(t, ok)
	require.Equal(t, "resource_resync", msg.Envelope.Type)
	require.NoError(t, a.HandleResync(msg.Envelope))

	// Next update ships full again.
	require.NoError(t, a.SendResourceUpdate(9, transport.ProtocolHTTP, "sitemap", next))
	msg, ok = b.Receive(context.Background(), transport.ProtocolHTTP, time.Second)
	require.True(t, ok)
	require.Equal(t, "resource_full", msg.Envelope.Type)
}

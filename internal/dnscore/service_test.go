package dnscore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

type staticPeers map[int]bool

func (p staticPeers) IsServer(id int) bool { return p[id] }

type memStore struct {
	records map[string]Record
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (m *memStore) SaveRecord(rec Record) error {
	m.records[rec.Domain] = rec
	return nil
}

func (m *memStore) DeleteRecord(domain string) error {
	delete(m.records, domain)
	return nil
}

func (m *memStore) LoadRecords() ([]Record, error) {
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func fastDNSConfig() config.DNSConfig {
	return config.DNSConfig{
		CacheTimeout:        300,
		MaxCacheEntries:     100,
		QueryTimeout:        0.2,
		MaxRetries:          1,
		PropagationDelay:    0.05,
		VerificationTimeout: 0.2,
	}
}

type testNode struct {
	svc *Service
}

func startNode(t *testing.T, bus *transport.Bus, id int, peers PeerDirectory) *testNode {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := NewRegistry(id, newMemStore())
	require.NoError(t, err)

	link := bus.Join(id)
	svc := NewService(id, fastDNSConfig(), link, reg, peers, logger)

	disp := transport.NewDispatcher(link, logger)
	svc.Attach(disp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = disp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = link.Close()
	})
	return &testNode{svc: svc}
}

func TestRegisterAndResolveAcrossNetwork(t *testing.T) {
	bus := transport.NewBus()
	owner := startNode(t, bus, 9, nil)
	client := startNode(t, bus, 1, nil)

	_, err := owner.svc.Register("shop.comp9.rednet")
	require.NoError(t, err)

	rec, err := client.svc.Lookup(context.Background(), "shop.comp9.rednet")
	require.NoError(t, err)
	require.Equal(t, 9, rec.OwnerID)
	require.Equal(t, KindComputer, rec.Kind)
}

func TestLookupOwnDomainIsLocal(t *testing.T) {
	bus := transport.NewBus()
	owner := startNode(t, bus, 9, nil)

	_, err := owner.svc.Register("shop.comp9.rednet")
	require.NoError(t, err)

	rec, err := owner.svc.Lookup(context.Background(), "shop.comp9.rednet")
	require.NoError(t, err)
	require.Equal(t, 9, rec.OwnerID)
}

func TestRegisterForeignComputerDomainDenied(t *testing.T) {
	bus := transport.NewBus()
	node := startNode(t, bus, 1, nil)

	_, err := node.svc.Register("shop.comp9.rednet")
	require.True(t, errors.Is(err, rederr.ErrPermission))
}

func TestAliasConflictEarliestRegistrationWins(t *testing.T) {
	bus := transport.NewBus()
	first := startNode(t, bus, 9, nil)
	second := startNode(t, bus, 5, nil)
	client := startNode(t, bus, 1, nil)

	_, err := first.svc.Register("shop")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = second.svc.Register("shop")
	require.NoError(t, err)

	rec, err := client.svc.Lookup(context.Background(), "shop")
	require.NoError(t, err)
	require.Equal(t, 9, rec.OwnerID, "first registration must win")
}

func TestLookupUnknownDomainTimesOut(t *testing.T) {
	bus := transport.NewBus()
	client := startNode(t, bus, 1, nil)
	startNode(t, bus, 2, nil)

	_, err := client.svc.Lookup(context.Background(), "nosuchname")
	require.Error(t, err)
	require.True(t, errors.Is(err, rederr.ErrTimeout))
}

func TestServerAnswersNegativeLookup(t *testing.T) {
	bus := transport.NewBus()
	peers := staticPeers{7: true}
	client := startNode(t, bus, 1, peers)
	startNode(t, bus, 7, peers)

	_, err := client.svc.Lookup(context.Background(), "nosuchname")
	require.Error(t, err)
	// The server node has no cached record either, so it stays silent and
	// the lookup runs out of retries.
	require.True(t, errors.Is(err, rederr.ErrTimeout))
}

func TestUnregisterInvalidatesPeerCaches(t *testing.T) {
	bus := transport.NewBus()
	owner := startNode(t, bus, 9, nil)
	client := startNode(t, bus, 1, nil)

	_, err := owner.svc.Register("blog")
	require.NoError(t, err)

	rec, err := client.svc.Lookup(context.Background(), "blog")
	require.NoError(t, err)
	require.Equal(t, 9, rec.OwnerID)

	require.NoError(t, owner.svc.Unregister("blog"))
	require.Eventually(t, func() bool {
		_, ok := client.svc.Cache().Get("blog")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestUnauthenticResponseIgnored(t *testing.T) {
	bus := transport.NewBus()
	client := startNode(t, bus, 1, nil)
	liar := bus.Join(40)
	defer liar.Close()

	// Node 40 claims node 9 owns the domain. It is neither the owner nor
	// a server, so the client must not believe it.
	go func() {
		msg, ok := liar.Receive(context.Background(), transport.ProtocolDNS, time.Second)
		if !ok || msg.Envelope.Type != TypeQuery {
			return
		}
		env, err := transport.NewEnvelope(TypeResponse, 40, ResponsePayload{
			Domain: "stolen", Found: true, OwnerID: 9, Kind: KindAlias, RegisteredAt: 1,
		})
		if err != nil {
			return
		}
		_ = liar.Send(1, transport.ProtocolDNS, env)
	}()

	_, err := client.svc.Lookup(context.Background(), "stolen")
	require.True(t, errors.Is(err, rederr.ErrTimeout))
}

func TestVerifyLiveAndDeadNodes(t *testing.T) {
	bus := transport.NewBus()
	a := startNode(t, bus, 1, nil)
	startNode(t, bus, 9, nil)

	require.True(t, a.svc.Verify(context.Background(), 9))
	require.False(t, a.svc.Verify(context.Background(), 77))
}

func TestReRegisterIsIdempotent(t *testing.T) {
	bus := transport.NewBus()
	owner := startNode(t, bus, 9, nil)

	rec1, err := owner.svc.Register("shop")
	require.NoError(t, err)
	rec2, err := owner.svc.Register("shop")
	require.NoError(t, err)
	require.Equal(t, rec1.RegisteredAt, rec2.RegisteredAt)
}

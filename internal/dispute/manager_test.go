package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

func fastDisputeConfig() config.DisputeConfig {
	return config.DisputeConfig{
		MinVoters:          3,
		VotingTimeout:      0.3,
		MajorityThreshold:  0.66,
		MaxDisputesPerHour: 5,
		BlacklistDuration:  3600,
		TrustDecayRate:     0.1,
		MinTrustLevel:      0.1,
		InitialTrust:       1.0,
	}
}

// serverSet is a fixed peer directory: members are server-kind, everyone
// else is a computer.
type serverSet map[int]bool

func (s serverSet) IsServer(id int) bool { return s[id] }

type disputeNode struct {
	dns *dnscore.Service
	mgr *Manager
}

func startDisputeNode(t *testing.T, bus *transport.Bus, id int, peers dnscore.PeerDirectory) *disputeNode {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := dnscore.NewRegistry(id, nil)
	require.NoError(t, err)

	link := bus.Join(id)
	dnsCfg := config.DNSConfig{
		CacheTimeout:        300,
		MaxCacheEntries:     100,
		QueryTimeout:        0.2,
		MaxRetries:          1,
		PropagationDelay:    0.05,
		VerificationTimeout: 0.2,
	}
	svc := dnscore.NewService(id, dnsCfg, link, reg, nil, logger)

	cfg := fastDisputeConfig()
	mgr := NewManager(id, cfg, link, svc, NewTrustStore(cfg.InitialTrust, cfg.TrustDecayRate), peers, logger)

	disp := transport.NewDispatcher(link, logger)
	svc.Attach(disp)
	mgr.Attach(disp)

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
	return &disputeNode{dns: svc, mgr: mgr}
}

// disputeNetwork starts one node per id, all announced as servers so
// every bystander is eligible to vote.
func disputeNetwork(t *testing.T, ids ...int) (*transport.Bus, map[int]*disputeNode) {
	t.Helper()
	servers := make(serverSet, len(ids))
	for _, id := range ids {
		servers[id] = true
	}
	bus := transport.NewBus()
	nodes := make(map[int]*disputeNode, len(ids))
	for _, id := range ids {
		nodes[id] = startDisputeNode(t, bus, id, servers)
	}
	return bus, nodes
}

func TestDisputeUpheldTransfersDomain(t *testing.T) {
	_, nodes := disputeNetwork(t, 1, 2, 3, 4, 5)

	// Defendant squats the name; its registration propagates to voter
	// caches before the claimant files with proof of an earlier claim.
	_, err := nodes[2].dns.Register("shop")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	res, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{
		OwnershipProof: "receipt-8841",
		RegisteredAt:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpheld, res.Outcome)
	require.Equal(t, 3, res.Voters)
	require.Greater(t, res.Support, 0.66)

	// Claimant now owns the name, defendant released it.
	rec, ok := nodes[1].dns.Registry().Lookup("shop")
	require.True(t, ok)
	require.Equal(t, 1, rec.OwnerID)
	require.Eventually(t, func() bool {
		_, held := nodes[2].dns.Registry().Lookup("shop")
		return !held
	}, time.Second, 10*time.Millisecond)

	// The loser pays one decay step, on the claimant's view and on
	// bystanders'. The winner gains nothing.
	require.InDelta(t, 0.9, nodes[1].mgr.Trust().Get(2), 1e-9)
	require.Equal(t, 1.0, nodes[1].mgr.Trust().Get(1))
	require.Eventually(t, func() bool {
		return nodes[4].mgr.Trust().Get(2) < 1.0
	}, time.Second, 10*time.Millisecond)
}

func TestDisputeWithoutProofRejected(t *testing.T) {
	_, nodes := disputeNetwork(t, 1, 2, 3, 4, 5)

	_, err := nodes[2].dns.Register("shop")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	res, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{Notes: "mine"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)

	// Frivolous filing costs the claimant one decay step.
	require.InDelta(t, 1.0-fastDisputeConfig().TrustDecayRate, nodes[1].mgr.Trust().Get(1), 1e-9)
	require.Equal(t, 1.0, nodes[1].mgr.Trust().Get(2))
	_, held := nodes[2].dns.Registry().Lookup("shop")
	require.True(t, held, "rejected dispute must not move the domain")
}

func TestDisputeInsufficientVotes(t *testing.T) {
	_, nodes := disputeNetwork(t, 1, 2, 3, 4)

	res, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientVotes, res.Outcome)
	require.Equal(t, 2, res.Voters)

	// No winner, no trust movement.
	require.Equal(t, 1.0, nodes[1].mgr.Trust().Get(1))
	require.Equal(t, 1.0, nodes[1].mgr.Trust().Get(2))
}

func TestDisputeRateLimit(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 1, serverSet{})
	node.mgr.limiter = newFilingLimiter(1)

	_, err := node.mgr.File(context.Background(), "one", 2, Evidence{OwnershipProof: "p"})
	require.NoError(t, err)

	_, err = node.mgr.File(context.Background(), "two", 2, Evidence{OwnershipProof: "p"})
	require.True(t, errors.Is(err, rederr.ErrPermission))
}

func TestBlacklistedNodeCannotFile(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 1, serverSet{})
	node.mgr.Trust().Blacklist(1, time.Hour)

	_, err := node.mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.True(t, errors.Is(err, rederr.ErrPermission))
}

func TestResolutionRecordedInHistory(t *testing.T) {
	_, nodes := disputeNetwork(t, 1, 2, 3, 4, 5)

	res, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.NoError(t, err)

	hist := nodes[1].mgr.History()
	require.Len(t, hist, 1)
	require.Equal(t, res.ID, hist[0].ID)

	// Bystanders record the broadcast outcome too.
	require.Eventually(t, func() bool {
		return len(nodes[5].mgr.History()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUpheldOutcomeDecaysOnlyLoser(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 9, serverSet{9: true})

	node.mgr.apply(Resolution{
		ID: "r1", Domain: "shop", ClaimantID: 1, DefendantID: 2,
		Outcome: OutcomeUpheld, ResolvedAt: time.Now(),
	})

	cfg := fastDisputeConfig()
	require.InDelta(t, cfg.InitialTrust-cfg.TrustDecayRate, node.mgr.Trust().Get(2), 1e-9)
	require.Equal(t, cfg.InitialTrust, node.mgr.Trust().Get(1))
}

func TestBlacklistAtTrustFloor(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 9, serverSet{9: true})

	// One decay step away from the floor: losing lands exactly on it.
	node.mgr.Trust().Adjust(2, -0.8)
	node.mgr.apply(Resolution{
		ID: "r2", Domain: "shop", ClaimantID: 1, DefendantID: 2,
		Outcome: OutcomeUpheld, ResolvedAt: time.Now(),
	})

	require.InDelta(t, 0.1, node.mgr.Trust().Get(2), 1e-9)
	require.True(t, node.mgr.Trust().Blacklisted(2))
}

func TestConcurrentDisputeSameDomainRejected(t *testing.T) {
	_, nodes := disputeNetwork(t, 1, 2, 3, 4, 5)

	done := make(chan error, 1)
	go func() {
		_, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
		done <- err
	}()

	// Second filing for the same domain while voting is open.
	require.Eventually(t, func() bool {
		nodes[1].mgr.mu.Lock()
		defer nodes[1].mgr.mu.Unlock()
		return nodes[1].mgr.active["shop"]
	}, time.Second, 5*time.Millisecond)
	_, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.True(t, errors.Is(err, rederr.ErrConflict))

	require.NoError(t, <-done)

	// Once resolved the domain can be disputed again.
	_, err = nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.NoError(t, err)
}

func TestComputerKindPeersDoNotVote(t *testing.T) {
	// Node 6 never announced as a server, so it stays silent and the
	// tally only sees the three server bystanders.
	servers := serverSet{1: true, 2: true, 3: true, 4: true, 5: true}
	bus := transport.NewBus()
	nodes := make(map[int]*disputeNode)
	for _, id := range []int{1, 2, 3, 4, 5, 6} {
		nodes[id] = startDisputeNode(t, bus, id, servers)
	}

	res, err := nodes[1].mgr.File(context.Background(), "shop", 2, Evidence{OwnershipProof: "p"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Voters)
	require.Equal(t, OutcomeUpheld, res.Outcome)
}

func TestAbstentionsCountForQuorumNotWeight(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 1, serverSet{1: true, 3: true, 4: true, 5: true})

	req := VoteRequestPayload{DisputeID: "d1", Domain: "shop", ClaimantID: 1, DefendantID: 2}
	node.mgr.mu.Lock()
	node.mgr.pending["d1"] = map[int]string{3: VoteClaimant, 4: VoteAbstain, 5: VoteAbstain}
	node.mgr.mu.Unlock()

	res := node.mgr.tally(req)
	require.Equal(t, 3, res.Voters)
	require.Equal(t, OutcomeUpheld, res.Outcome)
	require.Equal(t, 1.0, res.Support)
}

func TestAllAbstainIsNotDecisive(t *testing.T) {
	bus := transport.NewBus()
	node := startDisputeNode(t, bus, 1, serverSet{1: true, 3: true, 4: true, 5: true})

	node.mgr.mu.Lock()
	node.mgr.pending["d2"] = map[int]string{3: VoteAbstain, 4: VoteAbstain, 5: VoteAbstain}
	node.mgr.mu.Unlock()

	res := node.mgr.tally(VoteRequestPayload{DisputeID: "d2", Domain: "shop", ClaimantID: 1, DefendantID: 2})
	require.Equal(t, OutcomeInsufficientVotes, res.Outcome)
}

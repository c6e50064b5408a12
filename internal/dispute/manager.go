package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

// Resolution is a finished dispute as recorded in history.
type Resolution struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	ClaimantID  int       `json:"claimant_id"`
	DefendantID int       `json:"defendant_id"`
	Outcome     string    `json:"outcome"`
	Support     float64   `json:"support"`
	Voters      int       `json:"voters"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Manager runs trust-weighted dispute resolution over the broadcast
// network. Any node can file a dispute over a domain; server-kind
// bystanders vote, votes are weighted by the voter's trust score, and a
// strict majority above the threshold transfers the name.
type Manager struct {
	selfID  int
	cfg     config.DisputeConfig
	tr      transport.Transport
	dns     *dnscore.Service
	trust   *TrustStore
	peers   dnscore.PeerDirectory
	limiter *filingLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]map[int]string // disputeID -> voter -> ballot
	active  map[string]bool           // domains with a dispute in flight here
	history map[string]Resolution
}

// NewManager assembles the dispute manager on top of the DNS service.
// Only server-kind nodes vote, so peers decides both whether this node
// casts a ballot and whose ballots count in the tally.
func NewManager(selfID int, cfg config.DisputeConfig, tr transport.Transport, dns *dnscore.Service, trust *TrustStore, peers dnscore.PeerDirectory, logger *slog.Logger) *Manager {
	return &Manager{
		selfID:  selfID,
		cfg:     cfg,
		tr:      tr,
		dns:     dns,
		trust:   trust,
		peers:   peers,
		limiter: newFilingLimiter(cfg.MaxDisputesPerHour),
		logger:  logger,
		pending: make(map[string]map[int]string),
		active:  make(map[string]bool),
		history: make(map[string]Resolution),
	}
}

// Trust exposes the trust store for the status API and maintenance jobs.
func (m *Manager) Trust() *TrustStore { return m.trust }

// Attach registers the dispute message handlers on d.
func (m *Manager) Attach(d *transport.Dispatcher) {
	d.HandleFunc(transport.ProtocolDNS, TypeVoteRequest, m.onVoteRequest)
	d.HandleFunc(transport.ProtocolDNS, TypeVote, m.onVote)
	d.HandleFunc(transport.ProtocolDNS, TypeResolved, m.onResolved)
}

// File opens a dispute claiming domain from defendant and blocks until
// voting closes. The returned resolution has already been announced to
// the network and applied locally.
func (m *Manager) File(ctx context.Context, domain string, defendant int, ev Evidence) (Resolution, error) {
	d, err := dnscore.Parse(domain)
	if err != nil {
		return Resolution{}, err
	}

	id := uuid.NewString()
	m.mu.Lock()
	if m.active[d.Name] {
		m.mu.Unlock()
		return Resolution{}, fmt.Errorf("dispute already active for %s: %w", d.Name, rederr.ErrConflict)
	}
	m.active[d.Name] = true
	m.pending[id] = make(map[int]string)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		delete(m.active, d.Name)
		m.mu.Unlock()
	}()

	if !m.limiter.allow(m.selfID) {
		return Resolution{}, fmt.Errorf("dispute rate limit exceeded: %w", rederr.ErrPermission)
	}
	if m.trust.Blacklisted(m.selfID) {
		return Resolution{}, fmt.Errorf("node %d is blacklisted: %w", m.selfID, rederr.ErrPermission)
	}
	if m.trust.Get(m.selfID) < m.cfg.MinTrustLevel {
		return Resolution{}, fmt.Errorf("trust too low to file: %w", rederr.ErrPermission)
	}

	req := VoteRequestPayload{
		DisputeID:   id,
		Domain:      d.Name,
		ClaimantID:  m.selfID,
		DefendantID: defendant,
		Evidence:    ev,
	}
	env, err := transport.NewEnvelope(TypeVoteRequest, m.selfID, req)
	if err != nil {
		return Resolution{}, err
	}
	if err := m.tr.Broadcast(transport.ProtocolDNS, env); err != nil {
		return Resolution{}, fmt.Errorf("announce dispute: %w", err)
	}
	m.logger.Info("dispute opened", "dispute", id, "domain", d.Name, "defendant", defendant)

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-time.After(time.Duration(m.cfg.VotingTimeout * float64(time.Second))):
	}

	res := m.tally(req)
	if err := m.announce(res); err != nil {
		m.logger.Warn("resolution announcement failed", "dispute", id, "error", err)
	}
	m.apply(res)
	return res, nil
}

// tally weighs collected votes. Ballots from non-server, blacklisted,
// or distrusted nodes are discarded and abstentions carry no weight;
// the claimant needs a strict majority of the remaining weight.
func (m *Manager) tally(req VoteRequestPayload) Resolution {
	m.mu.Lock()
	votes := m.pending[req.DisputeID]
	m.mu.Unlock()

	var total, support float64
	var counted int
	for voter, ballot := range votes {
		if voter == req.ClaimantID || voter == req.DefendantID {
			continue
		}
		if m.peers != nil && !m.peers.IsServer(voter) {
			continue
		}
		if m.trust.Blacklisted(voter) {
			continue
		}
		w := m.trust.Get(voter)
		if w < m.cfg.MinTrustLevel {
			continue
		}
		counted++
		if ballot == VoteAbstain {
			continue
		}
		total += w
		if ballot == VoteClaimant {
			support += w
		}
	}

	res := Resolution{
		ID:          req.DisputeID,
		Domain:      req.Domain,
		ClaimantID:  req.ClaimantID,
		DefendantID: req.DefendantID,
		Voters:      counted,
		ResolvedAt:  time.Now(),
	}
	switch {
	case counted < m.cfg.MinVoters || total == 0:
		res.Outcome = OutcomeInsufficientVotes
	default:
		res.Support = support / total
		if res.Support > m.cfg.MajorityThreshold {
			res.Outcome = OutcomeUpheld
		} else {
			res.Outcome = OutcomeRejected
		}
	}
	m.logger.Info("dispute tallied",
		"dispute", req.DisputeID, "outcome", res.Outcome, "support", res.Support, "voters", counted)
	return res
}

func (m *Manager) announce(res Resolution) error {
	env, err := transport.NewEnvelope(TypeResolved, m.selfID, ResolvedPayload{
		DisputeID:   res.ID,
		Domain:      res.Domain,
		ClaimantID:  res.ClaimantID,
		DefendantID: res.DefendantID,
		Outcome:     res.Outcome,
		Support:     res.Support,
		Voters:      res.Voters,
	})
	if err != nil {
		return err
	}
	if err := m.tr.Broadcast(transport.ProtocolDNS, env); err != nil {
		return err
	}
	if res.Outcome != OutcomeUpheld {
		return nil
	}
	// Rebind caches network-wide to the new owner.
	update, err := transport.NewEnvelope(dnscore.TypeUpdate, m.selfID, dnscore.UpdatePayload{
		Domain:  res.Domain,
		Action:  dnscore.UpdateTransfer,
		OwnerID: res.ClaimantID,
	})
	if err != nil {
		return err
	}
	return m.tr.Broadcast(transport.ProtocolDNS, update)
}

// apply records the resolution and applies trust and registry effects on
// this node.
func (m *Manager) apply(res Resolution) {
	m.mu.Lock()
	m.history[res.ID] = res
	m.mu.Unlock()

	// Only the losing side of a decisive outcome is touched. Every node
	// applies the same decay on the same broadcast outcome, keeping
	// trust views aligned.
	var loser int
	switch res.Outcome {
	case OutcomeUpheld:
		loser = res.DefendantID
	case OutcomeRejected:
		loser = res.ClaimantID
	default:
		return
	}
	m.trust.Adjust(loser, -m.cfg.TrustDecayRate)
	if m.trust.Get(loser) <= m.cfg.MinTrustLevel {
		m.trust.Blacklist(loser, time.Duration(m.cfg.BlacklistDuration*float64(time.Second)))
		m.logger.Warn("node blacklisted", "node", loser)
	}

	if res.Outcome == OutcomeUpheld {
		m.dns.Cache().Force(dnscore.Record{
			Domain:       res.Domain,
			Kind:         dnscore.KindAlias,
			OwnerID:      res.ClaimantID,
			RegisteredAt: res.ResolvedAt.UnixMilli(),
		})
		if m.selfID == res.DefendantID {
			if err := m.dns.Registry().Unregister(res.Domain); err != nil {
				m.logger.Debug("nothing to release", "domain", res.Domain, "error", err)
			}
		}
		if m.selfID == res.ClaimantID {
			if _, err := m.dns.Registry().Register(res.Domain); err != nil {
				m.logger.Warn("claiming transferred domain failed", "domain", res.Domain, "error", err)
			}
		}
	}
}

// onVoteRequest evaluates the evidence and casts this node's vote.
// Voting is a server responsibility; computers and the parties
// themselves stay silent.
func (m *Manager) onVoteRequest(msg transport.Message) {
	var req VoteRequestPayload
	if err := msg.Envelope.DecodePayload(&req); err != nil {
		return
	}
	if msg.Envelope.SenderID != req.ClaimantID {
		return
	}
	if m.selfID == req.ClaimantID || m.selfID == req.DefendantID {
		return
	}
	if m.peers == nil || !m.peers.IsServer(m.selfID) {
		return
	}
	if m.trust.Blacklisted(m.selfID) || m.trust.Get(m.selfID) < m.cfg.MinTrustLevel {
		return
	}

	vote := VotePayload{DisputeID: req.DisputeID, Vote: m.evaluate(req)}
	env, err := transport.NewEnvelope(TypeVote, m.selfID, vote)
	if err != nil {
		return
	}
	if err := m.tr.Send(req.ClaimantID, transport.ProtocolDNS, env); err != nil {
		m.logger.Debug("vote send failed", "dispute", req.DisputeID, "error", err)
	}
}

// evaluate decides this node's ballot. A claim without ownership proof
// keeps the status quo. With proof, local knowledge of an earlier
// registration by the defendant still defeats the claim; otherwise the
// proof carries it.
func (m *Manager) evaluate(req VoteRequestPayload) string {
	if req.Evidence.OwnershipProof == "" {
		return VoteClaimed
	}
	if rec, ok := m.dns.Cache().Get(req.Domain); ok && rec.OwnerID == req.DefendantID {
		if req.Evidence.RegisteredAt == 0 || rec.RegisteredAt <= req.Evidence.RegisteredAt {
			return VoteClaimed
		}
	}
	return VoteClaimant
}

// onVote records a ballot for a dispute this node opened. The first vote
// per node counts; later ones and malformed ballots are ignored.
func (m *Manager) onVote(msg transport.Message) {
	var vote VotePayload
	if err := msg.Envelope.DecodePayload(&vote); err != nil {
		return
	}
	switch vote.Vote {
	case VoteClaimant, VoteClaimed, VoteAbstain:
	default:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	votes, ok := m.pending[vote.DisputeID]
	if !ok {
		return
	}
	if _, seen := votes[msg.Envelope.SenderID]; seen {
		return
	}
	votes[msg.Envelope.SenderID] = vote.Vote
}

// onResolved applies an outcome announced by the claimant.
func (m *Manager) onResolved(msg transport.Message) {
	var p ResolvedPayload
	if err := msg.Envelope.DecodePayload(&p); err != nil {
		return
	}
	if msg.Envelope.SenderID != p.ClaimantID {
		return
	}
	m.mu.Lock()
	_, seen := m.history[p.DisputeID]
	m.mu.Unlock()
	if seen {
		return
	}
	m.apply(Resolution{
		ID:          p.DisputeID,
		Domain:      p.Domain,
		ClaimantID:  p.ClaimantID,
		DefendantID: p.DefendantID,
		Outcome:     p.Outcome,
		Support:     p.Support,
		Voters:      p.Voters,
		ResolvedAt:  msg.Envelope.Time(),
	})
}

// History returns the resolutions this node has seen.
func (m *Manager) History() []Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Resolution, 0, len(m.history))
	for _, res := range m.history {
		out = append(out, res)
	}
	return out
}

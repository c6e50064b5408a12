package dnscore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

// PeerDirectory answers questions about known peers. Responses from
// server-kind peers are trusted even when they speak for other owners.
type PeerDirectory interface {
	IsServer(id int) bool
}

// Service resolves and serves domain names over the broadcast network.
// Resolution order: local registry, cache (with liveness verification for
// computer domains), then a network-wide query with retries. Conflicting
// answers are settled first-come-first-served by registration time.
type Service struct {
	selfID   int
	cfg      config.DNSConfig
	tr       transport.Transport
	registry *Registry
	cache    *Cache
	peers    PeerDirectory
	logger   *slog.Logger

	mu      sync.Mutex
	queries map[string][]chan ResponsePayload // domain -> waiters
	pings   map[string]chan struct{}          // nonce -> waiter
}

// NewService assembles the DNS service. peers may be nil, in which case
// only owner-sent responses count as authentic.
func NewService(selfID int, cfg config.DNSConfig, tr transport.Transport, registry *Registry, peers PeerDirectory, logger *slog.Logger) *Service {
	return &Service{
		selfID:   selfID,
		cfg:      cfg,
		tr:       tr,
		registry: registry,
		cache:    NewCache(secs(cfg.CacheTimeout), cfg.MaxCacheEntries),
		peers:    peers,
		logger:   logger,
		queries:  make(map[string][]chan ResponsePayload),
		pings:    make(map[string]chan struct{}),
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Cache exposes the resolver cache for snapshots and the status API.
func (s *Service) Cache() *Cache { return s.cache }

// Registry exposes the local authoritative records.
func (s *Service) Registry() *Registry { return s.registry }

// Attach registers the service's message handlers on d.
func (s *Service) Attach(d *transport.Dispatcher) {
	d.HandleFunc(transport.ProtocolDNS, TypeQuery, s.onQuery)
	d.HandleFunc(transport.ProtocolDNS, TypeResponse, s.onResponse)
	d.HandleFunc(transport.ProtocolDNS, TypeRegister, s.onRegister)
	d.HandleFunc(transport.ProtocolDNS, TypeUpdate, s.onUpdate)
	d.HandleFunc(transport.ProtocolUrgent, TypePing, s.onPing)
	d.HandleFunc(transport.ProtocolUrgent, TypePong, s.onPong)
}

// Register claims name locally and announces it to the network.
func (s *Service) Register(name string) (Record, error) {
	rec, err := s.registry.Register(name)
	if err != nil {
		return Record{}, err
	}
	env, err := transport.NewEnvelope(TypeRegister, s.selfID, RegisterPayload{
		Domain:       rec.Domain,
		Kind:         rec.Kind,
		OwnerID:      rec.OwnerID,
		RegisteredAt: rec.RegisteredAt,
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.tr.Broadcast(transport.ProtocolDNS, env); err != nil {
		s.logger.Warn("register announcement failed", "domain", rec.Domain, "error", err)
	}
	return rec, nil
}

// Unregister releases name and tells peers to drop it.
func (s *Service) Unregister(name string) error {
	if err := s.registry.Unregister(name); err != nil {
		return err
	}
	d, _ := Parse(name)
	s.cache.Invalidate(d.Name)
	env, err := transport.NewEnvelope(TypeUpdate, s.selfID, UpdatePayload{Domain: d.Name, Action: UpdateInvalidate})
	if err != nil {
		return err
	}
	return s.tr.Broadcast(transport.ProtocolDNS, env)
}

// Lookup resolves name to a record.
func (s *Service) Lookup(ctx context.Context, name string) (Record, error) {
	d, err := Parse(name)
	if err != nil {
		return Record{}, err
	}

	if rec, ok := s.registry.Lookup(d.Name); ok {
		return rec, nil
	}

	if rec, ok := s.cache.Get(d.Name); ok {
		if rec.Kind != KindComputer {
			return rec, nil
		}
		// Computer domains can vanish when the node goes down; a cached
		// entry is only returned if the owner still answers.
		if s.Verify(ctx, rec.OwnerID) {
			return rec, nil
		}
		s.cache.Invalidate(d.Name)
		s.logger.Debug("cached owner unreachable, re-querying", "domain", d.Name, "owner", rec.OwnerID)
	}

	return s.query(ctx, d.Name)
}

// query broadcasts a DNS_QUERY and waits for authentic responses, retrying
// up to MaxRetries rounds. The earliest registration wins conflicts.
func (s *Service) query(ctx context.Context, domain string) (Record, error) {
	ch := make(chan ResponsePayload, 16)
	s.mu.Lock()
	s.queries[domain] = append(s.queries[domain], ch)
	s.mu.Unlock()
	defer s.dropWaiter(domain, ch)

	var sawNegative bool
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-time.After(secs(s.cfg.PropagationDelay)):
			}
		}

		env, err := transport.NewEnvelope(TypeQuery, s.selfID, QueryPayload{Domain: domain})
		if err != nil {
			return Record{}, err
		}
		if err := s.tr.Broadcast(transport.ProtocolDNS, env); err != nil {
			s.logger.Warn("query broadcast failed", "domain", domain, "attempt", attempt, "error", err)
		}

		rec, negative, ok := s.collect(ctx, domain, ch)
		if ok {
			s.cache.Put(rec)
			return rec, nil
		}
		sawNegative = sawNegative || negative
	}

	if sawNegative {
		return Record{}, fmt.Errorf("domain %s: %w", domain, rederr.ErrNotFound)
	}
	return Record{}, fmt.Errorf("no response for %s after %d attempts: %w", domain, s.cfg.MaxRetries+1, rederr.ErrTimeout)
}

// collect gathers responses for one query round. It returns the earliest
// registration among authentic positive responses, or negative=true when
// only authoritative misses arrived.
func (s *Service) collect(ctx context.Context, domain string, ch chan ResponsePayload) (rec Record, negative, ok bool) {
	deadline := time.NewTimer(secs(s.cfg.QueryTimeout))
	defer deadline.Stop()

	var best *ResponsePayload
	for {
		select {
		case <-ctx.Done():
			return Record{}, negative, false
		case <-deadline.C:
			if best == nil {
				return Record{}, negative, false
			}
			return Record{
				Domain:       domain,
				Kind:         best.Kind,
				OwnerID:      best.OwnerID,
				RegisteredAt: best.RegisteredAt,
			}, false, true
		case resp := <-ch:
			if !resp.Found {
				negative = true
				continue
			}
			if best == nil || resp.RegisteredAt < best.RegisteredAt {
				r := resp
				best = &r
			}
		}
	}
}

func (s *Service) dropWaiter(domain string, ch chan ResponsePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.queries[domain]
	for i, w := range waiters {
		if w == ch {
			s.queries[domain] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.queries[domain]) == 0 {
		delete(s.queries, domain)
	}
}

// Verify probes node id for liveness and waits up to VerificationTimeout.
func (s *Service) Verify(ctx context.Context, id int) bool {
	nonce := uuid.NewString()
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.pings[nonce] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pings, nonce)
		s.mu.Unlock()
	}()

	env, err := transport.NewEnvelope(TypePing, s.selfID, PingPayload{Nonce: nonce, Target: id})
	if err != nil {
		return false
	}
	if err := s.tr.Send(id, transport.ProtocolUrgent, env); err != nil {
		return false
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(secs(s.cfg.VerificationTimeout)):
		return false
	}
}

func (s *Service) onQuery(msg transport.Message) {
	var q QueryPayload
	if err := msg.Envelope.DecodePayload(&q); err != nil {
		s.logger.Debug("malformed query", "error", err)
		return
	}
	d, err := Parse(q.Domain)
	if err != nil {
		return
	}

	resp := ResponsePayload{Domain: d.Name}
	if rec, ok := s.registry.Lookup(d.Name); ok {
		resp.Found = true
		resp.OwnerID = rec.OwnerID
		resp.Kind = rec.Kind
		resp.RegisteredAt = rec.RegisteredAt
	} else if s.peers != nil && s.peers.IsServer(s.selfID) {
		// Server nodes answer from their cache too, so lookups succeed
		// while the owner is busy.
		rec, ok := s.cache.Get(d.Name)
		if !ok {
			return
		}
		resp.Found = true
		resp.OwnerID = rec.OwnerID
		resp.Kind = rec.Kind
		resp.RegisteredAt = rec.RegisteredAt
	} else {
		return
	}

	env, err := transport.NewEnvelope(TypeResponse, s.selfID, resp)
	if err != nil {
		return
	}
	if err := s.tr.Send(msg.Envelope.SenderID, transport.ProtocolDNS, env); err != nil {
		s.logger.Debug("response send failed", "domain", d.Name, "error", err)
	}
}

func (s *Service) onResponse(msg transport.Message) {
	var resp ResponsePayload
	if err := msg.Envelope.DecodePayload(&resp); err != nil {
		return
	}
	if !s.authentic(msg.Envelope.SenderID, resp) {
		s.logger.Debug("dropping unauthentic response",
			"domain", resp.Domain, "sender", msg.Envelope.SenderID, "claimed_owner", resp.OwnerID)
		return
	}

	s.mu.Lock()
	waiters := append([]chan ResponsePayload(nil), s.queries[resp.Domain]...)
	s.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- resp:
		default:
		}
	}
}

// authentic accepts a response when the sender speaks for itself or is a
// known server node relaying cached state.
func (s *Service) authentic(sender int, resp ResponsePayload) bool {
	if !resp.Found {
		return s.peers != nil && s.peers.IsServer(sender)
	}
	if sender == resp.OwnerID {
		return true
	}
	return s.peers != nil && s.peers.IsServer(sender)
}

func (s *Service) onRegister(msg transport.Message) {
	var reg RegisterPayload
	if err := msg.Envelope.DecodePayload(&reg); err != nil {
		return
	}
	if msg.Envelope.SenderID != reg.OwnerID {
		return
	}
	d, err := Parse(reg.Domain)
	if err != nil {
		return
	}
	if d.Kind == KindComputer && d.ComputerID != reg.OwnerID {
		return
	}
	s.cache.Put(Record{
		Domain:       d.Name,
		Kind:         reg.Kind,
		OwnerID:      reg.OwnerID,
		RegisteredAt: reg.RegisteredAt,
	})
}

func (s *Service) onUpdate(msg transport.Message) {
	var up UpdatePayload
	if err := msg.Envelope.DecodePayload(&up); err != nil {
		return
	}
	d, err := Parse(up.Domain)
	if err != nil {
		return
	}
	switch up.Action {
	case UpdateInvalidate:
		s.cache.Invalidate(d.Name)
	case UpdateTransfer:
		s.cache.Force(Record{
			Domain:       d.Name,
			Kind:         d.Kind,
			OwnerID:      up.OwnerID,
			RegisteredAt: msg.Envelope.TS,
		})
	}
}

func (s *Service) onPing(msg transport.Message) {
	var p PingPayload
	if err := msg.Envelope.DecodePayload(&p); err != nil {
		return
	}
	if p.Target != s.selfID {
		return
	}
	env, err := transport.NewEnvelope(TypePong, s.selfID, PongPayload{Nonce: p.Nonce})
	if err != nil {
		return
	}
	_ = s.tr.Send(msg.Envelope.SenderID, transport.ProtocolUrgent, env)
}

func (s *Service) onPong(msg transport.Message) {
	var p PongPayload
	if err := msg.Envelope.DecodePayload(&p); err != nil {
		return
	}
	s.mu.Lock()
	ch := s.pings[p.Nonce]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

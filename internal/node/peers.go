// Package node assembles a running rednet node: transport, optimizer,
// DNS, disputes, content, loader, search, and the maintenance schedule.
package node

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Node kinds carried in announcements.
const (
	KindComputer = "computer"
	KindServer   = "server"
)

// TypeAnnounce is broadcast periodically so peers learn who is online
// and what role they play.
const TypeAnnounce = "NODE_ANNOUNCE"

// AnnouncePayload advertises this node to the broadcast domain.
type AnnouncePayload struct {
	NodeID int    `json:"nodeId"`
	Kind   string `json:"kind"`
}

// Peer is one known node.
type Peer struct {
	ID       int
	Kind     string
	LastSeen time.Time
}

// Peers is the directory of nodes seen on the network. DNS response
// authenticity and dispute voting both key off the server kind, so the
// directory is consulted on hot paths and backed by a concurrent map.
type Peers struct {
	entries *xsync.Map[int, Peer]
}

// NewPeers creates an empty directory.
func NewPeers() *Peers {
	return &Peers{entries: xsync.NewMap[int, Peer]()}
}

// Observe records an announcement from id.
func (p *Peers) Observe(id int, kind string) {
	p.entries.Store(id, Peer{ID: id, Kind: kind, LastSeen: time.Now()})
}

// Touch refreshes the last-seen time without changing the kind. Unknown
// peers are recorded with an empty kind until they announce.
func (p *Peers) Touch(id int) {
	p.entries.Compute(id, func(old Peer, loaded bool) (Peer, xsync.ComputeOp) {
		if !loaded {
			old = Peer{ID: id}
		}
		old.LastSeen = time.Now()
		return old, xsync.UpdateOp
	})
}

// IsServer reports whether id announced itself as a server. This is the
// dnscore.PeerDirectory contract.
func (p *Peers) IsServer(id int) bool {
	peer, ok := p.entries.Load(id)
	return ok && peer.Kind == KindServer
}

// Get returns the directory entry for id.
func (p *Peers) Get(id int) (Peer, bool) {
	return p.entries.Load(id)
}

// List returns every known peer.
func (p *Peers) List() []Peer {
	out := make([]Peer, 0, p.entries.Size())
	p.entries.Range(func(_ int, peer Peer) bool {
		out = append(out, peer)
		return true
	})
	return out
}

// Servers returns the ids of all known server-kind peers.
func (p *Peers) Servers() []int {
	var out []int
	p.entries.Range(func(id int, peer Peer) bool {
		if peer.Kind == KindServer {
			out = append(out, id)
		}
		return true
	})
	return out
}

// Prune drops peers not seen within maxAge and returns how many were
// removed.
func (p *Peers) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	p.entries.Range(func(id int, peer Peer) bool {
		if peer.LastSeen.Before(cutoff) {
			p.entries.Delete(id)
			removed++
		}
		return true
	})
	return removed
}

package dispute

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/httptim/rednetd/internal/helpers"
)

// TrustStore tracks a per-node trust score in [0,1] plus a temporary
// blacklist. Every node maintains its own view; the scores converge
// because all nodes apply the same adjustments on the same broadcast
// dispute outcomes.
type TrustStore struct {
	initial   float64
	decayRate float64
	scores    *xsync.Map[int, float64]
	blacklist *xsync.Map[int, int64] // node -> unix-milli expiry
}

// TrustPersister stores trust scores and blacklist entries across
// restarts.
type TrustPersister interface {
	SaveTrust(nodeID int, score float64) error
	SaveBlacklist(nodeID int, until time.Time) error
	LoadTrust() (map[int]float64, error)
	LoadBlacklist() (map[int]time.Time, error)
}

// NewTrustStore creates a store where unknown nodes start at initial.
func NewTrustStore(initial, decayRate float64) *TrustStore {
	return &TrustStore{
		initial:   helpers.ClampFloat(initial, 0, 1),
		decayRate: decayRate,
		scores:    xsync.NewMap[int, float64](),
		blacklist: xsync.NewMap[int, int64](),
	}
}

// Get returns the trust score for nodeID, defaulting to the initial value.
func (t *TrustStore) Get(nodeID int) float64 {
	if score, ok := t.scores.Load(nodeID); ok {
		return score
	}
	return t.initial
}

// Adjust shifts nodeID's score by delta, clamped to [0,1], and returns
// the new value.
func (t *TrustStore) Adjust(nodeID int, delta float64) float64 {
	out, _ := t.scores.Compute(nodeID, func(score float64, loaded bool) (float64, xsync.ComputeOp) {
		if !loaded {
			score = t.initial
		}
		return helpers.ClampFloat(score+delta, 0, 1), xsync.UpdateOp
	})
	return out
}

// Decay nudges every tracked score back toward the initial value by the
// configured rate. Run periodically so old penalties wear off.
func (t *TrustStore) Decay() {
	t.scores.Range(func(nodeID int, _ float64) bool {
		t.scores.Compute(nodeID, func(score float64, loaded bool) (float64, xsync.ComputeOp) {
			if !loaded {
				return 0, xsync.CancelOp
			}
			next := score + (t.initial-score)*t.decayRate
			return helpers.ClampFloat(next, 0, 1), xsync.UpdateOp
		})
		return true
	})
}

// Blacklist bars nodeID from filing and voting until now+d.
func (t *TrustStore) Blacklist(nodeID int, d time.Duration) {
	t.blacklist.Store(nodeID, time.Now().Add(d).UnixMilli())
}

// Blacklisted reports whether nodeID is currently barred. Expired entries
// are removed on the way out.
func (t *TrustStore) Blacklisted(nodeID int) bool {
	until, ok := t.blacklist.Load(nodeID)
	if !ok {
		return false
	}
	if time.Now().UnixMilli() >= until {
		t.blacklist.Delete(nodeID)
		return false
	}
	return true
}

// Snapshot returns a copy of all tracked scores.
func (t *TrustStore) Snapshot() map[int]float64 {
	out := make(map[int]float64)
	t.scores.Range(func(nodeID int, score float64) bool {
		out[nodeID] = score
		return true
	})
	return out
}

// BlacklistSnapshot returns the active blacklist entries.
func (t *TrustStore) BlacklistSnapshot() map[int]time.Time {
	out := make(map[int]time.Time)
	now := time.Now().UnixMilli()
	t.blacklist.Range(func(nodeID int, until int64) bool {
		if until > now {
			out[nodeID] = time.UnixMilli(until)
		}
		return true
	})
	return out
}

// Restore seeds the store from persisted state.
func (t *TrustStore) Restore(scores map[int]float64, blacklist map[int]time.Time) {
	for id, score := range scores {
		t.scores.Store(id, helpers.ClampFloat(score, 0, 1))
	}
	now := time.Now()
	for id, until := range blacklist {
		if until.After(now) {
			t.blacklist.Store(id, until.UnixMilli())
		}
	}
}

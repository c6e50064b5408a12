package netopt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/httptim/rednetd/internal/rederr"
)

// Resource state is a flat key/value record. encoding/json marshals map keys
// in sorted order, which makes the checksum encoding deterministic.
type ResourceState map[string]any

// Delta describes the difference between two states of a named resource.
type Delta struct {
	Added   map[string]any `json:"added,omitempty"`
	Changed map[string]any `json:"changed,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// DeltaPayload is the payload of a type=delta envelope.
type DeltaPayload struct {
	Resource string `json:"resource"`
	Delta    Delta  `json:"delta"`
	Checksum string `json:"checksum"`
}

// FullPayload is the payload of a type=resource_full envelope, used for the
// initial transfer and for resync after a checksum mismatch.
type FullPayload struct {
	Resource string        `json:"resource"`
	State    ResourceState `json:"state"`
	Checksum string        `json:"checksum"`
}

// ResyncPayload asks the sender to fall back to full state.
type ResyncPayload struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// Checksum hashes the canonical JSON encoding of state.
func Checksum(state ResourceState) string {
	data, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// DeltaSync tracks per-resource state on both sides of the link: what this
// node last sent, and what it last accepted.
type DeltaSync struct {
	mu       sync.Mutex
	sent     map[string]ResourceState
	received map[string]ResourceState
}

func NewDeltaSync() *DeltaSync {
	return &DeltaSync{
		sent:     make(map[string]ResourceState),
		received: make(map[string]ResourceState),
	}
}

// Prepare decides how the next update for resource travels. It returns a
// delta payload when one exists and serializes to under half the full
// state; otherwise it returns a full payload. Either way the sent-state
// snapshot advances to state.
func (d *DeltaSync) Prepare(resource string, state ResourceState) (msgType string, payload any) {
	d.mu.Lock()
	base, hasBase := d.sent[resource]
	d.sent[resource] = cloneState(state)
	d.mu.Unlock()

	sum := Checksum(state)
	if hasBase {
		delta := diffStates(base, state)
		deltaJSON, err1 := json.Marshal(delta)
		fullJSON, err2 := json.Marshal(state)
		if err1 == nil && err2 == nil && len(deltaJSON)*2 < len(fullJSON) {
			return "delta", DeltaPayload{Resource: resource, Delta: delta, Checksum: sum}
		}
	}
	return "resource_full", FullPayload{Resource: resource, State: cloneState(state), Checksum: sum}
}

// ApplyFull accepts a full-state transfer.
func (d *DeltaSync) ApplyFull(p FullPayload) (ResourceState, error) {
	if sum := Checksum(p.State); sum != p.Checksum {
		return nil, fmt.Errorf("full state checksum mismatch for %s: %w", p.Resource, rederr.ErrIntegrity)
	}
	d.mu.Lock()
	d.received[p.Resource] = cloneState(p.State)
	d.mu.Unlock()
	return p.State, nil
}

// ApplyDelta applies a delta on top of the last accepted state. A receiver
// without base state, or whose result fails the checksum, gets an integrity
// error; the caller answers with a resync request and the sender falls back
// to full state.
func (d *DeltaSync) ApplyDelta(p DeltaPayload) (ResourceState, error) {
	d.mu.Lock()
	base, ok := d.received[p.Resource]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("delta for %s without base state: %w", p.Resource, rederr.ErrIntegrity)
	}

	next := cloneState(base)
	for k, v := range p.Delta.Added {
		next[k] = v
	}
	for k, v := range p.Delta.Changed {
		next[k] = v
	}
	for _, k := range p.Delta.Removed {
		delete(next, k)
	}

	if sum := Checksum(next); sum != p.Checksum {
		return nil, fmt.Errorf("delta checksum mismatch for %s: %w", p.Resource, rederr.ErrIntegrity)
	}
	d.mu.Lock()
	d.received[p.Resource] = next
	d.mu.Unlock()
	return cloneState(next), nil
}

// Forget drops sender-side state so the next update ships full. Used when a
// peer requests resync.
func (d *DeltaSync) Forget(resource string) {
	d.mu.Lock()
	delete(d.sent, resource)
	d.mu.Unlock()
}

func diffStates(base, next ResourceState) Delta {
	delta := Delta{Added: map[string]any{}, Changed: map[string]any{}}
	for k, v := range next {
		old, ok := base[k]
		if !ok {
			delta.Added[k] = v
			continue
		}
		if !jsonEqual(old, v) {
			delta.Changed[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			delta.Removed = append(delta.Removed, k)
		}
	}
	sort.Strings(delta.Removed)
	if len(delta.Added) == 0 {
		delta.Added = nil
	}
	if len(delta.Changed) == 0 {
		delta.Changed = nil
	}
	return delta
}

// jsonEqual compares values through their canonical JSON form, so states
// that crossed the wire compare equal to their in-memory originals.
func jsonEqual(a, b any) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(aj) == string(bj)
}

func cloneState(s ResourceState) ResourceState {
	out := make(ResourceState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

package dnscore

import (
	"fmt"
	"sync"
	"time"

	"github.com/httptim/rednetd/internal/rederr"
)

// Persister stores authoritative records across restarts. The sqlite store
// implements it; tests use an in-memory stand-in.
type Persister interface {
	SaveRecord(rec Record) error
	DeleteRecord(domain string) error
	LoadRecords() ([]Record, error)
}

// Registry holds the records this node is authoritative for: its own
// computer domains and the aliases it has claimed.
type Registry struct {
	selfID int
	store  Persister

	mu      sync.RWMutex
	records map[string]Record
}

// NewRegistry creates a registry for node selfID, loading any persisted
// records. store may be nil for a memory-only registry.
func NewRegistry(selfID int, store Persister) (*Registry, error) {
	r := &Registry{selfID: selfID, store: store, records: make(map[string]Record)}
	if store != nil {
		recs, err := store.LoadRecords()
		if err != nil {
			return nil, fmt.Errorf("load dns records: %w", err)
		}
		for _, rec := range recs {
			r.records[rec.Domain] = rec
		}
	}
	return r, nil
}

// Register claims name for this node. Computer domains must name this
// node's id. Re-registering an owned name is idempotent and keeps the
// original registration time.
func (r *Registry) Register(name string) (Record, error) {
	d, err := Parse(name)
	if err != nil {
		return Record{}, err
	}
	if d.Kind == KindComputer && d.ComputerID != r.selfID {
		return Record{}, fmt.Errorf("%s belongs to node %d: %w", d.Name, d.ComputerID, rederr.ErrPermission)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[d.Name]; ok {
		return existing, nil
	}

	rec := Record{
		Domain:       d.Name,
		Kind:         d.Kind,
		OwnerID:      r.selfID,
		RegisteredAt: time.Now().UnixMilli(),
	}
	if r.store != nil {
		if err := r.store.SaveRecord(rec); err != nil {
			return Record{}, fmt.Errorf("persist %s: %w", d.Name, err)
		}
	}
	r.records[d.Name] = rec
	return rec, nil
}

// Unregister releases an owned name.
func (r *Registry) Unregister(name string) error {
	d, err := Parse(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[d.Name]; !ok {
		return fmt.Errorf("%s not registered here: %w", d.Name, rederr.ErrNotFound)
	}
	if r.store != nil {
		if err := r.store.DeleteRecord(d.Name); err != nil {
			return fmt.Errorf("delete %s: %w", d.Name, err)
		}
	}
	delete(r.records, d.Name)
	return nil
}

// Lookup returns the local authoritative record for name, if any.
func (r *Registry) Lookup(name string) (Record, bool) {
	d, err := Parse(name)
	if err != nil {
		return Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[d.Name]
	return rec, ok
}

// Records returns a copy of all locally owned records.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Package searchindex maintains the inverted index behind search: term
// postings with positions, per-document metadata, and a versioned JSON
// snapshot format.
package searchindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/httptim/rednetd/internal/rederr"
)

// snapshotVersion tags the persisted format. Snapshots with another
// version are rejected rather than misread.
const snapshotVersion = "1.0"

// Document is one indexable page.
type Document struct {
	ID    string // canonical URL, unique
	URL   string
	Title string
	Body  string
	Type  string // content kind: markup, dynamic, text
	Site  string // owning host
}

// docEntry is the stored form of a document. Positions map each term to
// its token offsets, which phrase search needs.
type docEntry struct {
	URL       string           `json:"url"`
	Title     string           `json:"title"`
	Type      string           `json:"type"`
	Site      string           `json:"site"`
	Length    int              `json:"length"`
	Body      string           `json:"body"`
	Positions map[string][]int `json:"positions"`
}

// Meta is the document metadata handed to result rendering.
type Meta struct {
	ID     string
	URL    string
	Title  string
	Type   string
	Site   string
	Body   string
	Length int
}

// Index is the inverted index. Postings are derived from the documents
// and kept in sync on every mutation.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]*docEntry
	postings map[string]map[string][]int // term -> docID -> positions
}

// New creates an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[string]*docEntry),
		postings: make(map[string]map[string][]int),
	}
}

// Add indexes doc, replacing any previous document with the same ID.
func (ix *Index) Add(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document without id: %w", rederr.ErrValidation)
	}

	positions := make(map[string][]int)
	var length int
	index := func(text string) {
		for tok := range Tokenize(text) {
			positions[tok] = append(positions[tok], length)
			length++
		}
	}
	index(doc.Title)
	index(doc.Body)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(doc.ID)
	e := &docEntry{
		URL:       doc.URL,
		Title:     doc.Title,
		Type:      doc.Type,
		Site:      doc.Site,
		Length:    length,
		Body:      doc.Body,
		Positions: positions,
	}
	ix.docs[doc.ID] = e
	for term, pos := range positions {
		if ix.postings[term] == nil {
			ix.postings[term] = make(map[string][]int)
		}
		ix.postings[term][doc.ID] = pos
	}
	return nil
}

// Remove drops a document from the index.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, rederr.ErrNotFound)
	}
	ix.removeLocked(id)
	return nil
}

func (ix *Index) removeLocked(id string) {
	e, ok := ix.docs[id]
	if !ok {
		return
	}
	for term := range e.Positions {
		delete(ix.postings[term], id)
		if len(ix.postings[term]) == 0 {
			delete(ix.postings, term)
		}
	}
	delete(ix.docs, id)
}

// Update reindexes doc. Adding and updating are the same operation; the
// split exists so call sites say what they mean.
func (ix *Index) Update(doc Document) error {
	return ix.Add(doc)
}

// Count returns the number of indexed documents.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// DocFreq returns how many documents contain term.
func (ix *Index) DocFreq(term string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings[term])
}

// Postings returns docID -> positions for term. The returned map is a
// copy and safe to hold.
func (ix *Index) Postings(term string) map[string][]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	src := ix.postings[term]
	out := make(map[string][]int, len(src))
	for id, pos := range src {
		out[id] = append([]int(nil), pos...)
	}
	return out
}

// Doc returns the metadata for id.
func (ix *Index) Doc(id string) (Meta, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.docs[id]
	if !ok {
		return Meta{}, false
	}
	return Meta{
		ID:     id,
		URL:    e.URL,
		Title:  e.Title,
		Type:   e.Type,
		Site:   e.Site,
		Body:   e.Body,
		Length: e.Length,
	}, true
}

// Terms returns every indexed term. Used for suggestions.
func (ix *Index) TermList() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.postings))
	for term := range ix.postings {
		out = append(out, term)
	}
	return out
}

type snapshotFile struct {
	Version string               `json:"version"`
	Docs    map[string]*docEntry `json:"docs"`
}

// Save writes a versioned snapshot to path.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	snap := snapshotFile{Version: snapshotVersion, Docs: ix.docs}
	data, err := json.Marshal(snap)
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Load replaces the index contents with a snapshot written by Save. A
// missing file leaves the index empty.
func (ix *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("index snapshot version %q: %w", snap.Version, rederr.ErrIntegrity)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]*docEntry, len(snap.Docs))
	ix.postings = make(map[string]map[string][]int)
	for id, e := range snap.Docs {
		ix.docs[id] = e
		for term, pos := range e.Positions {
			if ix.postings[term] == nil {
				ix.postings[term] = make(map[string][]int)
			}
			ix.postings[term][id] = pos
		}
	}
	return nil
}

// Merge imports every document from other, replacing local documents
// with the same ID.
func (ix *Index) Merge(other *Index) {
	other.mu.RLock()
	imported := make([]Document, 0, len(other.docs))
	for id, e := range other.docs {
		imported = append(imported, Document{
			ID:    id,
			URL:   e.URL,
			Title: e.Title,
			Body:  e.Body,
			Type:  e.Type,
			Site:  e.Site,
		})
	}
	other.mu.RUnlock()

	for _, doc := range imported {
		_ = ix.Add(doc)
	}
}

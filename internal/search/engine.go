// Package search answers queries against the inverted index: boolean
// operators, phrases, field restrictions, TF-IDF ranking, snippets, and
// a size-aware result cache.
package search

import (
	"math"
	"sort"
	"strings"

	"github.com/httptim/rednetd/internal/searchindex"
)

const snippetLength = 150

// Result is one ranked hit.
type Result struct {
	DocID   string  `json:"doc_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Options narrow and shape a search.
type Options struct {
	Category string // restrict to a content kind, empty for all
	Sort     string // "relevance" (default) or "title"
	Limit    int
	Offset   int
}

// Engine evaluates parsed queries against an index.
type Engine struct {
	index *searchindex.Index
}

// NewEngine creates an engine over ix.
func NewEngine(ix *searchindex.Index) *Engine {
	return &Engine{index: ix}
}

// Search parses and runs query, returning the full ranked result list
// before pagination.
func (e *Engine) Search(query string, opts Options) ([]Result, error) {
	expr, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	scores := e.eval(expr)
	results := make([]Result, 0, len(scores))
	terms := collectTerms(expr)
	for id, score := range scores {
		meta, ok := e.index.Doc(id)
		if !ok {
			continue
		}
		if opts.Category != "" && meta.Type != opts.Category {
			continue
		}
		results = append(results, Result{
			DocID:   id,
			URL:     meta.URL,
			Title:   meta.Title,
			Snippet: snippet(meta.Body, terms),
			Score:   score,
		})
	}

	switch opts.Sort {
	case "title":
		sort.Slice(results, func(i, j int) bool {
			if results[i].Title != results[j].Title {
				return results[i].Title < results[j].Title
			}
			return results[i].DocID < results[j].DocID
		})
	default:
		sort.Slice(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].DocID < results[j].DocID
		})
	}
	return results, nil
}

// eval scores the documents matching expr. Field restrictions match with
// zero score contribution; ranking comes from terms and phrases.
func (e *Engine) eval(expr Expr) map[string]float64 {
	switch ex := expr.(type) {
	case TermExpr:
		return e.evalTerm(ex.Term)
	case PhraseExpr:
		return e.evalPhrase(ex.Terms)
	case FieldExpr:
		return e.evalField(ex)
	case OrExpr:
		out := make(map[string]float64)
		for _, child := range ex.Exprs {
			for id, s := range e.eval(child) {
				out[id] += s
			}
		}
		return out
	case AndExpr:
		return e.evalAnd(ex)
	case NotExpr:
		// A bare negation matches nothing by itself.
		return map[string]float64{}
	default:
		return map[string]float64{}
	}
}

func (e *Engine) evalAnd(ex AndExpr) map[string]float64 {
	var out map[string]float64
	var excluded []map[string]float64

	for _, child := range ex.Exprs {
		if not, ok := child.(NotExpr); ok {
			excluded = append(excluded, e.eval(not.Expr))
			continue
		}
		scores := e.eval(child)
		if out == nil {
			out = scores
			continue
		}
		for id := range out {
			s, ok := scores[id]
			if !ok {
				delete(out, id)
				continue
			}
			out[id] += s
		}
	}
	if out == nil {
		return map[string]float64{}
	}
	for _, ex := range excluded {
		for id := range ex {
			delete(out, id)
		}
	}
	return out
}

// evalTerm scores term with tf * log(N/df).
func (e *Engine) evalTerm(term string) map[string]float64 {
	idf := e.idf(term)
	out := make(map[string]float64)
	for id, positions := range e.index.Postings(term) {
		out[id] = float64(len(positions)) * idf
	}
	return out
}

// evalPhrase matches documents where the terms appear adjacently in
// order, scoring occurrences against the combined idf.
func (e *Engine) evalPhrase(terms []string) map[string]float64 {
	first := e.index.Postings(terms[0])
	rest := make([]map[string][]int, len(terms)-1)
	for i, term := range terms[1:] {
		rest[i] = e.index.Postings(term)
	}

	var idfSum float64
	for _, term := range terms {
		idfSum += e.idf(term)
	}

	out := make(map[string]float64)
	for id, starts := range first {
		count := 0
		for _, start := range starts {
			match := true
			for i, positions := range rest {
				if !containsPosition(positions[id], start+i+1) {
					match = false
					break
				}
			}
			if match {
				count++
			}
		}
		if count > 0 {
			out[id] = float64(count) * idfSum
		}
	}
	return out
}

func (e *Engine) evalField(ex FieldExpr) map[string]float64 {
	out := make(map[string]float64)
	switch ex.Field {
	case "title":
		idf := e.idf(ex.Value)
		for id := range e.index.Postings(ex.Value) {
			meta, ok := e.index.Doc(id)
			if !ok {
				continue
			}
			for _, t := range searchindex.Terms(meta.Title) {
				if t == ex.Value {
					out[id] = idf
					break
				}
			}
		}
	default:
		// site: and type: scan metadata; they restrict, not rank.
		e.eachDoc(func(meta searchindex.Meta) {
			switch ex.Field {
			case "site":
				if strings.EqualFold(meta.Site, ex.Value) {
					out[meta.ID] = 0
				}
			case "type":
				if strings.EqualFold(meta.Type, ex.Value) {
					out[meta.ID] = 0
				}
			}
		})
	}
	return out
}

// eachDoc visits every document's metadata through the term list. The
// index exposes no direct doc iterator; site/type restrictions are rare
// enough that this stays acceptable.
func (e *Engine) eachDoc(fn func(meta searchindex.Meta)) {
	seen := make(map[string]bool)
	for _, term := range e.index.TermList() {
		for id := range e.index.Postings(term) {
			if seen[id] {
				continue
			}
			seen[id] = true
			if meta, ok := e.index.Doc(id); ok {
				fn(meta)
			}
		}
	}
}

func (e *Engine) idf(term string) float64 {
	df := e.index.DocFreq(term)
	if df == 0 {
		return 0
	}
	n := e.index.Count()
	return math.Log(float64(n) / float64(df))
}

func containsPosition(positions []int, want int) bool {
	for _, p := range positions {
		if p == want {
			return true
		}
	}
	return false
}

// collectTerms gathers the positive terms of a query for snippets.
func collectTerms(expr Expr) []string {
	switch ex := expr.(type) {
	case TermExpr:
		return []string{ex.Term}
	case PhraseExpr:
		return ex.Terms
	case AndExpr:
		var out []string
		for _, child := range ex.Exprs {
			out = append(out, collectTerms(child)...)
		}
		return out
	case OrExpr:
		var out []string
		for _, child := range ex.Exprs {
			out = append(out, collectTerms(child)...)
		}
		return out
	default:
		return nil
	}
}

// snippet extracts ~150 characters around the first query term found in
// body, falling back to the body prefix.
func snippet(body string, terms []string) string {
	lower := strings.ToLower(body)
	at := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at < 0 {
		at = 0
	}

	start := at - snippetLength/3
	if start < 0 {
		start = 0
	}
	end := start + snippetLength
	if end > len(body) {
		end = len(body)
	}

	out := body[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(body) {
		out += "..."
	}
	return out
}

// Suggestions returns up to limit indexed terms starting with prefix,
// most common first.
func (e *Engine) Suggestions(prefix string, limit int) []string {
	prefix = strings.ToLower(prefix)
	type candidate struct {
		term string
		df   int
	}
	var matches []candidate
	for _, term := range e.index.TermList() {
		if strings.HasPrefix(term, prefix) {
			matches = append(matches, candidate{term: term, df: e.index.DocFreq(term)})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].df != matches[j].df {
			return matches[i].df > matches[j].df
		}
		return matches[i].term < matches[j].term
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.term
	}
	return out
}

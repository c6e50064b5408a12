package search

import (
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/httptim/rednetd/internal/config"
)

// cacheVersion tags exported cache statistics.
const cacheVersion = "1.0"

// Service is the cached query front end. It holds full result lists per
// normalized query and paginates on the way out, so page two of a query
// is a cache hit.
type Service struct {
	cfg    config.SearchConfig
	engine *Engine
	cache  otter.Cache[string, []Result]
	logger *slog.Logger
}

// NewService builds a search service over engine. The cache is bounded
// by configured memory usage, costing each entry by its payload size.
// A per-entry cost floor of capacity/maxEntries keeps the entry count
// bounded too.
func NewService(cfg config.SearchConfig, engine *Engine, logger *slog.Logger) *Service {
	floor := uint32(1)
	if cfg.CacheMaxEntries > 0 {
		if f := cfg.MaxMemoryUsage / cfg.CacheMaxEntries; f > 1 {
			floor = uint32(f)
		}
	}
	cache, err := otter.MustBuilder[string, []Result](cfg.MaxMemoryUsage).
		Cost(func(_ string, results []Result) uint32 {
			if c := resultCost(results); c > floor {
				return c
			}
			return floor
		}).
		WithTTL(time.Duration(cfg.CacheTTL * float64(time.Second))).
		CollectStats().
		Build()
	if err != nil {
		panic("search: failed to create result cache: " + err.Error())
	}
	return &Service{
		cfg:    cfg,
		engine: engine,
		cache:  cache,
		logger: logger,
	}
}

// Query runs a search and returns the page selected by opts. Results
// come from the cache when the same query ran recently.
func (s *Service) Query(query string, opts Options) ([]Result, int, error) {
	key := cacheKey(query, opts)
	results, hit := s.cache.Get(key)
	if !hit {
		var err error
		results, err = s.engine.Search(query, opts)
		if err != nil {
			return nil, 0, err
		}
		if len(results) > s.cfg.MaxResultsPerQuery {
			results = results[:s.cfg.MaxResultsPerQuery]
		}
		s.cache.Set(key, results)
	}
	s.logger.Debug("search query",
		slog.String("query", query),
		slog.Bool("cache_hit", hit),
		slog.Int("results", len(results)))

	total := len(results)
	return paginate(results, opts.Offset, opts.Limit), total, nil
}

// Suggestions proxies to the engine; prefix lookups are cheap enough to
// skip the cache.
func (s *Service) Suggestions(prefix string, limit int) []string {
	return s.engine.Suggestions(prefix, limit)
}

// Invalidate drops all cached results. Called after index mutations.
func (s *Service) Invalidate() {
	s.cache.Clear()
}

// Close releases the cache.
func (s *Service) Close() {
	s.cache.Close()
}

// CacheStats is the exported cache snapshot.
type CacheStats struct {
	Version string  `json:"version"`
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Ratio   float64 `json:"ratio"`
}

// Stats reports cache effectiveness.
func (s *Service) Stats() CacheStats {
	st := s.cache.Stats()
	return CacheStats{
		Version: cacheVersion,
		Entries: s.cache.Size(),
		Hits:    st.Hits(),
		Misses:  st.Misses(),
		Ratio:   st.Ratio(),
	}
}

// cacheKey normalizes the parts of a search that affect the full result
// list. Offset and limit are pagination and stay out of the key.
func cacheKey(query string, opts Options) string {
	return strings.Join([]string{strings.TrimSpace(query), opts.Category, opts.Sort}, "|")
}

func resultCost(results []Result) uint32 {
	cost := 1
	for _, r := range results {
		cost += len(r.DocID) + len(r.URL) + len(r.Title) + len(r.Snippet) + 8
	}
	return uint32(cost)
}

func paginate(results []Result, offset, limit int) []Result {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return nil
	}
	page := results[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]Result(nil), page...)
}

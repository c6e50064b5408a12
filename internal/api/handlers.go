package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/netopt"
	"github.com/httptim/rednetd/internal/node"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/search"
	"github.com/httptim/rednetd/internal/shared"
)

const lookupTimeout = 10 * time.Second

// Handler serves the read-only endpoints.
type Handler struct {
	node *node.Node
}

// StatusResponse is the /api/v1/status body.
type StatusResponse struct {
	NodeID        int     `json:"node_id"`
	Kind          string  `json:"kind"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	NumCPU        int     `json:"num_cpu"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	HostMemUsed   float64 `json:"host_memory_used_pct"`

	Peers       int                   `json:"peers"`
	DNSCache    dnscore.CacheStats    `json:"dns_cache"`
	PageCache   shared.PageCacheStats `json:"page_cache"`
	Network     netopt.Stats          `json:"network"`
	Loader      LoaderStats           `json:"loader"`
	SearchCache search.CacheStats     `json:"search_cache"`
}

// LoaderStats summarizes the page loader queue.
type LoaderStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Healthz reports liveness, including the sqlite store.
func (h *Handler) Healthz(c *gin.Context) {
	if err := h.node.Store().Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns runtime and per-subsystem statistics.
func (h *Handler) Status(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(h.node.Started())

	resp := StatusResponse{
		NodeID:        h.node.ID(),
		Kind:          h.node.Kind(),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemoryAllocMB: float64(m.Alloc) / 1024 / 1024,

		Peers:       len(h.node.Peers().List()),
		DNSCache:    h.node.DNS().Cache().Stats(),
		PageCache:   h.node.PageCache().Stats(),
		Network:     h.node.Transport().Stats(),
		Loader:      LoaderStats{Active: h.node.Loader().Active(), Queued: h.node.Loader().Queued()},
		SearchCache: h.node.Search().Stats(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.HostMemUsed = vm.UsedPercent
	}

	c.JSON(http.StatusOK, resp)
}

// DNSLookup resolves one domain through the node's resolver.
func (h *Handler) DNSLookup(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), lookupTimeout)
	defer cancel()

	rec, err := h.node.DNS().Lookup(ctx, c.Param("domain"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":        rec.Domain,
		"kind":          rec.Kind,
		"owner_id":      rec.OwnerID,
		"registered_at": rec.RegisteredAt,
	})
}

// Search answers ?q= queries with optional category, sort, limit, and
// offset parameters.
func (h *Handler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q parameter"})
		return
	}
	opts := search.Options{
		Category: c.Query("category"),
		Sort:     c.Query("sort"),
		Limit:    intQuery(c, "limit", 10),
		Offset:   intQuery(c, "offset", 0),
	}

	results, total, err := h.node.Search().Query(query, opts)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "results": results})
}

// PeerList returns the peer directory.
func (h *Handler) PeerList(c *gin.Context) {
	peers := h.node.Peers().List()
	out := make([]gin.H, 0, len(peers))
	for _, p := range peers {
		out = append(out, gin.H{
			"id":        p.ID,
			"kind":      p.Kind,
			"last_seen": p.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, rederr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, rederr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rederr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rederr.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

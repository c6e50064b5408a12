package netopt

import (
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

// Deduper drops repeated requests inside a short window. Only request-shaped
// messages are deduped; responses always pass so a retry is never starved of
// its answer.
type Deduper struct {
	window     time.Duration
	maxEntries int
	seen       *xsync.Map[uint64, int64] // hash -> unix-milli first seen
}

// NewDeduper creates a deduper with the given window and entry cap.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Deduper{
		window:     window,
		maxEntries: maxEntries,
		seen:       xsync.NewMap[uint64, int64](),
	}
}

// RequestKey hashes the identifying fields of a request.
func RequestKey(msgType, url, method, params string) uint64 {
	return xxh3.HashString(msgType + "|" + url + "|" + method + "|" + params)
}

// Duplicate records key and reports whether it was already seen inside the
// window. The first sighting returns false.
func (d *Deduper) Duplicate(key uint64) bool {
	now := time.Now().UnixMilli()
	windowMs := d.window.Milliseconds()

	dup := false
	d.seen.Compute(key, func(first int64, loaded bool) (int64, xsync.ComputeOp) {
		if loaded && now-first < windowMs {
			dup = true
			return first, xsync.CancelOp
		}
		return now, xsync.UpdateOp
	})
	if !dup && d.seen.Size() > d.maxEntries {
		d.evict(now)
	}
	return dup
}

// evict removes expired entries, then oldest entries until under the cap.
func (d *Deduper) evict(now int64) {
	windowMs := d.window.Milliseconds()
	type entry struct {
		key   uint64
		first int64
	}
	var live []entry
	d.seen.Range(func(key uint64, first int64) bool {
		if now-first >= windowMs {
			d.seen.Delete(key)
		} else {
			live = append(live, entry{key, first})
		}
		return true
	})
	if len(live) <= d.maxEntries {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].first < live[j].first })
	for _, e := range live[:len(live)-d.maxEntries] {
		d.seen.Delete(e.key)
	}
}

// Size reports the number of tracked request hashes.
func (d *Deduper) Size() int {
	return d.seen.Size()
}

// isRequestType reports whether a message type participates in dedupe.
// Only request shapes that carry url/domain/method/params identity are
// eligible; responses and correlated round-trips (PING nonces, votes)
// always pass.
func isRequestType(msgType string) bool {
	switch msgType {
	case "DNS_QUERY", "REQUEST", "SEARCH_QUERY":
		return true
	}
	return false
}

func (d *Deduper) String() string {
	return fmt.Sprintf("deduper(window=%s entries=%d)", d.window, d.seen.Size())
}

// Package tab holds per-tab browsing state: navigation history, scroll
// and zoom, form data, find-in-page, and tab-local storage. Private tabs
// keep cookies to themselves and refuse serialization.
package tab

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/helpers"
	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/shared"
)

const (
	maxHistory = 50
	minZoom    = 0.5
	maxZoom    = 3.0
)

type historyEntry struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	ScrollY int    `json:"scroll_y"`
}

// Metrics counts per-tab activity.
type Metrics struct {
	PagesLoaded   int       `json:"pages_loaded"`
	BytesReceived int64     `json:"bytes_received"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
}

// Tab is one browsing context.
type Tab struct {
	ID      string
	Private bool

	mu            sync.Mutex
	history       []historyEntry
	pos           int // -1 when empty
	forms         map[string]map[string]map[string]string // url -> form -> field -> value
	localStorage  map[string]map[string]string
	cookies       *shared.CookieJar // this tab's own cookies
	sharedCookies *shared.CookieJar // read fallback, nil for private tabs
	zoom          float64
	scrollY       int
	contentHeight int
	findQuery     string
	findMatches   []int
	findCurrent   int
	metrics       Metrics
}

// New creates a tab. Every tab writes cookies to its own jar; non-private
// tabs additionally read through to jar, so shared cookies are visible
// without tab writes leaking across tabs. A private tab's jar dies with
// the tab.
func New(jar *shared.CookieJar, private bool) *Tab {
	t := &Tab{
		ID:           uuid.NewString(),
		Private:      private,
		pos:          -1,
		forms:        make(map[string]map[string]map[string]string),
		localStorage: make(map[string]map[string]string),
		cookies:      shared.NewCookieJar(),
		zoom:         1.0,
		metrics:      Metrics{CreatedAt: time.Now(), LastActive: time.Now()},
	}
	if !private {
		t.sharedCookies = jar
	}
	return t
}

// Navigate records a new page visit. Any forward history is discarded,
// the previous entry keeps its scroll position, and the history is
// trimmed to the newest entries.
func (t *Tab) Navigate(url, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pos >= 0 {
		t.history[t.pos].ScrollY = t.scrollY
		t.history = t.history[:t.pos+1]
	}
	t.history = append(t.history, historyEntry{URL: url, Title: title})
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	t.pos = len(t.history) - 1
	t.scrollY = 0
	t.resetFindLocked()
	t.metrics.LastActive = time.Now()
}

// Back moves to the previous history entry and restores its scroll
// position.
func (t *Tab) Back() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos <= 0 {
		return "", false
	}
	t.history[t.pos].ScrollY = t.scrollY
	t.pos--
	t.scrollY = t.history[t.pos].ScrollY
	t.resetFindLocked()
	return t.history[t.pos].URL, true
}

// Forward moves to the next history entry.
func (t *Tab) Forward() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos < 0 || t.pos >= len(t.history)-1 {
		return "", false
	}
	t.history[t.pos].ScrollY = t.scrollY
	t.pos++
	t.scrollY = t.history[t.pos].ScrollY
	t.resetFindLocked()
	return t.history[t.pos].URL, true
}

// CanBack reports whether Back would move.
func (t *Tab) CanBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos > 0
}

// CanForward reports whether Forward would move.
func (t *Tab) CanForward() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos >= 0 && t.pos < len(t.history)-1
}

// Current returns the active page URL.
func (t *Tab) Current() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos < 0 {
		return "", false
	}
	return t.history[t.pos].URL, true
}

// SetContentHeight records the rendered page height for scroll clamping.
func (t *Tab) SetContentHeight(h int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contentHeight = h
	t.scrollY = helpers.ClampInt(t.scrollY, 0, max(0, h))
}

// Scroll moves the viewport by delta lines, clamped to the content.
func (t *Tab) Scroll(delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scrollY = helpers.ClampInt(t.scrollY+delta, 0, max(0, t.contentHeight))
	return t.scrollY
}

// ScrollY returns the current scroll position.
func (t *Tab) ScrollY() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scrollY
}

// SetZoom sets the zoom factor, clamped to [0.5, 3.0].
func (t *Tab) SetZoom(z float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zoom = helpers.ClampFloat(z, minZoom, maxZoom)
	return t.zoom
}

// Zoom returns the current zoom factor.
func (t *Tab) Zoom() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zoom
}

// SaveForm stores field values entered in formID on url.
func (t *Tab) SaveForm(url, formID string, fields map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forms[url] == nil {
		t.forms[url] = make(map[string]map[string]string)
	}
	if t.forms[url][formID] == nil {
		t.forms[url][formID] = make(map[string]string)
	}
	for k, v := range fields {
		t.forms[url][formID][k] = v
	}
}

// FormData returns the saved field values of formID on url.
func (t *Tab) FormData(url, formID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	saved := t.forms[url][formID]
	out := make(map[string]string, len(saved))
	for k, v := range saved {
		out[k] = v
	}
	return out
}

// ClearForm forgets the saved values of formID on url.
func (t *Tab) ClearForm(url, formID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.forms[url], formID)
	if len(t.forms[url]) == 0 {
		delete(t.forms, url)
	}
}

// ClearForms forgets every saved form on url.
func (t *Tab) ClearForms(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.forms, url)
}

// SetCookie stores a cookie in this tab's jar. Tab writes never reach
// the shared jar.
func (t *Tab) SetCookie(domain string, c shared.Cookie) {
	t.cookies.Set(domain, c)
}

// Cookie reads a cookie, preferring this tab's jar and falling back to
// the shared jar for non-private tabs.
func (t *Tab) Cookie(domain, name string) (shared.Cookie, bool) {
	if c, ok := t.cookies.Get(domain, name); ok {
		return c, true
	}
	if t.sharedCookies != nil {
		return t.sharedCookies.Get(domain, name)
	}
	return shared.Cookie{}, false
}

// SetLocal writes a tab-local storage value for domain.
func (t *Tab) SetLocal(domain, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localStorage[domain] == nil {
		t.localStorage[domain] = make(map[string]string)
	}
	t.localStorage[domain][key] = value
}

// Local reads a tab-local storage value.
func (t *Tab) Local(domain, key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.localStorage[domain][key]
	return v, ok
}

// Find records match positions for query on the current page and selects
// the first one.
func (t *Tab) Find(query string, matches []int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.findQuery = query
	t.findMatches = append([]int(nil), matches...)
	t.findCurrent = 0
	if len(matches) == 0 {
		return 0, false
	}
	return matches[0], true
}

// FindNext advances to the next match, wrapping at the end.
func (t *Tab) FindNext() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.findMatches) == 0 {
		return 0, false
	}
	t.findCurrent = (t.findCurrent + 1) % len(t.findMatches)
	return t.findMatches[t.findCurrent], true
}

// FindPrev steps back to the previous match, wrapping at the start.
func (t *Tab) FindPrev() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.findMatches) == 0 {
		return 0, false
	}
	t.findCurrent = (t.findCurrent - 1 + len(t.findMatches)) % len(t.findMatches)
	return t.findMatches[t.findCurrent], true
}

func (t *Tab) resetFindLocked() {
	t.findQuery = ""
	t.findMatches = nil
	t.findCurrent = 0
}

// RecordLoad counts one finished page load.
func (t *Tab) RecordLoad(bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.PagesLoaded++
	t.metrics.BytesReceived += int64(bytes)
	t.metrics.LastActive = time.Now()
}

// Stats returns a copy of the tab metrics.
func (t *Tab) Stats() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// snapshot is the serialized form of a tab.
type snapshot struct {
	ID           string                                  `json:"id"`
	History      []historyEntry                          `json:"history"`
	Pos          int                                     `json:"pos"`
	Forms        map[string]map[string]map[string]string `json:"forms,omitempty"`
	LocalStorage map[string]map[string]string            `json:"local_storage,omitempty"`
	Cookies      map[string][]shared.Cookie              `json:"cookies,omitempty"`
	Zoom         float64                                 `json:"zoom"`
	ScrollY      int                                     `json:"scroll_y"`
	Metrics      Metrics                                 `json:"metrics"`
}

// Serialize captures the tab state for session restore. Expired cookies
// never make it into the snapshot. Private tabs refuse: their state must
// not outlive them.
func (t *Tab) Serialize() ([]byte, error) {
	if t.Private {
		return nil, fmt.Errorf("private tab does not serialize: %w", rederr.ErrPermission)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(snapshot{
		ID:           t.ID,
		History:      t.history,
		Pos:          t.pos,
		Forms:        t.forms,
		LocalStorage: t.localStorage,
		Cookies:      t.cookies.Export(),
		Zoom:         t.zoom,
		ScrollY:      t.scrollY,
		Metrics:      t.metrics,
	})
}

// Restore rebuilds a tab from Serialize output, reattaching it to jar.
func Restore(data []byte, jar *shared.CookieJar) (*Tab, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode tab snapshot: %w", err)
	}
	if s.Pos >= len(s.History) {
		return nil, fmt.Errorf("tab snapshot position out of range: %w", rederr.ErrIntegrity)
	}

	t := New(jar, false)
	t.ID = s.ID
	t.history = s.History
	t.pos = s.Pos
	if s.Forms != nil {
		t.forms = s.Forms
	}
	t.cookies.Import(s.Cookies)
	if s.LocalStorage != nil {
		t.localStorage = s.LocalStorage
	}
	t.zoom = helpers.ClampFloat(s.Zoom, minZoom, maxZoom)
	t.scrollY = s.ScrollY
	t.metrics = s.Metrics
	return t, nil
}

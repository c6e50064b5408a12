package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Cookie is one stored cookie. A zero Expires means a session cookie that
// never persists to disk.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

func (c Cookie) expired() bool {
	return !c.Expires.IsZero() && time.Now().After(c.Expires)
}

// CookieJar stores cookies per domain, shared by all non-private tabs.
// Expired cookies are purged lazily on access.
type CookieJar struct {
	mu      sync.Mutex
	domains map[string]map[string]Cookie
}

// NewCookieJar creates an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{domains: make(map[string]map[string]Cookie)}
}

// Set stores a cookie for domain.
func (j *CookieJar) Set(domain string, c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.domains[domain] == nil {
		j.domains[domain] = make(map[string]Cookie)
	}
	j.domains[domain][c.Name] = c
}

// Get returns the named cookie for domain, dropping it if expired.
func (j *CookieJar) Get(domain, name string) (Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.domains[domain][name]
	if !ok {
		return Cookie{}, false
	}
	if c.expired() {
		delete(j.domains[domain], name)
		return Cookie{}, false
	}
	return c, true
}

// All returns the live cookies for domain.
func (j *CookieJar) All(domain string) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Cookie
	for name, c := range j.domains[domain] {
		if c.expired() {
			delete(j.domains[domain], name)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Clear removes every cookie for domain.
func (j *CookieJar) Clear(domain string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.domains, domain)
}

// Export returns all live cookies grouped by domain, session cookies
// included. Expired cookies are dropped on the way out.
func (j *CookieJar) Export() map[string][]Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string][]Cookie)
	for domain, cookies := range j.domains {
		for name, c := range cookies {
			if c.expired() {
				delete(cookies, name)
				continue
			}
			out[domain] = append(out[domain], c)
		}
	}
	return out
}

// Import merges cookies into the jar, skipping expired ones.
func (j *CookieJar) Import(in map[string][]Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for domain, cookies := range in {
		for _, c := range cookies {
			if c.expired() {
				continue
			}
			if j.domains[domain] == nil {
				j.domains[domain] = make(map[string]Cookie)
			}
			j.domains[domain][c.Name] = c
		}
	}
}

// Save writes persistent cookies to path. Session cookies and expired
// cookies are skipped.
func (j *CookieJar) Save(path string) error {
	j.mu.Lock()
	out := make(map[string][]Cookie)
	for domain, cookies := range j.domains {
		for _, c := range cookies {
			if c.Expires.IsZero() || c.expired() {
				continue
			}
			out[domain] = append(out[domain], c)
		}
	}
	j.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	return nil
}

// Load restores cookies written by Save. A missing file is not an error.
func (j *CookieJar) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cookies: %w", err)
	}
	var in map[string][]Cookie
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}
	j.Import(in)
	return nil
}

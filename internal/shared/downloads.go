package shared

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/rederr"
)

// Download states.
const (
	DownloadActive    = "active"
	DownloadCompleted = "completed"
	DownloadCanceled  = "canceled"
	DownloadFailed    = "failed"
)

// completedKeep bounds the finished-download history.
const completedKeep = 20

// Download tracks one file transfer.
type Download struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	TabID      string    `json:"tab_id"`
	Path       string    `json:"path"`
	State      string    `json:"state"`
	TotalBytes int       `json:"total_bytes"`
	GotBytes   int       `json:"got_bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Progress returns completion in [0,1], or 0 when the size is unknown.
func (d *Download) Progress() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.GotBytes) / float64(d.TotalBytes)
}

// Downloads manages active transfers and a bounded history of finished
// ones. Canceling an active download removes its partial file.
type Downloads struct {
	dir string

	mu        sync.Mutex
	active    map[string]*Download
	completed []*Download // newest last
}

// NewDownloads creates a manager writing files under dir.
func NewDownloads(dir string) *Downloads {
	return &Downloads{dir: dir, active: make(map[string]*Download)}
}

// Start registers a new transfer and returns its record.
func (m *Downloads) Start(url, tabID, filename string, totalBytes int) *Download {
	d := &Download{
		ID:         uuid.NewString(),
		URL:        url,
		TabID:      tabID,
		Path:       filepath.Join(m.dir, filename),
		State:      DownloadActive,
		TotalBytes: totalBytes,
		StartedAt:  time.Now(),
	}
	m.mu.Lock()
	m.active[d.ID] = d
	m.mu.Unlock()
	return d
}

// Advance records bytes received for an active download.
func (m *Downloads) Advance(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.active[id]
	if !ok {
		return fmt.Errorf("download %s: %w", id, rederr.ErrNotFound)
	}
	d.GotBytes += n
	return nil
}

// Complete moves an active download into history.
func (m *Downloads) Complete(id string) error {
	return m.finish(id, DownloadCompleted, false)
}

// Fail moves an active download into history, keeping the partial file
// for inspection.
func (m *Downloads) Fail(id string) error {
	return m.finish(id, DownloadFailed, false)
}

// Cancel aborts an active download and removes its partial file.
func (m *Downloads) Cancel(id string) error {
	return m.finish(id, DownloadCanceled, true)
}

// CancelTab cancels every active download started from tabID. Closing a
// tab never leaves orphaned transfers behind.
func (m *Downloads) CancelTab(tabID string) int {
	m.mu.Lock()
	var ids []string
	for id, d := range m.active {
		if d.TabID == tabID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(id)
	}
	return len(ids)
}

func (m *Downloads) finish(id, state string, removeFile bool) error {
	m.mu.Lock()
	d, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("download %s: %w", id, rederr.ErrNotFound)
	}
	delete(m.active, id)
	d.State = state
	d.FinishedAt = time.Now()
	m.completed = append(m.completed, d)
	if len(m.completed) > completedKeep {
		m.completed = m.completed[len(m.completed)-completedKeep:]
	}
	m.mu.Unlock()

	if removeFile {
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove partial %s: %w", d.Path, err)
		}
	}
	return nil
}

// Get returns the record for id, active or finished.
func (m *Downloads) Get(id string) (*Download, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.active[id]; ok {
		return d, true
	}
	for _, d := range m.completed {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Active returns all in-flight downloads.
func (m *Downloads) Active() []*Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Download, 0, len(m.active))
	for _, d := range m.active {
		out = append(out, d)
	}
	return out
}

// History returns finished downloads, newest last.
func (m *Downloads) History() []*Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Download(nil), m.completed...)
}

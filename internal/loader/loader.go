// Package loader runs page loads concurrently with a bounded number of
// slots. Requests queue FIFO, time out individually, retry on failure,
// and report their result through exactly one callback.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/content"
	"github.com/httptim/rednetd/internal/rederr"
)

// Load states reported by Status.
const (
	StateQueued   = "queued"
	StateLoading  = "loading"
	StateDone     = "done"
	StateFailed   = "failed"
	StateCanceled = "canceled"
)

// FetchFunc fetches one page. The loader supplies a context carrying the
// per-attempt timeout.
type FetchFunc func(ctx context.Context, url string) (content.Content, error)

// Result is the outcome of one load.
type Result struct {
	ID       string
	TabID    string
	URL      string
	Content  content.Content
	Err      error
	Attempts int
}

// Callback receives a load result. It is invoked exactly once per load,
// unless the owning tab was closed first.
type Callback func(Result)

// finishedKeep bounds how many terminal loads stay queryable through
// Status before the oldest are dropped.
const finishedKeep = 100

type task struct {
	id        string
	tabID     string
	url       string
	cb        Callback
	state     string
	attempts  int
	cancel    context.CancelFunc // set while loading
	delivered bool
}

// Loader is the concurrent page loader.
type Loader struct {
	cfg    config.LoaderConfig
	fetch  FetchFunc
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	tasks  map[string]*task
	done   []string         // terminal task ids, oldest first
	byTab  map[string]*task // in-flight task per tab
	recent map[string]*task // last request per tab, for Reload
	closed bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a loader and starts its dispatch loop.
func New(cfg config.LoaderConfig, fetch FetchFunc, logger *slog.Logger) *Loader {
	l := &Loader{
		cfg:    cfg,
		fetch:  fetch,
		logger: logger,
		tasks:  make(map[string]*task),
		byTab:  make(map[string]*task),
		recent: make(map[string]*task),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
	}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.dispatch()
	return l
}

// Load queues a page load for tabID and returns the load id. A tab has
// at most one load in flight; a second request while one is queued or
// running is rejected.
func (l *Loader) Load(tabID, url string, cb Callback) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enqueueLocked(tabID, url, cb)
}

func (l *Loader) enqueueLocked(tabID, url string, cb Callback) (string, error) {
	if l.closed {
		return "", fmt.Errorf("loader closed: %w", rederr.ErrPermission)
	}
	if _, ok := l.byTab[tabID]; ok {
		return "", fmt.Errorf("tab %s is already loading: %w", tabID, rederr.ErrConflict)
	}

	t := &task{
		id:    uuid.NewString(),
		tabID: tabID,
		url:   url,
		cb:    cb,
		state: StateQueued,
	}
	l.queue = append(l.queue, t)
	l.tasks[t.id] = t
	l.byTab[tabID] = t
	l.recent[tabID] = t
	l.cond.Signal()
	return t.id, nil
}

// IsLoading reports whether tabID has a load queued or running.
func (l *Loader) IsLoading(tabID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byTab[tabID]
	return ok
}

// CancelTab aborts tabID's in-flight load, if any.
func (l *Loader) CancelTab(tabID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byTab[tabID]
	if !ok {
		return fmt.Errorf("tab %s has no load in flight: %w", tabID, rederr.ErrNotFound)
	}
	l.cancelLocked(t, false)
	return nil
}

// Reload cancels tabID's current load, if one is running, and re-queues
// its most recent URL with the same callback.
func (l *Loader) Reload(tabID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.recent[tabID]
	if !ok {
		return "", fmt.Errorf("tab %s has never loaded: %w", tabID, rederr.ErrNotFound)
	}
	if cur, ok := l.byTab[tabID]; ok {
		l.cancelLocked(cur, false)
	}
	return l.enqueueLocked(tabID, last.url, last.cb)
}

// Status returns the state of a load.
func (l *Loader) Status(id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return "", fmt.Errorf("load %s: %w", id, rederr.ErrNotFound)
	}
	return t.state, nil
}

// Cancel aborts a queued or running load. The callback fires once with a
// canceled result.
func (l *Loader) Cancel(id string) error {
	l.mu.Lock()
	t, ok := l.tasks[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("load %s: %w", id, rederr.ErrNotFound)
	}
	l.cancelLocked(t, false)
	l.mu.Unlock()
	return nil
}

// CloseTab cancels every load belonging to tabID and suppresses their
// callbacks: a closed tab has nowhere to deliver to.
func (l *Loader) CloseTab(tabID string) {
	l.mu.Lock()
	for _, t := range l.tasks {
		if t.tabID == tabID && (t.state == StateQueued || t.state == StateLoading) {
			l.cancelLocked(t, true)
		}
	}
	delete(l.recent, tabID)
	l.mu.Unlock()
}

// cancelLocked marks t canceled and stops its work. Held under l.mu.
func (l *Loader) cancelLocked(t *task, suppress bool) {
	if t.state == StateDone || t.state == StateFailed || t.state == StateCanceled {
		return
	}
	wasQueued := t.state == StateQueued
	t.state = StateCanceled
	l.releaseTabLocked(t)
	if suppress {
		t.delivered = true
	}
	if t.cancel != nil {
		t.cancel()
	}
	if wasQueued {
		// Running tasks deliver from their worker; queued ones have no
		// worker, so deliver and retire here.
		l.deliverLocked(t, Result{ID: t.id, TabID: t.tabID, URL: t.url, Err: context.Canceled})
		l.retireLocked(t)
	}
}

// retireLocked records t as terminal, dropping the oldest terminal tasks
// past the retention window so the table stays bounded. Held under l.mu.
func (l *Loader) retireLocked(t *task) {
	l.done = append(l.done, t.id)
	for len(l.done) > finishedKeep {
		delete(l.tasks, l.done[0])
		l.done = l.done[1:]
	}
}

// deliverLocked invokes the callback exactly once. Held under l.mu; the
// callback itself runs outside the lock.
func (l *Loader) deliverLocked(t *task, res Result) {
	if t.delivered || t.cb == nil {
		t.delivered = true
		return
	}
	t.delivered = true
	cb := t.cb
	go cb(res)
}

// dispatch feeds queued tasks into free slots in FIFO order.
func (l *Loader) dispatch() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed && len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue = l.queue[1:]
		if t.state != StateQueued {
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		l.slots <- struct{}{}

		l.mu.Lock()
		if t.state != StateQueued {
			l.mu.Unlock()
			<-l.slots
			continue
		}
		t.state = StateLoading
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		l.mu.Unlock()

		l.wg.Add(1)
		go l.run(ctx, t)
	}
}

// run performs the attempts for one task and releases its slot.
func (l *Loader) run(ctx context.Context, t *task) {
	defer l.wg.Done()
	defer func() { <-l.slots }()

	timeout := time.Duration(l.cfg.LoadTimeout * float64(time.Second))
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = context.Canceled
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		c, err := l.fetch(attemptCtx, t.url)
		cancel()

		l.mu.Lock()
		t.attempts = attempt + 1
		l.mu.Unlock()

		if err == nil {
			l.finish(t, StateDone, Result{
				ID: t.id, TabID: t.tabID, URL: t.url, Content: c, Attempts: attempt + 1,
			})
			return
		}
		lastErr = err
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			break
		}
		if errors.Is(err, rederr.ErrValidation) {
			// Malformed URLs never get better with retries.
			break
		}
		l.logger.Debug("load attempt failed", "url", t.url, "attempt", attempt+1, "error", err)
	}

	if ctx.Err() != nil {
		l.finish(t, StateCanceled, Result{
			ID: t.id, TabID: t.tabID, URL: t.url, Err: context.Canceled, Attempts: t.attempts,
		})
		return
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("loading %s: %w", t.url, rederr.ErrTimeout)
	}
	l.finish(t, StateFailed, Result{
		ID: t.id, TabID: t.tabID, URL: t.url, Err: lastErr, Attempts: t.attempts,
	})
}

// releaseTabLocked frees t's per-tab slot once it is terminal.
func (l *Loader) releaseTabLocked(t *task) {
	if cur, ok := l.byTab[t.tabID]; ok && cur == t {
		delete(l.byTab, t.tabID)
	}
}

func (l *Loader) finish(t *task, state string, res Result) {
	l.mu.Lock()
	if t.state == StateLoading {
		t.state = state
	} else if t.state == StateCanceled {
		// A cancel raced the fetch; the cancellation wins.
		res = Result{ID: t.id, TabID: t.tabID, URL: t.url, Err: context.Canceled, Attempts: t.attempts}
	}
	l.releaseTabLocked(t)
	l.deliverLocked(t, res)
	l.retireLocked(t)
	l.mu.Unlock()
}

// Active reports how many loads hold a slot right now.
func (l *Loader) Active() int {
	return len(l.slots)
}

// Queued reports how many loads are waiting for a slot. Counted off the
// task table rather than the queue slice: the dispatcher pops a task
// before it acquires a slot, and it is still queued while it waits.
func (l *Loader) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.tasks {
		if t.state == StateQueued {
			n++
		}
	}
	return n
}

// LoadingStatus is a snapshot of loader occupancy.
type LoadingStatus struct {
	Loading       int `json:"loading"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status snapshot across all tabs.
func (l *Loader) LoadingStatus() LoadingStatus {
	return LoadingStatus{
		Loading:       l.Active(),
		Queued:        l.Queued(),
		MaxConcurrent: l.cfg.MaxConcurrent,
	}
}

// Close stops accepting loads and waits for in-flight work to finish.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	for _, t := range l.tasks {
		if t.state == StateQueued || t.state == StateLoading {
			l.cancelLocked(t, false)
		}
	}
	l.cond.Broadcast()
	l.mu.Unlock()
	l.wg.Wait()
}

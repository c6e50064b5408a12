package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/content"
	"github.com/httptim/rednetd/internal/dispute"
	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/loader"
	"github.com/httptim/rednetd/internal/logging"
	"github.com/httptim/rednetd/internal/netopt"
	"github.com/httptim/rednetd/internal/sandbox"
	"github.com/httptim/rednetd/internal/search"
	"github.com/httptim/rednetd/internal/searchindex"
	"github.com/httptim/rednetd/internal/shared"
	"github.com/httptim/rednetd/internal/store"
	"github.com/httptim/rednetd/internal/transport"
)

// peerMaxAge is how long a silent peer stays in the directory.
const peerMaxAge = 10 * time.Minute

// Node is one participant on the network. It owns every service the
// node runs and their shared maintenance schedule.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store

	tr         *netopt.Optimizer
	dispatcher *transport.Dispatcher
	peers      *Peers

	dns      *dnscore.Service
	trust    *dispute.TrustStore
	disputes *dispute.Manager

	sbx    *sandbox.Sandbox
	site   *content.Server
	client *content.Client
	pages  *content.Handler

	pageCache *shared.PageCache
	conns     *shared.ConnPool
	cookies   *shared.CookieJar
	downloads *shared.Downloads

	loads *loader.Loader

	index     *searchindex.Index
	searchSvc *search.Service

	sched   *cron.Cron
	started time.Time
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// New assembles a node over an already opened transport and store. The
// transport is wrapped in the network optimizer; everything above it
// sees the optimized one.
func New(cfg *config.Config, st *store.Store, inner transport.Transport, logger *slog.Logger) (*Node, error) {
	selfID := cfg.Node.ID

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		started: time.Now(),
	}

	n.tr = netopt.New(inner, netopt.Config{
		CompressionThreshold: cfg.NetOpt.CompressionThreshold,
		CompressionLevel:     netopt.Level(cfg.NetOpt.CompressionLevel),
		BatchSize:            cfg.NetOpt.BatchSize,
		BatchTimeout:         secs(cfg.NetOpt.BatchTimeout),
		MaxBatchSize:         cfg.NetOpt.MaxBatchSize,
		DedupeWindow:         secs(cfg.NetOpt.DedupeWindow),
		MaxDedupeCache:       cfg.NetOpt.MaxDedupeCache,
	}, logging.Component(logger, "netopt"))

	n.peers = NewPeers()
	n.peers.Observe(selfID, cfg.Node.Kind)

	registry, err := dnscore.NewRegistry(selfID, st)
	if err != nil {
		n.tr.Close()
		return nil, fmt.Errorf("dns registry: %w", err)
	}
	n.dns = dnscore.NewService(selfID, cfg.DNS, n.tr, registry, n.peers, logging.Component(logger, "dns"))
	if cfg.DNS.SnapshotPath != "" {
		if err := n.dns.Cache().Load(cfg.DNS.SnapshotPath); err != nil {
			logger.Warn("dns cache snapshot not restored", "err", err)
		}
	}

	n.trust = dispute.NewTrustStore(cfg.Dispute.InitialTrust, cfg.Dispute.TrustDecayRate)
	if err := n.restoreTrust(); err != nil {
		logger.Warn("trust state not restored", "err", err)
	}
	n.disputes = dispute.NewManager(selfID, cfg.Dispute, n.tr, n.dns, n.trust, n.peers, logging.Component(logger, "dispute"))

	n.pageCache = shared.NewPageCache(cfg.Shared.PageCacheMaxSize, secs(cfg.Shared.PageCacheTTL))
	n.conns = shared.NewConnPool(cfg.Shared.MaxPerDomainConns, secs(cfg.Shared.ConnectionTimeout))
	n.downloads = shared.NewDownloads(cfg.Shared.DownloadDir)

	n.sbx = sandbox.New(cfg.Sandbox)
	n.site = content.NewServer(selfID, cfg.Node.SiteRoot, n.tr, n.sbx, logging.Component(logger, "site"))
	n.client = content.NewClient(selfID, n.tr, secs(cfg.Loader.LoadTimeout))
	n.pages = content.NewHandler(n.dns, n.client, n.conns)

	n.cookies = shared.NewCookieJar()
	if err := n.cookies.Load(n.cookiePath()); err != nil {
		logger.Warn("cookies not restored", "err", err)
	}

	n.index = searchindex.New()
	if cfg.Search.IndexPath != "" {
		if err := n.index.Load(cfg.Search.IndexPath); err != nil {
			logger.Warn("search index not restored", "err", err)
		}
	}
	n.searchSvc = search.NewService(cfg.Search, search.NewEngine(n.index), logging.Component(logger, "search"))

	n.loads = loader.New(cfg.Loader, n.fetchPage, logging.Component(logger, "loader"))

	n.dispatcher = transport.NewDispatcher(n.tr, logging.Component(logger, "dispatch"))
	n.dns.Attach(n.dispatcher)
	n.disputes.Attach(n.dispatcher)
	n.site.Attach(n.dispatcher)
	n.client.Attach(n.dispatcher)
	n.dispatcher.HandleFunc(transport.ProtocolUrgent, TypeAnnounce, n.onAnnounce)

	n.sched = cron.New()
	if err := n.schedule(); err != nil {
		n.tr.Close()
		return nil, err
	}
	return n, nil
}

// Run announces the node, starts the message dispatcher and the
// maintenance schedule, and blocks until ctx is canceled. State is
// flushed on the way out.
func (n *Node) Run(ctx context.Context) error {
	n.announce()
	n.sched.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.dispatcher.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	<-n.sched.Stop().Done()
	n.loads.Close()
	n.saveState()
	n.searchSvc.Close()
	if closeErr := n.tr.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// schedule registers the periodic maintenance jobs.
func (n *Node) schedule() error {
	jobs := []struct {
		spec string
		run  func()
	}{
		{"@every 30s", n.announce},
		{"@every 1m", func() {
			n.pageCache.Purge()
			n.conns.Prune()
		}},
		{"@every 5m", func() {
			n.peers.Prune(peerMaxAge)
			n.saveState()
		}},
		{"@every 1h", func() {
			n.trust.Decay()
			n.persistTrust()
		}},
	}
	for _, j := range jobs {
		if _, err := n.sched.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("schedule %q: %w", j.spec, err)
		}
	}
	return nil
}

// announce broadcasts this node's id and kind on the urgent protocol.
func (n *Node) announce() {
	env, err := transport.NewEnvelope(TypeAnnounce, n.cfg.Node.ID, AnnouncePayload{
		NodeID: n.cfg.Node.ID,
		Kind:   n.cfg.Node.Kind,
	})
	if err != nil {
		return
	}
	if err := n.tr.Broadcast(transport.ProtocolUrgent, env); err != nil {
		n.logger.Warn("announce failed", "err", err)
	}
}

func (n *Node) onAnnounce(msg transport.Message) {
	var p AnnouncePayload
	if err := msg.Envelope.DecodePayload(&p); err != nil {
		return
	}
	if p.NodeID != msg.Envelope.SenderID {
		return
	}
	n.peers.Observe(p.NodeID, p.Kind)
}

// fetchPage is the loader's fetch function. Pages come from the shared
// cache when fresh; network fetches feed both the cache and the local
// search index.
func (n *Node) fetchPage(ctx context.Context, url string) (content.Content, error) {
	if data, ok := n.pageCache.Get(url); ok {
		var c content.Content
		if err := json.Unmarshal(data, &c); err == nil {
			return c, nil
		}
		n.pageCache.Invalidate(url)
	}

	c, err := n.pages.Get(ctx, url, nil)
	if err != nil {
		return content.Content{}, err
	}

	if data, err := json.Marshal(c); err == nil {
		n.pageCache.Put(url, data)
	}
	n.indexContent(c)
	return c, nil
}

// indexContent adds a fetched page to the search index. Dynamic output
// and misses are not worth indexing.
func (n *Node) indexContent(c content.Content) {
	if c.Kind != content.KindMarkup && c.Kind != content.KindText {
		return
	}
	u, err := content.ParseURL(c.URL)
	if err != nil || u.Host == "" || u.Scheme == "rdnt" {
		return
	}

	body := string(c.Data)
	if c.Kind == content.KindMarkup {
		if ast, err := (content.MarkupParser{}).Parse(c.Data); err == nil {
			body = ast.PlainText()
		}
	}
	err = n.index.Update(searchindex.Document{
		ID:    c.URL,
		URL:   c.URL,
		Title: c.Title,
		Body:  body,
		Type:  string(c.Kind),
		Site:  u.Host,
	})
	if err == nil {
		n.searchSvc.Invalidate()
	}
}

// restoreTrust seeds the trust store from sqlite.
func (n *Node) restoreTrust() error {
	scores, err := n.store.LoadTrust()
	if err != nil {
		return err
	}
	blacklist, err := n.store.LoadBlacklist()
	if err != nil {
		return err
	}
	n.trust.Restore(scores, blacklist)
	return nil
}

func (n *Node) persistTrust() {
	for id, score := range n.trust.Snapshot() {
		if err := n.store.SaveTrust(id, score); err != nil {
			n.logger.Warn("trust not persisted", "node", id, "err", err)
			return
		}
	}
	for id, until := range n.trust.BlacklistSnapshot() {
		if err := n.store.SaveBlacklist(id, until); err != nil {
			n.logger.Warn("blacklist not persisted", "node", id, "err", err)
			return
		}
	}
}

// saveState flushes the snapshot files: cookies, DNS cache, search
// index, and trust.
func (n *Node) saveState() {
	if err := n.cookies.Save(n.cookiePath()); err != nil {
		n.logger.Warn("cookies not saved", "err", err)
	}
	if n.cfg.DNS.SnapshotPath != "" {
		if err := n.dns.Cache().Save(n.cfg.DNS.SnapshotPath); err != nil {
			n.logger.Warn("dns cache not saved", "err", err)
		}
	}
	if n.cfg.Search.IndexPath != "" {
		if err := n.index.Save(n.cfg.Search.IndexPath); err != nil {
			n.logger.Warn("search index not saved", "err", err)
		}
	}
	n.persistTrust()
}

func (n *Node) cookiePath() string {
	if n.cfg.Shared.CookiePath != "" {
		return n.cfg.Shared.CookiePath
	}
	return filepath.Join(n.cfg.Node.DataDir, "cookies.json")
}

// CloseTab tears down everything running on behalf of a tab: its page
// load, if one is in flight, and any downloads it started.
func (n *Node) CloseTab(tabID string) {
	n.loads.CloseTab(tabID)
	if canceled := n.downloads.CancelTab(tabID); canceled > 0 {
		n.logger.Debug("downloads canceled with tab", "tab", tabID, "count", canceled)
	}
}

// Accessors used by the status API and the tab layer.

func (n *Node) ID() int { return n.cfg.Node.ID }
func (n *Node) Kind() string { return n.cfg.Node.Kind }
func (n *Node) DNS() *dnscore.Service { return n.dns }
func (n *Node) Disputes() *dispute.Manager { return n.disputes }
func (n *Node) Pages() *content.Handler { return n.pages }
func (n *Node) Loader() *loader.Loader { return n.loads }
func (n *Node) Search() *search.Service { return n.searchSvc }
func (n *Node) Index() *searchindex.Index { return n.index }
func (n *Node) Peers() *Peers { return n.peers }
func (n *Node) PageCache() *shared.PageCache { return n.pageCache }
func (n *Node) Cookies() *shared.CookieJar { return n.cookies }
func (n *Node) Downloads() *shared.Downloads { return n.downloads }
func (n *Node) Transport() *netopt.Optimizer { return n.tr }
func (n *Node) Store() *store.Store { return n.store }
func (n *Node) Started() time.Time { return n.started }

package node

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/content"
	"github.com/httptim/rednetd/internal/loader"
	"github.com/httptim/rednetd/internal/search"
	"github.com/httptim/rednetd/internal/shared"
	"github.com/httptim/rednetd/internal/store"
	"github.com/httptim/rednetd/internal/transport"
)

func fastNodeConfig(t *testing.T, id int, kind string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.Kind = kind
	cfg.Node.DataDir = dir
	cfg.Node.SiteRoot = filepath.Join(dir, "site")
	cfg.Shared.DownloadDir = filepath.Join(dir, "downloads")
	cfg.DNS.QueryTimeout = 0.2
	cfg.DNS.PropagationDelay = 0.05
	cfg.DNS.MaxRetries = 1
	cfg.DNS.VerificationTimeout = 0.2
	cfg.Dispute.VotingTimeout = 0.3
	cfg.Loader.LoadTimeout = 1
	require.NoError(t, os.MkdirAll(cfg.Node.SiteRoot, 0o755))
	return cfg
}

func startTestNode(t *testing.T, bus *transport.Bus, cfg *config.Config) *Node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n, err := New(cfg, st, bus.Join(cfg.Node.ID), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func TestAnnouncePopulatesPeers(t *testing.T) {
	bus := transport.NewBus()
	a := startTestNode(t, bus, fastNodeConfig(t, 1, KindComputer))
	b := startTestNode(t, bus, fastNodeConfig(t, 2, KindServer))

	require.Eventually(t, func() bool {
		return a.Peers().IsServer(2) && !b.Peers().IsServer(1)
	}, 2*time.Second, 20*time.Millisecond)

	peer, ok := a.Peers().Get(2)
	require.True(t, ok)
	require.Equal(t, KindServer, peer.Kind)
}

func TestPeersDirectory(t *testing.T) {
	p := NewPeers()
	p.Observe(1, KindComputer)
	p.Observe(2, KindServer)
	p.Touch(3)

	require.False(t, p.IsServer(1))
	require.True(t, p.IsServer(2))
	require.False(t, p.IsServer(3))
	require.Len(t, p.List(), 3)
	require.Equal(t, []int{2}, p.Servers())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, p.Prune(time.Millisecond))
	require.Empty(t, p.List())
}

func TestLoadRemotePageThroughNode(t *testing.T) {
	bus := transport.NewBus()
	serverCfg := fastNodeConfig(t, 2, KindServer)
	page := "# Shop\n\nFresh apples and pears for sale.\n"
	require.NoError(t, os.WriteFile(filepath.Join(serverCfg.Node.SiteRoot, "index.rwml"), []byte(page), 0o644))

	client := startTestNode(t, bus, fastNodeConfig(t, 1, KindComputer))
	server := startTestNode(t, bus, serverCfg)

	_, err := server.DNS().Register("shop")
	require.NoError(t, err)

	var mu sync.Mutex
	var results []loader.Result
	deliver := func(res loader.Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	_, err = client.Loader().Load("tab-1", "shop", deliver)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	res := results[0]
	mu.Unlock()
	require.NoError(t, res.Err)
	require.Equal(t, content.KindMarkup, res.Content.Kind)
	require.Equal(t, "Shop", res.Content.Title)

	// The fetch fed the page cache and the search index.
	require.Equal(t, 1, client.Index().Count())
	hits, _, err := client.Search().Query("apples", search.Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "shop/", hits[0].DocID)

	// A second load of the same URL is served from the page cache.
	_, err = client.Loader().Load("tab-1", "shop", deliver)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	}, 3*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, client.PageCache().Stats().Hits, int64(1))
}

func TestCloseTabCancelsWork(t *testing.T) {
	bus := transport.NewBus()
	n := startTestNode(t, bus, fastNodeConfig(t, 1, KindComputer))

	d := n.Downloads().Start("shop/big.bin", "tab-9", "big.bin", 100)
	_, err := n.Loader().Load("tab-9", "nowhere", func(loader.Result) {})
	require.NoError(t, err)

	n.CloseTab("tab-9")

	require.Eventually(t, func() bool {
		return !n.Loader().IsLoading("tab-9")
	}, 2*time.Second, 20*time.Millisecond)

	got, ok := n.Downloads().Get(d.ID)
	require.True(t, ok)
	require.Equal(t, shared.DownloadCanceled, got.State)
	require.Empty(t, n.Downloads().Active())
}

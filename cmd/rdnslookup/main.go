package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/logging"
	"github.com/httptim/rednetd/internal/transport"
)

// staticPeers treats a fixed id set as server-kind peers so their
// negative answers count.
type staticPeers map[int]bool

func (p staticPeers) IsServer(id int) bool { return p[id] }

func main() {
	var (
		group   = flag.String("group", "239.77.77.1:7770", "Multicast group HOST:PORT")
		selfID  = flag.Int("id", 990, "Node id to query as")
		servers = flag.String("servers", "", "Comma-separated ids of known server nodes")
		timeout = flag.Duration("timeout", 10*time.Second, "Overall lookup timeout")
		quiet   = flag.Bool("quiet", false, "Suppress output (exit status indicates success)")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: rdnslookup [flags] domain\n")
		os.Exit(2)
	}
	domain := flag.Arg(0)

	logger := logging.Configure(logging.Config{Level: "ERROR", NodeID: *selfID})

	peers := staticPeers{}
	for _, part := range strings.Split(*servers, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad server id %q: %v\n", part, err)
			os.Exit(2)
		}
		peers[id] = true
	}

	tr, err := transport.NewUDPTransport(transport.UDPConfig{
		SelfID:         *selfID,
		MulticastGroup: *group,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open transport: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	registry, err := dnscore.NewRegistry(*selfID, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdnslookup error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default().DNS
	svc := dnscore.NewService(*selfID, cfg, tr, registry, peers, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	d := transport.NewDispatcher(tr, logger)
	svc.Attach(d)
	go func() { _ = d.Run(ctx) }()

	rec, err := svc.Lookup(ctx, domain)
	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "rdnslookup error: %v\n", err)
		}
		os.Exit(1)
	}
	if *quiet {
		return
	}

	registered := time.UnixMilli(rec.RegisteredAt).UTC().Format(time.RFC3339)
	fmt.Printf("domain=%s kind=%s owner=comp%d registered=%s\n",
		rec.Domain, rec.Kind, rec.OwnerID, registered)
}

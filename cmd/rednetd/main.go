package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/httptim/rednetd/internal/api"
	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/logging"
	"github.com/httptim/rednetd/internal/node"
	"github.com/httptim/rednetd/internal/store"
	"github.com/httptim/rednetd/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		id         = flag.Int("id", -1, "Override node id")
		kind       = flag.String("kind", "", "Override node kind (computer or server)")
		jsonLogs   = flag.Bool("json-logs", false, "Enable JSON structured logging")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *id >= 0 {
		cfg.Node.ID = *id
	}
	if *kind != "" {
		cfg.Node.Kind = *kind
	}
	if *jsonLogs {
		cfg.Logging.Format = "json"
	}
	if *debug {
		cfg.Logging.Level = "DEBUG"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		IncludePID: cfg.Logging.IncludePID,
		NodeID:     cfg.Node.ID,
	})
	logger.Info("rednetd starting",
		"id", cfg.Node.ID,
		"kind", cfg.Node.Kind,
		"group", cfg.Transport.MulticastGroup,
	)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "node.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	tr, err := transport.NewUDPTransport(transport.UDPConfig{
		SelfID:         cfg.Node.ID,
		MulticastGroup: cfg.Transport.MulticastGroup,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		Validator: transport.Validator{
			MaxAge:  time.Duration(cfg.Transport.MaxEnvelopeAge * float64(time.Second)),
			MaxSkew: time.Duration(cfg.Transport.MaxClockSkew * float64(time.Second)),
		},
		Logger: logging.Component(logger, "transport"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open transport: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, st, tr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to assemble node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.API.Enabled {
		srv := api.New(cfg, n, logging.Component(logger, "api"))
		logger.Info("status api listening", "addr", srv.Addr())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := n.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "node exited with error: %v\n", err)
		os.Exit(1)
	}
}

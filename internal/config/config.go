// Package config provides the enumerated configuration record for a RedNet
// node. Defaults are applied and ranges checked by Validate; the file format
// is YAML with strict key checking, so a misspelled key fails loading
// instead of being silently ignored.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/httptim/rednetd/internal/rederr"
)

// Default returns a configuration populated with every documented default.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w: %v", path, rederr.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the configuration and rejects out-of-range values.
func (cfg *Config) Validate() error {
	if cfg.Node.ID < 0 {
		return fmt.Errorf("node.id must be >= 0: %w", rederr.ErrValidation)
	}
	if cfg.Node.Kind == "" {
		cfg.Node.Kind = "computer"
	}
	if cfg.Node.Kind != "computer" && cfg.Node.Kind != "server" {
		return fmt.Errorf("node.kind must be computer or server: %w", rederr.ErrValidation)
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "data"
	}

	// Transport
	if cfg.Transport.MulticastGroup == "" {
		cfg.Transport.MulticastGroup = "239.77.77.1:7770"
	}
	if cfg.Transport.MaxMessageSize <= 0 {
		cfg.Transport.MaxMessageSize = 64 * 1024
	}
	if cfg.Transport.MaxEnvelopeAge <= 0 {
		cfg.Transport.MaxEnvelopeAge = 60
	}
	if cfg.Transport.MaxClockSkew <= 0 {
		cfg.Transport.MaxClockSkew = 30
	}

	// DNS
	if cfg.DNS.CacheTimeout <= 0 {
		cfg.DNS.CacheTimeout = 300
	}
	if cfg.DNS.MaxCacheEntries <= 0 {
		cfg.DNS.MaxCacheEntries = 1000
	}
	if cfg.DNS.QueryTimeout <= 0 {
		cfg.DNS.QueryTimeout = 5
	}
	if cfg.DNS.MaxRetries <= 0 {
		cfg.DNS.MaxRetries = 3
	}
	if cfg.DNS.PropagationDelay <= 0 {
		cfg.DNS.PropagationDelay = 2
	}
	if cfg.DNS.VerificationTimeout <= 0 {
		cfg.DNS.VerificationTimeout = 10
	}

	// Dispute
	if cfg.Dispute.MinVoters <= 0 {
		cfg.Dispute.MinVoters = 3
	}
	if cfg.Dispute.VotingTimeout <= 0 {
		cfg.Dispute.VotingTimeout = 30
	}
	if cfg.Dispute.MajorityThreshold <= 0 {
		cfg.Dispute.MajorityThreshold = 0.66
	}
	if cfg.Dispute.MajorityThreshold >= 1 {
		return fmt.Errorf("dispute.majority_threshold must be < 1: %w", rederr.ErrValidation)
	}
	if cfg.Dispute.DisputeTimeout <= 0 {
		cfg.Dispute.DisputeTimeout = 300
	}
	if cfg.Dispute.MaxDisputesPerHour <= 0 {
		cfg.Dispute.MaxDisputesPerHour = 5
	}
	if cfg.Dispute.BlacklistDuration <= 0 {
		cfg.Dispute.BlacklistDuration = 3600
	}
	if cfg.Dispute.TrustDecayRate <= 0 {
		cfg.Dispute.TrustDecayRate = 0.1
	}
	if cfg.Dispute.MinTrustLevel <= 0 {
		cfg.Dispute.MinTrustLevel = 0.1
	}
	if cfg.Dispute.InitialTrust <= 0 {
		cfg.Dispute.InitialTrust = 1.0
	}
	if cfg.Dispute.InitialTrust > 1.0 {
		return fmt.Errorf("dispute.initial_trust must be <= 1: %w", rederr.ErrValidation)
	}

	// Loader. MaxConcurrent and LoadTimeout have hard bounds.
	if cfg.Loader.MaxConcurrent == 0 {
		cfg.Loader.MaxConcurrent = 3
	}
	if cfg.Loader.MaxConcurrent < 1 || cfg.Loader.MaxConcurrent > 10 {
		return fmt.Errorf("loader.max_concurrent must be 1..10: %w", rederr.ErrValidation)
	}
	if cfg.Loader.LoadTimeout == 0 {
		cfg.Loader.LoadTimeout = 10
	}
	if cfg.Loader.LoadTimeout < 1 || cfg.Loader.LoadTimeout > 60 {
		return fmt.Errorf("loader.load_timeout must be 1..60 seconds: %w", rederr.ErrValidation)
	}
	if cfg.Loader.MaxRetries < 0 {
		return fmt.Errorf("loader.max_retries must be >= 0: %w", rederr.ErrValidation)
	}
	if cfg.Loader.MaxRetries == 0 {
		cfg.Loader.MaxRetries = 2
	}

	// Shared resources
	if cfg.Shared.PageCacheMaxSize <= 0 {
		cfg.Shared.PageCacheMaxSize = 1 << 20
	}
	if cfg.Shared.PageCacheTTL <= 0 {
		cfg.Shared.PageCacheTTL = 300
	}
	if cfg.Shared.MaxPerDomainConns <= 0 {
		cfg.Shared.MaxPerDomainConns = 2
	}
	if cfg.Shared.ConnectionTimeout <= 0 {
		cfg.Shared.ConnectionTimeout = 30
	}
	if cfg.Shared.DownloadDir == "" {
		cfg.Shared.DownloadDir = "/downloads"
	}
	if cfg.Shared.CookiePath == "" {
		cfg.Shared.CookiePath = cfg.Node.DataDir + "/cookies.json"
	}

	// Net optimizer
	if cfg.NetOpt.CompressionThreshold <= 0 {
		cfg.NetOpt.CompressionThreshold = 512
	}
	if cfg.NetOpt.CompressionLevel == "" {
		cfg.NetOpt.CompressionLevel = "fast"
	}
	if cfg.NetOpt.CompressionLevel != "fast" && cfg.NetOpt.CompressionLevel != "best" {
		return fmt.Errorf("net_optimizer.compression_level must be fast or best: %w", rederr.ErrValidation)
	}
	if cfg.NetOpt.BatchSize <= 0 {
		cfg.NetOpt.BatchSize = 10
	}
	if cfg.NetOpt.BatchTimeout <= 0 {
		cfg.NetOpt.BatchTimeout = 0.1
	}
	if cfg.NetOpt.MaxBatchSize <= 0 {
		cfg.NetOpt.MaxBatchSize = 4096
	}
	if cfg.NetOpt.DedupeWindow <= 0 {
		cfg.NetOpt.DedupeWindow = 1
	}
	if cfg.NetOpt.MaxDedupeCache <= 0 {
		cfg.NetOpt.MaxDedupeCache = 100
	}

	// Search
	if cfg.Search.CacheMaxEntries <= 0 {
		cfg.Search.CacheMaxEntries = 500
	}
	if cfg.Search.CacheTTL <= 0 {
		cfg.Search.CacheTTL = 300
	}
	if cfg.Search.MaxResultsPerQuery <= 0 {
		cfg.Search.MaxResultsPerQuery = 100
	}
	if cfg.Search.MaxMemoryUsage <= 0 {
		cfg.Search.MaxMemoryUsage = 512 << 10
	}

	// Sandbox
	if cfg.Sandbox.ExecTimeout <= 0 {
		cfg.Sandbox.ExecTimeout = 5
	}
	if cfg.Sandbox.MaxOutputSize <= 0 {
		cfg.Sandbox.MaxOutputSize = 128 << 10
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	// API
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return fmt.Errorf("api.port must be 1..65535: %w", rederr.ErrValidation)
		}
	}

	return nil
}

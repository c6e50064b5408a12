package config

// NodeConfig identifies this node on the broadcast network.
type NodeConfig struct {
	ID       int    `yaml:"id"`
	Kind     string `yaml:"kind"`      // "computer" or "server"
	SiteRoot string `yaml:"site_root"` // directory served to other nodes
	DataDir  string `yaml:"data_dir"`  // sqlite store, cookie file, snapshots
}

// TransportConfig controls the UDP broadcast transport.
type TransportConfig struct {
	MulticastGroup string `yaml:"multicast_group"`
	MaxMessageSize int    `yaml:"max_message_size"`
	// MaxEnvelopeAge and MaxClockSkew bound the accepted timestamp window
	// (seconds). Envelopes outside the window fail the integrity check.
	MaxEnvelopeAge float64 `yaml:"max_envelope_age"`
	MaxClockSkew   float64 `yaml:"max_clock_skew"`
}

// DNSConfig controls domain resolution and the local cache.
type DNSConfig struct {
	CacheTimeout        float64 `yaml:"cache_timeout"`        // seconds, default 300
	MaxCacheEntries     int     `yaml:"max_cache_entries"`    // default 1000
	QueryTimeout        float64 `yaml:"query_timeout"`        // seconds, default 5
	MaxRetries          int     `yaml:"max_retries"`          // default 3
	PropagationDelay    float64 `yaml:"propagation_delay"`    // seconds, default 2
	VerificationTimeout float64 `yaml:"verification_timeout"` // seconds, default 10
	SnapshotPath        string  `yaml:"snapshot_path"`        // optional cache snapshot file
}

// DisputeConfig controls trust-weighted dispute resolution.
type DisputeConfig struct {
	MinVoters          int     `yaml:"min_voters"`           // default 3
	VotingTimeout      float64 `yaml:"voting_timeout"`       // seconds, default 30
	MajorityThreshold  float64 `yaml:"majority_threshold"`   // default 0.66
	DisputeTimeout     float64 `yaml:"dispute_timeout"`      // seconds, default 300
	MaxDisputesPerHour int     `yaml:"max_disputes_per_hour"` // default 5
	BlacklistDuration  float64 `yaml:"blacklist_duration"`   // seconds, default 3600
	TrustDecayRate     float64 `yaml:"trust_decay_rate"`     // default 0.1
	MinTrustLevel      float64 `yaml:"min_trust_level"`      // default 0.1
	InitialTrust       float64 `yaml:"initial_trust"`        // default 1.0
}

// LoaderConfig controls the concurrent page loader.
type LoaderConfig struct {
	MaxConcurrent int     `yaml:"max_concurrent"` // default 3, bounded [1,10]
	LoadTimeout   float64 `yaml:"load_timeout"`   // seconds, default 10, bounded [1,60]
	MaxRetries    int     `yaml:"max_retries"`    // default 2
}

// SharedConfig controls the cross-tab shared resources.
type SharedConfig struct {
	PageCacheMaxSize  int     `yaml:"page_cache_max_size"` // bytes, default 1 MiB
	PageCacheTTL      float64 `yaml:"page_cache_ttl"`      // seconds, default 300
	MaxPerDomainConns int     `yaml:"max_per_domain_connections"`
	ConnectionTimeout float64 `yaml:"connection_timeout"` // seconds, default 30
	DownloadDir       string  `yaml:"download_dir"`       // default /downloads
	CookiePath        string  `yaml:"cookie_path"`        // default <data_dir>/cookies.json
}

// NetOptConfig controls batching, dedup, compression, and delta sync.
type NetOptConfig struct {
	CompressionThreshold int     `yaml:"compression_threshold"` // bytes, default 512
	CompressionLevel     string  `yaml:"compression_level"`     // "fast" or "best"
	BatchSize            int     `yaml:"batch_size"`            // default 10
	BatchTimeout         float64 `yaml:"batch_timeout"`         // seconds, default 0.1
	MaxBatchSize         int     `yaml:"max_batch_size"`        // bytes, default 4096
	DedupeWindow         float64 `yaml:"dedupe_window"`         // seconds, default 1
	MaxDedupeCache       int     `yaml:"max_dedupe_cache"`      // default 100
}

// SearchConfig controls the search engine and its result cache.
type SearchConfig struct {
	IndexPath          string  `yaml:"index_path"`
	CacheMaxEntries    int     `yaml:"cache_max_entries"`    // default 500
	CacheTTL           float64 `yaml:"cache_ttl"`            // seconds, default 300
	MaxResultsPerQuery int     `yaml:"max_results_per_query"` // default 100
	MaxMemoryUsage     int     `yaml:"max_memory_usage"`     // bytes, default 512 KiB
}

// SandboxConfig controls dynamic page execution.
type SandboxConfig struct {
	ExecTimeout   float64 `yaml:"exec_timeout"`    // seconds, default 5
	MaxOutputSize int     `yaml:"max_output_size"` // bytes, default 128 KiB
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	IncludePID bool   `yaml:"include_pid"`
}

// APIConfig contains the read-only local status API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Config is the root configuration record. Unknown keys in the config
// file are a validation error.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	DNS       DNSConfig       `yaml:"dns"`
	Dispute   DisputeConfig   `yaml:"dispute"`
	Loader    LoaderConfig    `yaml:"loader"`
	Shared    SharedConfig    `yaml:"shared"`
	NetOpt    NetOptConfig    `yaml:"net_optimizer"`
	Search    SearchConfig    `yaml:"search"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	API       APIConfig       `yaml:"api"`
}

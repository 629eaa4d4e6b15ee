package config

// Config holds all application configuration for the swarmops
// orchestrator binary.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	ReviewChain ReviewChainConfig `mapstructure:"review_chain"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Store       StoreConfig       `mapstructure:"store"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServerConfig configures the inbound webhook HTTP listener (§6).
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	PublicURL       string   `mapstructure:"public_url"`
	ReadTimeout     string   `mapstructure:"read_timeout"`
	WriteTimeout    string   `mapstructure:"write_timeout"`
	IdleTimeout     string   `mapstructure:"idle_timeout"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
	EnableCORS      bool     `mapstructure:"enable_cors"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
}

// GatewayConfig configures the outbound connection to the session gateway
// that actually spawns and drives coding-agent sessions (§2, §5).
type GatewayConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	Timeout    string `mapstructure:"timeout"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// PathsConfig configures where per-project state and progress documents
// live on disk.
type PathsConfig struct {
	DataRoot     string `mapstructure:"data_root"`
	ProjectsRoot string `mapstructure:"projects_root"`
	WorktreeRoot string `mapstructure:"worktree_root"`
}

// RetryConfig configures the default backoff policy applied to failed
// workers (§4.E).
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialBackoff string  `mapstructure:"initial_backoff"`
	MaxBackoff     string  `mapstructure:"max_backoff"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	JitterFraction float64 `mapstructure:"jitter_fraction"`
}

// DispatchConfig configures the Worker Dispatcher's spawn behavior (§4.D).
type DispatchConfig struct {
	MaxParallel  int    `mapstructure:"max_parallel"`
	StaggerDelay string `mapstructure:"stagger_delay"`
}

// ReviewChainConfig configures the ordered reviewer roles and fix-attempt
// ceiling used by the Phase Merger's review chain (§4.H, §4.K).
type ReviewChainConfig struct {
	ReviewerRoleIDs []string `mapstructure:"reviewer_role_ids"`
	MaxFixAttempts  int      `mapstructure:"max_fix_attempts"`
}

// WatchdogConfig configures the Phase Advancer's stale-worker polling
// loop (§4.L).
type WatchdogConfig struct {
	PollInterval   string `mapstructure:"poll_interval"`
	StaleThreshold string `mapstructure:"stale_threshold"`
}

// StoreConfig configures the Durable Store and Ledger's filesystem and
// secondary-index layout (§4.B, §4.C).
type StoreConfig struct {
	LockTTL      string `mapstructure:"lock_ttl"`
	LedgerSQLite bool   `mapstructure:"ledger_sqlite"`
}

// DiagnosticsConfig configures host resource sampling before the
// Dispatcher spawns a new wave, and worktree-root disk checks.
type DiagnosticsConfig struct {
	ResourceMonitoring ResourceMonitoringConfig `mapstructure:"resource_monitoring"`
	MinFreeDiskMB      int64                    `mapstructure:"min_free_disk_mb"`
}

// ResourceMonitoringConfig configures periodic host load/memory sampling.
type ResourceMonitoringConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Interval          string  `mapstructure:"interval"`
	MemoryThresholdMB int     `mapstructure:"memory_threshold_mb"`
	LoadThreshold     float64 `mapstructure:"load_threshold"`
}

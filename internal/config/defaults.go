package config

// DefaultConfigYAML contains the default configuration YAML content.
// This is used by both `swarmops doctor` and first-run config creation to
// ensure consistency with the Loader's programmatic defaults.
const DefaultConfigYAML = `# swarmops orchestrator configuration
# Values not specified here use sensible defaults.

log:
  level: info
  format: auto
  file: ""

server:
  host: 0.0.0.0
  port: 8090
  public_url: http://localhost:8090
  read_timeout: 15s
  write_timeout: 30s
  idle_timeout: 60s
  shutdown_timeout: 10s
  enable_cors: false
  cors_origins: []

gateway:
  url: http://localhost:8091
  token: ""
  timeout: 30s
  max_retries: 3

paths:
  data_root: .swarmops/data
  projects_root: .swarmops/projects
  worktree_root: .swarmops/worktrees

retry:
  max_attempts: 3
  initial_backoff: 5s
  max_backoff: 5m
  backoff_factor: 2.0
  jitter_fraction: 0.2

dispatch:
  max_parallel: 4
  stagger_delay: 500ms

review_chain:
  reviewer_role_ids:
    - reviewer-correctness
    - reviewer-security
  max_fix_attempts: 3

watchdog:
  poll_interval: 30s
  stale_threshold: 10m

store:
  lock_ttl: 1h
  ledger_sqlite: true

diagnostics:
  resource_monitoring:
    enabled: true
    interval: 30s
    memory_threshold_mb: 4096
    load_threshold: 0.9
  min_free_disk_mb: 512
`

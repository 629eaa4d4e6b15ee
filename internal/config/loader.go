package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v              *viper.Viper
	configFile     string
	envPrefix      string
	projectDir     string     // Resolved project root directory (set by Load)
	projectDirHint string     // Optional: override project root directory for path resolution
	resolvePaths   bool       // Whether to resolve relative paths to absolute on Load
	mu             sync.Mutex // Protects concurrent access to viper operations
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:            viper.New(),
		envPrefix:    "SWARMOPS",
		resolvePaths: true,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:            v,
		envPrefix:    "SWARMOPS",
		resolvePaths: true,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithProjectDir provides a project root directory hint for resolving relative paths.
func (l *Loader) WithProjectDir(path string) *Loader {
	l.projectDirHint = path
	return l
}

// WithResolvePaths controls whether relative paths are resolved to absolute paths on Load().
func (l *Loader) WithResolvePaths(resolve bool) *Loader {
	l.resolvePaths = resolve
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (SWARMOPS_*)
// 3. Project config (.swarmops/config.yaml)
// 4. Legacy project config (.swarmops.yaml - for backwards compatibility)
// 5. User config (~/.config/swarmops/config.yaml)
// 6. Defaults
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		newConfigPath := filepath.Join(".swarmops", "config.yaml")
		if _, err := os.Stat(newConfigPath); err == nil {
			l.v.SetConfigFile(newConfigPath)
		} else {
			l.v.SetConfigName(".swarmops")
			l.v.SetConfigType("yaml")

			l.v.AddConfigPath(".")
			if home, err := os.UserHomeDir(); err == nil {
				l.v.AddConfigPath(filepath.Join(home, ".config", "swarmops"))
			}
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// ignore
		} else if errors.Is(err, os.ErrNotExist) {
			// Explicit config file path does not exist: treat as "no config file".
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			normalized, err := loadNormalizedConfigMap(configPath)
			if err != nil {
				return nil, fmt.Errorf("normalizing config: %w", err)
			}
			if len(normalized) > 0 {
				if err := l.v.MergeConfigMap(normalized); err != nil {
					return nil, fmt.Errorf("merging normalized config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	projectDir := ""
	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		absConfigPath, err := filepath.Abs(configPath)
		if err == nil {
			configDir := filepath.Dir(absConfigPath)
			if filepath.Base(configDir) == ".swarmops" {
				projectDir = filepath.Dir(configDir)
			} else {
				projectDir = configDir
			}
		}
	}
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	if strings.TrimSpace(l.projectDirHint) != "" {
		projectDir = l.projectDirHint
	}
	l.projectDir = projectDir
	if l.resolvePaths {
		l.resolveAbsolutePaths(&cfg, projectDir)
	}

	return &cfg, nil
}

// ProjectDir returns the resolved project root directory.
func (l *Loader) ProjectDir() string {
	return l.projectDir
}

// resolveAbsolutePaths converts all relative paths in the config to absolute paths.
func (l *Loader) resolveAbsolutePaths(cfg *Config, baseDir string) {
	if cfg.Paths.DataRoot != "" {
		cfg.Paths.DataRoot = resolvePathRelativeTo(cfg.Paths.DataRoot, baseDir)
	}
	if cfg.Paths.ProjectsRoot != "" {
		cfg.Paths.ProjectsRoot = resolvePathRelativeTo(cfg.Paths.ProjectsRoot, baseDir)
	}
	if cfg.Paths.WorktreeRoot != "" {
		cfg.Paths.WorktreeRoot = resolvePathRelativeTo(cfg.Paths.WorktreeRoot, baseDir)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = resolvePathRelativeTo(cfg.Log.File, baseDir)
	}
}

// resolvePathRelativeTo converts a relative path to an absolute path using baseDir as the base.
func resolvePathRelativeTo(path, baseDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if len(path) > 0 && (path[0] == '/' || path[0] == '\\') {
		return path
	}
	return filepath.Join(baseDir, path)
}

func loadNormalizedConfigMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	normalizeLegacyConfigMap(raw)
	return raw, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", "")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8090)
	l.v.SetDefault("server.public_url", "http://localhost:8090")
	l.v.SetDefault("server.read_timeout", "15s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.idle_timeout", "60s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.enable_cors", false)
	l.v.SetDefault("server.cors_origins", []string{})

	l.v.SetDefault("gateway.url", "http://localhost:8091")
	l.v.SetDefault("gateway.token", "")
	l.v.SetDefault("gateway.timeout", "30s")
	l.v.SetDefault("gateway.max_retries", 3)

	l.v.SetDefault("paths.data_root", ".swarmops/data")
	l.v.SetDefault("paths.projects_root", ".swarmops/projects")
	l.v.SetDefault("paths.worktree_root", ".swarmops/worktrees")

	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.initial_backoff", "5s")
	l.v.SetDefault("retry.max_backoff", "5m")
	l.v.SetDefault("retry.backoff_factor", 2.0)
	l.v.SetDefault("retry.jitter_fraction", 0.2)

	l.v.SetDefault("dispatch.max_parallel", 4)
	l.v.SetDefault("dispatch.stagger_delay", "500ms")

	l.v.SetDefault("review_chain.reviewer_role_ids", []string{"reviewer-correctness", "reviewer-security"})
	l.v.SetDefault("review_chain.max_fix_attempts", 3)

	l.v.SetDefault("watchdog.poll_interval", "30s")
	l.v.SetDefault("watchdog.stale_threshold", "10m")

	l.v.SetDefault("store.lock_ttl", "1h")
	l.v.SetDefault("store.ledger_sqlite", true)

	l.v.SetDefault("diagnostics.resource_monitoring.enabled", true)
	l.v.SetDefault("diagnostics.resource_monitoring.interval", "30s")
	l.v.SetDefault("diagnostics.resource_monitoring.memory_threshold_mb", 4096)
	l.v.SetDefault("diagnostics.resource_monitoring.load_threshold", 0.9)
	l.v.SetDefault("diagnostics.min_free_disk_mb", 512)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

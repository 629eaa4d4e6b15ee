package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateGateway(&cfg.Gateway)
	v.validatePaths(&cfg.Paths)
	v.validateRetry(&cfg.Retry)
	v.validateDispatch(&cfg.Dispatch)
	v.validateReviewChain(&cfg.ReviewChain)
	v.validateWatchdog(&cfg.Watchdog)
	v.validateStore(&cfg.Store)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "invalid log level (valid: debug, info, warn, error)")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "invalid log format (valid: auto, text, json)")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
	v.validateDuration("server.read_timeout", cfg.ReadTimeout)
	v.validateDuration("server.write_timeout", cfg.WriteTimeout)
	v.validateDuration("server.idle_timeout", cfg.IdleTimeout)
	v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
	if cfg.EnableCORS && len(cfg.CORSOrigins) == 0 {
		v.addError("server.cors_origins", cfg.CORSOrigins, "must be non-empty when enable_cors is true")
	}
	if strings.TrimSpace(cfg.PublicURL) == "" {
		v.addError("server.public_url", cfg.PublicURL, "is required (used as the gateway's webhook callback base)")
	}
}

func (v *Validator) validateGateway(cfg *GatewayConfig) {
	if strings.TrimSpace(cfg.URL) == "" {
		v.addError("gateway.url", cfg.URL, "is required")
	}
	v.validateDuration("gateway.timeout", cfg.Timeout)
	if cfg.MaxRetries < 0 {
		v.addError("gateway.max_retries", cfg.MaxRetries, "must be >= 0")
	}
}

func (v *Validator) validatePaths(cfg *PathsConfig) {
	if !isValidPath(cfg.DataRoot) {
		v.addError("paths.data_root", cfg.DataRoot, "is required")
	}
	if !isValidPath(cfg.ProjectsRoot) {
		v.addError("paths.projects_root", cfg.ProjectsRoot, "is required")
	}
	if !isValidPath(cfg.WorktreeRoot) {
		v.addError("paths.worktree_root", cfg.WorktreeRoot, "is required")
	}
}

func (v *Validator) validateRetry(cfg *RetryConfig) {
	if cfg.MaxAttempts < 1 {
		v.addError("retry.max_attempts", cfg.MaxAttempts, "must be >= 1")
	}
	v.validateDuration("retry.initial_backoff", cfg.InitialBackoff)
	v.validateDuration("retry.max_backoff", cfg.MaxBackoff)
	if cfg.BackoffFactor < 1 {
		v.addError("retry.backoff_factor", cfg.BackoffFactor, "must be >= 1")
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction > 1 {
		v.addError("retry.jitter_fraction", cfg.JitterFraction, "must be between 0 and 1")
	}
}

func (v *Validator) validateDispatch(cfg *DispatchConfig) {
	if cfg.MaxParallel < 1 {
		v.addError("dispatch.max_parallel", cfg.MaxParallel, "must be >= 1")
	}
	v.validateDuration("dispatch.stagger_delay", cfg.StaggerDelay)
}

func (v *Validator) validateReviewChain(cfg *ReviewChainConfig) {
	if len(cfg.ReviewerRoleIDs) == 0 {
		v.addError("review_chain.reviewer_role_ids", cfg.ReviewerRoleIDs, "must list at least one reviewer role")
	}
	if cfg.MaxFixAttempts < 1 {
		v.addError("review_chain.max_fix_attempts", cfg.MaxFixAttempts, "must be >= 1")
	}
}

func (v *Validator) validateWatchdog(cfg *WatchdogConfig) {
	v.validateDuration("watchdog.poll_interval", cfg.PollInterval)
	v.validateDuration("watchdog.stale_threshold", cfg.StaleThreshold)
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	v.validateDuration("store.lock_ttl", cfg.LockTTL)
}

func (v *Validator) validateDuration(field, value string) {
	if value == "" {
		v.addError(field, value, "is required")
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		v.addError(field, value, "invalid duration")
	}
}

func isValidPath(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	return filepath.IsAbs(path) || !strings.ContainsAny(path, "\x00")
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

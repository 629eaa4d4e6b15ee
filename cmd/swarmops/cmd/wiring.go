package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/conflict"
	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/diagnostics"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/orchestrator"
	"github.com/swarmops/swarmops/internal/phase"
	"github.com/swarmops/swarmops/internal/progress"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/watchdog"
)

// components bundles every subsystem the orchestrator and the watchdog
// Poller share, so serve.go and run.go build the same process graph from
// one place instead of duplicating the wiring order.
type components struct {
	orc       *orchestrator.Orchestrator
	poller    *watchdog.Poller
	runs      *runstate.Manager
	escs      *escalation.Store
	resources *diagnostics.ResourceMonitor
	logger    *logging.Logger
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// build wires every pipeline-orchestration subsystem from cfg, in the
// dependency order each constructor requires.
func build(cfg *config.Config, logger *logging.Logger) (*components, error) {
	st := store.New()

	dataRoot := cfg.Paths.DataRoot
	runs := runstate.New(dataRoot, st)
	reg := registry.New(filepath.Join(dataRoot, "task-registry.json"), st)
	retryCtl := retry.New(filepath.Join(dataRoot, "retry-state.json"), st)
	led := ledger.New(filepath.Join(dataRoot, "work"), st)
	escs := escalation.New(filepath.Join(dataRoot, "escalations.json"), st)
	collector := phase.New(filepath.Join(dataRoot, "phases"), st)
	reviews := phase.NewReviewStore(filepath.Join(dataRoot, "reviews"), st)

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		Token:   cfg.Gateway.Token,
		Timeout: mustDuration(cfg.Gateway.Timeout, 30*time.Second),
	}, logger)

	resolvers := conflict.New(filepath.Join(dataRoot, "conflict-resolvers"), st, gw)

	worktrees := git.NewMultiRepoWorktrees(runs, cfg.Paths.WorktreeRoot)

	rolesSet, err := roles.Load(filepath.Join(dataRoot, "roles.json"))
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}

	webhookURL := cfg.Server.PublicURL

	metrics := diagnostics.NewSystemMetricsCollector()
	minFreeDiskMB := cfg.Diagnostics.MinFreeDiskMB
	resources := diagnostics.NewResourceMonitor(
		mustDuration(cfg.Diagnostics.ResourceMonitoring.Interval, 30*time.Second),
		90,
		10000,
		cfg.Diagnostics.ResourceMonitoring.MemoryThresholdMB,
		60,
		logger.Logger,
	)

	disp := dispatch.New(dispatch.Config{
		Registry:     reg,
		RetryCtl:     retryCtl,
		Gateway:      gw,
		Ledger:       led,
		Worktrees:    worktrees,
		Roles:        rolesSet,
		Escalations:  escs,
		StaggerDelay: mustDuration(cfg.Dispatch.StaggerDelay, dispatch.DefaultStaggerDelay),
		Preflight:    func() error { return diagnostics.CheckFreeDisk(metrics, minFreeDiskMB) },
		WebhookURL:   webhookURL,
		Logger:       logger,
	})

	merger := phase.NewMerger(phase.Config{
		Worktrees:   worktrees,
		Resolvers:   resolvers,
		Escalations: escs,
		Reviews:     reviews,
		Gateway:     gw,
		ReviewChain: cfg.ReviewChain.ReviewerRoleIDs,
		WebhookURL:  webhookURL,
		Logger:      logger,
	})

	prog := progress.New(cfg.Paths.ProjectsRoot)

	advancer := watchdog.NewAdvancer(watchdog.AdvancerConfig{
		Runs:       runs,
		Collector:  collector,
		Dispatcher: disp,
		Tasks:      prog.TaskSource,
		Logger:     logger,
	})

	orc := orchestrator.New(orchestrator.Config{
		Runs:        runs,
		Collector:   collector,
		Merger:      merger,
		Reviews:     reviews,
		Dispatcher:  disp,
		Advancer:    advancer,
		Registry:    reg,
		RetryCtl:    retryCtl,
		Ledger:      led,
		Escalations: escs,
		Resolvers:   resolvers,
		Worktrees:   worktrees,
		GitFactory:  func(dir string) (core.GitClient, error) { return git.NewClient(dir) },
		Progress:    prog,
		Store:       st,
		Logger:      logger,
	})

	poller := watchdog.NewPoller(watchdog.PollerConfig{
		Runs:               runs,
		Collector:          collector,
		Dispatcher:         disp,
		Escalations:        escs,
		Tasks:              prog.TaskSource,
		PollInterval:       mustDuration(cfg.Watchdog.PollInterval, watchdog.DefaultPollInterval),
		StaleThreshold:     mustDuration(cfg.Watchdog.StaleThreshold, watchdog.DefaultStaleThreshold),
		MaxWatchdogRetries: watchdog.DefaultMaxWatchdogRetries,
		Logger:             logger,
	})

	return &components{orc: orc, poller: poller, runs: runs, escs: escs, resources: resources, logger: logger}, nil
}

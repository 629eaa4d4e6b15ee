package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/phase"
	"github.com/swarmops/swarmops/internal/runstate"
)

// DefaultPollInterval is the Watcher's tick period.
const DefaultPollInterval = 30 * time.Second

// DefaultBuildCooldown gates re-dispatch of a phase with no running
// workers, to avoid re-spawning long-running agents while they are still
// producing output.
const DefaultBuildCooldown = 30 * time.Second

// DefaultStaleThreshold is how long a run's heartbeat may go untouched
// before the progress watchdog considers it stalled.
const DefaultStaleThreshold = 10 * time.Minute

// DefaultMaxWatchdogRetries caps how many times the progress watchdog will
// force-continue a stalled run before it escalates instead.
const DefaultMaxWatchdogRetries = 3

// PollerConfig configures a Poller.
type PollerConfig struct {
	Runs               *runstate.Manager
	Collector          *phase.Collector
	Dispatcher         *dispatch.Dispatcher
	Escalations        *escalation.Store
	Tasks              TaskSource
	PollInterval       time.Duration
	BuildCooldown      time.Duration
	StaleThreshold     time.Duration
	MaxWatchdogRetries int
	Logger             *logging.Logger
}

// Poller is the Watcher + Progress Watchdog (§4.L): a single-threaded loop
// that re-invokes the Dispatcher for phases whose workers have all
// finished but ready tasks remain (the transient-failure recovery path),
// and force-continues or escalates runs whose state files have gone stale.
type Poller struct {
	runs        *runstate.Manager
	collector   *phase.Collector
	dispatcher  *dispatch.Dispatcher
	escalations *escalation.Store
	tasks       TaskSource

	interval       time.Duration
	buildCooldown  time.Duration
	staleThreshold time.Duration
	maxRetries     int
	logger         *logging.Logger

	mu          sync.Mutex
	cooldowns   map[string]time.Time
	retryCounts map[string]int
}

// NewPoller constructs a Poller, defaulting unset durations/limits.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	buildCooldown := cfg.BuildCooldown
	if buildCooldown == 0 {
		buildCooldown = DefaultBuildCooldown
	}
	staleThreshold := cfg.StaleThreshold
	if staleThreshold == 0 {
		staleThreshold = DefaultStaleThreshold
	}
	maxRetries := cfg.MaxWatchdogRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxWatchdogRetries
	}
	return &Poller{
		runs:           cfg.Runs,
		collector:      cfg.Collector,
		dispatcher:     cfg.Dispatcher,
		escalations:    cfg.Escalations,
		tasks:          cfg.Tasks,
		interval:       interval,
		buildCooldown:  buildCooldown,
		staleThreshold: staleThreshold,
		maxRetries:     maxRetries,
		logger:         logger,
		cooldowns:      make(map[string]time.Time),
		retryCounts:    make(map[string]int),
	}
}

// Run ticks every PollInterval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Warn("watchdog tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass over every active run. Exported so callers (and
// tests) can drive it deterministically instead of waiting on the ticker.
func (p *Poller) Tick(ctx context.Context) error {
	for _, run := range p.runs.Active() {
		if run.Status.IsTerminal() {
			continue
		}
		ph := run.CurrentPhasePtr()
		if ph == nil {
			continue
		}
		if err := p.checkDispatchRecovery(ctx, run, ph); err != nil {
			p.logger.Warn("dispatch recovery failed", "run", run.RunID, "error", err)
		}
		if err := p.checkStaleness(ctx, run, ph); err != nil {
			p.logger.Warn("staleness check failed", "run", run.RunID, "error", err)
		}
	}
	return nil
}

func cooldownKey(project string, phaseNumber int) string {
	return fmt.Sprintf("%s#%d", project, phaseNumber)
}

// checkDispatchRecovery implements step 3 of §4.L's Watcher: if the phase
// is running with no workers currently in flight but ready tasks remain,
// re-invoke the Dispatcher. This is the recovery path from transient
// failures (e.g. the process restarted mid-wave).
func (p *Poller) checkDispatchRecovery(ctx context.Context, run *core.Run, ph *core.Phase) error {
	if ph.Status != core.PhaseStatusRunning {
		return nil
	}
	state, ok := p.collector.Get(run.RunID, ph.Number)
	if !ok {
		return nil
	}
	for _, w := range state.Workers {
		if w.Status == core.WorkerStatusRunning {
			return nil
		}
	}

	key := cooldownKey(run.ProjectName, ph.Number)
	p.mu.Lock()
	if last, seen := p.cooldowns[key]; seen && core.Now().Sub(last) < p.buildCooldown {
		p.mu.Unlock()
		return nil
	}
	p.cooldowns[key] = core.Now()
	p.mu.Unlock()

	return p.redispatch(ctx, run, ph)
}

// checkStaleness implements the Progress Watchdog: a run whose heartbeat
// hasn't moved in StaleThreshold is force-continued, up to MaxWatchdogRetries
// times, after which an Escalation is raised instead.
func (p *Poller) checkStaleness(ctx context.Context, run *core.Run, ph *core.Phase) error {
	if core.Now().Sub(run.LastHeartbeatAt) <= p.staleThreshold {
		return nil
	}

	key := cooldownKey(string(run.RunID), ph.Number)
	p.mu.Lock()
	p.retryCounts[key]++
	count := p.retryCounts[key]
	p.mu.Unlock()

	p.logger.Warn("watchdog-retry", "run", run.RunID, "phase", ph.Number, "count", count)

	if count > p.maxRetries {
		_, err := p.escalations.Create(escalation.CreateParams{
			RunID:        run.RunID,
			PhaseNumber:  ph.Number,
			Message:      "progress watchdog: run stalled beyond retry budget",
			AttemptCount: count,
			MaxAttempts:  p.maxRetries,
			Severity:     core.SeverityHigh,
		})
		return err
	}

	if err := p.redispatch(ctx, run, ph); err != nil {
		return err
	}
	run.Touch()
	return p.runs.Save(run)
}

func (p *Poller) redispatch(ctx context.Context, run *core.Run, ph *core.Phase) error {
	if p.tasks == nil || p.dispatcher == nil {
		return nil
	}
	tasks, err := p.tasks(run, ph)
	if err != nil {
		return err
	}
	ready := readyTasks(tasks)
	if len(ready) == 0 {
		return nil
	}
	p.logger.Info("watchdog re-dispatch", "run", run.RunID, "phase", ph.Number, "tasks", len(ready))
	_, err = p.dispatcher.Dispatch(ctx, run, ph, ready)
	return err
}

// readyTasks filters tasks to those whose dependencies (within the same
// set) are all done and which aren't done themselves.
func readyTasks(tasks []*core.Task) []*core.Task {
	done := make(map[core.TaskID]bool, len(tasks))
	for _, t := range tasks {
		if t.Done {
			done[t.ID] = true
		}
	}
	isDone := func(id core.TaskID) bool { return done[id] }
	var out []*core.Task
	for _, t := range tasks {
		if t.IsReady(isDone) {
			out = append(out, t)
		}
	}
	return out
}

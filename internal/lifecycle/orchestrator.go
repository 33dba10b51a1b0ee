// Package lifecycle contains the orchestrator: the one component that
// turns a requested operation plus the freshly observed host state into
// a sequence of idempotent steps, runs them strictly in order, and
// reports exactly which steps completed.
package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
	"github.com/hostwatch/agent-manager/internal/firewall"
	"github.com/hostwatch/agent-manager/internal/infra/lock"
	"github.com/hostwatch/agent-manager/internal/release"
	"github.com/hostwatch/agent-manager/internal/schedtask"
	"github.com/hostwatch/agent-manager/internal/svc"
)

// VersionSource resolves published agent versions.
type VersionSource interface {
	ResolveLatest(ctx context.Context) (*release.Release, error)
	ResolvePinned(ctx context.Context, v domain.AgentVersion) (*release.Release, error)
}

// Downloader stages and verifies a release artifact.
type Downloader interface {
	Fetch(ctx context.Context, rel *release.Release) (string, error)
}

// FirewallController reconciles the named inbound rule.
type FirewallController interface {
	EnsurePresent(ctx context.Context, rule firewall.Rule) (bool, error)
	EnsureAbsent(ctx context.Context, name string) (bool, error)
}

// TaskController reconciles the recurring host tasks.
type TaskController interface {
	EnsurePresent(ctx context.Context, spec schedtask.Spec) (bool, error)
	EnsureAbsent(ctx context.Context, name string) (bool, error)
}

// ShortcutManager maintains the desktop entry.
type ShortcutManager interface {
	Present() bool
	Ensure(execPath, displayName string) error
	Remove() error
}

// Prober observes the host.
type Prober interface {
	Snapshot(ctx context.Context) domain.InstalledState
}

// Orchestrator executes lifecycle operations one at a time.
type Orchestrator struct {
	cfg       *config.Config
	store     *configstore.Store
	probe     Prober
	agents    VersionSource
	self      VersionSource
	agentDL   Downloader
	selfDL    Downloader
	services  svc.Controller
	fw        FirewallController
	tasks     TaskController
	shortcuts ShortcutManager
	logger    *slog.Logger

	// guard enforces at-most-one operation within this process; the file
	// lock extends the guarantee across processes.
	guard atomic.Bool
	flock *lock.FileLock

	// managerPath is the executable replaced by UpdateManager.
	managerPath string
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Config      *config.Config
	Store       *configstore.Store
	Probe       Prober
	AgentSource VersionSource
	SelfSource  VersionSource
	AgentDL     Downloader
	SelfDL      Downloader
	Services    svc.Controller
	Firewall    FirewallController
	Tasks       TaskController
	Shortcuts   ShortcutManager
	ManagerPath string
	Logger      *slog.Logger
}

// New wires an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:         d.Config,
		store:       d.Store,
		probe:       d.Probe,
		agents:      d.AgentSource,
		self:        d.SelfSource,
		agentDL:     d.AgentDL,
		selfDL:      d.SelfDL,
		services:    d.Services,
		fw:          d.Firewall,
		tasks:       d.Tasks,
		shortcuts:   d.Shortcuts,
		logger:      d.Logger,
		flock:       lock.New(d.Config.LockPath()),
		managerPath: d.ManagerPath,
	}
}

// step is one idempotent unit of work. run re-checks its own goal state
// and reports StepSkipped when the goal already holds, so a re-invoked
// operation converges without redoing safe work.
type step struct {
	name string
	run  func(ctx context.Context) (domain.StepStatus, error)
}

// Execute runs one lifecycle operation to completion or failure. A call
// made while another operation is in flight fails fast with Busy and
// completes zero steps; it never interleaves.
func (o *Orchestrator) Execute(ctx context.Context, op domain.Operation) domain.OperationResult {
	result := domain.OperationResult{
		ID:        uuid.NewString(),
		Operation: op.Kind,
	}

	if !o.guard.CompareAndSwap(false, true) {
		result.Outcome = domain.OutcomeFatal
		result.Err = dmerr.Wrapf(dmerr.ErrBusy, "operation %s already running", op.Kind)
		return result
	}
	defer o.guard.Store(false)

	if err := o.flock.TryAcquire(); err != nil {
		result.Outcome = domain.OutcomeFatal
		result.Err = err
		return result
	}
	defer o.flock.Release()

	state := o.probe.Snapshot(ctx)
	o.logger.Info("operation started",
		"op", string(op.Kind), "id", result.ID,
		"installed_version", state.BinaryVersion.String(),
		"service_registered", state.ServiceRegistered,
		"service_running", state.ServiceRunning,
	)

	steps, err := o.plan(ctx, op, state)
	if err != nil {
		result.Outcome = outcomeFor(err)
		result.Err = err
		o.logger.Error("operation planning failed", "op", string(op.Kind), "id", result.ID, "err", err)
		return result
	}

	for _, s := range steps {
		status, err := s.run(ctx)
		if err != nil {
			result.Outcome = outcomeFor(err)
			result.Err = err
			o.logger.Error("step failed",
				"op", string(op.Kind), "id", result.ID, "step", s.name, "err", err,
				"completed", len(result.Steps),
			)
			return result
		}
		result.Steps = append(result.Steps, domain.StepResult{Name: s.name, Status: status})
		o.logger.Debug("step finished", "op", string(op.Kind), "id", result.ID, "step", s.name, "status", string(status))
	}

	result.Outcome = domain.OutcomeSuccess
	o.logger.Info("operation finished", "op", string(op.Kind), "id", result.ID, "steps", len(result.Steps))
	return result
}

// outcomeFor maps a step failure to the operation outcome. Completed
// steps are never rolled back: a blind undo risks compounding the
// damage, and idempotence makes a plain retry converge instead.
func outcomeFor(err error) domain.Outcome {
	if dmerr.IsFatal(err) {
		return domain.OutcomeFatal
	}
	return domain.OutcomePartialFailure
}

func (o *Orchestrator) plan(ctx context.Context, op domain.Operation, state domain.InstalledState) ([]step, error) {
	switch op.Kind {
	case domain.OpInstall:
		return o.planInstall(ctx, state)
	case domain.OpUpdateAgent:
		return o.planUpdateAgent(ctx, op.Target, state)
	case domain.OpUpdateManager:
		return o.planUpdateManager(ctx)
	case domain.OpApplySettingsOnly:
		return o.planApplySettings(ctx, state)
	case domain.OpUninstall:
		return o.planUninstall(state), nil
	default:
		return nil, dmerr.Wrapf(dmerr.ErrNotFound, "unknown operation %q", op.Kind)
	}
}

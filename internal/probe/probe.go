// Package probe inspects the host and reports the observed install
// state. It never mutates anything, and it tolerates partial visibility:
// a capability that cannot be queried reports "absent", not an error,
// so a half-installed host still yields a usable snapshot.
package probe

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hostwatch/agent-manager/internal/configstore"
	"github.com/hostwatch/agent-manager/internal/domain"
	"github.com/hostwatch/agent-manager/internal/firewall"
	"github.com/hostwatch/agent-manager/internal/schedtask"
	"github.com/hostwatch/agent-manager/internal/shortcut"
	"github.com/hostwatch/agent-manager/internal/svc"
)

const versionExecTimeout = 10 * time.Second

// Shortcutter is the desktop entry presence check.
type Shortcutter interface {
	Present() bool
}

// Firewaller is the rule presence check.
type Firewaller interface {
	HasRule(ctx context.Context, name string) (bool, error)
}

// Tasker is the scheduled task presence check.
type Tasker interface {
	HasTask(ctx context.Context, name string) (bool, error)
}

var (
	_ Firewaller  = (*firewall.Controller)(nil)
	_ Tasker      = (*schedtask.Controller)(nil)
	_ Shortcutter = (*shortcut.Manager)(nil)
)

// Probe builds InstalledState snapshots.
type Probe struct {
	binaryPath  string
	serviceName string
	ruleName    string
	taskName    string

	services  svc.Controller
	fw        Firewaller
	tasks     Tasker
	shortcuts Shortcutter
	store     *configstore.Store
	logger    *slog.Logger
}

// New wires a Probe over the controller capabilities.
func New(binaryPath, serviceName, ruleName, taskName string,
	services svc.Controller, fw Firewaller, tasks Tasker, shortcuts Shortcutter,
	store *configstore.Store, logger *slog.Logger) *Probe {
	return &Probe{
		binaryPath:  binaryPath,
		serviceName: serviceName,
		ruleName:    ruleName,
		taskName:    taskName,
		services:    services,
		fw:          fw,
		tasks:       tasks,
		shortcuts:   shortcuts,
		store:       store,
		logger:      logger,
	}
}

// Snapshot observes the host. The result is valid only for the decision
// at hand; callers must re-probe rather than cache it.
func (p *Probe) Snapshot(ctx context.Context) domain.InstalledState {
	state := domain.InstalledState{BinaryPath: p.binaryPath}

	if _, err := os.Stat(p.binaryPath); err == nil {
		state.BinaryVersion = p.binaryVersion(ctx)
	}

	if status, err := p.services.Query(ctx, p.serviceName); err != nil {
		p.logger.Warn("service query failed", "service", p.serviceName, "err", err)
	} else {
		state.ServiceRegistered = status.Registered
		state.ServiceRunning = status.Running
	}

	if present, err := p.fw.HasRule(ctx, p.ruleName); err != nil {
		p.logger.Warn("firewall query failed", "rule", p.ruleName, "err", err)
	} else {
		state.FirewallRulePresent = present
	}

	if present, err := p.tasks.HasTask(ctx, p.taskName); err != nil {
		p.logger.Warn("task query failed", "task", p.taskName, "err", err)
	} else {
		state.ScheduledTaskPresent = present
	}

	state.ShortcutPresent = p.shortcuts.Present()
	return state
}

// binaryVersion asks the installed binary for its version, falling back
// to the version recorded at the last successful install, then to
// unknown. Unknown means "assume outdated" to callers.
func (p *Probe) binaryVersion(ctx context.Context) domain.AgentVersion {
	execCtx, cancel := context.WithTimeout(ctx, versionExecTimeout)
	defer cancel()

	out, err := exec.CommandContext(execCtx, p.binaryPath, "version").CombinedOutput()
	if err == nil {
		if v, perr := domain.ParseVersion(string(out)); perr == nil {
			return v
		}
		p.logger.Warn("could not parse agent version output", "output", string(out))
	} else {
		p.logger.Warn("agent version exec failed", "err", err)
	}

	cfg, err := p.store.Load()
	if err == nil && cfg.LastKnownVersion != "" {
		if v, perr := domain.ParseVersion(cfg.LastKnownVersion); perr == nil {
			return v
		}
	}
	return domain.UnknownVersion
}

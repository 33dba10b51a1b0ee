package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
	"github.com/hostwatch/agent-manager/internal/firewall"
	"github.com/hostwatch/agent-manager/internal/release"
	"github.com/hostwatch/agent-manager/internal/schedtask"
	"github.com/hostwatch/agent-manager/internal/svc"
)

// runState carries facts between the steps of one operation. It exists
// only for the duration of that run; nothing here survives a crash,
// which is why every step also re-checks the host itself.
type runState struct {
	rel            *release.Release
	staged         string
	binaryReplaced bool
	envChanged     bool
	unitChanged    bool
}

func (o *Orchestrator) planInstall(_ context.Context, state domain.InstalledState) ([]step, error) {
	agentCfg, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	rs := &runState{}

	return []step{
		{"resolve-version", func(ctx context.Context) (domain.StepStatus, error) {
			rel, err := o.agents.ResolveLatest(ctx)
			if err != nil {
				return "", err
			}
			rs.rel = rel
			// A resolve that confirms the installed version is a no-op:
			// nothing downstream will touch the binary.
			if o.binaryCurrent(state, rel) {
				return domain.StepSkipped, nil
			}
			return domain.StepDone, nil
		}},
		{"stop-service", func(ctx context.Context) (domain.StepStatus, error) {
			if o.binaryCurrent(state, rs.rel) || !state.ServiceRunning {
				return domain.StepSkipped, nil
			}
			if err := o.services.Stop(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"stage-binary", func(ctx context.Context) (domain.StepStatus, error) {
			if o.binaryCurrent(state, rs.rel) {
				return domain.StepSkipped, nil
			}
			staged, err := o.agentDL.Fetch(ctx, rs.rel)
			if err != nil {
				return "", err
			}
			rs.staged = staged
			return domain.StepDone, nil
		}},
		{"install-binary", func(ctx context.Context) (domain.StepStatus, error) {
			if rs.staged == "" {
				return domain.StepSkipped, nil
			}
			if err := o.installStaged(rs); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		o.writeEnvStep(agentCfg, rs),
		o.registerServiceStep(rs),
		o.firewallStep(agentCfg),
		o.tasksStep(agentCfg),
		{"ensure-shortcut", func(ctx context.Context) (domain.StepStatus, error) {
			if o.shortcuts.Present() {
				return domain.StepSkipped, nil
			}
			if err := o.shortcuts.Ensure(o.managerPath, o.cfg.DisplayName); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"start-service", func(ctx context.Context) (domain.StepStatus, error) {
			status, err := o.services.Query(ctx, o.cfg.ServiceName)
			if err != nil {
				return "", err
			}
			switch {
			case !status.Running:
				if err := o.services.Start(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
					return "", err
				}
				return domain.StepDone, nil
			case rs.binaryReplaced || rs.envChanged || rs.unitChanged:
				if err := o.services.Restart(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
					return "", err
				}
				return domain.StepDone, nil
			default:
				return domain.StepSkipped, nil
			}
		}},
	}, nil
}

func (o *Orchestrator) planUpdateAgent(ctx context.Context, target domain.UpdateTarget, state domain.InstalledState) ([]step, error) {
	var (
		rel *release.Release
		err error
	)
	if target.Pinned.Known() {
		rel, err = o.agents.ResolvePinned(ctx, target.Pinned)
	} else {
		rel, err = o.agents.ResolveLatest(ctx)
	}
	if err != nil {
		return nil, err
	}

	// A pinned request is authoritative: the caller may be rolling back,
	// so version ordering never short-circuits it. Only a latest-request
	// that matches the installed version is already current.
	authoritative := target.Pinned.Known() || target.ForceReinstall
	if !authoritative && state.BinaryVersion.Equal(rel.Version) {
		o.logger.Info("agent already current", "version", rel.Version.String())
		return nil, nil
	}

	rs := &runState{rel: rel}
	return []step{
		{"stop-service", func(ctx context.Context) (domain.StepStatus, error) {
			if !state.ServiceRunning {
				return domain.StepSkipped, nil
			}
			if err := o.services.Stop(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"stage-binary", func(ctx context.Context) (domain.StepStatus, error) {
			staged, err := o.agentDL.Fetch(ctx, rs.rel)
			if err != nil {
				return "", err
			}
			rs.staged = staged
			return domain.StepDone, nil
		}},
		{"install-binary", func(ctx context.Context) (domain.StepStatus, error) {
			if err := o.installStaged(rs); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"start-service", func(ctx context.Context) (domain.StepStatus, error) {
			status, err := o.services.Query(ctx, o.cfg.ServiceName)
			if err != nil {
				return "", err
			}
			if !status.Registered || status.Running {
				return domain.StepSkipped, nil
			}
			if err := o.services.Start(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
	}, nil
}

func (o *Orchestrator) planApplySettings(_ context.Context, state domain.InstalledState) ([]step, error) {
	if _, err := os.Stat(o.cfg.BinaryPath()); err != nil {
		return nil, dmerr.Wrapf(dmerr.ErrNotFound, "agent is not installed yet (no binary at %s)", o.cfg.BinaryPath())
	}
	agentCfg, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	rs := &runState{}

	return []step{
		o.writeEnvStep(agentCfg, rs),
		o.registerServiceStep(rs),
		o.firewallStep(agentCfg),
		o.tasksStep(agentCfg),
		{"restart-service", func(ctx context.Context) (domain.StepStatus, error) {
			if !rs.envChanged && !rs.unitChanged {
				return domain.StepSkipped, nil
			}
			status, err := o.services.Query(ctx, o.cfg.ServiceName)
			if err != nil {
				return "", err
			}
			if !status.Running {
				return domain.StepSkipped, nil
			}
			if err := o.services.Restart(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
	}, nil
}

func (o *Orchestrator) planUninstall(state domain.InstalledState) []step {
	return []step{
		{"stop-service", func(ctx context.Context) (domain.StepStatus, error) {
			if !state.ServiceRunning {
				return domain.StepSkipped, nil
			}
			if err := o.services.Stop(ctx, o.cfg.ServiceName, o.cfg.ServiceTimeout); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"unregister-service", func(ctx context.Context) (domain.StepStatus, error) {
			changed, err := o.services.EnsureAbsent(ctx, o.cfg.ServiceName)
			if err != nil {
				return "", err
			}
			return changedStatus(changed), nil
		}},
		{"remove-firewall-rule", func(ctx context.Context) (domain.StepStatus, error) {
			changed, err := o.fw.EnsureAbsent(ctx, o.cfg.FirewallRuleName)
			if err != nil {
				return "", err
			}
			return changedStatus(changed), nil
		}},
		{"remove-scheduled-tasks", func(ctx context.Context) (domain.StepStatus, error) {
			changed := false
			for _, task := range []string{o.cfg.UpdateTaskName, o.cfg.RestartTaskName} {
				c, err := o.tasks.EnsureAbsent(ctx, task)
				if err != nil {
					return "", err
				}
				changed = changed || c
			}
			return changedStatus(changed), nil
		}},
		{"remove-shortcut", func(ctx context.Context) (domain.StepStatus, error) {
			if !o.shortcuts.Present() {
				return domain.StepSkipped, nil
			}
			if err := o.shortcuts.Remove(); err != nil {
				return "", err
			}
			return domain.StepDone, nil
		}},
		{"remove-binary", func(ctx context.Context) (domain.StepStatus, error) {
			return o.removeInstalled()
		}},
	}
}

func (o *Orchestrator) planUpdateManager(ctx context.Context) ([]step, error) {
	rel, err := o.self.ResolveLatest(ctx)
	if err != nil {
		return nil, err
	}
	if current, perr := domain.ParseVersion(config.Version); perr == nil && current.Equal(rel.Version) {
		o.logger.Info("manager already current", "version", rel.Version.String())
		return nil, nil
	}

	rs := &runState{rel: rel}
	return []step{
		{"stage-manager", func(ctx context.Context) (domain.StepStatus, error) {
			staged, err := o.selfDL.Fetch(ctx, rs.rel)
			if err != nil {
				return "", err
			}
			rs.staged = staged
			return domain.StepDone, nil
		}},
		{"install-manager", func(ctx context.Context) (domain.StepStatus, error) {
			if err := promote(rs.staged, o.managerPath); err != nil {
				return "", err
			}
			o.logger.Info("manager updated", "version", rs.rel.Version.String(), "path", o.managerPath)
			return domain.StepDone, nil
		}},
	}, nil
}

// --- shared steps ---

func (o *Orchestrator) writeEnvStep(agentCfg *configstore.AgentConfig, rs *runState) step {
	return step{"write-env", func(ctx context.Context) (domain.StepStatus, error) {
		changed, err := o.store.WriteEnvFile(agentCfg)
		if err != nil {
			return "", err
		}
		rs.envChanged = changed
		return changedStatus(changed), nil
	}}
}

func (o *Orchestrator) registerServiceStep(rs *runState) step {
	return step{"register-service", func(ctx context.Context) (domain.StepStatus, error) {
		changed, err := o.services.EnsurePresent(ctx, svc.Spec{
			Name:        o.cfg.ServiceName,
			DisplayName: o.cfg.DisplayName,
			BinaryPath:  o.cfg.BinaryPath(),
			WorkingDir:  o.cfg.InstallDir,
			EnvFile:     o.cfg.EnvFilePath(),
		})
		if err != nil {
			return "", err
		}
		rs.unitChanged = changed
		return changedStatus(changed), nil
	}}
}

func (o *Orchestrator) firewallStep(agentCfg *configstore.AgentConfig) step {
	return step{"configure-firewall", func(ctx context.Context) (domain.StepStatus, error) {
		var (
			changed bool
			err     error
		)
		if agentCfg.ListenEnabled {
			changed, err = o.fw.EnsurePresent(ctx, firewall.Rule{
				Name: o.cfg.FirewallRuleName,
				Port: agentCfg.Port(),
			})
		} else {
			changed, err = o.fw.EnsureAbsent(ctx, o.cfg.FirewallRuleName)
		}
		if err != nil {
			return "", err
		}
		return changedStatus(changed), nil
	}}
}

func (o *Orchestrator) tasksStep(agentCfg *configstore.AgentConfig) step {
	return step{"reconcile-tasks", func(ctx context.Context) (domain.StepStatus, error) {
		changed := false

		if agentCfg.AutoUpdateEnabled {
			days := agentCfg.UpdateIntervalDays
			if days < 1 {
				days = 1
			}
			c, err := o.tasks.EnsurePresent(ctx, schedtask.Spec{
				Name:     o.cfg.UpdateTaskName,
				Command:  o.managerPath + " update",
				Interval: time.Duration(days) * 24 * time.Hour,
			})
			if err != nil {
				return "", err
			}
			changed = changed || c
		} else {
			c, err := o.tasks.EnsureAbsent(ctx, o.cfg.UpdateTaskName)
			if err != nil {
				return "", err
			}
			changed = changed || c
		}

		if agentCfg.AutoRestartEnabled {
			hours := agentCfg.RestartIntervalHours
			if hours < 1 {
				hours = 24
			}
			c, err := o.tasks.EnsurePresent(ctx, schedtask.Spec{
				Name:     o.cfg.RestartTaskName,
				Command:  o.managerPath + " restart-agent",
				Interval: time.Duration(hours) * time.Hour,
			})
			if err != nil {
				return "", err
			}
			changed = changed || c
		} else {
			c, err := o.tasks.EnsureAbsent(ctx, o.cfg.RestartTaskName)
			if err != nil {
				return "", err
			}
			changed = changed || c
		}
		return changedStatus(changed), nil
	}}
}

// --- helpers ---

func changedStatus(changed bool) domain.StepStatus {
	if changed {
		return domain.StepDone
	}
	return domain.StepSkipped
}

// binaryCurrent reports whether the installed binary already is rel's
// version. Version strings are the authoritative identity: equal
// versions are never re-downloaded, even if file contents differ.
func (o *Orchestrator) binaryCurrent(state domain.InstalledState, rel *release.Release) bool {
	if rel == nil {
		return false
	}
	if _, err := os.Stat(o.cfg.BinaryPath()); err != nil {
		return false
	}
	return state.BinaryVersion.Equal(rel.Version)
}

// installStaged promotes the staged binary into the install path and
// records the installed version for probes that cannot exec the binary.
func (o *Orchestrator) installStaged(rs *runState) error {
	if err := promote(rs.staged, o.cfg.BinaryPath()); err != nil {
		return err
	}
	rs.binaryReplaced = true

	agentCfg, err := o.store.Load()
	if err == nil {
		agentCfg.LastKnownVersion = rs.rel.Version.String()
		if err := o.store.Save(agentCfg); err != nil {
			o.logger.Warn("could not record installed version", "err", err)
		}
	}

	o.logger.Info("agent binary installed", "version", rs.rel.Version.String(), "path", o.cfg.BinaryPath())
	o.logReleaseNotes(rs.rel)
	return nil
}

const maxChangelogLines = 40

func (o *Orchestrator) logReleaseNotes(rel *release.Release) {
	notes := strings.TrimSpace(rel.Notes)
	if notes == "" {
		return
	}
	lines := strings.Split(notes, "\n")
	if len(lines) > maxChangelogLines {
		lines = append(lines[:maxChangelogLines], "... (truncated)")
	}
	o.logger.Info("release notes", "version", rel.Version.String(), "notes", strings.Join(lines, "\n"))
}

// promote moves a fully staged file onto dest. The final hop is always
// a rename so a crash can never leave a half-written executable at the
// install path.
func promote(staged, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("create install dir: %w", err)
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dmerr.Wrapf(dmerr.ErrConflict, "install path %s is a directory", dest)
	}
	if err := os.Rename(staged, dest); err == nil {
		return nil
	}

	// Staging and install dirs may sit on different filesystems; copy
	// next to the destination, then rename within it.
	tmp := dest + ".new"
	if err := copyFile(staged, tmp, 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("promote binary: %w", err)
	}
	os.Remove(staged)
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}

const (
	removeAttempts = 3
	removeBackoff  = 2 * time.Second
)

// removeInstalled deletes the agent binary, its directory and the
// rendered env file. A locked binary is an expected transient right
// after a stop, so deletion retries briefly before giving up.
func (o *Orchestrator) removeInstalled() (domain.StepStatus, error) {
	if err := o.store.RemoveEnvFile(); err != nil {
		return "", err
	}

	if _, err := os.Stat(o.cfg.InstallDir); errors.Is(err, os.ErrNotExist) {
		return domain.StepSkipped, nil
	}

	var lastErr error
	for attempt := 0; attempt < removeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(removeBackoff)
		}
		lastErr = os.RemoveAll(o.cfg.InstallDir)
		if lastErr == nil {
			return domain.StepDone, nil
		}
		o.logger.Warn("install dir removal failed, retrying", "attempt", attempt+1, "err", lastErr)
	}
	if os.IsPermission(lastErr) {
		return "", dmerr.Wrap(dmerr.ErrPermissionDenied, lastErr)
	}
	return "", fmt.Errorf("remove install dir: %w", lastErr)
}

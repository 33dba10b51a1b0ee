// Package status assembles the manager's status report: installed agent
// state, manager build info and hub reachability. Both the CLI status
// command and the HTTP status endpoint render the same Report.
package status

import (
	"context"

	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
	"github.com/hostwatch/agent-manager/internal/domain"
)

// Report is one consistent snapshot of everything the manager knows.
type Report struct {
	AgentVersion      string           `json:"agent_version"`
	ManagerVersion    string           `json:"manager_version"`
	ServiceRegistered bool             `json:"service_registered"`
	ServiceRunning    bool             `json:"service_running"`
	FirewallRule      bool             `json:"firewall_rule"`
	ScheduledTask     bool             `json:"scheduled_task"`
	Shortcut          bool             `json:"shortcut"`
	Hub               domain.HubStatus `json:"hub"`
}

// Prober observes the host without mutating it.
type Prober interface {
	Snapshot(ctx context.Context) domain.InstalledState
}

// HubChecker probes the configured hub endpoint.
type HubChecker interface {
	Check(ctx context.Context, url string) domain.HubStatus
}

// Reporter builds Reports.
type Reporter struct {
	probe Prober
	hub   HubChecker
	store *configstore.Store
}

// NewReporter wires a Reporter.
func NewReporter(probe Prober, hub HubChecker, store *configstore.Store) *Reporter {
	return &Reporter{probe: probe, hub: hub, store: store}
}

// Report probes the host and the hub. Probe failures degrade to absent
// rather than erroring; only a broken config file is fatal here.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	agentCfg, err := r.store.Load()
	if err != nil {
		return Report{}, err
	}

	state := r.probe.Snapshot(ctx)
	return Report{
		AgentVersion:      state.BinaryVersion.String(),
		ManagerVersion:    config.Version,
		ServiceRegistered: state.ServiceRegistered,
		ServiceRunning:    state.ServiceRunning,
		FirewallRule:      state.FirewallRulePresent,
		ScheduledTask:     state.ScheduledTaskPresent,
		Shortcut:          state.ShortcutPresent,
		Hub:               r.hub.Check(ctx, agentCfg.HubURL),
	}, nil
}

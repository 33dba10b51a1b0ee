// Package domain holds the value types shared across the manager:
// operations, their results and the observed host state.
package domain

// InstalledState is a snapshot of the host as observed by the probe.
// It is produced fresh for every orchestrator decision and never cached:
// a failed prior run or the OS itself may have changed the host since.
type InstalledState struct {
	BinaryPath           string
	BinaryVersion        AgentVersion
	ServiceRegistered    bool
	ServiceRunning       bool
	FirewallRulePresent  bool
	ScheduledTaskPresent bool
	ShortcutPresent      bool
}

// UpdateTarget selects which agent version an update aims at.
type UpdateTarget struct {
	// Pinned is the explicit version to install. When unset (unknown),
	// the latest published release is resolved instead.
	Pinned AgentVersion

	// ForceReinstall replaces the binary even when the installed version
	// already matches the target.
	ForceReinstall bool
}

// OperationKind enumerates the lifecycle operations.
type OperationKind string

const (
	OpInstall           OperationKind = "install"
	OpUpdateAgent       OperationKind = "update-agent"
	OpUpdateManager     OperationKind = "update-manager"
	OpApplySettingsOnly OperationKind = "apply-settings"
	OpUninstall         OperationKind = "uninstall"
)

// Operation is a requested lifecycle operation. It is a plain value:
// all state lives on the host, not in the request.
type Operation struct {
	Kind   OperationKind
	Target UpdateTarget // used by OpUpdateAgent only
}

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial-failure"
	OutcomeFatal          Outcome = "fatal"
)

// StepStatus records how a single step finished.
type StepStatus string

const (
	// StepDone means the step performed real work.
	StepDone StepStatus = "done"
	// StepSkipped means the probed state already satisfied the step.
	StepSkipped StepStatus = "skipped"
)

// StepResult names one completed step of an operation.
type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// OperationResult is the single structured outcome of an operation.
// Steps always enumerates exactly the steps that completed, in order,
// so a retry can tell which work is already done.
type OperationResult struct {
	ID        string       `json:"id"`
	Operation OperationKind `json:"operation"`
	Outcome   Outcome      `json:"outcome"`
	Steps     []StepResult `json:"steps"`
	Err       error        `json:"-"`
}

// ErrorMessage returns the failure text, if any.
func (r OperationResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// HubStatus is the best-effort reachability of the configured hub.
// Reachable is not proof of registration, only that the URL answered.
type HubStatus string

const (
	HubNotConfigured HubStatus = "not-configured"
	HubReachable     HubStatus = "reachable"
	HubUnreachable   HubStatus = "unreachable"
)

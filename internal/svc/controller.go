// Package svc wraps the host service manager for the single supervised
// agent service.
package svc

import (
	"context"
	"time"
)

// Status is the observed registration/run state of a service.
type Status struct {
	Registered bool
	Running    bool
}

// Spec describes the service to register. Registering twice with the
// same spec is a no-op.
type Spec struct {
	Name        string
	DisplayName string
	BinaryPath  string
	WorkingDir  string
	// EnvFile is the EnvironmentFile the service process reads.
	EnvFile string
}

// Controller is the host service-manager capability. All methods are
// idempotent; the ensure calls report whether they changed anything, and
// Stop treats "already stopped" as success and fails with a ServiceBusy
// error when the unit does not reach the target state within the timeout.
type Controller interface {
	EnsurePresent(ctx context.Context, spec Spec) (changed bool, err error)
	EnsureAbsent(ctx context.Context, name string) (changed bool, err error)
	Start(ctx context.Context, name string, timeout time.Duration) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Restart(ctx context.Context, name string, timeout time.Duration) error
	Query(ctx context.Context, name string) (Status, error)
}

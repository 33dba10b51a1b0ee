package svc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

const defaultUnitDir = "/etc/systemd/system"

// SystemdController manages the agent as a systemd unit through the
// manager's D-Bus API.
type SystemdController struct {
	// UnitDir is where unit files are written; tests point it elsewhere.
	UnitDir string

	logger *slog.Logger

	mu   sync.Mutex
	conn *sddbus.Conn
}

// NewSystemdController returns a controller writing units to the default
// system unit directory.
func NewSystemdController(logger *slog.Logger) *SystemdController {
	return &SystemdController{UnitDir: defaultUnitDir, logger: logger}
}

func (c *SystemdController) bus(ctx context.Context) (*sddbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, wrapDbusErr(fmt.Errorf("connect to systemd: %w", err))
	}
	c.conn = conn
	return conn, nil
}

// Close releases the D-Bus connection.
func (c *SystemdController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *SystemdController) unitPath(name string) string {
	return filepath.Join(c.UnitDir, name+".service")
}

// EnsurePresent writes the unit file (only when its content differs),
// reloads the daemon and enables the unit. It does not start the
// service. Reports whether the unit definition actually changed.
func (c *SystemdController) EnsurePresent(ctx context.Context, spec Spec) (bool, error) {
	rendered := renderUnit(spec)
	p := c.unitPath(spec.Name)

	existing, readErr := os.ReadFile(p)
	changed := readErr != nil || !bytes.Equal(existing, rendered)
	if changed {
		if err := writeUnitFile(p, rendered); err != nil {
			return false, err
		}
		conn, err := c.bus(ctx)
		if err != nil {
			return false, err
		}
		if err := conn.ReloadContext(ctx); err != nil {
			return false, wrapDbusErr(fmt.Errorf("daemon-reload: %w", err))
		}
		c.logger.Info("service unit updated", "unit", spec.Name)
	}

	conn, err := c.bus(ctx)
	if err != nil {
		return changed, err
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{spec.Name + ".service"}, false, true); err != nil {
		return changed, wrapDbusErr(fmt.Errorf("enable %s: %w", spec.Name, err))
	}
	return changed, nil
}

// EnsureAbsent stops, disables and removes the unit. Succeeds trivially
// when the unit is already gone.
func (c *SystemdController) EnsureAbsent(ctx context.Context, name string) (bool, error) {
	status, err := c.Query(ctx, name)
	if err != nil {
		return false, err
	}
	if !status.Registered {
		return false, nil
	}

	if status.Running {
		if err := c.Stop(ctx, name, 30*time.Second); err != nil {
			return false, err
		}
	}

	conn, err := c.bus(ctx)
	if err != nil {
		return false, err
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{name + ".service"}, false); err != nil {
		return false, wrapDbusErr(fmt.Errorf("disable %s: %w", name, err))
	}
	if err := os.Remove(c.unitPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		if os.IsPermission(err) {
			return false, dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return false, fmt.Errorf("remove unit file: %w", err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return true, wrapDbusErr(fmt.Errorf("daemon-reload: %w", err))
	}
	c.logger.Info("service unit removed", "unit", name)
	return true, nil
}

// Start starts the unit and waits for the job to finish.
func (c *SystemdController) Start(ctx context.Context, name string, timeout time.Duration) error {
	status, err := c.Query(ctx, name)
	if err != nil {
		return err
	}
	if status.Running {
		return nil
	}
	conn, err := c.bus(ctx)
	if err != nil {
		return err
	}
	return c.waitJob(ctx, name, "start", timeout, func(ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, name+".service", "replace", ch)
	})
}

// Stop stops the unit, waiting up to timeout for the process to exit.
// An already-stopped unit is success.
func (c *SystemdController) Stop(ctx context.Context, name string, timeout time.Duration) error {
	status, err := c.Query(ctx, name)
	if err != nil {
		return err
	}
	if !status.Running {
		return nil
	}
	conn, err := c.bus(ctx)
	if err != nil {
		return err
	}
	return c.waitJob(ctx, name, "stop", timeout, func(ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, name+".service", "replace", ch)
	})
}

// Restart is stop-then-start. A stop timeout surfaces as ServiceBusy
// rather than escalating to a kill.
func (c *SystemdController) Restart(ctx context.Context, name string, timeout time.Duration) error {
	if err := c.Stop(ctx, name, timeout); err != nil {
		return err
	}
	return c.Start(ctx, name, timeout)
}

// Query reports registration and run state. An absent unit is not an
// error: it reports Registered=false.
func (c *SystemdController) Query(ctx context.Context, name string) (Status, error) {
	conn, err := c.bus(ctx)
	if err != nil {
		return Status{}, err
	}
	units, err := conn.ListUnitsByNamesContext(ctx, []string{name + ".service"})
	if err != nil {
		return Status{}, wrapDbusErr(fmt.Errorf("query %s: %w", name, err))
	}
	if len(units) == 0 {
		return Status{}, nil
	}
	u := units[0]
	registered := u.LoadState != "not-found"
	running := u.ActiveState == "active" || u.ActiveState == "activating"
	return Status{Registered: registered, Running: running}, nil
}

func (c *SystemdController) waitJob(ctx context.Context, name, verb string, timeout time.Duration, submit func(chan<- string) (int, error)) error {
	done := make(chan string, 1)
	if _, err := submit(done); err != nil {
		return wrapDbusErr(fmt.Errorf("%s %s: %w", verb, name, err))
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job finished with %q", verb, name, result)
		}
		c.logger.Debug("service job finished", "unit", name, "verb", verb)
		return nil
	case <-time.After(timeout):
		return dmerr.Wrapf(dmerr.ErrServiceBusy, "%s %s: no result within %s", verb, name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderUnit(spec Spec) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", spec.DisplayName)
	fmt.Fprintf(&b, "After=network-online.target\n\n")
	fmt.Fprintf(&b, "[Service]\n")
	fmt.Fprintf(&b, "Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", spec.BinaryPath)
	if spec.WorkingDir != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", spec.WorkingDir)
	}
	if spec.EnvFile != "" {
		// "-" prefix: a missing env file must not wedge the unit.
		fmt.Fprintf(&b, "EnvironmentFile=-%s\n", spec.EnvFile)
	}
	fmt.Fprintf(&b, "Restart=on-failure\n")
	fmt.Fprintf(&b, "RestartSec=5\n\n")
	fmt.Fprintf(&b, "[Install]\n")
	fmt.Fprintf(&b, "WantedBy=multi-user.target\n")
	return b.Bytes()
}

func writeUnitFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("rename unit file: %w", err)
	}
	return nil
}

func wrapDbusErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "interactive authentication required") {
		return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
	}
	return err
}

// Package schedtask manages the manager's recurring host tasks as
// systemd service+timer unit pairs: the agent auto-update task and the
// periodic agent restart task.
package schedtask

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

const defaultUnitDir = "/etc/systemd/system"

// Spec describes one recurring task.
type Spec struct {
	Name string
	// Command is the full ExecStart line run on each trigger.
	Command string
	// Interval is the period between runs.
	Interval time.Duration
}

// Controller reconciles timer units. Idempotent: EnsurePresent rewrites
// unit files only when their content differs, EnsureAbsent on a missing
// task succeeds trivially.
type Controller struct {
	// UnitDir is where unit files are written; tests point it elsewhere.
	UnitDir string

	logger *slog.Logger

	mu   sync.Mutex
	conn *sddbus.Conn
}

// New returns a Controller using the default system unit directory.
func New(logger *slog.Logger) *Controller {
	return &Controller{UnitDir: defaultUnitDir, logger: logger}
}

func (c *Controller) bus(ctx context.Context) (*sddbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Close releases the D-Bus connection.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) servicePath(name string) string {
	return filepath.Join(c.UnitDir, name+".service")
}

func (c *Controller) timerPath(name string) string {
	return filepath.Join(c.UnitDir, name+".timer")
}

// EnsurePresent writes and activates the task's unit pair. Reports
// whether the task definition changed.
func (c *Controller) EnsurePresent(ctx context.Context, spec Spec) (bool, error) {
	changed := false
	for _, unit := range []struct {
		path string
		data []byte
	}{
		{c.servicePath(spec.Name), renderTaskService(spec)},
		{c.timerPath(spec.Name), renderTimer(spec)},
	} {
		existing, err := os.ReadFile(unit.path)
		if err == nil && bytes.Equal(existing, unit.data) {
			continue
		}
		if err := writeUnit(unit.path, unit.data); err != nil {
			return false, err
		}
		changed = true
	}

	conn, err := c.bus(ctx)
	if err != nil {
		return changed, err
	}
	if changed {
		if err := conn.ReloadContext(ctx); err != nil {
			return changed, fmt.Errorf("daemon-reload: %w", err)
		}
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{spec.Name + ".timer"}, false, true); err != nil {
		return changed, fmt.Errorf("enable timer %s: %w", spec.Name, err)
	}
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, spec.Name+".timer", "replace", done); err != nil {
		return changed, fmt.Errorf("start timer %s: %w", spec.Name, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return changed, ctx.Err()
	}
	if changed {
		c.logger.Info("scheduled task ensured", "task", spec.Name, "interval", spec.Interval.String())
	}
	return changed, nil
}

// EnsureAbsent stops and removes the task's unit pair.
func (c *Controller) EnsureAbsent(ctx context.Context, name string) (bool, error) {
	present, err := c.HasTask(ctx, name)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}

	conn, err := c.bus(ctx)
	if err != nil {
		return false, err
	}
	done := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, name+".timer", "replace", done); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{name + ".timer"}, false); err != nil {
		c.logger.Warn("disable timer failed", "task", name, "err", err)
	}

	for _, p := range []string{c.timerPath(name), c.servicePath(name)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			if os.IsPermission(err) {
				return false, dmerr.Wrap(dmerr.ErrPermissionDenied, err)
			}
			return false, fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return true, fmt.Errorf("daemon-reload: %w", err)
	}
	c.logger.Info("scheduled task removed", "task", name)
	return true, nil
}

// HasTask reports whether the task's timer unit exists on disk.
func (c *Controller) HasTask(_ context.Context, name string) (bool, error) {
	if _, err := os.Stat(c.timerPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func renderTaskService(spec Spec) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[Unit]\nDescription=%s\n\n", spec.Name)
	fmt.Fprintf(&b, "[Service]\nType=oneshot\nExecStart=%s\n", spec.Command)
	return b.Bytes()
}

func renderTimer(spec Spec) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[Unit]\nDescription=timer for %s\n\n", spec.Name)
	fmt.Fprintf(&b, "[Timer]\n")
	fmt.Fprintf(&b, "OnBootSec=15min\n")
	fmt.Fprintf(&b, "OnUnitActiveSec=%s\n", formatInterval(spec.Interval))
	fmt.Fprintf(&b, "Persistent=true\n\n")
	fmt.Fprintf(&b, "[Install]\nWantedBy=timers.target\n")
	return b.Bytes()
}

// formatInterval renders a duration in systemd time span syntax.
func formatInterval(d time.Duration) string {
	if d <= 0 {
		d = 24 * time.Hour
	}
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	return fmt.Sprintf("%dm", d/time.Minute)
}

func writeUnit(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

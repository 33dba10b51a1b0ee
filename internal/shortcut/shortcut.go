// Package shortcut maintains the manager's desktop entry in the
// applications directory.
package shortcut

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const defaultApplicationsDir = "/usr/share/applications"

// Manager ensures or removes a single desktop entry file.
type Manager struct {
	// Dir is the applications directory; tests point it elsewhere.
	Dir string

	name   string
	logger *slog.Logger
}

// New returns a Manager for the entry named name (without extension).
func New(name string, logger *slog.Logger) *Manager {
	return &Manager{Dir: defaultApplicationsDir, name: name, logger: logger}
}

func (m *Manager) path() string {
	return filepath.Join(m.Dir, m.name+".desktop")
}

// Present reports whether the entry exists.
func (m *Manager) Present() bool {
	_, err := os.Stat(m.path())
	return err == nil
}

// Ensure writes the desktop entry pointing at execPath if it is missing.
func (m *Manager) Ensure(execPath, displayName string) error {
	if m.Present() {
		return nil
	}
	entry := fmt.Sprintf(
		"[Desktop Entry]\nType=Application\nName=%s\nExec=%s status\nTerminal=true\nCategories=System;\n",
		displayName, execPath,
	)
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("create applications dir: %w", err)
	}
	if err := os.WriteFile(m.path(), []byte(entry), 0o644); err != nil {
		return fmt.Errorf("write desktop entry: %w", err)
	}
	m.logger.Info("desktop entry created", "path", m.path())
	return nil
}

// Remove deletes the entry if present.
func (m *Manager) Remove() error {
	if err := os.Remove(m.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove desktop entry: %w", err)
	}
	return nil
}

// Package paths resolves privileged filesystem locations with a
// per-user fallback for unprivileged runs.
package paths

import (
	"os"
	"path/filepath"
)

// Resolve picks a usable directory: it first tries to create preferred,
// and on failure falls back to ~/.hostwatch-manager/<fallbackRel>.
// Status queries and dry runs work without root this way; mutating
// operations still fail later with a clear permission error.
func Resolve(preferred string, fallbackRel string) string {
	if err := os.MkdirAll(preferred, 0o755); err == nil {
		return preferred
	}

	home, err := os.UserHomeDir()
	fallbackDir := "."
	if err == nil && home != "" {
		fallbackDir = filepath.Join(home, ".hostwatch-manager")
	}

	fallbackPath := filepath.Join(fallbackDir, fallbackRel)
	if mkErr := os.MkdirAll(fallbackPath, 0o755); mkErr != nil {
		return preferred
	}
	return fallbackPath
}

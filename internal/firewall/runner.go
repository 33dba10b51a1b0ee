package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

// Runner executes a host command and returns its stdout. The indirection
// keeps the controller testable without a root shell.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command, mapping privilege failures to the
// PermissionDenied kind.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "permission denied") || strings.Contains(lower, "operation not permitted") {
			return "", dmerr.Wrapf(dmerr.ErrPermissionDenied, "%s: %s", name, detail)
		}
		return "", fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, detail)
	}
	return stdout.String(), nil
}

// Package firewall manages the named inbound rule for the agent listen
// port. Rules are iptables INPUT entries tagged with a comment carrying
// the rule name, so they stay addressable by name alone.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Rule describes the single inbound allow rule.
type Rule struct {
	Name string
	Port int
}

// Controller reconciles the named rule. Create-or-update on
// EnsurePresent, remove-if-present on EnsureAbsent.
type Controller struct {
	runner Runner
	logger *slog.Logger
}

// New returns a Controller executing through runner.
func New(runner Runner, logger *slog.Logger) *Controller {
	return &Controller{runner: runner, logger: logger}
}

// EnsurePresent makes the named rule exist with exactly rule's port.
// A matching rule is a no-op; a same-name rule with a different port is
// replaced. Reports whether anything changed.
func (c *Controller) EnsurePresent(ctx context.Context, rule Rule) (bool, error) {
	rows, err := c.namedRows(ctx, rule.Name)
	if err != nil {
		return false, err
	}

	want := "--dport " + strconv.Itoa(rule.Port)
	stale := rows[:0]
	matched := false
	for _, row := range rows {
		if strings.Contains(row, want) && !matched {
			matched = true
			continue
		}
		stale = append(stale, row)
	}

	for _, row := range stale {
		if err := c.deleteRow(ctx, row); err != nil {
			return false, err
		}
	}
	if matched {
		return len(stale) > 0, nil
	}

	_, err = c.runner.Run(ctx, "iptables",
		"-A", "INPUT",
		"-p", "tcp", "--dport", strconv.Itoa(rule.Port),
		"-m", "comment", "--comment", rule.Name,
		"-j", "ACCEPT",
	)
	if err != nil {
		return false, fmt.Errorf("add firewall rule %s: %w", rule.Name, err)
	}
	c.logger.Info("firewall rule ensured", "rule", rule.Name, "port", rule.Port)
	return true, nil
}

// EnsureAbsent removes every row carrying the rule name. Succeeds
// trivially when none exist.
func (c *Controller) EnsureAbsent(ctx context.Context, name string) (bool, error) {
	rows, err := c.namedRows(ctx, name)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if err := c.deleteRow(ctx, row); err != nil {
			return false, err
		}
	}
	if len(rows) > 0 {
		c.logger.Info("firewall rule removed", "rule", name)
		return true, nil
	}
	return false, nil
}

// HasRule reports whether any row carries the rule name.
func (c *Controller) HasRule(ctx context.Context, name string) (bool, error) {
	rows, err := c.namedRows(ctx, name)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// namedRows returns the "-A INPUT ..." lines tagged with name.
func (c *Controller) namedRows(ctx context.Context, name string) ([]string, error) {
	out, err := c.runner.Run(ctx, "iptables", "-S", "INPUT")
	if err != nil {
		return nil, fmt.Errorf("list firewall rules: %w", err)
	}

	tag := "--comment " + name
	quotedTag := fmt.Sprintf("--comment %q", name)
	var rows []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A INPUT") {
			continue
		}
		if strings.Contains(line, tag+" ") || strings.HasSuffix(line, tag) ||
			strings.Contains(line, quotedTag) {
			rows = append(rows, line)
		}
	}
	return rows, nil
}

func (c *Controller) deleteRow(ctx context.Context, row string) error {
	spec := strings.Fields(strings.TrimPrefix(row, "-A "))
	args := append([]string{"-D"}, spec...)
	for i, a := range args {
		args[i] = strings.Trim(a, `"`)
	}
	if _, err := c.runner.Run(ctx, "iptables", args...); err != nil {
		return fmt.Errorf("delete firewall rule row: %w", err)
	}
	return nil
}

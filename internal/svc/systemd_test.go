package svc

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// The CLI tears controllers down explicitly before exiting, on every
// path, including ones that never opened a bus connection.
func TestCloseWithoutConnectionIsSafe(t *testing.T) {
	c := NewSystemdController(testLogger())
	c.Close()
	c.Close()
}

func TestRenderUnit(t *testing.T) {
	out := string(renderUnit(Spec{
		Name:        "hostwatch-agent",
		DisplayName: "Hostwatch Agent",
		BinaryPath:  "/opt/hostwatch-agent/hostwatch-agent",
		WorkingDir:  "/opt/hostwatch-agent",
		EnvFile:     "/var/lib/hostwatch-manager/agent.env",
	}))
	assert.Assert(t, strings.Contains(out, "Description=Hostwatch Agent"))
	assert.Assert(t, strings.Contains(out, "ExecStart=/opt/hostwatch-agent/hostwatch-agent"))
	// "-" prefix keeps a missing env file from wedging the unit.
	assert.Assert(t, strings.Contains(out, "EnvironmentFile=-/var/lib/hostwatch-manager/agent.env"))
	assert.Assert(t, strings.Contains(out, "Restart=on-failure"))
	assert.Assert(t, strings.Contains(out, "WantedBy=multi-user.target"))
}

func TestRenderUnitOmitsOptionalDirectives(t *testing.T) {
	out := string(renderUnit(Spec{
		Name:        "hostwatch-agent",
		DisplayName: "Hostwatch Agent",
		BinaryPath:  "/opt/hostwatch-agent/hostwatch-agent",
	}))
	assert.Assert(t, !strings.Contains(out, "WorkingDirectory"))
	assert.Assert(t, !strings.Contains(out, "EnvironmentFile"))
}

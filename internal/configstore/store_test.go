package configstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "config.json"), filepath.Join(dir, "agent.env"))
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Load()
	assert.NilError(t, err)
	assert.Equal(t, DefaultListenPort, cfg.Port())
	assert.Equal(t, 1, cfg.UpdateIntervalDays)
	assert.Equal(t, "", cfg.Token)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cfg := DefaultAgentConfig()
	cfg.Key = "k-123"
	cfg.Token = "t-456"
	cfg.HubURL = "https://hub.example.com"
	cfg.ListenEnabled = true
	cfg.ListenPort = 9000
	cfg.ExtraEnv = map[string]string{"LOG_LEVEL": "debug"}
	cfg.AutoUpdateEnabled = true
	cfg.LastKnownVersion = "1.2.3"

	assert.NilError(t, s.Save(cfg))

	got, err := s.Load()
	assert.NilError(t, err)
	assert.Equal(t, "k-123", got.Key)
	assert.Equal(t, "t-456", got.Token)
	assert.Equal(t, 9000, got.Port())
	assert.Equal(t, "debug", got.ExtraEnv["LOG_LEVEL"])
	assert.Equal(t, "1.2.3", got.LastKnownVersion)
	assert.Assert(t, got.AutoUpdateEnabled)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	raw := `{"key":"k","token":"t","future_flag":true,"nested":{"a":1}}`
	assert.NilError(t, os.WriteFile(s.configPath, []byte(raw), 0o600))

	cfg, err := s.Load()
	assert.NilError(t, err)
	cfg.Token = "rotated"
	assert.NilError(t, s.Save(cfg))

	data, err := os.ReadFile(s.configPath)
	assert.NilError(t, err)
	var out map[string]json.RawMessage
	assert.NilError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "true", string(out["future_flag"]))
	assert.Equal(t, `"rotated"`, string(out["token"]))

	// Save indents, so compare the preserved value, not its raw bytes.
	var nested bytes.Buffer
	assert.NilError(t, json.Compact(&nested, out["nested"]))
	assert.Equal(t, `{"a":1}`, nested.String())
}

func TestEnvironmentCoreWinsOverExtra(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Key = "real-key"
	cfg.ListenEnabled = true
	cfg.ExtraEnv = map[string]string{"KEY": "shadowed", "CUSTOM": "1", "EMPTY": ""}

	env := cfg.Environment()
	assert.Equal(t, "real-key", env["KEY"])
	assert.Equal(t, "1", env["CUSTOM"])
	assert.Equal(t, "45876", env["LISTEN"])
	_, present := env["EMPTY"]
	assert.Assert(t, !present)
}

func TestRenderEnvFileIsSorted(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Key = "k"
	cfg.Token = "t"
	cfg.ExtraEnv = map[string]string{"ZZZ": "last", "AAA": "first"}

	lines := strings.Split(strings.TrimSpace(string(cfg.RenderEnvFile())), "\n")
	assert.DeepEqual(t, []string{"AAA=first", "KEY=k", "TOKEN=t", "ZZZ=last"}, lines)
}

func TestWriteEnvFileReportsChange(t *testing.T) {
	s := newTestStore(t)
	cfg := DefaultAgentConfig()
	cfg.Key = "k"

	changed, err := s.WriteEnvFile(cfg)
	assert.NilError(t, err)
	assert.Assert(t, changed)

	// Identical content is left untouched.
	changed, err = s.WriteEnvFile(cfg)
	assert.NilError(t, err)
	assert.Assert(t, !changed)

	cfg.Token = "t"
	changed, err = s.WriteEnvFile(cfg)
	assert.NilError(t, err)
	assert.Assert(t, changed)
}

func TestRemoveEnvFileIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NilError(t, s.RemoveEnvFile())

	_, err := s.WriteEnvFile(DefaultAgentConfig())
	assert.NilError(t, err)
	assert.NilError(t, s.RemoveEnvFile())
	assert.NilError(t, s.RemoveEnvFile())
}

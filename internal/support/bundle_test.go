package support

import (
	"archive/zip"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"

	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
)

func TestCreateRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")

	store := configstore.New(cfg.ConfigPath(), cfg.EnvFilePath())
	agentCfg := configstore.DefaultAgentConfig()
	agentCfg.Key = "topsecret-key"
	agentCfg.Token = "topsecret-token"
	agentCfg.HubURL = "https://hub.example.com"
	assert.NilError(t, store.Save(agentCfg))

	_, err := store.WriteEnvFile(agentCfg)
	assert.NilError(t, err)

	unitDir := filepath.Join(dir, "units")
	assert.NilError(t, os.MkdirAll(unitDir, 0o755))
	assert.NilError(t, os.WriteFile(
		filepath.Join(unitDir, cfg.ServiceName+".service"), []byte("[Unit]\n"), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, store, unitDir, logger)

	path, err := b.Create()
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(filepath.Base(path), "support-bundle-"))

	zr, err := zip.OpenReader(path)
	assert.NilError(t, err)
	defer zr.Close()

	entries := map[string][]byte{}
	for _, f := range zr.File {
		r, err := f.Open()
		assert.NilError(t, err)
		data, err := io.ReadAll(r)
		assert.NilError(t, err)
		r.Close()
		entries[f.Name] = data
	}

	raw, ok := entries["config.json"]
	assert.Assert(t, ok)
	var redactedCfg map[string]any
	assert.NilError(t, json.Unmarshal(raw, &redactedCfg))
	assert.Equal(t, "<redacted>", redactedCfg["token"])
	assert.Equal(t, "<redacted>", redactedCfg["key"])
	assert.Equal(t, "https://hub.example.com", redactedCfg["hub_url"])

	// The env file still holds real values; only config.json is redacted.
	_, ok = entries["agent.env"]
	assert.Assert(t, ok)
	_, ok = entries[cfg.ServiceName+".service"]
	assert.Assert(t, ok)
}

func TestCreateToleratesMissingSources(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	store := configstore.New(cfg.ConfigPath(), cfg.EnvFilePath())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, store, filepath.Join(dir, "units"), logger)

	path, err := b.Create()
	assert.NilError(t, err)

	zr, err := zip.OpenReader(path)
	assert.NilError(t, err)
	defer zr.Close()

	// Only the (default) config made it in; everything else was missing.
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.DeepEqual(t, []string{"config.json"}, names)
}

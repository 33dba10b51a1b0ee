// Package support builds the diagnostics bundle: a zip of the manager
// log, the persisted config with secrets redacted, the rendered agent
// env file and the service unit file.
package support

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
)

const redacted = "<redacted>"

// Bundler assembles support bundles in the manager data dir.
type Bundler struct {
	cfg     *config.Config
	store   *configstore.Store
	unitDir string
	logger  *slog.Logger
}

// New wires a Bundler. unitDir is where service unit files live.
func New(cfg *config.Config, store *configstore.Store, unitDir string, logger *slog.Logger) *Bundler {
	return &Bundler{cfg: cfg, store: store, unitDir: unitDir, logger: logger}
}

// Create writes a timestamped zip and returns its path. Missing inputs
// are skipped, not fatal: a half-broken install is exactly when a
// bundle is needed.
func (b *Bundler) Create() (string, error) {
	name := fmt.Sprintf("support-bundle-%s.zip", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(b.cfg.DataDir, name)

	if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if data, err := b.redactedConfig(); err == nil {
		b.addBytes(zw, "config.json", data)
	} else {
		b.logger.Warn("bundle: config unreadable", "err", err)
	}
	b.addFile(zw, "manager.log", filepath.Join(b.cfg.LogDir(), "manager.log"))
	b.addFile(zw, "agent.env", b.cfg.EnvFilePath())
	b.addFile(zw, b.cfg.ServiceName+".service", filepath.Join(b.unitDir, b.cfg.ServiceName+".service"))

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	b.logger.Info("support bundle written", "path", path)
	return path, nil
}

func (b *Bundler) redactedConfig() ([]byte, error) {
	agentCfg, err := b.store.Load()
	if err != nil {
		return nil, err
	}
	if agentCfg.Token != "" {
		agentCfg.Token = redacted
	}
	if agentCfg.Key != "" {
		agentCfg.Key = redacted
	}
	return json.MarshalIndent(agentCfg, "", "  ")
}

func (b *Bundler) addBytes(zw *zip.Writer, name string, data []byte) {
	w, err := zw.Create(name)
	if err != nil {
		b.logger.Warn("bundle: entry failed", "entry", name, "err", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		b.logger.Warn("bundle: entry failed", "entry", name, "err", err)
	}
}

func (b *Bundler) addFile(zw *zip.Writer, name, src string) {
	in, err := os.Open(src)
	if err != nil {
		b.logger.Warn("bundle: source missing", "entry", name, "path", src)
		return
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		b.logger.Warn("bundle: entry failed", "entry", name, "err", err)
		return
	}
	if _, err := io.Copy(w, in); err != nil {
		b.logger.Warn("bundle: entry failed", "entry", name, "err", err)
	}
}

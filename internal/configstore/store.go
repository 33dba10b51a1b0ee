// Package configstore owns the persisted agent configuration: the
// connection settings plus an open set of operator-supplied environment
// entries, round-tripped verbatim. It also renders the environment the
// service process reads, since that rendering must be deterministic for
// the orchestrator's changed/unchanged comparison.
package configstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultListenPort is the agent's default inbound port.
const DefaultListenPort = 45876

// AgentConfig is the persisted configuration handed to the agent service
// as environment. Fields the manager does not interpret survive
// load/save untouched.
type AgentConfig struct {
	Key           string `json:"key"`
	Token         string `json:"token"`
	HubURL        string `json:"hub_url"`
	ListenEnabled bool   `json:"listen_enabled"`
	ListenPort    int    `json:"listen_port"`

	// ExtraEnv is the open mapping of additional environment entries.
	ExtraEnv map[string]string `json:"env,omitempty"`

	AutoUpdateEnabled    bool   `json:"auto_update_enabled"`
	UpdateIntervalDays   int    `json:"update_interval_days"`
	AutoRestartEnabled   bool   `json:"auto_restart_enabled"`
	RestartIntervalHours int    `json:"restart_interval_hours"`
	DebugLogging         bool   `json:"debug_logging"`
	LastKnownVersion     string `json:"last_known_version"`

	// unknown holds JSON fields this version does not model.
	unknown map[string]json.RawMessage
}

// DefaultAgentConfig returns the configuration used before any save.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ListenPort:         DefaultListenPort,
		UpdateIntervalDays: 1,
	}
}

type agentConfigAlias AgentConfig

// UnmarshalJSON keeps unrecognized fields aside so Save writes them back.
func (c *AgentConfig) UnmarshalJSON(data []byte) error {
	var alias agentConfigAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range knownFields() {
		delete(raw, known)
	}
	if len(raw) == 0 {
		raw = nil
	}

	*c = AgentConfig(alias)
	c.unknown = raw
	return nil
}

// MarshalJSON merges the modeled fields with the preserved unknown ones.
func (c AgentConfig) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(agentConfigAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.unknown) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.unknown {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func knownFields() []string {
	return []string{
		"key", "token", "hub_url", "listen_enabled", "listen_port", "env",
		"auto_update_enabled", "update_interval_days",
		"auto_restart_enabled", "restart_interval_hours",
		"debug_logging", "last_known_version",
	}
}

// Environment derives the process environment for the agent service.
// Core settings win over ExtraEnv entries with the same name.
func (c *AgentConfig) Environment() map[string]string {
	env := make(map[string]string, len(c.ExtraEnv)+4)
	for k, v := range c.ExtraEnv {
		if k != "" && v != "" {
			env[k] = v
		}
	}
	if c.Key != "" {
		env["KEY"] = c.Key
	}
	if c.Token != "" {
		env["TOKEN"] = c.Token
	}
	if c.HubURL != "" {
		env["HUB_URL"] = c.HubURL
	}
	if c.ListenEnabled {
		env["LISTEN"] = fmt.Sprintf("%d", c.Port())
	}
	return env
}

// Port returns the configured listen port, defaulted when unset.
func (c *AgentConfig) Port() int {
	if c.ListenPort > 0 {
		return c.ListenPort
	}
	return DefaultListenPort
}

// RenderEnvFile renders the environment as sorted KEY=value lines.
// Sorting makes the byte comparison in WriteEnvFile value-based: two
// configs producing the same variables always render identically.
func (c *AgentConfig) RenderEnvFile() []byte {
	env := c.Environment()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, env[k])
	}
	return buf.Bytes()
}

// Store reads and writes the configuration file and the rendered env
// file. All writes are temp-then-rename so a crash mid-write never
// leaves a half-written file behind.
type Store struct {
	configPath string
	envPath    string
}

// New returns a store over the given config and env file paths.
func New(configPath, envPath string) *Store {
	return &Store{configPath: configPath, envPath: envPath}
}

// Load reads the persisted configuration, returning defaults when no
// file exists yet.
func (s *Store) Load() (*AgentConfig, error) {
	data, err := os.ReadFile(s.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAgentConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.configPath, err)
	}
	return cfg, nil
}

// Save persists cfg atomically.
func (s *Store) Save(cfg *AgentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return atomicWrite(s.configPath, append(data, '\n'), 0o600)
}

// WriteEnvFile renders cfg's environment to the env file. It reports
// whether the contents actually changed; an unchanged file is left
// untouched so callers can skip a needless service restart.
func (s *Store) WriteEnvFile(cfg *AgentConfig) (changed bool, err error) {
	rendered := cfg.RenderEnvFile()
	existing, readErr := os.ReadFile(s.envPath)
	if readErr == nil && bytes.Equal(existing, rendered) {
		return false, nil
	}
	if err := atomicWrite(s.envPath, rendered, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveEnvFile deletes the rendered env file if present.
func (s *Store) RemoveEnvFile() error {
	if err := os.Remove(s.envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// EnvPath is the path of the rendered env file.
func (s *Store) EnvPath() string { return s.envPath }

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

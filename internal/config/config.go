package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hostwatch/agent-manager/internal/infra/paths"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds the manager's own settings: fixed host paths and names
// for the managed agent, release feed coordinates and control API
// settings. The agent's connection settings live in the config store,
// not here.
type Config struct {
	// ServiceName is the systemd unit name of the managed agent.
	ServiceName string

	// DisplayName is the unit Description.
	DisplayName string

	// InstallDir is the directory holding the agent binary.
	InstallDir string

	// BinaryName is the agent executable name inside InstallDir.
	BinaryName string

	// DataDir is the root directory for manager state (config, lock,
	// staging area, logs).
	DataDir string

	// AgentRepo is the GitHub owner/repo publishing agent releases.
	AgentRepo string

	// AgentAssetName is the release asset to download for this platform.
	AgentAssetName string

	// ManagerRepo publishes releases of the manager itself.
	ManagerRepo string

	// ManagerAssetName is the manager release asset for this platform.
	ManagerAssetName string

	// FirewallRuleName tags the inbound rule for the agent listen port.
	FirewallRuleName string

	// UpdateTaskName is the scheduled auto-update task.
	UpdateTaskName string

	// RestartTaskName is the scheduled periodic-restart task.
	RestartTaskName string

	// ShortcutName is the desktop entry file name (without extension).
	ShortcutName string

	// APIPort is the local control API listen port.
	APIPort int

	// APISecret authenticates control API callers.
	APISecret string

	// ServiceTimeout bounds service stop/start/restart waits.
	ServiceTimeout time.Duration

	// DownloadTimeout bounds a single artifact download.
	DownloadTimeout time.Duration

	// Debug enables verbose logging.
	Debug bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:      "hostwatch-agent",
		DisplayName:      "Hostwatch Agent",
		InstallDir:       "/opt/hostwatch-agent",
		BinaryName:       "hostwatch-agent",
		DataDir:          "/var/lib/hostwatch-manager",
		AgentRepo:        "hostwatch/agent",
		AgentAssetName:   "hostwatch-agent_linux_amd64.zip",
		ManagerRepo:      "hostwatch/agent-manager",
		ManagerAssetName: "hostwatch-manager_linux_amd64",
		FirewallRuleName: "hostwatch-agent",
		UpdateTaskName:   "hostwatch-agent-update",
		RestartTaskName:  "hostwatch-agent-restart",
		ShortcutName:     "hostwatch-manager",
		APIPort:          8732,
		ServiceTimeout:   30 * time.Second,
		DownloadTimeout:  60 * time.Second,
	}
}

// Load reads configuration from environment variables, applying defaults
// for anything not explicitly set.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("HOSTWATCH_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("HOSTWATCH_INSTALL_DIR"); v != "" {
		cfg.InstallDir = v
	}
	if v := os.Getenv("HOSTWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	} else {
		// Unprivileged runs (status queries, development) fall back to a
		// per-user data dir instead of failing on /var/lib.
		cfg.DataDir = paths.Resolve(cfg.DataDir, "data")
	}
	if v := os.Getenv("HOSTWATCH_AGENT_REPO"); v != "" {
		cfg.AgentRepo = v
	}
	if v := os.Getenv("HOSTWATCH_AGENT_ASSET"); v != "" {
		cfg.AgentAssetName = v
	}
	if v := os.Getenv("HOSTWATCH_MANAGER_REPO"); v != "" {
		cfg.ManagerRepo = v
	}
	if v := os.Getenv("HOSTWATCH_MANAGER_ASSET"); v != "" {
		cfg.ManagerAssetName = v
	}
	if v := os.Getenv("HOSTWATCH_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("HOSTWATCH_API_PORT must be a port number, got %q", v)
		}
		cfg.APIPort = port
	}
	cfg.APISecret = os.Getenv("HOSTWATCH_API_SECRET")
	cfg.Debug = os.Getenv("HOSTWATCH_DEBUG") == "true"

	if v := os.Getenv("HOSTWATCH_SERVICE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("HOSTWATCH_SERVICE_TIMEOUT: %w", err)
		}
		cfg.ServiceTimeout = d
	}

	return cfg, nil
}

// BinaryPath is the final install path of the agent executable.
func (c *Config) BinaryPath() string {
	return filepath.Join(c.InstallDir, c.BinaryName)
}

// StagingDir is where downloads are verified before promotion.
func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

// ConfigPath is the persisted agent configuration file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// EnvFilePath is the rendered EnvironmentFile handed to the service.
func (c *Config) EnvFilePath() string {
	return filepath.Join(c.DataDir, "agent.env")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "instance.lock")
}

// LogDir is the directory for manager log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// NewLogger creates a structured logger that writes to both stderr and a
// log file under the data dir.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir(), name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(file, os.Stderr), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

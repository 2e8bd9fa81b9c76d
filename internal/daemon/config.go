// Package daemon wires the durable job engine's subsystems into one
// bootable process (spec.md §5): load the runbook, recover StateStore
// from the latest snapshot plus WAL replay, start the Engine's decision
// loop, the Monitor's liveness poller, each configured Worker's
// Dispatcher, and the archive Pruner, then accept RPC. Grounded on
// `internal/daemon/daemon.go`'s New/Start/Shutdown boot sequence,
// stripped of every concern this spec has no equivalent for (postgres
// backend, leader election, MCP registry, webhook routes, cron
// scheduler, public API server, checkpoint manager — see DESIGN.md for
// why each was dropped rather than adapted).
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full boot configuration: defaults, overridden
// by an optional YAML file at StateDir/config.yaml, overridden in turn
// by environment variables, matching the precedence order the pack's
// config.Load uses (file, then env, last write wins).
type Config struct {
	// StateDir is the daemon's private directory: wal/, snapshots/,
	// workspaces/, archive.db, and rpc.port all live under it.
	StateDir string `yaml:"state_dir"`
	// RunbookPath is the YAML file defining commands/jobs/agents/queues/workers.
	RunbookPath string `yaml:"runbook_path"`
	// RepoDir is the git repository workspace.git-worktree JobRuns are
	// checked out from.
	RepoDir string `yaml:"repo_dir"`

	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`

	RPCPortRange [2]int `yaml:"rpc_port_range"`
	AuthToken    string `yaml:"auth_token"`

	RetainInMemory time.Duration `yaml:"retain_in_memory"`

	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config with every field set to spec.md's documented
// defaults.
func Default() *Config {
	return &Config{
		StateDir:       "./oddjobs-state",
		RunbookPath:    "./runbook.yaml",
		AgentCommand:   "claude",
		RPCPortRange:   [2]int{9876, 9899},
		RetainInMemory: 24 * time.Hour,
		MetricsAddr:    "127.0.0.1:0",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Config the same way the daemon entrypoint does:
// defaults, an optional YAML file at configPath (StateDir/config.yaml
// when configPath is empty and that file exists), then environment
// overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		candidate := filepath.Join(cfg.StateDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("daemon: load config %s: %w", configPath, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("ODDJOBS_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("ODDJOBS_RUNBOOK"); v != "" {
		c.RunbookPath = v
	}
	if v := os.Getenv("ODDJOBS_REPO_DIR"); v != "" {
		c.RepoDir = v
	}
	if v := os.Getenv("ODDJOBS_AGENT_COMMAND"); v != "" {
		c.AgentCommand = v
	}
	if v := os.Getenv("ODDJOBS_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("ODDJOBS_RETAIN_IN_MEMORY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RetainInMemory = d
		}
	}
	if v := os.Getenv("ODDJOBS_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("ODDJOBS_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("ODDJOBS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ODDJOBS_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate checks the minimal invariants the boot sequence relies on.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.RunbookPath == "" {
		return fmt.Errorf("runbook_path is required")
	}
	if c.RPCPortRange[0] <= 0 || c.RPCPortRange[1] < c.RPCPortRange[0] {
		return fmt.Errorf("rpc_port_range must be a non-empty ascending range")
	}
	return nil
}

func (c *Config) walDir() string        { return filepath.Join(c.StateDir, "wal") }
func (c *Config) snapshotDir() string   { return filepath.Join(c.StateDir, "snapshots") }
func (c *Config) workspacesDir() string { return filepath.Join(c.StateDir, "workspaces") }
func (c *Config) archivePath() string   { return filepath.Join(c.StateDir, "archive.db") }
func (c *Config) rpcPortFile() string   { return filepath.Join(c.StateDir, "rpc.port") }

// RPCPortFile returns the path Start writes the bound RPC port to, so a
// CLI client sharing this Config can find the running daemon.
func (c *Config) RPCPortFile() string { return c.rpcPortFile() }

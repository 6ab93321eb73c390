// ABOUTME: Configuration loading and validation for keymux.
// ABOUTME: TOML files with environment variable expansion, tilde paths, and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultAgentTimeout bounds each upstream exchange when agent_timeout is
// not configured.
const DefaultAgentTimeout = 5 * time.Second

// Config is the complete keymux configuration.
type Config struct {
	// ListenPath is the unix socket exposed to clients.
	ListenPath string `toml:"listen_path"`

	// AgentTimeout bounds each upstream agent exchange.
	AgentTimeout    time.Duration `toml:"-"`
	AgentTimeoutRaw string        `toml:"agent_timeout"`

	// AddNewKeysTo names the agent that receives add-identity requests.
	// Empty rejects them.
	AddNewKeysTo string `toml:"add_new_keys_to"`

	// Agents lists the upstream agents in priority order: earlier entries
	// win ties when two agents hold the same key.
	Agents []AgentConfig `toml:"agents"`

	Logging LoggingConfig `toml:"logging"`
	Audit   AuditConfig   `toml:"audit"`
}

// AgentConfig describes one upstream agent socket.
type AgentConfig struct {
	Name       string `toml:"name"`
	SocketPath string `toml:"socket_path"`

	// Enabled defaults to true when omitted.
	Enabled *bool `toml:"enabled"`
}

// IsEnabled reports whether this agent should be multiplexed.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AuditConfig holds the optional signing audit log configuration.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultPath returns the config file path.
// Priority: KEYMUX_CONFIG environment variable, then
// $XDG_CONFIG_HOME/keymux/keymux.toml, then ~/.config/keymux/keymux.toml.
func DefaultPath() string {
	if envPath := os.Getenv("KEYMUX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "keymux.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "keymux", "keymux.toml")
}

// DefaultListenPath returns the default client socket path under the
// user's state directory.
func DefaultListenPath() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.sock"
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "keymux", "agent.sock")
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// leading ~ in paths is resolved, and duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw TOML content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// normalize fills in defaults and resolves paths and durations.
func (c *Config) normalize() error {
	if c.ListenPath == "" {
		c.ListenPath = DefaultListenPath()
	}

	var err error
	if c.ListenPath, err = expandTilde(c.ListenPath); err != nil {
		return fmt.Errorf("resolving listen_path: %w", err)
	}
	for i := range c.Agents {
		c.Agents[i].SocketPath, err = expandTilde(c.Agents[i].SocketPath)
		if err != nil {
			return fmt.Errorf("resolving socket_path for agent %q: %w", c.Agents[i].Name, err)
		}
	}
	if c.Audit.Path != "" {
		if c.Audit.Path, err = expandTilde(c.Audit.Path); err != nil {
			return fmt.Errorf("resolving audit.path: %w", err)
		}
	}

	c.AgentTimeout = DefaultAgentTimeout
	if c.AgentTimeoutRaw != "" {
		c.AgentTimeout, err = time.ParseDuration(c.AgentTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent_timeout %q: %w", c.AgentTimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("every agent needs a name")
		}
		if a.SocketPath == "" {
			return fmt.Errorf("agent %q needs a socket_path", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name: %q", a.Name)
		}
		seen[a.Name] = true
	}

	if c.AddNewKeysTo != "" {
		target, ok := c.agentByName(c.AddNewKeysTo)
		if !ok {
			return fmt.Errorf("add_new_keys_to references unknown agent %q", c.AddNewKeysTo)
		}
		if !target.IsEnabled() {
			return fmt.Errorf("add_new_keys_to references disabled agent %q", c.AddNewKeysTo)
		}
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}

	return nil
}

// EnabledAgents returns the enabled agents in configuration order.
func (c *Config) EnabledAgents() []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

func (c *Config) agentByName(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// expandTilde resolves a leading ~/ against the user's home directory.
func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if path == "~" {
		return homeDir, nil
	}
	return filepath.Join(homeDir, path[2:]), nil
}

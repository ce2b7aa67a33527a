package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role names accepted by agent.role.
const (
	RoleCloud = "cloud"
	RoleLocal = "local"
)

// Config models handoff.yml.
type Config struct {
	Vault struct {
		Base string `yaml:"base"`
	} `yaml:"vault"`
	Agent struct {
		Name string `yaml:"name"`
		Role string `yaml:"role"`
	} `yaml:"agent"`
	Domains []string `yaml:"domains"`
	Agents  struct {
		Producer string `yaml:"producer"`
		Executor string `yaml:"executor"`
	} `yaml:"agents"`
	Heartbeat struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
	} `yaml:"heartbeat"`
	Signals struct {
		Backend    string `yaml:"backend"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		Redis      struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"signals"`
	Sync struct {
		Remote            string   `yaml:"remote"`
		Branch            string   `yaml:"branch"`
		IntervalSeconds   int      `yaml:"interval_seconds"`
		TimeoutSeconds    int      `yaml:"timeout_seconds"`
		LogSize           int      `yaml:"log_size"`
		SSHKey            string   `yaml:"ssh_key"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"sync"`
	Loop struct {
		PollSeconds int  `yaml:"poll_seconds"`
		Watch       bool `yaml:"watch"`
		AutoApprove bool `yaml:"auto_approve"`
	} `yaml:"loop"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Audit  string `yaml:"audit"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with handoff init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no handoff.yml.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault.Base) == "" {
		return fmt.Errorf("config.vault.base is required")
	}
	if !filepath.IsLocal(c.Vault.Base) {
		return fmt.Errorf("config.vault.base must be a relative path inside the workspace")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("config.agent.name is required")
	}
	if err := validName("agent.name", c.Agent.Name); err != nil {
		return err
	}
	if c.Agent.Role != RoleCloud && c.Agent.Role != RoleLocal {
		return fmt.Errorf("config.agent.role must be '%s' or '%s'", RoleCloud, RoleLocal)
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("config.domains must list at least one domain")
	}
	seen := map[string]bool{}
	for _, d := range c.Domains {
		if err := validName("domains", d); err != nil {
			return err
		}
		if seen[d] {
			return fmt.Errorf("config.domains lists %s twice", d)
		}
		seen[d] = true
	}
	if err := validName("agents.producer", c.Agents.Producer); err != nil {
		return err
	}
	if err := validName("agents.executor", c.Agents.Executor); err != nil {
		return err
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("config.heartbeat.interval_seconds must be positive")
	}
	if c.Heartbeat.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.heartbeat.timeout_seconds must be positive")
	}
	switch c.Signals.Backend {
	case "file":
	case "redis":
		if c.Signals.Redis.Address == "" {
			return fmt.Errorf("config.signals.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.signals.backend must be 'file' or 'redis'")
	}
	if c.Signals.TTLSeconds <= 0 {
		return fmt.Errorf("config.signals.ttl_seconds must be positive")
	}
	if c.Sync.Remote == "" || c.Sync.Branch == "" {
		return fmt.Errorf("config.sync.remote and config.sync.branch are required")
	}
	if c.Sync.IntervalSeconds <= 0 || c.Sync.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.sync.interval_seconds and config.sync.timeout_seconds must be positive")
	}
	if c.Sync.LogSize <= 0 {
		return fmt.Errorf("config.sync.log_size must be positive")
	}
	for _, ext := range c.Sync.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("allowed extension %q must start with a dot", ext)
		}
	}
	if c.Loop.PollSeconds <= 0 {
		return fmt.Errorf("config.loop.poll_seconds must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("config.log.format must be 'json' or 'text'")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func validName(field, v string) error {
	if v == "" {
		return fmt.Errorf("config.%s has an empty entry", field)
	}
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		return fmt.Errorf("config.%s entry %q must be a single path segment", field, v)
	}
	return nil
}

// DefaultDomain is the category released items fall back to.
func (c *Config) DefaultDomain() string {
	return c.Domains[0]
}

// Privileged reports whether the configured role may approve and execute.
func (c *Config) Privileged() bool {
	return c.Agent.Role == RoleLocal
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Loop.PollSeconds) * time.Second
}

// Clone returns a deep copy so overrides never touch a shared instance.
func (c *Config) Clone() *Config {
	out := *c
	out.Domains = append([]string(nil), c.Domains...)
	out.Sync.AllowedExtensions = append([]string(nil), c.Sync.AllowedExtensions...)
	return &out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "handoff.yml")
}

// GenerateDefault returns default config YAML for an agent.
func GenerateDefault(agentName, role string) string {
	return fmt.Sprintf(defaultTemplate, agentName, role)
}

// Default returns the default Config struct (a privileged "local" agent).
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(RoleLocal, RoleLocal))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `vault:
  base: Platinum

agent:
  name: %s
  role: %s

domains: [email, social, accounting, monitoring]

agents:
  producer: cloud
  executor: local

heartbeat:
  interval_seconds: 30
  timeout_seconds: 120

signals:
  backend: file
  ttl_seconds: 3600
  redis:
    address: localhost:6379
    password: ""
    db: 0
    prefix: handoff

sync:
  remote: origin
  branch: main
  interval_seconds: 300
  timeout_seconds: 30
  log_size: 100
  ssh_key: ""
  allowed_extensions: [.md, .json, .txt, .yaml, .yml, .toml, .cfg, .log]

loop:
  poll_seconds: 10
  watch: true
  auto_approve: false

log:
  level: info
  format: text
  audit: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`

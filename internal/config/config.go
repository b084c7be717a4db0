package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS      NATSConfig                `yaml:"nats"`
	Store     StoreConfig               `yaml:"store"`
	Web       WebConfig                 `yaml:"web"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Engine    EngineConfig              `yaml:"engine"`
	Defaults  DefaultsConfig            `yaml:"defaults"`
	Tools     map[string]ToolDefinition `yaml:"tools"`
	Vault     VaultConfig               `yaml:"vault"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EngineConfig tunes every swarm controller.
type EngineConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	TimeoutFactor   float64       `yaml:"timeout_factor"`
	CostPerSecond   float64       `yaml:"cost_per_second"`
	ContextEntries  int           `yaml:"context_entries"`
	MemoryCapacity  int           `yaml:"memory_capacity"`
	RetentionPolicy string        `yaml:"retention_policy"`
}

// DefaultsConfig fills in swarm creation requests that leave fields empty.
type DefaultsConfig struct {
	AITool     string   `yaml:"ai_tool"`
	AgentTypes []string `yaml:"agent_types"`
	AgentCount int      `yaml:"agent_count"`
	Strategy   string   `yaml:"strategy"`
}

// ToolDefinition describes how an AI tool executes tasks. Mode "command"
// runs Command locally with the prompt on stdin; mode "remote" sends the
// request to a kworker subscribed for the tool.
type ToolDefinition struct {
	Description string            `yaml:"description"`
	Mode        string            `yaml:"mode"`
	Command     []string          `yaml:"command"`
	WorkDir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	APIKey      string            `yaml:"api_key"`
	APIKeyEnv   string            `yaml:"api_key_env"`
	Timeout     time.Duration     `yaml:"timeout"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

const (
	ToolModeCommand = "command"
	ToolModeRemote  = "remote"
)

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/kypseli.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval:    500 * time.Millisecond,
			ExecTimeout:     15 * time.Minute,
			TimeoutFactor:   1.5,
			ContextEntries:  5,
			MemoryCapacity:  1000,
			RetentionPolicy: "lru",
		},
		Defaults: DefaultsConfig{
			AITool:     "claude-code",
			AgentTypes: []string{"queen", "architect", "developer", "reviewer", "tester"},
			Strategy:   "collaborative",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("KYPSELI_CONFIG"); p != "" {
		return p
	}
	return "config/kypseli.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, def := range c.Tools {
		switch def.Mode {
		case "", ToolModeCommand:
			if len(def.Command) == 0 {
				return fmt.Errorf("tool %s: command is required", name)
			}
		case ToolModeRemote:
		default:
			return fmt.Errorf("tool %s: unknown mode %q", name, def.Mode)
		}
	}
	switch c.Engine.RetentionPolicy {
	case "", "fifo", "lru", "priority":
	default:
		return fmt.Errorf("engine: unknown retention policy %q", c.Engine.RetentionPolicy)
	}
	if c.Engine.TimeoutFactor < 0 || c.Engine.CostPerSecond < 0 {
		return fmt.Errorf("engine: timeout_factor and cost_per_second must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KYPSELI_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("KYPSELI_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("KYPSELI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("KYPSELI_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("KYPSELI_DEFAULT_TOOL"); v != "" {
		cfg.Defaults.AITool = v
	}
	if v := os.Getenv("KYPSELI_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ExecTimeout = d
		}
	}
}

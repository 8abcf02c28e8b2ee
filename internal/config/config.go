package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string                     `yaml:"log_level"`
	Defaults  DefaultsConfig             `yaml:"defaults"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
	Crew      CrewConfig                 `yaml:"crew"`
	Swarm     SwarmConfig                `yaml:"swarm"`
	Node      NodeConfig                 `yaml:"node"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Web       WebConfig                  `yaml:"web"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Telemetry TelemetryConfig            `yaml:"telemetry"`
}

// DefaultsConfig holds fallbacks for model-backed agents.
type DefaultsConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AgentDefinition declares one agent capability. Type selects the implementation:
// echo, static or openai.
type AgentDefinition struct {
	Type         string        `yaml:"type"`
	Description  string        `yaml:"description"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Output       string        `yaml:"output"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

type CrewConfig struct {
	Dir         string `yaml:"dir"`
	Parallelism int    `yaml:"parallelism"`
	Evaluate    bool   `yaml:"evaluate"`
}

type SwarmConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Nodes             []NodeEntry   `yaml:"nodes"`
}

// NodeEntry is a node the manager registers at startup.
type NodeEntry struct {
	ID      string   `yaml:"id" json:"id"`
	Address string   `yaml:"address" json:"address"`
	Agents  []string `yaml:"agents" json:"agents"`
}

type NodeConfig struct {
	ID            string   `yaml:"id"`
	Listen        string   `yaml:"listen"`
	Transport     string   `yaml:"transport"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Agents        []string `yaml:"agents"`
}

// NATSConfig configures the embedded server. When URL is set the manager and nodes
// connect to that server instead of embedding one.
type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	URL     string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

const (
	TransportGRPC = "grpc"
	TransportNATS = "nats"
)

func defaults() Config {
	return Config{
		LogLevel: "info",
		Defaults: DefaultsConfig{
			Model: "gpt-4o-mini",
		},
		Crew: CrewConfig{
			Dir: "crews",
		},
		Swarm: SwarmConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  2 * time.Second,
			NodeTimeout:       15 * time.Second,
			CallTimeout:       10 * time.Second,
			RPCTimeout:        10 * time.Minute,
			MaxAttempts:       3,
			RetryBackoff:      500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
		},
		Node: NodeConfig{
			Listen:        ":50051",
			Transport:     TransportGRPC,
			MaxConcurrent: 1,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/swarmcrew.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "swarmcrew",
		},
	}
}

// Load reads the file named by SWARMCREW_CONFIG, or config/swarmcrew.yaml.
func Load() (*Config, error) {
	path := os.Getenv("SWARMCREW_CONFIG")
	if path == "" {
		path = "config/swarmcrew.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads path on top of the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Defaults.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Defaults.BaseURL = v
	}
	if v := os.Getenv("SWARMCREW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWARMCREW_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("SWARMCREW_NODE_LISTEN"); v != "" {
		cfg.Node.Listen = v
	}
	if v := os.Getenv("SWARMCREW_NODE_TRANSPORT"); v != "" {
		cfg.Node.Transport = v
	}
	if v := os.Getenv("SWARMCREW_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAttempts = n
		}
	}
	if v := os.Getenv("SWARMCREW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SWARMCREW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARMCREW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARMCREW_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SWARMCREW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARMCREW_CREWS_DIR"); v != "" {
		cfg.Crew.Dir = v
	}
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	s := c.Swarm
	if s.HeartbeatInterval <= 0 || s.HeartbeatTimeout <= 0 || s.NodeTimeout <= 0 || s.RPCTimeout <= 0 || s.CallTimeout <= 0 {
		errs = append(errs, errors.New("swarm: timeouts and intervals must be positive"))
	}
	if s.NodeTimeout < s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("swarm: node_timeout %s shorter than heartbeat_interval %s", s.NodeTimeout, s.HeartbeatInterval))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("swarm: max_attempts must be at least 1, got %d", s.MaxAttempts))
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" || n.Address == "" {
			errs = append(errs, fmt.Errorf("swarm: node entry needs id and address: %+v", n))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("swarm: duplicate node %q", n.ID))
		}
		seen[n.ID] = true
	}

	switch c.Node.Transport {
	case TransportGRPC, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("node: unknown transport %q", c.Node.Transport))
	}
	if c.Node.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("node: max_concurrent must be at least 1, got %d", c.Node.MaxConcurrent))
	}
	for _, name := range c.Node.Agents {
		if _, ok := c.Agents[name]; !ok {
			errs = append(errs, fmt.Errorf("node: agent %q is not defined", name))
		}
	}

	for name, def := range c.Agents {
		switch def.Type {
		case "echo", "static", "openai":
		default:
			errs = append(errs, fmt.Errorf("agent %s: unknown type %q", name, def.Type))
		}
	}
	if c.Crew.Parallelism < 0 {
		errs = append(errs, errors.New("crew: parallelism must not be negative"))
	}
	return errors.Join(errs...)
}

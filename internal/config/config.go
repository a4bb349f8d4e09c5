package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Collab   CollabConfig   `yaml:"collab"`
	Auth     AuthConfig     `yaml:"auth"`
	Question QuestionConfig `yaml:"question"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// CollabConfig holds the policy knobs for the sync core.
type CollabConfig struct {
	// SaveThrottle is the minimum spacing between persistence writes for
	// one session.
	SaveThrottle time.Duration `yaml:"save_throttle"`
	// IdleGrace is how long a session must sit empty before eviction.
	IdleGrace time.Duration `yaml:"idle_grace"`
	// SweepInterval is how often the eviction sweeper scans the registry.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// HeartbeatInterval is how often every connection is probed.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SendBuffer is the per-connection outbound frame buffer.
	SendBuffer int `yaml:"send_buffer"`
	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

type AuthConfig struct {
	// VerifyURL is the external token verifier. Empty selects the static
	// dev verifier, which accepts any token as the user ID.
	VerifyURL string `yaml:"verify_url"`
}

type QuestionConfig struct {
	// LookupURL is the external question catalog. Empty selects a static
	// placeholder question; real deployments set it.
	LookupURL string `yaml:"lookup_url"`
}

// Load reads the config file, layering it over defaults. A missing file is
// not an error: defaults apply, so a bare binary runs locally. REDIS_ADDR and
// REDIS_PASSWORD env vars override the file for containerized deployments.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Collab: CollabConfig{
			SaveThrottle:      30 * time.Second,
			IdleGrace:         120 * time.Second,
			SweepInterval:     60 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        64,
			MaxMessageBytes:   1 << 20,
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to defaults
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Collab.SaveThrottle <= 0 {
		return fmt.Errorf("config: save_throttle must be positive")
	}
	if c.Collab.IdleGrace <= 0 {
		return fmt.Errorf("config: idle_grace must be positive")
	}
	if c.Collab.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	if c.Collab.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.Collab.SendBuffer <= 0 {
		return fmt.Errorf("config: send_buffer must be positive")
	}
	return nil
}

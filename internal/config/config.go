// Package config loads the instance-wide configuration once at startup.
// Per SPEC_FULL.md's AMBIENT STACK, values come from a YAML file with
// environment-variable overrides, mirroring the teacher's GetEnv-based
// loading but gathered into one immutable struct instead of scattered calls.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/utils"
)

// QueueConfig is one entry of the initial queue table started on boot by the
// Midwife (§4.9).
type QueueConfig struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

// Config is the instance's root configuration. Treated as an immutable
// read-only value after Load returns (§9 "Global mutable state").
type Config struct {
	InstanceName string `yaml:"instance_name"`
	Node         string `yaml:"node"`
	Prefix       string `yaml:"prefix"`

	DatabaseURL string `yaml:"database_url"`

	Queues []QueueConfig `yaml:"queues"`

	PeerElectionInterval time.Duration `yaml:"peer_election_interval"`
	StageInterval        time.Duration `yaml:"stage_interval"`
	StageBatchSize       int           `yaml:"stage_batch_size"`
	SonarInterval        time.Duration `yaml:"sonar_interval"`
	SonarStaleMultiplier float64       `yaml:"sonar_stale_multiplier"`
	DispatchCooldown     time.Duration `yaml:"dispatch_cooldown"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`

	NotifierBackend string `yaml:"notifier_backend"` // "postgres" | "redis"
	RedisAddr       string `yaml:"redis_addr"`

	ControlAPIAddr string `yaml:"control_api_addr"`

	LogMode string `yaml:"log_mode"`
}

// Load reads a YAML file (if path is non-empty and exists) and then applies
// environment-variable overrides, the way the teacher's PostgresService
// reads POSTGRES_* env vars with GetEnv defaults.
func Load(path string, log *logger.Logger) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, log)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		InstanceName:         "jobkeep",
		Prefix:               "jobkeep",
		PeerElectionInterval: 30 * time.Second,
		StageInterval:        1 * time.Second,
		StageBatchSize:       5000,
		SonarInterval:        15 * time.Second,
		SonarStaleMultiplier: 3,
		DispatchCooldown:     50 * time.Millisecond,
		ShutdownGracePeriod:  15 * time.Second,
		NotifierBackend:      "postgres",
		ControlAPIAddr:       ":8085",
		LogMode:              "production",
	}
}

func applyEnvOverrides(cfg *Config, log *logger.Logger) {
	cfg.InstanceName = utils.GetEnv("JOBKEEP_INSTANCE_NAME", cfg.InstanceName, log)
	cfg.Prefix = utils.GetEnv("JOBKEEP_PREFIX", cfg.Prefix, log)
	cfg.Node = utils.GetEnv("JOBKEEP_NODE", cfg.Node, log)
	cfg.DatabaseURL = utils.GetEnv("JOBKEEP_DATABASE_URL", cfg.DatabaseURL, log)
	cfg.NotifierBackend = strings.ToLower(utils.GetEnv("JOBKEEP_NOTIFIER_BACKEND", cfg.NotifierBackend, log))
	cfg.RedisAddr = utils.GetEnv("JOBKEEP_REDIS_ADDR", cfg.RedisAddr, log)
	cfg.ControlAPIAddr = utils.GetEnv("JOBKEEP_CONTROL_API_ADDR", cfg.ControlAPIAddr, log)
	cfg.LogMode = utils.GetEnv("JOBKEEP_LOG_MODE", cfg.LogMode, log)

	cfg.PeerElectionInterval = utils.GetEnvAsDuration("JOBKEEP_PEER_ELECTION_INTERVAL", cfg.PeerElectionInterval, log)
	cfg.StageInterval = utils.GetEnvAsDuration("JOBKEEP_STAGE_INTERVAL", cfg.StageInterval, log)
	cfg.StageBatchSize = utils.GetEnvAsInt("JOBKEEP_STAGE_BATCH_SIZE", cfg.StageBatchSize, log)
	cfg.SonarInterval = utils.GetEnvAsDuration("JOBKEEP_SONAR_INTERVAL", cfg.SonarInterval, log)
	cfg.DispatchCooldown = utils.GetEnvAsDuration("JOBKEEP_DISPATCH_COOLDOWN", cfg.DispatchCooldown, log)
	cfg.ShutdownGracePeriod = utils.GetEnvAsDuration("JOBKEEP_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod, log)
}

// Validate fails fast on unrecoverable configuration errors (§7 "Unrecoverable
// configuration errors propagate out of initialization").
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return fmt.Errorf("config: instance_name must not be empty")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: database_url must not be empty")
	}
	if c.Node == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			return fmt.Errorf("config: node identity required and hostname unavailable: %w", err)
		}
		c.Node = hostname
	}
	switch c.NotifierBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("config: unsupported notifier_backend %q", c.NotifierBackend)
	}
	for _, q := range c.Queues {
		if strings.TrimSpace(q.Name) == "" {
			return fmt.Errorf("config: queue entry missing name")
		}
		if q.Limit <= 0 {
			return fmt.Errorf("config: queue %q must have limit > 0", q.Name)
		}
	}
	return nil
}

// Channel returns the prefixed channel name for notifier backends that
// support multi-tenant routing (§6 "Environment").
func (c *Config) Channel(name string) string {
	return fmt.Sprintf("%s.%s", c.Prefix, name)
}

// Ident is this node's identity used for notifier scope filtering (§4.6):
// "name.node".
func (c *Config) Ident() string {
	return fmt.Sprintf("%s.%s", c.InstanceName, c.Node)
}

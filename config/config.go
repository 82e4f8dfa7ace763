// Package config loads node settings from defaults, an optional YAML file and
// SESSIONHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/cyberinferno/go-sessionhub/engine"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/policy"
)

// EnvPrefix prefixes every environment override, e.g. SESSIONHUB_REDIS_ADDR.
const EnvPrefix = "SESSIONHUB"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Cluster backends.
const (
	ClusterNone  = "none"
	ClusterRedis = "redis"
	ClusterNATS  = "nats"
)

type Config struct {
	Node      NodeConfig
	Transport TransportConfig
	Pipeline  PipelineConfig
	Admission AdmissionConfig
	Login     LoginConfig
	Session   SessionConfig
	Store     StoreConfig
	Redis     RedisConfig
	Cluster   ClusterConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Auth      AuthConfig
	Log       LogConfig
}

type NodeConfig struct {
	ID string `mapstructure:"id"`
}

type TransportConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxFrameSize int    `mapstructure:"maxFrameSize"`
}

type PipelineConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type AdmissionConfig struct {
	MinRemainingCapacity int `mapstructure:"minRemainingCapacity"`
	MaxConnections       int `mapstructure:"maxConnections"`
}

type LoginConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	MaxDevices int           `mapstructure:"maxDevices"`
	Eviction   string        `mapstructure:"eviction"`
	Collision  string        `mapstructure:"collision"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	TouchInterval time.Duration `mapstructure:"touchInterval"`
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type ClusterConfig struct {
	Backend string `mapstructure:"backend"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	// JWTSecret switches login to signed tokens; empty keeps the plain
	// LOGIN command.
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Dir enables daily log files; empty logs to the console.
	Dir string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("transport.addr", ":7000")
	v.SetDefault("transport.maxFrameSize", 1<<20)
	v.SetDefault("pipeline.capacity", 4096)
	v.SetDefault("admission.minRemainingCapacity", 64)
	v.SetDefault("admission.maxConnections", 0)
	v.SetDefault("login.strategy", string(policy.StrategySingle))
	v.SetDefault("login.maxDevices", 1)
	v.SetDefault("login.eviction", string(policy.EvictOldestLogin))
	v.SetDefault("login.collision", string(policy.KickOld))
	v.SetDefault("login.timeout", "5s")
	v.SetDefault("session.touchInterval", "30s")
	v.SetDefault("session.idleTimeout", "0s")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "sessionhub")
	v.SetDefault("cluster.backend", ClusterNone)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
}

// Load reads configuration from defaults, the optional file and the
// environment, in increasing priority, and validates it.
//
// Parameters:
//   - log: Logger for non-fatal notes such as a missing config file
//   - fileName: A path with extension ("/etc/hub.yaml"), a bare name looked
//     up as YAML in the working directory ("sessionhub"), or "" for none
//
// Returns:
//   - The validated configuration, or the first error found
func Load(log logger.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileName != "" {
		if filepath.Ext(fileName) != "" {
			v.SetConfigFile(fileName)
		} else {
			v.SetConfigName(fileName)
			v.SetConfigType("yaml")
			v.AddConfigPath(".")
		}

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			log.Warn("config file not found, using defaults and environment", logger.Field{Key: "name", Value: fileName})
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Policy returns the login policy described by the config.
func (c *Config) Policy() policy.Policy {
	return policy.Policy{
		Strategy:   policy.Strategy(c.Login.Strategy),
		MaxDevices: c.Login.MaxDevices,
		Eviction:   policy.EvictionOrder(c.Login.Eviction),
		Collision:  policy.Collision(c.Login.Collision),
	}
}

// Engine returns the engine settings described by the config.
func (c *Config) Engine() engine.Config {
	ec := engine.DefaultConfig(c.Node.ID)
	ec.PipelineCapacity = c.Pipeline.Capacity
	ec.MinRemainingCapacity = c.Admission.MinRemainingCapacity
	ec.MaxConnections = c.Admission.MaxConnections
	ec.Policy = c.Policy()
	ec.LoginTimeout = c.Login.Timeout
	ec.TouchInterval = c.Session.TouchInterval
	return ec
}

// Validate checks enum values and numeric ranges.
func (c *Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Transport.Addr == "" {
		return errors.New("config: transport.addr is required")
	}
	if c.Pipeline.Capacity <= 0 {
		return fmt.Errorf("config: pipeline.capacity must be positive, got %d", c.Pipeline.Capacity)
	}
	if c.Admission.MinRemainingCapacity < 0 || c.Admission.MinRemainingCapacity >= c.Pipeline.Capacity {
		return fmt.Errorf("config: admission.minRemainingCapacity must be in [0, %d), got %d",
			c.Pipeline.Capacity, c.Admission.MinRemainingCapacity)
	}
	if c.Admission.MaxConnections < 0 {
		return fmt.Errorf("config: admission.maxConnections must not be negative, got %d", c.Admission.MaxConnections)
	}
	if c.Transport.MaxFrameSize < 4 {
		return fmt.Errorf("config: transport.maxFrameSize too small: %d", c.Transport.MaxFrameSize)
	}
	if c.Login.Timeout <= 0 {
		return fmt.Errorf("config: login.timeout must be positive, got %s", c.Login.Timeout)
	}

	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}

	switch c.Cluster.Backend {
	case ClusterNone, ClusterRedis, ClusterNATS:
	default:
		return fmt.Errorf("config: unknown cluster.backend %q", c.Cluster.Backend)
	}

	if c.Cluster.Backend != ClusterNone && c.Store.Backend == StoreMemory {
		return errors.New("config: a clustered node needs a shared store, set store.backend to redis")
	}

	return nil
}

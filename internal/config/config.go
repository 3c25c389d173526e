// Package config loads scheduler settings from an optional flowsched.yaml,
// FLOWSCHED_* environment variables and built-in defaults, in that order of
// increasing precedence for the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/priority"
	"github.com/ignatij/flowsched/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "FLOWSCHED"

type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Priority  PriorityConfig  `mapstructure:"priority"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type DBConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LimitsConfig struct {
	MaxDirectDependencies int `mapstructure:"max_direct_dependencies"`
	MaxDepth              int `mapstructure:"max_depth"`
}

type PriorityConfig struct {
	Weights priority.Weights `mapstructure:"weights"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	FailurePolicy string `mapstructure:"failure_policy"`
}

type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retries      int           `mapstructure:"retries"`
}

type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	w := priority.DefaultWeights()
	v.SetDefault("db.url", "")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("cache.ttl", graph.DefaultTTL)
	v.SetDefault("limits.max_direct_dependencies", graph.DefaultMaxDirectDependencies)
	v.SetDefault("limits.max_depth", graph.DefaultMaxDepth)
	v.SetDefault("priority.weights.base", w.Base)
	v.SetDefault("priority.weights.depth", w.Depth)
	v.SetDefault("priority.weights.urgency", w.Urgency)
	v.SetDefault("priority.weights.blocking", w.Blocking)
	v.SetDefault("priority.weights.source", w.Source)
	v.SetDefault("store.timeout", service.DefaultStoreTimeout)
	v.SetDefault("scheduler.failure_policy", string(service.BlockDependents))
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.task_timeout", service.DefaultTaskTimeout)
	v.SetDefault("workers.poll_interval", service.DefaultPollInterval)
	v.SetDefault("workers.retries", 0)
	v.SetDefault("http.port", "8080")
}

// Load reads path, or flowsched.yaml in the working directory when path is
// empty. A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowsched")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if cfg.DB.URL == "" {
		cfg.DB.URL = DatabaseURLFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler would refuse at startup.
func (c *Config) Validate() error {
	if err := c.Priority.Weights.Validate(); err != nil {
		return err
	}
	if c.Limits.MaxDirectDependencies <= 0 {
		return fmt.Errorf("limits.max_direct_dependencies must be positive, got %d", c.Limits.MaxDirectDependencies)
	}
	if c.Limits.MaxDepth <= 0 {
		return fmt.Errorf("limits.max_depth must be positive, got %d", c.Limits.MaxDepth)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	if _, err := service.ParseFailurePolicy(c.Scheduler.FailurePolicy); err != nil {
		return err
	}
	if c.Workers.Retries < 0 {
		return fmt.Errorf("workers.retries must not be negative, got %d", c.Workers.Retries)
	}
	return nil
}

// SchedulerOptions converts the config into service.Options.
func (c *Config) SchedulerOptions() service.Options {
	policy, _ := service.ParseFailurePolicy(c.Scheduler.FailurePolicy)
	ttl := c.Cache.TTL
	if ttl == 0 {
		// cache.ttl: 0 turns the graph cache off
		ttl = -1
	}
	return service.Options{
		CacheTTL:              ttl,
		MaxDirectDependencies: c.Limits.MaxDirectDependencies,
		MaxDepth:              c.Limits.MaxDepth,
		Weights:               c.Priority.Weights,
		StoreTimeout:          c.Store.Timeout,
		FailurePolicy:         policy,
	}
}

// WorkerPoolConfig converts the workers section into service.WorkerPoolConfig.
func (c *Config) WorkerPoolConfig() service.WorkerPoolConfig {
	return service.WorkerPoolConfig{
		TaskTimeout:  c.Workers.TaskTimeout,
		PollInterval: c.Workers.PollInterval,
		Retries:      c.Workers.Retries,
	}
}

// DatabaseURLFromEnv builds a connection string from DB_USERNAME, DB_PASSWORD,
// DB_HOST, DB_PORT and DB_NAME. It returns "" unless all are set.
func DatabaseURLFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Config holds all dreamteam configuration.
// Priority: env vars > config.yaml > defaults.
type Config struct {
	Store          string `yaml:"store"`
	DBPath         string `yaml:"db_path"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisPrefix    string `yaml:"redis_prefix"`
	DefinitionsDir string `yaml:"definitions_dir"`
	AgentEndpoint  string `yaml:"agent_endpoint"`
	FallbackAgent  string `yaml:"fallback_agent"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`

	PoolSize          int           `yaml:"pool_size"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	Backoff           BackoffConfig `yaml:"backoff"`
	PauseOnError      bool          `yaml:"pause_on_error"`
	CycleArtifacts    string        `yaml:"cycle_artifacts"`
	MaxStepExecutions int           `yaml:"max_step_executions"`
	ConditionEngine   string        `yaml:"condition_engine"`
	CircuitBreaker    bool          `yaml:"circuit_breaker"`

	RecoverySchedule string `yaml:"recovery_schedule"`
	VacuumSchedule   string `yaml:"vacuum_schedule"`
	MetricsAddr      string `yaml:"metrics_addr"`
	ListenAddr       string `yaml:"listen_addr"`
	BaseURL          string `yaml:"base_url"`
}

// BackoffConfig selects the wait between retries.
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

func defaultConfig() Config {
	return Config{
		Store:             "libsql",
		DBPath:            filepath.Join(dreamteamDir(), "dreamteam.db"),
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "dreamteam:",
		DefinitionsDir:    "workflows",
		FallbackAgent:     "dev",
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		StepTimeout:       5 * time.Minute,
		MaxRetries:        2,
		Backoff:           BackoffConfig{Strategy: "exponential", Base: 500 * time.Millisecond, Max: 30 * time.Second},
		CycleArtifacts:    string(schema.CollectEach),
		MaxStepExecutions: 1000,
		ConditionEngine:   "cel",
		RecoverySchedule:  "@every 1m",
		VacuumSchedule:    "@daily",
	}
}

func dreamteamDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dreamteam"
	}
	return filepath.Join(home, ".dreamteam")
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func defaultConfigPath() string {
	return filepath.Join(dreamteamDir(), "config.yaml")
}

// loadConfig layers the config file at path (the default location when
// empty) and DREAMTEAM_* env vars over the defaults. A missing default file
// is ignored; a missing explicit file is an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.DefinitionsDir = expandHome(cfg.DefinitionsDir)
	if cfg.BaseURL == "" && cfg.ListenAddr != "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.validate()
}

// applyEnv overrides cfg from DREAMTEAM_<KEY> variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	dur := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}
	flag := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*p = b
			return nil
		}
	}

	vars := []struct {
		key string
		set func(string) error
	}{
		{"STORE", str(&cfg.Store)},
		{"DB_PATH", str(&cfg.DBPath)},
		{"REDIS_ADDR", str(&cfg.RedisAddr)},
		{"REDIS_PASSWORD", str(&cfg.RedisPassword)},
		{"REDIS_DB", num(&cfg.RedisDB)},
		{"REDIS_PREFIX", str(&cfg.RedisPrefix)},
		{"DEFINITIONS_DIR", str(&cfg.DefinitionsDir)},
		{"AGENT_ENDPOINT", str(&cfg.AgentEndpoint)},
		{"FALLBACK_AGENT", str(&cfg.FallbackAgent)},
		{"LOG_LEVEL", str(&cfg.LogLevel)},
		{"LOG_FORMAT", str(&cfg.LogFormat)},
		{"POOL_SIZE", num(&cfg.PoolSize)},
		{"STEP_TIMEOUT", dur(&cfg.StepTimeout)},
		{"MAX_RETRIES", num(&cfg.MaxRetries)},
		{"BACKOFF_STRATEGY", str(&cfg.Backoff.Strategy)},
		{"BACKOFF_BASE", dur(&cfg.Backoff.Base)},
		{"BACKOFF_MAX", dur(&cfg.Backoff.Max)},
		{"PAUSE_ON_ERROR", flag(&cfg.PauseOnError)},
		{"CYCLE_ARTIFACTS", str(&cfg.CycleArtifacts)},
		{"MAX_STEP_EXECUTIONS", num(&cfg.MaxStepExecutions)},
		{"CONDITION_ENGINE", str(&cfg.ConditionEngine)},
		{"CIRCUIT_BREAKER", flag(&cfg.CircuitBreaker)},
		{"RECOVERY_SCHEDULE", str(&cfg.RecoverySchedule)},
		{"VACUUM_SCHEDULE", str(&cfg.VacuumSchedule)},
		{"METRICS_ADDR", str(&cfg.MetricsAddr)},
		{"LISTEN_ADDR", str(&cfg.ListenAddr)},
		{"BASE_URL", str(&cfg.BaseURL)},
	}
	var errs []error
	for _, v := range vars {
		raw, ok := lookup("DREAMTEAM_" + v.key)
		if !ok || raw == "" {
			continue
		}
		if err := v.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("DREAMTEAM_%s: %w", v.key, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	switch c.Store {
	case "memory", "libsql", "redis":
	default:
		errs = append(errs, fmt.Errorf("store must be memory, libsql or redis, got %q", c.Store))
	}
	switch schema.CollectMode(c.CycleArtifacts) {
	case schema.CollectEach, schema.CollectMerged:
	default:
		errs = append(errs, fmt.Errorf("cycle_artifacts must be %q or %q", schema.CollectEach, schema.CollectMerged))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if _, err := engine.BackoffFromConfig(c.Backoff.Strategy, c.Backoff.Base, c.Backoff.Max); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// engineConfig translates the file-level settings into engine settings.
func (c Config) engineConfig() (engine.Config, error) {
	backoff, err := engine.BackoffFromConfig(c.Backoff.Strategy, c.Backoff.Base, c.Backoff.Max)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		Recovery: engine.RecoveryPolicy{
			MaxRetries:   c.MaxRetries,
			Backoff:      backoff,
			PauseOnError: c.PauseOnError,
		},
		PoolSize:          c.PoolSize,
		StepTimeout:       c.StepTimeout,
		MaxStepExecutions: c.MaxStepExecutions,
		CycleArtifacts:    schema.CollectMode(c.CycleArtifacts),
		ConditionEngine:   strings.ToLower(c.ConditionEngine),
	}
	if c.CircuitBreaker {
		cb := engine.DefaultCircuitBreakerConfig()
		ec.CircuitBreaker = &cb
	}
	return ec, nil
}

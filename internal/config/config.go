// Package config resolves the orchestrator's static configuration: the
// Worker CLI invocation template, dispatcher polling behaviour, and the
// environment-variable overrides listed in spec.md §6.
//
// Grounded on the teacher's internal/config.Config (yaml.v3 file shape,
// Duration string-unmarshalling, Load/parse/Validate split), generalised
// from a concern/gate chain to the orchestrator's worker/dispatcher/api
// settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional on-disk defaults file (taskline.yaml), overridden
// at runtime by the environment variables in spec.md §6 and by explicit CLI
// flags (highest precedence, applied by the caller after Load).
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	API        APIConfig        `yaml:"api"`
}

// WorkerConfig describes how to invoke the Worker CLI (spec.md §6:
// "worker-cli exec --full-auto [--config model_reasoning_effort=...] <prompt>").
type WorkerConfig struct {
	Command         string `yaml:"command"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty"`
}

// DispatcherConfig configures the Task Dispatcher's polling loop (spec.md §4.H).
type DispatcherConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	StopWhenEmpty bool     `yaml:"stop_when_empty"`
}

// APIConfig configures the Read/Stream API (spec.md §4.G).
type APIConfig struct {
	Port int `yaml:"port"`
}

// Duration wraps time.Duration for YAML unmarshalling from strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

const (
	defaultWorkerCommand  = "worker-cli"
	defaultPollInterval   = 5 * time.Second
	defaultDashboardPort  = 4179
	defaultReasoningLevel = "medium"
)

// Load reads and parses a taskline.yaml file at path. A missing file is not
// an error; Default() is returned instead, since the config file itself is
// optional (spec.md §6 only mandates the environment variables).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parse(data)
}

// Default returns the zero-config defaults used when no taskline.yaml is
// present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = defaultWorkerCommand
	}
	if cfg.Worker.ReasoningEffort == "" {
		cfg.Worker.ReasoningEffort = defaultReasoningLevel
	}
	if cfg.Dispatcher.PollInterval == 0 {
		cfg.Dispatcher.PollInterval = Duration(defaultPollInterval)
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = defaultDashboardPort
	}
}

// Validate reports configuration problems that would make the engine unable
// to start.
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.Worker.Command == "" {
		errs = append(errs, fmt.Errorf("worker.command is required"))
	}
	if cfg.Dispatcher.PollInterval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.poll_interval must be positive"))
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port must be between 1 and 65535"))
	}
	return errs
}

// EnvOverrides captures the environment variables in spec.md §6, layered
// over Config at job-construction time (env beats file, CLI flags beat
// both — applied by the caller).
type EnvOverrides struct {
	BaseDir       string
	JobID         string
	BaseBranch    string
	DBPath        string
	TeeCodex      *bool
	DashboardPort int
}

// LoadEnvOverrides reads ORCHESTRATOR_* and DASHBOARD_PORT from the process
// environment.
func LoadEnvOverrides() EnvOverrides {
	ov := EnvOverrides{
		BaseDir:    os.Getenv("ORCHESTRATOR_BASE_DIR"),
		JobID:      os.Getenv("ORCHESTRATOR_JOB_ID"),
		BaseBranch: os.Getenv("ORCHESTRATOR_BASE_BRANCH"),
		DBPath:     os.Getenv("ORCHESTRATOR_DB_PATH"),
	}
	if raw, ok := os.LookupEnv("ORCHESTRATOR_TEE_CODEX"); ok {
		if b, ok := parseBool(raw); ok {
			ov.TeeCodex = &b
		}
	}
	if raw := os.Getenv("DASHBOARD_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			ov.DashboardPort = port
		}
	}
	return ov
}

// parseBool accepts the truthy/falsy spellings spec.md §6 requires:
// 1/0/yes/no/true/false/on/off.
func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "yes", "true", "on":
		return true, true
	case "0", "no", "false", "off":
		return false, true
	default:
		return false, false
	}
}

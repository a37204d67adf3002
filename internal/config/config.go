// Package config provides configuration management for the scene generation
// service. Values come from HEIMDEX_* environment variables, optionally seeded
// from a .env file, with orchestration tuning overridable by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-scenegen"

	// Environment variable names
	EnvPort              = "HEIMDEX_PORT"
	EnvLogLevel          = "HEIMDEX_LOG_LEVEL"
	EnvDataDir           = "HEIMDEX_DATA_DIR"
	EnvEnvironment       = "HEIMDEX_ENV"
	EnvEnvFile           = "HEIMDEX_ENV_FILE"
	EnvOrchestrationFile = "HEIMDEX_ORCHESTRATION_FILE"

	// Database filename
	DBFilename = "scenegen.db"

	DefaultPipelinesModule = "heimdex_scene_pipelines"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	LogRotation() (maxSizeMB, maxBackups, maxAgeDays int)
	DataDir() string
	DBDriver() string
	DBPath() string
	DatabaseURL() string
	ArtifactsDir() string
	PublicBaseURL() string
	PipelinesPython() string
	PipelinesModule() string
	PipelinesStub() bool
	FFprobePath() string
	PipelinesTimeoutDoctor() time.Duration
	Orchestration() Orchestration
	CallbackURL() string
	CallbackToken() string
	CORSOrigins() []string
	ExportRoots() []string
	Headless() bool
}

// Orchestration holds the tunables of the generation supervisor.
type Orchestration struct {
	MaxConcurrentGenerations int64         `env:"HEIMDEX_MAX_GENERATIONS" envDefault:"2" yaml:"max_concurrent_generations"`
	SceneWorkers             int64         `env:"HEIMDEX_SCENE_WORKERS" envDefault:"4" yaml:"scene_workers"`
	PhaseTimeout             time.Duration `env:"HEIMDEX_PHASE_TIMEOUT" envDefault:"30m" yaml:"phase_timeout"`
	SceneTimeout             time.Duration `env:"HEIMDEX_SCENE_TIMEOUT" envDefault:"15m" yaml:"scene_timeout"`
	CancelGrace              time.Duration `env:"HEIMDEX_CANCEL_GRACE" envDefault:"10s" yaml:"cancel_grace"`
	FailurePolicy            string        `env:"HEIMDEX_FAILURE_POLICY" envDefault:"fail_fast" yaml:"failure_policy"`
	ProgressWeighting        string        `env:"HEIMDEX_PROGRESS_WEIGHTING" envDefault:"mean" yaml:"progress_weighting"`
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	Environment   string `env:"HEIMDEX_ENV" envDefault:"development"`
	PortValue     int    `env:"HEIMDEX_PORT" envDefault:"8787"`
	LogLevelValue string `env:"HEIMDEX_LOG_LEVEL" envDefault:"info"`
	LogFileValue  string `env:"HEIMDEX_LOG_FILE"`
	LogMaxSizeMB  int    `env:"HEIMDEX_LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int    `env:"HEIMDEX_LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"HEIMDEX_LOG_MAX_AGE_DAYS" envDefault:"14"`
	DataDirValue  string `env:"HEIMDEX_DATA_DIR"`

	DBDriverValue    string `env:"HEIMDEX_DB_DRIVER" envDefault:"sqlite"`
	DatabaseURLValue string `env:"HEIMDEX_DATABASE_URL"`
	PublicURLValue   string `env:"HEIMDEX_PUBLIC_URL"`

	PipelinesPythonValue string        `env:"HEIMDEX_PIPELINES_PYTHON"`
	PipelinesModuleValue string        `env:"HEIMDEX_PIPELINES_MODULE" envDefault:"heimdex_scene_pipelines"`
	PipelinesStubValue   bool          `env:"HEIMDEX_PIPELINES_STUB" envDefault:"false"`
	FFprobeValue         string        `env:"HEIMDEX_FFPROBE"`
	DoctorTimeout        time.Duration `env:"HEIMDEX_DOCTOR_TIMEOUT" envDefault:"30s"`

	OrchestrationValue Orchestration

	CallbackURLValue   string   `env:"HEIMDEX_CALLBACK_URL"`
	CallbackTokenValue string   `env:"HEIMDEX_CALLBACK_TOKEN"`
	CORSOriginsValue   []string `env:"HEIMDEX_CORS_ORIGINS" envSeparator:","`
	ExportRootsValue   []string `env:"HEIMDEX_EXPORT_ROOTS" envSeparator:","`
	HeadlessValue      bool     `env:"HEIMDEX_HEADLESS" envDefault:"false"`
}

// New creates a new EnvConfig with defaults and environment variable overrides.
// Outside production a .env file is loaded first; variables already set in
// the process environment win.
func New() (*EnvConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.DataDirValue == "" {
		cfg.DataDirValue = defaultDataDir()
	}
	if path := os.Getenv(EnvOrchestrationFile); path != "" {
		if err := cfg.loadOrchestrationFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	if os.Getenv(EnvEnvironment) == "production" {
		return nil
	}
	path := os.Getenv(EnvEnvFile)
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadOrchestrationFile overlays the fields present in a YAML tuning file.
func (c *EnvConfig) loadOrchestrationFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read orchestration file: %w", err)
	}
	var file struct {
		Orchestration `yaml:",inline"`
	}
	file.Orchestration = c.OrchestrationValue
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse orchestration file %s: %w", path, err)
	}
	c.OrchestrationValue = file.Orchestration
	return nil
}

func (c *EnvConfig) validate() error {
	var errs []error
	if c.PortValue < 1 || c.PortValue > 65535 {
		errs = append(errs, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort))
	}
	switch c.DBDriverValue {
	case "sqlite":
	case "postgres":
		if c.DatabaseURLValue == "" {
			errs = append(errs, errors.New("HEIMDEX_DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid HEIMDEX_DB_DRIVER %q", c.DBDriverValue))
	}
	o := c.OrchestrationValue
	if o.MaxConcurrentGenerations < 1 {
		errs = append(errs, errors.New("max concurrent generations must be at least 1"))
	}
	if o.SceneWorkers < 1 {
		errs = append(errs, errors.New("scene workers must be at least 1"))
	}
	switch o.FailurePolicy {
	case "fail_fast", "skip_failed":
	default:
		errs = append(errs, fmt.Errorf("invalid failure policy %q", o.FailurePolicy))
	}
	switch o.ProgressWeighting {
	case "mean", "duration":
	default:
		errs = append(errs, fmt.Errorf("invalid progress weighting %q", o.ProgressWeighting))
	}
	return errors.Join(errs...)
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.PortValue
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.LogLevelValue
}

// LogFile returns the rotated log file path, empty for stdout only.
func (c *EnvConfig) LogFile() string {
	return c.LogFileValue
}

func (c *EnvConfig) LogRotation() (int, int, int) {
	return c.LogMaxSizeMB, c.LogMaxBackups, c.LogMaxAgeDays
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.DataDirValue
}

func (c *EnvConfig) DBDriver() string {
	return c.DBDriverValue
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.DataDirValue, DBFilename)
}

func (c *EnvConfig) DatabaseURL() string {
	return c.DatabaseURLValue
}

// ArtifactsDir is where worker inputs, outputs and rendered assets live.
func (c *EnvConfig) ArtifactsDir() string {
	return filepath.Join(c.DataDirValue, "artifacts")
}

// PublicBaseURL is the prefix of scene and result URLs handed to clients.
func (c *EnvConfig) PublicBaseURL() string {
	if c.PublicURLValue != "" {
		return strings.TrimRight(c.PublicURLValue, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.PortValue)
}

func (c *EnvConfig) PipelinesPython() string {
	return c.PipelinesPythonValue
}

func (c *EnvConfig) PipelinesModule() string {
	if c.PipelinesModuleValue != "" {
		return c.PipelinesModuleValue
	}
	return DefaultPipelinesModule
}

func (c *EnvConfig) PipelinesStub() bool {
	return c.PipelinesStubValue
}

func (c *EnvConfig) FFprobePath() string {
	return c.FFprobeValue
}

func (c *EnvConfig) PipelinesTimeoutDoctor() time.Duration {
	return c.DoctorTimeout
}

func (c *EnvConfig) Orchestration() Orchestration {
	return c.OrchestrationValue
}

func (c *EnvConfig) CallbackURL() string {
	return c.CallbackURLValue
}

func (c *EnvConfig) CallbackToken() string {
	return c.CallbackTokenValue
}

func (c *EnvConfig) CORSOrigins() []string {
	if len(c.CORSOriginsValue) == 0 {
		return []string{"*"}
	}
	return c.CORSOriginsValue
}

// ExportRoots lists the directories timeline exports may be written under.
func (c *EnvConfig) ExportRoots() []string {
	return c.ExportRootsValue
}

func (c *EnvConfig) Headless() bool {
	return c.HeadlessValue
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting of a quarantine invocation.
type Config struct {
	Quarantine QuarantineConfig `yaml:"quarantine"`
	CTest      CTestConfig      `yaml:"ctest"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	State      StateConfig      `yaml:"state"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
}

// QuarantineConfig holds the sampling and hysteresis parameters.
type QuarantineConfig struct {
	FlakyFile       string        `yaml:"flakyFile"`
	Repeat          int           `yaml:"repeat"`
	CleanThreshold  int           `yaml:"cleanThreshold"`
	DemoteThreshold float64       `yaml:"demoteThreshold"`
	HistoryWindows  int           `yaml:"historyWindows"`
	AttemptTimeout  time.Duration `yaml:"attemptTimeout"`
}

// CTestConfig selects how tests are discovered and executed.
type CTestConfig struct {
	Binary    string   `yaml:"binary"`
	BuildDir  string   `yaml:"buildDir"`
	Preset    string   `yaml:"preset"`
	WorkDir   string   `yaml:"workDir"`
	ExtraArgs []string `yaml:"extraArgs"`
}

// ArtifactsConfig lists the files written at the end of a run.
type ArtifactsConfig struct {
	Report    string `yaml:"report"`
	Output    string `yaml:"output"`
	Sparkline string `yaml:"sparkline"`
}

// StateConfig controls where stabilization state lives and how runs are serialised.
type StateConfig struct {
	Backend string        `yaml:"backend"`
	File    string        `yaml:"file"`
	Key     string        `yaml:"key"`
	Lock    bool          `yaml:"lock"`
	LockTTL time.Duration `yaml:"lockTTL"`
}

// NotifyConfig configures the optional pull-request digest.
type NotifyConfig struct {
	CommentPersistFailures bool          `yaml:"commentPersistFailures"`
	PRNumber               int           `yaml:"prNumber"`
	Mode                   string        `yaml:"mode"`
	Repository             string        `yaml:"repository"`
	Token                  string        `yaml:"token"`
	APIURL                 string        `yaml:"apiURL"`
	Timeout                time.Duration `yaml:"timeout"`
}

// MetricsConfig controls post-run metric export.
type MetricsConfig struct {
	Textfile       string `yaml:"textfile"`
	PushgatewayURL string `yaml:"pushgatewayURL"`
	Job            string `yaml:"job"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig holds connection parameters for the Valkey state backend.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// State backends.
const (
	BackendFile   = "file"
	BackendValkey = "valkey"
)

// Notification modes.
const (
	NotifyModeAPI = "api"
	NotifyModeCLI = "cli"
)

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLAKEGUARD_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Normalize()
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Quarantine: QuarantineConfig{
			FlakyFile:       "tests/FLAKY_TESTS.txt",
			Repeat:          5,
			CleanThreshold:  3,
			DemoteThreshold: 0.05,
			HistoryWindows:  5,
			AttemptTimeout:  30 * time.Minute,
		},
		CTest: CTestConfig{
			Binary:   "ctest",
			BuildDir: "build/dev-debug",
			Preset:   "dev-debug-tests",
			WorkDir:  ".",
		},
		Artifacts: ArtifactsConfig{
			Report:    "flaky_quarantine_report.json",
			Output:    "flaky_quarantine_output.txt",
			Sparkline: "flaky_instability_sparkline.txt",
		},
		State: StateConfig{
			Backend: BackendFile,
			File:    ".flaky_quarantine_state.json",
			Key:     "flakeguard:state",
			Lock:    true,
			LockTTL: 6 * time.Hour,
		},
		Notify: NotifyConfig{
			Mode:    NotifyModeAPI,
			APIURL:  "https://api.github.com",
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{Job: "flakeguard"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

// Normalize restores defaults for values that would break the run loop.
func (c *Config) Normalize() {
	def := Default()
	if c.Quarantine.FlakyFile == "" {
		c.Quarantine.FlakyFile = def.Quarantine.FlakyFile
	}
	if c.Quarantine.Repeat <= 0 {
		c.Quarantine.Repeat = def.Quarantine.Repeat
	}
	if c.Quarantine.CleanThreshold < 0 {
		c.Quarantine.CleanThreshold = def.Quarantine.CleanThreshold
	}
	if c.Quarantine.AttemptTimeout < 0 {
		c.Quarantine.AttemptTimeout = 0
	}
	if c.CTest.Binary == "" {
		c.CTest.Binary = def.CTest.Binary
	}
	if c.Artifacts.Report == "" {
		c.Artifacts.Report = def.Artifacts.Report
	}
	if c.Artifacts.Output == "" {
		c.Artifacts.Output = def.Artifacts.Output
	}
	if c.Artifacts.Sparkline == "" {
		c.Artifacts.Sparkline = def.Artifacts.Sparkline
	}
	switch strings.ToLower(c.State.Backend) {
	case BackendValkey:
		c.State.Backend = BackendValkey
	default:
		c.State.Backend = BackendFile
	}
	if c.State.File == "" {
		c.State.File = def.State.File
	}
	if c.State.Key == "" {
		c.State.Key = def.State.Key
	}
	if c.State.LockTTL <= 0 {
		c.State.LockTTL = def.State.LockTTL
	}
	if !strings.EqualFold(c.Notify.Mode, NotifyModeCLI) {
		c.Notify.Mode = NotifyModeAPI
	} else {
		c.Notify.Mode = NotifyModeCLI
	}
	if c.Notify.APIURL == "" {
		c.Notify.APIURL = def.Notify.APIURL
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = def.Metrics.Job
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLAKEGUARD_FLAKY_FILE"); v != "" {
		cfg.Quarantine.FlakyFile = v
	}
	if v := os.Getenv("FLAKEGUARD_REPEAT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quarantine.Repeat = n
		}
	}
	if v := os.Getenv("FLAKEGUARD_CLEAN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quarantine.CleanThreshold = n
		}
	}
	if v := os.Getenv("FLAKEGUARD_DEMOTE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Quarantine.DemoteThreshold = f
		}
	}
	if v := os.Getenv("FLAKEGUARD_HISTORY_WINDOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quarantine.HistoryWindows = n
		}
	}
	if v := os.Getenv("FLAKEGUARD_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quarantine.AttemptTimeout = d
		}
	}
	if v := os.Getenv("FLAKEGUARD_BUILD_DIR"); v != "" {
		cfg.CTest.BuildDir = v
	}
	if v, ok := os.LookupEnv("FLAKEGUARD_CTEST_PRESET"); ok {
		cfg.CTest.Preset = v
	}
	if v := os.Getenv("FLAKEGUARD_CTEST_BINARY"); v != "" {
		cfg.CTest.Binary = v
	}
	if v := os.Getenv("FLAKEGUARD_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("FLAKEGUARD_STATE_FILE"); v != "" {
		cfg.State.File = v
	}
	if v := os.Getenv("FLAKEGUARD_STATE_KEY"); v != "" {
		cfg.State.Key = v
	}
	if v := os.Getenv("FLAKEGUARD_STATE_LOCK"); v != "" {
		cfg.State.Lock = parseBool(v)
	}
	if v := os.Getenv("FLAKEGUARD_REPORT"); v != "" {
		cfg.Artifacts.Report = v
	}
	if v := os.Getenv("FLAKEGUARD_SPARKLINE_FILE"); v != "" {
		cfg.Artifacts.Sparkline = v
	}
	if v := os.Getenv("FLAKEGUARD_PR_NUMBER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.PRNumber = n
		}
	}
	if v := os.Getenv("FLAKEGUARD_NOTIFY_MODE"); v != "" {
		cfg.Notify.Mode = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" && cfg.Notify.Repository == "" {
		cfg.Notify.Repository = v
	}
	if v := os.Getenv("GITHUB_API_URL"); v != "" {
		cfg.Notify.APIURL = v
	}
	if cfg.Notify.Token == "" {
		for _, key := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
			if v := os.Getenv(key); v != "" {
				cfg.Notify.Token = v
				break
			}
		}
	}
	if v := os.Getenv("FLAKEGUARD_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := os.Getenv("FLAKEGUARD_PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("FLAKEGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLAKEGUARD_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("FLAKEGUARD_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

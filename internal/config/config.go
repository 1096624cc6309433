package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RepairConfig configures the LLM repair endpoint.
type RepairConfig struct {
	Endpoint         string  `yaml:"endpoint"`
	TokenEnv         string  `yaml:"token_env"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	TransientRetries int     `yaml:"transient_retries"`
	MaxNewTokens     int     `yaml:"max_new_tokens"`
	Temperature      float64 `yaml:"temperature"`
}

// ArtifactsConfig controls where per-attempt working copies and build log
// tails are written. An empty dir keeps them next to each recipe.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the top-level configuration parsed from dockmend.yaml.
type Config struct {
	DataDir             string          `yaml:"data_dir"`
	Listen              string          `yaml:"listen"`
	LogLevel            string          `yaml:"log_level"`
	Schedule            string          `yaml:"schedule"`
	Engine              string          `yaml:"engine"`
	TargetVersions      []string        `yaml:"target_versions"`
	RetryBudget         *int            `yaml:"retry_budget"`
	BuildTimeoutSeconds int             `yaml:"build_timeout_seconds"`
	ErrorExcerptLines   int             `yaml:"error_excerpt_lines"`
	SuccessThresholdPct *float64        `yaml:"success_threshold_pct"`
	WorkerConcurrency   int             `yaml:"worker_concurrency"`
	Repair              RepairConfig    `yaml:"repair"`
	Artifacts           ArtifactsConfig `yaml:"artifacts"`
}

const defaultEndpoint = "https://api-inference.huggingface.co/models/meta-llama/Llama-3.2-3B-Instruct"

func applyDefaults(c *Config) {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Engine == "" {
		c.Engine = "docker"
	}
	if len(c.TargetVersions) == 0 {
		c.TargetVersions = []string{"14.04", "16.04", "18.04", "20.04", "22.04", "24.04"}
	}
	if c.RetryBudget == nil {
		v := 3
		c.RetryBudget = &v
	}
	if c.BuildTimeoutSeconds <= 0 {
		c.BuildTimeoutSeconds = 1200
	}
	if c.ErrorExcerptLines <= 0 {
		c.ErrorExcerptLines = 200
	}
	if c.SuccessThresholdPct == nil {
		v := 100.0
		c.SuccessThresholdPct = &v
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 1
	}
	if c.Repair.Endpoint == "" {
		c.Repair.Endpoint = defaultEndpoint
	}
	if c.Repair.TokenEnv == "" {
		c.Repair.TokenEnv = "HUGGINGFACE_API_TOKEN"
	}
	if c.Repair.TimeoutSeconds <= 0 {
		c.Repair.TimeoutSeconds = 90
	}
	if c.Repair.TransientRetries < 0 {
		c.Repair.TransientRetries = 0
	} else if c.Repair.TransientRetries == 0 {
		c.Repair.TransientRetries = 2
	}
	if c.Repair.MaxNewTokens <= 0 {
		c.Repair.MaxNewTokens = 2000
	}
	if c.Repair.Temperature <= 0 {
		c.Repair.Temperature = 0.2
	}
	if c.Artifacts.Dir != "" {
		c.Artifacts.Dir = expandPath(c.Artifacts.Dir)
	}
}

// BuildTimeout returns the per-build timeout as a duration.
func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

// RepairTimeout returns the repair request timeout as a duration.
func (c *Config) RepairTimeout() time.Duration {
	return time.Duration(c.Repair.TimeoutSeconds) * time.Second
}

// RepairToken reads the bearer token from the configured environment
// variable. Empty means unauthenticated.
func (c *Config) RepairToken() string {
	return os.Getenv(c.Repair.TokenEnv)
}

// DBPath returns the sqlite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "dockmend.db")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// LoadConfig reads a YAML configuration file from path and returns a Config
// with defaults applied for any unset fields. A missing file yields a
// default configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

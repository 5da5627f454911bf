// Package config loads the agent's YAML settings file and applies
// environment-variable overrides, following the same load-then-override
// idiom the teacher used for its env-only configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the on-disk YAML shape. Field names follow the
// dotted settings keys from the settings file documentation
// (data.dir, backend.service, grpc.addr, grpc.port, logging.enabled,
// logging.path).
type fileConfig struct {
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`
	Backend struct {
		Service string `yaml:"service"`
	} `yaml:"backend"`
	Broker struct {
		URL string `yaml:"url"`
	} `yaml:"broker"`
	Metrics struct {
		TextfilePath string `yaml:"textfile_path"`
	} `yaml:"metrics"`
	GRPC struct {
		Addr string `yaml:"addr"`
		Port int    `yaml:"port"`
	} `yaml:"grpc"`
	Logging struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"logging"`
}

// Config holds the agent's runtime configuration. DataDir and
// BackendService are set once at load time and read by every actor
// without synchronization; LoggingEnabled/LoggingPath may be changed at
// runtime through SetLoggingEnabled/SetLoggingPath and are therefore
// guarded by mu, following the
// teacher's pattern of RWMutex-protected mutable fields alongside plain
// immutable ones.
type Config struct {
	DataDir             string
	BackendService      string
	BrokerURL           string
	MetricsTextfilePath string
	GRPCAddr            string
	GRPCPort            int

	mu             sync.RWMutex
	loggingEnabled bool
	loggingPath    string
}

// Load reads the YAML settings file at path, then applies
// AGENT_*-prefixed environment variable overrides on top of it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	cfg := &Config{
		DataDir:             envStr("AGENT_DATA_DIR", fc.Data.Dir),
		BackendService:      envStr("AGENT_BACKEND_SERVICE", fc.Backend.Service),
		BrokerURL:           envStr("AGENT_BROKER_URL", fc.Broker.URL),
		MetricsTextfilePath: envStr("AGENT_METRICS_TEXTFILE_PATH", fc.Metrics.TextfilePath),
		GRPCAddr:            envStr("AGENT_GRPC_ADDR", fc.GRPC.Addr),
		GRPCPort:            envInt("AGENT_GRPC_PORT", fc.GRPC.Port),
		loggingEnabled:      envBool("AGENT_LOGGING_ENABLED", fc.Logging.Enabled),
		loggingPath:         envStr("AGENT_LOGGING_PATH", fc.Logging.Path),
	}
	return cfg, nil
}

// Validate checks that the required settings keys are present.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data.dir is required"))
	}
	if c.BackendService == "" {
		errs = append(errs, fmt.Errorf("backend.service is required"))
	}
	if c.BrokerURL == "" {
		errs = append(errs, fmt.Errorf("broker.url is required"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"data.dir":              c.DataDir,
		"backend.service":       c.BackendService,
		"broker.url":            c.BrokerURL,
		"metrics.textfile_path": c.MetricsTextfilePath,
		"grpc.addr":             c.GRPCAddr,
		"grpc.port":             fmt.Sprintf("%d", c.GRPCPort),
		"logging.enabled":       fmt.Sprintf("%t", c.LoggingEnabled()),
		"logging.path":          c.LoggingPath(),
	}
}

// LoggingEnabled returns the logging.enabled setting (thread-safe).
// cmd/agent passes it to logging.New, where it selects JSON rather than
// text output on stdout; no file log sink is opened.
func (c *Config) LoggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggingEnabled
}

// SetLoggingEnabled updates the logging.enabled setting (thread-safe). A
// logger already built from the old value is not changed.
func (c *Config) SetLoggingEnabled(b bool) {
	c.mu.Lock()
	c.loggingEnabled = b
	c.mu.Unlock()
}

// LoggingPath returns the logging.path setting (thread-safe). Nothing in
// the agent writes logs to this path.
func (c *Config) LoggingPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggingPath
}

// SetLoggingPath updates the logging.path setting (thread-safe).
func (c *Config) SetLoggingPath(p string) {
	c.mu.Lock()
	c.loggingPath = p
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

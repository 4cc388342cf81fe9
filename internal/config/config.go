// Package config loads the resetcheck configuration file.
//
// The file is YAML. ${VAR} and ${VAR:-default} references inside values are
// replaced from the environment, and a few environment variables override
// file values so secrets can stay out of the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vaultsandbox/resetcheck/resetflow"
	"github.com/vaultsandbox/resetcheck/sandbox"
)

// Environment variables that override file values.
const (
	EnvRedisAddr   = "RESETCHECK_REDIS_ADDR"
	EnvPostgresDSN = "RESETCHECK_POSTGRES_DSN"
	EnvHTTPAddr    = "RESETCHECK_HTTP_ADDR"
	EnvLogLevel    = "RESETCHECK_LOG_LEVEL"
)

// Defaults.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 4
	DefaultHTTPAddr    = ":8080"
	DefaultLedgerTTL   = 30 * 24 * time.Hour
	DefaultHistorySize = 100
	DefaultLogLevel    = "info"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Config is the parsed configuration file.
type Config struct {
	Sandbox  SandboxConfig    `yaml:"sandbox"`
	Monitor  MonitorConfig    `yaml:"monitor"`
	HTTP     HTTPConfig       `yaml:"http"`
	Redis    RedisConfig      `yaml:"redis"`
	Postgres PostgresConfig   `yaml:"postgres"`
	Log      LogConfig        `yaml:"log"`
	Flows    []resetflow.Flow `yaml:"flows"`
}

// SandboxConfig configures the VaultSandbox client.
type SandboxConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Strategy is sse, polling or auto.
	Strategy string        `yaml:"strategy"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  *int          `yaml:"retries"`
	InboxTTL time.Duration `yaml:"inbox_ttl"`
}

// MonitorConfig configures the scheduled runs.
type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	// RunTimeout bounds a single flow run. Zero means the flow's wait
	// timeout plus one minute.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// HTTPConfig configures the status API and the HTTP client used against
// the application under test.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// InsecureSkipVerify disables TLS verification when talking to the
	// application under test. Staging environments only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RedisConfig enables the Redis token ledger when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig enables the Postgres history store when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	// HistorySize is the per-flow capacity of the in-memory store used
	// when DSN is empty.
	HistorySize int `yaml:"history_size"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped. Variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads a configuration from r, applies environment overrides and
// defaults, and validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, err = expandValues(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandValues replaces env references in scalar values and re-encodes the
// document. Substituted text is never read as YAML syntax.
func expandValues(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return data, nil
	}
	expandNode(&doc)
	return yaml.Marshal(&doc)
}

func expandNode(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			expandNode(c)
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			expandNode(n.Content[i])
		}
	case yaml.ScalarNode:
		v := expand(n.Value)
		if v == n.Value {
			return
		}
		n.Value = v
		// Plain scalars resolve again from the new value, so
		// "expect_status: ${STATUS}" still decodes as an int.
		if n.Style == 0 {
			n.Tag = ""
		}
	}
}

// expand replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default expand to the empty string.
func expand(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

func (c *Config) overrideFromEnv() {
	if v := strings.TrimSpace(os.Getenv(sandbox.EnvURL)); v != "" {
		c.Sandbox.URL = v
	}
	if v := os.Getenv(sandbox.EnvAPIKey); v != "" {
		c.Sandbox.APIKey = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Sandbox.Strategy == "" {
		c.Sandbox.Strategy = string(sandbox.StrategyAuto)
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = DefaultInterval
	}
	if c.Monitor.Concurrency <= 0 {
		c.Monitor.Concurrency = DefaultConcurrency
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = DefaultLedgerTTL
	}
	if c.Postgres.HistorySize <= 0 {
		c.Postgres.HistorySize = DefaultHistorySize
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	for i := range c.Flows {
		c.Flows[i] = c.Flows[i].WithDefaults()
	}
}

// Validate reports every problem in c.
func (c *Config) Validate() error {
	var errs []error
	if c.Sandbox.APIKey == "" {
		errs = append(errs, fmt.Errorf("sandbox.api_key is required (or set %s)", sandbox.EnvAPIKey))
	}
	switch sandbox.DeliveryStrategy(c.Sandbox.Strategy) {
	case sandbox.StrategySSE, sandbox.StrategyPolling, sandbox.StrategyAuto:
	default:
		errs = append(errs, fmt.Errorf("sandbox.strategy %q: want sse, polling or auto", c.Sandbox.Strategy))
	}
	if c.Sandbox.InboxTTL != 0 && (c.Sandbox.InboxTTL < sandbox.MinTTL || c.Sandbox.InboxTTL > sandbox.MaxTTL) {
		errs = append(errs, fmt.Errorf("sandbox.inbox_ttl %v out of range [%v, %v]", c.Sandbox.InboxTTL, sandbox.MinTTL, sandbox.MaxTTL))
	}
	if c.Sandbox.Retries != nil && *c.Sandbox.Retries < 0 {
		errs = append(errs, errors.New("sandbox.retries must not be negative"))
	}
	if c.Monitor.Interval < time.Second {
		errs = append(errs, fmt.Errorf("monitor.interval %v is too short", c.Monitor.Interval))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(c.Flows) == 0 {
		errs = append(errs, errors.New("at least one flow is required"))
	}
	seen := make(map[string]bool)
	for i, f := range c.Flows {
		if f.Name != "" && seen[f.Name] {
			errs = append(errs, fmt.Errorf("flows[%d]: duplicate name %q", i, f.Name))
		}
		seen[f.Name] = true
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flows[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Flow returns the named flow.
func (c *Config) Flow(name string) (resetflow.Flow, bool) {
	for _, f := range c.Flows {
		if f.Name == name {
			return f, true
		}
	}
	return resetflow.Flow{}, false
}

// SandboxOptions translates the sandbox section into client options.
func (c *Config) SandboxOptions(logger *zap.Logger) []sandbox.Option {
	opts := []sandbox.Option{
		sandbox.WithDeliveryStrategy(sandbox.DeliveryStrategy(c.Sandbox.Strategy)),
		sandbox.WithLogger(logger),
	}
	if c.Sandbox.URL != "" {
		opts = append(opts, sandbox.WithBaseURL(c.Sandbox.URL))
	}
	if c.Sandbox.Timeout > 0 {
		opts = append(opts, sandbox.WithTimeout(c.Sandbox.Timeout))
	}
	if c.Sandbox.Retries != nil {
		opts = append(opts, sandbox.WithRetries(*c.Sandbox.Retries))
	}
	return opts
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

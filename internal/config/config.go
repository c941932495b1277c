package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// ExecutorKind names a local executor back-end.
type ExecutorKind string

const (
	ExecutorDocker  ExecutorKind = "docker"
	ExecutorK8s     ExecutorKind = "k8s"
	ExecutorProcess ExecutorKind = "process"
)

// Valid returns true if this is a recognized executor kind.
func (k ExecutorKind) Valid() bool {
	switch k {
	case ExecutorDocker, ExecutorK8s, ExecutorProcess:
		return true
	}
	return false
}

// StoreKind selects how artifacts are transferred.
type StoreKind string

const (
	// StoreStreams transfers artifacts through the streams API of the server.
	StoreStreams StoreKind = "streams"
	// StoreS3 talks to the run's S3-compatible artifacts store directly.
	StoreS3 StoreKind = "s3"
)

// MaxWorkers caps every worker pool of the client.
const MaxWorkers = 32

// Secret is a string that redacts itself when printed or serialized.
type Secret string

const redacted = "[REDACTED]"

// String returns "[REDACTED]".
func (s Secret) String() string { return redacted }

// GoString returns "[REDACTED]".
func (s Secret) GoString() string { return redacted }

// Value returns the actual secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON, YAML and TOML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// UnmarshalText accepts the secret from config files.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// Duration wraps time.Duration so TOML files can say "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RetryConfig holds the backoff policy for retryable API errors.
type RetryConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	Multiplier      float64  `toml:"multiplier"`
	Jitter          float64  `toml:"jitter"`
	MaxInterval     Duration `toml:"max_interval"`
	MaxAttempts     int      `toml:"max_attempts"`
}

// ClientConfig holds the REST client settings.
type ClientConfig struct {
	Host           string      `toml:"host"`
	Token          Secret      `toml:"token"`
	ConnectTimeout Duration    `toml:"connect_timeout"`
	ReadTimeout    Duration    `toml:"read_timeout"`
	WatchInterval  Duration    `toml:"watch_interval"`
	Retry          RetryConfig `toml:"retry"`
}

// OfflineConfig holds the offline store settings.
type OfflineConfig struct {
	Root string `toml:"root"`
}

// AgentConfig describes the agent the runs are placed on.
type AgentConfig struct {
	Namespace      string `toml:"namespace"`
	Version        string `toml:"version"`
	ArtifactsStore string `toml:"artifacts_store"`
	IsCommunity    bool   `toml:"is_community"`
}

// ExecutorConfig holds local executor settings.
type ExecutorConfig struct {
	Default      ExecutorKind `toml:"default"`
	DockerBinary string       `toml:"docker_binary"`
	KubectlBin   string       `toml:"kubectl_binary"`
	Shell        string       `toml:"shell"`
	StopGrace    Duration     `toml:"stop_grace"`
	ContextPath  string       `toml:"context_path"`
}

// StoreConfig holds the direct artifacts store connection.
type StoreConfig struct {
	Kind      StoreKind `toml:"kind"`
	Endpoint  string    `toml:"endpoint"`
	Bucket    string    `toml:"bucket"`
	Region    string    `toml:"region"`
	AccessKey string    `toml:"access_key"`
	SecretKey Secret    `toml:"secret_key"`
	UseSSL    bool      `toml:"use_ssl"`
}

// ArtifactsConfig holds artifact transfer settings.
type ArtifactsConfig struct {
	Workers int         `toml:"workers"`
	Store   StoreConfig `toml:"store"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// DashboardConfig holds the UI location used to build run links.
type DashboardConfig struct {
	URL string `toml:"url"`
}

// Config is the main configuration struct for plx.
type Config struct {
	Version   string          `toml:"version"`
	Client    ClientConfig    `toml:"client"`
	Offline   OfflineConfig   `toml:"offline"`
	Agent     AgentConfig     `toml:"agent"`
	Executor  ExecutorConfig  `toml:"executor"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Dashboard DashboardConfig `toml:"dashboard"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	offlineRoot := ".polyaxon/offline"
	if home, err := os.UserHomeDir(); err == nil {
		offlineRoot = filepath.Join(home, ".polyaxon", "offline")
	}
	return &Config{
		Version: "1",
		Client: ClientConfig{
			Host:           "http://localhost:8000",
			ConnectTimeout: Duration{30 * time.Second},
			ReadTimeout:    Duration{120 * time.Second},
			WatchInterval:  Duration{2 * time.Second},
			Retry: RetryConfig{
				InitialInterval: Duration{500 * time.Millisecond},
				Multiplier:      2,
				Jitter:          0.2,
				MaxInterval:     Duration{30 * time.Second},
				MaxAttempts:     5,
			},
		},
		Offline: OfflineConfig{
			Root: offlineRoot,
		},
		Agent: AgentConfig{
			IsCommunity: true,
		},
		Executor: ExecutorConfig{
			Default:      ExecutorDocker,
			DockerBinary: "docker",
			KubectlBin:   "kubectl",
			Shell:        "/bin/sh",
			StopGrace:    Duration{3 * time.Second},
			ContextPath:  "/plx-context",
		},
		Artifacts: ArtifactsConfig{
			Workers: 8,
			Store: StoreConfig{
				Kind:   StoreStreams,
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelWarn,
			Format: LogFormatText,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "plx",
		},
	}
}

// Load loads configuration from file, merging with defaults. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations.
// Applies in order: defaults -> ~/.polyaxon/config.toml -> <dir>/.polyaxon/config.toml
// -> .env in dir -> environment variables.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		if err := decodeFile(filepath.Join(home, ".polyaxon", "config.toml"), cfg); err != nil {
			return nil, fmt.Errorf("parsing global config: %w", err)
		}
	}

	if dir != "" {
		if err := decodeFile(filepath.Join(dir, ".polyaxon", "config.toml"), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
		// .env never overrides variables already set in the environment.
		_ = godotenv.Load(filepath.Join(dir, ".env"))
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays POLYAXON_* environment variables using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
		return nil
	}

	str("POLYAXON_HOST", &c.Client.Host)
	if v, ok := lookup("POLYAXON_AUTH_TOKEN"); ok && v != "" {
		c.Client.Token = Secret(v)
	}
	str("POLYAXON_OFFLINE_ROOT", &c.Offline.Root)
	str("POLYAXON_AGENT_NAMESPACE", &c.Agent.Namespace)
	str("POLYAXON_AGENT_VERSION", &c.Agent.Version)
	str("POLYAXON_ARTIFACTS_STORE", &c.Agent.ArtifactsStore)
	str("POLYAXON_DASHBOARD_URL", &c.Dashboard.URL)
	str("POLYAXON_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if err := boolean("POLYAXON_IS_COMMUNITY", &c.Agent.IsCommunity); err != nil {
		return err
	}
	if v, ok := lookup("POLYAXON_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup("POLYAXON_EXECUTOR"); ok && v != "" {
		c.Executor.Default = ExecutorKind(v)
	}

	if v, ok := lookup("POLYAXON_ARTIFACTS_STORE_KIND"); ok && v != "" {
		c.Artifacts.Store.Kind = StoreKind(v)
	}
	str("POLYAXON_ARTIFACTS_STORE_ENDPOINT", &c.Artifacts.Store.Endpoint)
	str("POLYAXON_ARTIFACTS_STORE_BUCKET", &c.Artifacts.Store.Bucket)
	str("POLYAXON_ARTIFACTS_STORE_REGION", &c.Artifacts.Store.Region)
	str("POLYAXON_ARTIFACTS_STORE_ACCESS_KEY", &c.Artifacts.Store.AccessKey)
	if v, ok := lookup("POLYAXON_ARTIFACTS_STORE_SECRET_KEY"); ok && v != "" {
		c.Artifacts.Store.SecretKey = Secret(v)
	}
	if err := boolean("POLYAXON_ARTIFACTS_STORE_USE_SSL", &c.Artifacts.Store.UseSSL); err != nil {
		return err
	}
	if v, ok := lookup("POLYAXON_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid POLYAXON_WORKERS: %w", err)
		}
		c.Artifacts.Workers = n
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Client.ConnectTimeout.Duration <= 0 || c.Client.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.Client.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Artifacts.Workers < 1 || c.Artifacts.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}
	if !c.Executor.Default.Valid() {
		return fmt.Errorf("unknown executor %q", c.Executor.Default)
	}
	switch c.Artifacts.Store.Kind {
	case StoreStreams:
	case StoreS3:
		if c.Artifacts.Store.Endpoint == "" || c.Artifacts.Store.Bucket == "" {
			return fmt.Errorf("s3 artifacts store requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown artifacts store kind %q", c.Artifacts.Store.Kind)
	}
	if c.Offline.Root == "" {
		return fmt.Errorf("offline root is required")
	}
	return nil
}

// Workers returns n clamped to the pool limits, falling back to the
// configured default when n is not positive.
func (c *Config) Workers(n int) int {
	if n <= 0 {
		n = c.Artifacts.Workers
	}
	if n <= 0 {
		n = 1
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	return n
}

// OfflineRoot returns the absolute root that holds the offline/ tree.
// POLYAXON_OFFLINE_ROOT conventionally names the offline/ directory itself
// (~/.polyaxon/offline), so a trailing "offline" element is dropped.
func (c *Config) OfflineRoot(baseDir string) string {
	root := c.Offline.Root
	if strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, root[2:])
		}
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(baseDir, root)
	}
	root = filepath.Clean(root)
	if filepath.Base(root) == "offline" {
		return filepath.Dir(root)
	}
	return root
}

// LogFile returns the absolute log file path, or "" when logging to stderr only.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" || filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(baseDir, c.Logging.File)
}

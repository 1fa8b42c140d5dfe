package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig            `yaml:"app"`
	Realtime      RealtimeConfig       `yaml:"realtime"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	NATS          NATSConfig           `yaml:"nats"`
	Archive       ArchiveConfig        `yaml:"archive"`
	Storage       StorageConfig        `yaml:"storage"`
	Observability ObservabilityConfig  `yaml:"observability"`
}

type AppConfig struct {
	ID        string   `yaml:"id"`
	Key       string   `yaml:"key"`
	ServerURL string   `yaml:"server_url"`
	RouterURL string   `yaml:"router_url"`
	Protocol  string   `yaml:"protocol"`
	Timeout   Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

type SubscriptionConfig struct {
	Class string         `yaml:"class"`
	Where map[string]any `yaml:"where"`
	Keys  []string       `yaml:"keys"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
	SubjectPrefix   string    `yaml:"subject_prefix"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ArchiveConfig controls batching of live query events into S3 objects.
type ArchiveConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Endpoint        string   `yaml:"endpoint"`
	Region          string   `yaml:"region"`
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style"`
	StorageClass    string   `yaml:"storage_class"`
	MaxBatch        int      `yaml:"max_batch"`
	MaxBytes        ByteSize `yaml:"max_bytes"`
	MaxLinger       Duration `yaml:"max_linger"`
}

// StorageConfig selects the client storage. An empty path keeps it in memory.
type StorageConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("app.id is required")
	}
	if c.App.ServerURL == "" {
		return fmt.Errorf("app.server_url is required")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required")
	}

	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription must be configured")
	}
	seen := make(map[string]bool)
	for i, sc := range c.Subscriptions {
		if sc.Class == "" {
			return fmt.Errorf("subscriptions[%d].class is required", i)
		}
		if seen[sc.Class] {
			return fmt.Errorf("subscriptions[%d] (%s): class subscribed twice", i, sc.Class)
		}
		seen[sc.Class] = true
	}

	if c.Realtime.MaxRetries < 0 {
		return fmt.Errorf("realtime.max_retries must be >= 0")
	}
	if c.Realtime.BaseDelay <= 0 {
		return fmt.Errorf("realtime.base_delay must be > 0")
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		return fmt.Errorf("realtime.max_delay must be >= base_delay")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive: bucket is required")
		}
		if c.Archive.MaxBatch <= 0 {
			return fmt.Errorf("archive.max_batch must be > 0")
		}
		if c.Archive.MaxLinger <= 0 {
			return fmt.Errorf("archive.max_linger must be > 0")
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}

// Package config loads harvester configuration from a YAML file and
// HARVESTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/selection"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/sink"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/synthetics"
)

type Config struct {
	API        APIConfig             `yaml:"api"`
	Harvest    HarvestConfig         `yaml:"harvest"`
	Checkpoint checkpoint.Config     `yaml:"checkpoint"`
	Sink       sink.Config           `yaml:"sink"`
	Archive    storage.ArchiveConfig `yaml:"archive"`
	Logging    LoggingConfig         `yaml:"logging"`
	Metrics    metrics.Config        `yaml:"metrics"`
}

type APIConfig struct {
	Realm        string        `yaml:"realm"`         // e.g. "us1"
	Root         string        `yaml:"root"`          // overrides the realm's API root
	PlatformRoot string        `yaml:"platform_root"` // overrides the realm's UI root
	Token        string        `yaml:"-"`             // HARVESTER_API_TOKEN only
	OrgID        string        `yaml:"org_id"`
	Timeout      time.Duration `yaml:"timeout"`
	TestType     string        `yaml:"test_type"`
	ArtifactType string        `yaml:"artifact_type"`
}

// RootURL returns the API root, derived from the realm unless set.
func (c APIConfig) RootURL() string {
	if c.Root != "" {
		return strings.TrimRight(c.Root, "/")
	}
	return synthetics.APIRootForRealm(c.Realm)
}

// PlatformURL returns the UI root for deep links.
func (c APIConfig) PlatformURL() string {
	if c.PlatformRoot != "" {
		return strings.TrimRight(c.PlatformRoot, "/")
	}
	return synthetics.PlatformRootForRealm(c.Realm)
}

type HarvestConfig struct {
	SelectTests []string         `yaml:"select_tests"` // test names; empty = all
	Rules       []selection.Rule `yaml:"rules"`
	Interval    time.Duration    `yaml:"interval"` // between cycles in run mode
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() Config {
	return Config{
		API: APIConfig{
			Realm:        "us1",
			Timeout:      30 * time.Second,
			TestType:     "browser",
			ArtifactType: "har",
		},
		Harvest: HarvestConfig{
			Interval: 5 * time.Minute,
		},
		Checkpoint: checkpoint.Config{
			Backend: "file",
			Dir:     "./checkpoints",
		},
		Archive: storage.ArchiveConfig{
			Prefix: "har/",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Metrics: metrics.Config{
			Enabled:   true,
			Address:   ":9090",
			Namespace: "har_harvester",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.API.Realm = getenvDefault("HARVESTER_REALM", cfg.API.Realm)
	cfg.API.Root = getenvDefault("HARVESTER_API_ROOT", cfg.API.Root)
	cfg.API.PlatformRoot = getenvDefault("HARVESTER_PLATFORM_ROOT", cfg.API.PlatformRoot)
	cfg.API.Token = getenvDefault("HARVESTER_API_TOKEN", cfg.API.Token)
	cfg.API.OrgID = getenvDefault("HARVESTER_ORG_ID", cfg.API.OrgID)

	if v := os.Getenv("HARVESTER_SELECT_TESTS"); v != "" {
		cfg.Harvest.SelectTests = splitList(v)
	}

	cfg.Checkpoint.Backend = getenvDefault("HARVESTER_CHECKPOINT_BACKEND", cfg.Checkpoint.Backend)
	cfg.Checkpoint.Dir = getenvDefault("HARVESTER_CHECKPOINT_DIR", cfg.Checkpoint.Dir)
	cfg.Checkpoint.RedisURL = getenvDefault("HARVESTER_REDIS_URL", cfg.Checkpoint.RedisURL)
	cfg.Checkpoint.PostgresDSN = getenvDefault("HARVESTER_POSTGRES_DSN", cfg.Checkpoint.PostgresDSN)
	cfg.Checkpoint.BucketURL = getenvDefault("HARVESTER_CHECKPOINT_BUCKET_URL", cfg.Checkpoint.BucketURL)
	cfg.Checkpoint.Namespace = getenvDefault("HARVESTER_CHECKPOINT_NAMESPACE", cfg.Checkpoint.Namespace)

	if v := os.Getenv("HARVESTER_SINKS"); v != "" {
		cfg.Sink.Backends = splitList(v)
	}
	cfg.Sink.File.Path = getenvDefault("HARVESTER_SINK_FILE", cfg.Sink.File.Path)
	cfg.Sink.HEC.URL = getenvDefault("HARVESTER_HEC_URL", cfg.Sink.HEC.URL)
	cfg.Sink.HEC.Token = getenvDefault("HARVESTER_HEC_TOKEN", cfg.Sink.HEC.Token)
	cfg.Sink.HEC.Index = getenvDefault("HARVESTER_HEC_INDEX", cfg.Sink.HEC.Index)
	cfg.Sink.NATS.URL = getenvDefault("HARVESTER_NATS_URL", cfg.Sink.NATS.URL)
	if v := os.Getenv("HARVESTER_OPENSEARCH_ADDRESSES"); v != "" {
		cfg.Sink.OpenSearch.Addresses = splitList(v)
	}
	cfg.Sink.OpenSearch.Username = getenvDefault("HARVESTER_OPENSEARCH_USERNAME", cfg.Sink.OpenSearch.Username)
	cfg.Sink.OpenSearch.Password = getenvDefault("HARVESTER_OPENSEARCH_PASSWORD", cfg.Sink.OpenSearch.Password)
	cfg.Sink.Blob.Bucket.URL = getenvDefault("HARVESTER_SINK_BUCKET_URL", cfg.Sink.Blob.Bucket.URL)
	cfg.Sink.Parquet.Bucket.URL = getenvDefault("HARVESTER_PARQUET_BUCKET_URL", cfg.Sink.Parquet.Bucket.URL)

	cfg.Archive.Bucket.URL = getenvDefault("HARVESTER_ARCHIVE_BUCKET_URL", cfg.Archive.Bucket.URL)

	cfg.Logging.Format = getenvDefault("HARVESTER_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("HARVESTER_LOG_LEVEL", cfg.Logging.Level)

	cfg.Metrics.Address = getenvDefault("HARVESTER_METRICS_ADDR", cfg.Metrics.Address)

	var err error
	if cfg.API.Timeout, err = durationEnv("HARVESTER_API_TIMEOUT", cfg.API.Timeout); err != nil {
		return err
	}
	if cfg.Harvest.Interval, err = durationEnv("HARVESTER_INTERVAL", cfg.Harvest.Interval); err != nil {
		return err
	}
	if cfg.Archive.Enabled, err = boolEnv("HARVESTER_ARCHIVE_ENABLED", cfg.Archive.Enabled); err != nil {
		return err
	}
	if cfg.Metrics.Enabled, err = boolEnv("HARVESTER_METRICS_ENABLED", cfg.Metrics.Enabled); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings needed to talk to the remote API and run a
// poll cycle.
func (c Config) Validate() error {
	var errs []error

	if c.API.Token == "" {
		errs = append(errs, errors.New("api token required (HARVESTER_API_TOKEN)"))
	}
	if c.API.Realm == "" && c.API.Root == "" {
		errs = append(errs, errors.New("api.realm or api.root required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout))
	}
	if c.Harvest.Interval <= 0 {
		errs = append(errs, fmt.Errorf("harvest.interval must be positive, got %s", c.Harvest.Interval))
	}
	if _, err := selection.New(c.Harvest.SelectTests, c.Harvest.Rules); err != nil {
		errs = append(errs, fmt.Errorf("harvest: %w", err))
	}

	switch c.Checkpoint.Backend {
	case "", "memory", "file", "redis", "postgres", "blob":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend: %s", c.Checkpoint.Backend))
	}

	for _, b := range c.Sink.Backends {
		switch b {
		case "stdout", "file", "hec", "nats", "opensearch", "blob", "parquet":
		default:
			errs = append(errs, fmt.Errorf("unknown sink backend: %s", b))
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format: %s", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

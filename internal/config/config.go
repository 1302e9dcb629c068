// Package config loads the recorder configuration file.
//
// Every field defaults to the constants of the root config package, so an
// empty file yields a working recorder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/handler"
	"github.com/xtxerr/telrec/internal/journal"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/session"
	"github.com/xtxerr/telrec/internal/store/archive"
	"github.com/xtxerr/telrec/internal/store/duckstore"
	"github.com/xtxerr/telrec/internal/streamapi/natsapi"
)

// Config represents the complete recorder configuration.
type Config struct {
	Log             LogConfig             `yaml:"log"`
	StreamAPI       StreamAPIConfig       `yaml:"stream_api"`
	Store           StoreConfig           `yaml:"store"`
	Batch           BatchConfig           `yaml:"batch"`
	ConfigProcessor ConfigProcessorConfig `yaml:"config_processor"`
	Handlers        HandlersConfig        `yaml:"handlers"`
	Session         SessionConfig         `yaml:"session"`
	Journal         JournalConfig         `yaml:"journal"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text, json or auto. Auto selects JSON when stdout is not
	// a terminal.
	Format string `yaml:"format"`
}

// StreamAPIConfig configures the NATS stream API.
type StreamAPIConfig struct {
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Stream         string        `yaml:"stream"`
	DataSource     string        `yaml:"data_source"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	// Driver is duckdb or memory.
	Driver string `yaml:"driver"`

	// DSN is the DuckDB database path. Empty opens an in-memory database.
	DSN string `yaml:"dsn"`

	// ArchiveDir receives a Parquet export of each closed session.
	ArchiveDir string `yaml:"archive_dir"`

	// Compression is the archive compression: none, snappy, zstd, lz4, gzip.
	Compression string `yaml:"compression"`

	// SummaryAccuracy is the relative accuracy of channel summaries.
	SummaryAccuracy float64 `yaml:"summary_accuracy"`
}

// BatchConfig configures the packet window of the category handlers.
type BatchConfig struct {
	HandlerSize int           `yaml:"handler_size"`
	HandlerWait time.Duration `yaml:"handler_wait"`
}

// ConfigProcessorConfig configures the identifier windows.
type ConfigProcessorConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	BatchWait        time.Duration `yaml:"batch_wait"`
	SynchroBatchSize int           `yaml:"synchro_batch_size"`
	SynchroBatchWait time.Duration `yaml:"synchro_batch_wait"`
	CommitRetry      retry.Policy  `yaml:"commit_retry"`
}

// HandlersConfig configures the category handlers.
type HandlersConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// SessionConfig configures session lifecycles.
type SessionConfig struct {
	Quiescence   time.Duration `yaml:"quiescence"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// JournalConfig configures the packet journal.
type JournalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	MaxSegmentSize int64  `yaml:"max_segment_size"`
	SyncMode       string `yaml:"sync_mode"`

	// MaxAge and MaxBytes prune old segments. Zero keeps everything.
	MaxAge   time.Duration `yaml:"max_age"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the listen address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		StreamAPI: StreamAPIConfig{
			URL:            defaults.DefaultNATSURL,
			SubjectPrefix:  defaults.DefaultSubjectPrefix,
			Stream:         defaults.DefaultPacketStream,
			DataSource:     defaults.DefaultDataSource,
			RequestTimeout: defaults.DefaultRequestTimeout,
			ReconnectWait:  2 * time.Second,
		},
		Store: StoreConfig{
			Driver:          defaults.DefaultStoreDriver,
			DSN:             defaults.DefaultStoreDSN,
			Compression:     defaults.DefaultArchiveCompression,
			SummaryAccuracy: defaults.DefaultSummaryAccuracy,
		},
		Batch: BatchConfig{
			HandlerSize: defaults.DefaultHandlerBatchSize,
			HandlerWait: defaults.DefaultHandlerBatchWait,
		},
		ConfigProcessor: ConfigProcessorConfig{
			BatchSize:        defaults.DefaultConfigBatchSize,
			BatchWait:        defaults.DefaultConfigBatchWait,
			SynchroBatchSize: defaults.DefaultSynchroConfigBatchSize,
			SynchroBatchWait: defaults.DefaultSynchroConfigBatchWait,
			CommitRetry:      retry.CommitPolicy(),
		},
		Handlers: HandlersConfig{
			RetryInterval: defaults.DefaultHandlerRetryInterval,
		},
		Session: SessionConfig{
			Quiescence:   defaults.DefaultQuiescence,
			PollInterval: defaults.DefaultPollInterval,
		},
		Journal: JournalConfig{
			Dir:            "journal",
			MaxSegmentSize: defaults.DefaultJournalSegmentSize,
			SyncMode:       defaults.DefaultJournalSyncMode,
		},
		Metrics: MetricsConfig{
			Listen: defaults.DefaultMetricsListen,
		},
	}
}

// NATS returns the stream API client configuration.
func (c *Config) NATS() natsapi.Config {
	return natsapi.Config{
		URL:            c.StreamAPI.URL,
		SubjectPrefix:  c.StreamAPI.SubjectPrefix,
		Stream:         c.StreamAPI.Stream,
		Name:           "telrecd",
		RequestTimeout: c.StreamAPI.RequestTimeout,
		ReconnectWait:  c.StreamAPI.ReconnectWait,
	}
}

// DuckDB returns the DuckDB store configuration.
func (c *Config) DuckDB() duckstore.Config {
	cfg := duckstore.DefaultConfig()
	cfg.DSN = c.Store.DSN
	cfg.ArchiveDir = c.Store.ArchiveDir
	cfg.Archive.Compression = archive.ParseCompressionType(c.Store.Compression)
	return cfg
}

// JournalOptions returns the journal writer options.
func (c *Config) JournalOptions() journal.Options {
	opts := journal.DefaultOptions()
	opts.MaxSegmentSize = c.Journal.MaxSegmentSize
	opts.SyncMode = c.Journal.SyncMode
	opts.Retention = journal.Retention{
		MaxAge:   c.Journal.MaxAge,
		MaxBytes: c.Journal.MaxBytes,
	}
	return opts
}

// SessionOptions returns the options shared by every recorded session.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.DataSource = c.StreamAPI.DataSource
	opts.Quiescence = c.Session.Quiescence
	opts.PollInterval = c.Session.PollInterval
	opts.SummaryAccuracy = c.Store.SummaryAccuracy
	opts.Handlers = handler.Options{
		Batch: batch.Options{
			MaxItems: c.Batch.HandlerSize,
			MaxWait:  c.Batch.HandlerWait,
		},
		RetryInterval: c.Handlers.RetryInterval,
	}
	opts.ConfigBatch = batch.Options{
		MaxItems: c.ConfigProcessor.BatchSize,
		MaxWait:  c.ConfigProcessor.BatchWait,
	}
	opts.SynchroBatch = batch.Options{
		MaxItems: c.ConfigProcessor.SynchroBatchSize,
		MaxWait:  c.ConfigProcessor.SynchroBatchWait,
	}
	opts.CommitRetry = c.ConfigProcessor.CommitRetry
	return opts
}

// ResolvePaths makes relative file paths relative to base, the directory
// of the configuration file.
func (c *Config) ResolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Store.DSN)
	resolve(&c.Store.ArchiveDir)
	resolve(&c.Journal.Dir)
}

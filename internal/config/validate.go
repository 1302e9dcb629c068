package config

import (
	"fmt"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/journal"
	"github.com/xtxerr/telrec/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		v.AddField("log.level", err.Error())
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		v.AddField("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	c.StreamAPI.validate(v)
	c.Store.validate(v)

	if c.Batch.HandlerSize <= 0 {
		v.AddField("batch.handler_size", "must be positive")
	}
	if c.Batch.HandlerWait <= 0 {
		v.AddField("batch.handler_wait", "must be positive")
	}

	c.ConfigProcessor.validate(v)

	if c.Handlers.RetryInterval < 0 {
		v.AddField("handlers.retry_interval", "cannot be negative")
	}

	if c.Session.Quiescence <= 0 {
		v.AddField("session.quiescence", "must be positive")
	}
	if c.Session.PollInterval <= 0 {
		v.AddField("session.poll_interval", "must be positive")
	}

	c.Journal.validate(v)

	return v.Err()
}

func (c *StreamAPIConfig) validate(v *errors.ValidationErrors) {
	if c.URL == "" {
		v.AddMissing("stream_api.url")
	}
	if c.SubjectPrefix == "" {
		v.AddMissing("stream_api.subject_prefix")
	}
	if c.Stream == "" {
		v.AddMissing("stream_api.stream")
	}
	if c.RequestTimeout <= 0 {
		v.AddField("stream_api.request_timeout", "must be positive")
	}
}

func (c *StoreConfig) validate(v *errors.ValidationErrors) {
	switch c.Driver {
	case "duckdb", "memory":
	case "":
		v.AddMissing("store.driver")
	default:
		v.AddField("store.driver", fmt.Sprintf("unknown driver %q", c.Driver))
	}
	switch c.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		v.AddField("store.compression", fmt.Sprintf("unknown algorithm %q", c.Compression))
	}
	if c.SummaryAccuracy <= 0 || c.SummaryAccuracy >= 1 {
		v.AddField("store.summary_accuracy", "must be in (0, 1)")
	}
	if c.ArchiveDir != "" && c.Driver == "memory" {
		v.AddField("store.archive_dir", "requires the duckdb driver")
	}
}

func (c *ConfigProcessorConfig) validate(v *errors.ValidationErrors) {
	if c.BatchSize <= 0 {
		v.AddField("config_processor.batch_size", "must be positive")
	}
	if c.BatchWait <= 0 {
		v.AddField("config_processor.batch_wait", "must be positive")
	}
	if c.SynchroBatchSize <= 0 {
		v.AddField("config_processor.synchro_batch_size", "must be positive")
	}
	if c.SynchroBatchWait <= 0 {
		v.AddField("config_processor.synchro_batch_wait", "must be positive")
	}
	if err := c.CommitRetry.Validate(); err != nil {
		v.AddField("config_processor.commit_retry", err.Error())
	}
}

func (c *JournalConfig) validate(v *errors.ValidationErrors) {
	if !c.Enabled {
		return
	}
	if c.Dir == "" {
		v.AddMissing("journal.dir")
	}
	if c.MaxSegmentSize <= 0 {
		v.AddField("journal.max_segment_size", "must be positive")
	}
	if c.MaxAge < 0 {
		v.AddField("journal.max_age", "cannot be negative")
	}
	if c.MaxBytes < 0 {
		v.AddField("journal.max_bytes", "cannot be negative")
	}
	switch c.SyncMode {
	case journal.SyncAsync, journal.SyncSync, journal.SyncFsync:
	default:
		v.AddField("journal.sync_mode", fmt.Sprintf("unknown mode %q", c.SyncMode))
	}
}

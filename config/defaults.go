// Package config provides configuration defaults for the telrec recorder.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Stream API Defaults
// =============================================================================

const (
	// DefaultNATSURL is the default NATS server URL.
	// Override via config: stream_api.url
	DefaultNATSURL = "nats://127.0.0.1:4222"

	// DefaultSubjectPrefix prefixes every subject used by the recorder.
	// Override via config: stream_api.subject_prefix
	DefaultSubjectPrefix = "telemetry"

	// DefaultPacketStream is the JetStream stream holding packet data.
	// Override via config: stream_api.stream
	DefaultPacketStream = "TELEMETRY"

	// DefaultDataSource is the data source that owns the recorded sessions.
	// Override via config: stream_api.data_source
	DefaultDataSource = "Default"

	// DefaultRequestTimeout bounds schema and session metadata requests.
	// Override via config: stream_api.request_timeout
	DefaultRequestTimeout = 5 * time.Second

	// DefaultMaxEnvelopeSize limits one encoded envelope to prevent OOM.
	DefaultMaxEnvelopeSize = 16 * 1024 * 1024
)

// =============================================================================
// Handler Defaults
// =============================================================================

const (
	// DefaultHandlerBatchSize is the packet window size of one category handler.
	// Override via config: batch.handler_size
	DefaultHandlerBatchSize = 1000

	// DefaultHandlerBatchWait is the packet window duration of one category handler.
	// Override via config: batch.handler_wait
	DefaultHandlerBatchWait = time.Millisecond

	// DefaultHandlerRetryInterval drains pending queues periodically so that
	// failed writes are retried without a new configuration commit.
	// 0 disables the ticker.
	// Override via config: handlers.retry_interval
	DefaultHandlerRetryInterval = 5 * time.Second
)

// =============================================================================
// Configuration Processor Defaults
// =============================================================================

const (
	// DefaultConfigBatchSize is the identifier window size for periodic, row,
	// event and error configuration.
	// Override via config: config_processor.batch_size
	DefaultConfigBatchSize = 100000

	// DefaultConfigBatchWait is the identifier window duration for periodic,
	// row, event and error configuration.
	// Override via config: config_processor.batch_wait
	DefaultConfigBatchWait = 10 * time.Second

	// DefaultSynchroConfigBatchSize is the identifier window size for synchro
	// configuration.
	// Override via config: config_processor.synchro_batch_size
	DefaultSynchroConfigBatchSize = 1000

	// DefaultSynchroConfigBatchWait is the identifier window duration for
	// synchro configuration.
	// Override via config: config_processor.synchro_batch_wait
	DefaultSynchroConfigBatchWait = 100 * time.Millisecond

	// DefaultCommitAttempts is the number of commit attempts before the
	// identifiers of a batch are dead-lettered.
	// Override via config: config_processor.commit_retry.max_attempts
	DefaultCommitAttempts = 5

	// DefaultCommitInitialDelay is the first backoff delay between commits.
	DefaultCommitInitialDelay = 200 * time.Millisecond

	// DefaultCommitMaxDelay caps the backoff delay between commits.
	DefaultCommitMaxDelay = 10 * time.Second
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultQuiescence is the silence window that ends a session drain.
	// Override via config: session.quiescence
	DefaultQuiescence = 10 * time.Second

	// DefaultPollInterval is how often live session metadata is polled.
	// Override via config: session.poll_interval
	DefaultPollInterval = time.Second

	// DefaultUntitledSession is the identifier of a session with no name.
	DefaultUntitledSession = "Untitled"

	// MaxChannelHandle is the exclusive upper bound of channel handles.
	// Handles are wrapped into the positive int32 range.
	MaxChannelHandle = 2147483647
)

// =============================================================================
// Lap Defaults
// =============================================================================

const (
	// LapGuardTime rejects lap triggers that follow the previous lap too closely.
	LapGuardTime = 10 * time.Second
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDriver selects the backend: duckdb or memory.
	// Override via config: store.driver
	DefaultStoreDriver = "duckdb"

	// DefaultStoreDSN is the DuckDB database path.
	// Override via config: store.dsn
	DefaultStoreDSN = "telrec.db"

	// DefaultArchiveCompression is the parquet compression of session archives.
	// Override via config: store.archive.compression
	DefaultArchiveCompression = "zstd"

	// DefaultSummaryAccuracy is the relative accuracy of channel summaries.
	// Override via config: store.summary_accuracy
	DefaultSummaryAccuracy = 0.01
)

// =============================================================================
// Journal Defaults
// =============================================================================

const (
	// DefaultJournalSegmentSize is the maximum journal segment size before rotation.
	// Override via config: journal.max_segment_size
	DefaultJournalSegmentSize = 64 * 1024 * 1024

	// DefaultJournalSyncMode controls journal durability: async, sync, fsync.
	// Override via config: journal.sync_mode
	DefaultJournalSyncMode = "async"

	// DefaultJournalBatchSize is the number of envelopes per journal record.
	DefaultJournalBatchSize = 256

	// DefaultJournalBatchWait bounds how long an envelope waits for its record.
	DefaultJournalBatchWait = 200 * time.Millisecond
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the Prometheus listen address. Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = ":9464"
)

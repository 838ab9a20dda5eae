package tracelens

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	storePath       string
	databaseURL     string
	bufferCapacity  int
	batchSize       int
	emptyWait       time.Duration
	compressionSet  bool
	compression     bool
	timingKeys      []string
	thresholdsPath  string
	retentionWindow time.Duration
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStorePath overrides the SQLite path from config (TRACELENS_STORE_PATH
// env var). Pass ":memory:" for an ephemeral store.
func WithStorePath(path string) Option {
	return func(o *resolvedOptions) { o.storePath = path }
}

// WithDatabaseURL selects the Postgres archive store instead of the
// embedded SQLite store (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithBufferCapacity overrides the ingestion buffer capacity. Producers
// submitting into a full buffer get ErrDropped, never a block.
func WithBufferCapacity(n int) Option {
	return func(o *resolvedOptions) { o.bufferCapacity = n }
}

// WithBatchSize overrides the consumer's drain batch size.
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithEmptyWait overrides the consumer's bounded wait on an empty buffer.
// The wait also paces the idle flush of open compression runs.
func WithEmptyWait(d time.Duration) Option {
	return func(o *resolvedOptions) { o.emptyWait = d }
}

// WithCompression enables or disables run-length span compression.
func WithCompression(enabled bool) Option {
	return func(o *resolvedOptions) { o.compressionSet = true; o.compression = enabled }
}

// WithTimingKeys replaces the attribute keys excluded from structural
// identity during compression.
func WithTimingKeys(keys ...string) Option {
	return func(o *resolvedOptions) { o.timingKeys = keys }
}

// WithThresholdsFile points at a YAML file overriding analysis thresholds
// (TRACELENS_THRESHOLDS_FILE env var).
func WithThresholdsFile(path string) Option {
	return func(o *resolvedOptions) { o.thresholdsPath = path }
}

// WithRetentionWindow enables the background vacuum of runs older than the
// window. Zero disables retention.
func WithRetentionWindow(d time.Duration) Option {
	return func(o *resolvedOptions) { o.retentionWindow = d }
}

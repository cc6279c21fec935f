package vbstore

import "time"

// Config carries the host-supplied configuration the engine needs.
// The host is responsible for parsing these from its own configuration
// system (CLI flags, a config file, …); Config itself does no parsing.
type Config struct {
	// Dbname is the root directory holding partition files.
	Dbname string

	// CouchHost/CouchPort address the compaction manager's TCP endpoint.
	CouchHost string
	CouchPort int

	// CouchBucket is sent with select_bucket on every (re)connect.
	CouchBucket string

	// CouchResponseTimeout bounds how long a notifier call may sit
	// unanswered before the connection is reset.
	CouchResponseTimeout time.Duration

	// CouchReconnectSleeptime is the backoff between reconnect attempts.
	CouchReconnectSleeptime time.Duration

	// AllowDataLossDuringShutdown lets the notifier abort the process,
	// rather than spin forever, once the parent has died during a
	// shutdown in progress.
	AllowDataLossDuringShutdown bool

	// CompressValues turns on compression (CompressionAlgorithm) of opaque (non-JSON)
	// values at least CompressThreshold bytes long before they reach the
	// document store. JSON values are never compressed.
	CompressValues bool

	// CompressThreshold is the minimum opaque value size, in bytes,
	// eligible for compression. Ignored when CompressValues is false. A
	// zero value with CompressValues set compresses every opaque value.
	CompressThreshold int

	// CompressionAlgorithm selects the codec CompressValues applies:
	// "zstd" (the default), "lz4", "lz4hc", "snappy", or "zlib". An
	// empty or unrecognized value falls back to "zstd".
	CompressionAlgorithm string
}

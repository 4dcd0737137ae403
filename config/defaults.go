// Package config provides configuration defaults and utilities
// for the hayselnut collector.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultPageCapacity is the number of records held by one log page.
	// Larger pages mean fewer allocations per channel but more dead space
	// on channels that record rarely.
	// Override via config: store.page_capacity
	DefaultPageCapacity = 512

	// DefaultInitialSize is the initial size of the backing file for a
	// newly created store. The mapping grows geometrically from here.
	// Override via config: store.initial_size
	DefaultInitialSize = 64 * 1024

	// DefaultIndexBucket is the time-bucket width of the coarse page index
	// used to skip ahead in long chains. Purely an optimization; queries
	// are correct without it.
	// Override via config: store.index_bucket
	DefaultIndexBucket = 24 * time.Hour

	// DefaultIndexCacheSize is the maximum memory, in bytes, spent caching
	// per-chain page indexes.
	// Override via config: store.index_cache_size
	DefaultIndexCacheSize = 16 * 1024 * 1024
)

// =============================================================================
// IPC Defaults
// =============================================================================

const (
	// DefaultSocketPath is where the daemon listens for local clients.
	// Override via config: ipc.socket
	DefaultSocketPath = "/run/hayselnut/ipc.sock"

	// DefaultMaxFrameSize limits IPC message size to prevent OOM.
	// 16 MiB is enough for any reasonable query response.
	// Override via config: ipc.max_frame_size
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// DefaultMaxQueryResults caps the records returned by one query-range
	// request over IPC. The cursor is cut off past this count.
	// Override via config: ipc.max_query_results
	DefaultMaxQueryResults = 1 << 20
)

// =============================================================================
// Engine Defaults
// =============================================================================

const (
	// DefaultSubmitQueueSize is the capacity of the engine's write queue.
	// When full, submitters block (backpressure).
	// Override via config: engine.submit_queue_size
	DefaultSubmitQueueSize = 4096

	// DefaultDrainTimeout is how long to wait for queued writes during
	// shutdown before abandoning them.
	// Override via config: engine.drain_timeout
	DefaultDrainTimeout = 30 * time.Second

	// DefaultSyncInterval is how often the engine flushes the mapped store
	// to disk. The kernel writes dirty pages back on its own schedule
	// anyway; this bounds the window.
	// Override via config: engine.sync_interval
	DefaultSyncInterval = 10 * time.Second
)

// =============================================================================
// Summary Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the DDSketch relative accuracy used for
	// per-channel value summaries (0.01 = 1% error).
	// Override via config: summaries.accuracy
	DefaultSketchAccuracy = 0.01
)

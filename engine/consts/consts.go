package consts

import "time"

// Tunable Options
const (
	// PACKET_PAYLOAD_COMPRESS_THRESHOLD is the minimal encoded payload length that should be wire-compressed
	PACKET_PAYLOAD_COMPRESS_THRESHOLD = 512

	// DEFAULT_TICK_INTERVAL is the default replication pass interval
	DEFAULT_TICK_INTERVAL = time.Millisecond * 100

	// DEFAULT_HYSTERESIS_MARGIN is the default exit-radius margin over the enter radius
	DEFAULT_HYSTERESIS_MARGIN = 0.1

	// DEFAULT_RESYNC_INTERVAL_TICKS is how many ticks a delta baseline may age before a forced full snapshot
	DEFAULT_RESYNC_INTERVAL_TICKS = 30

	// DEFAULT_INTEREST_PROMOTE_THRESHOLD is the default combined-score bound above which a channel is promoted
	DEFAULT_INTEREST_PROMOTE_THRESHOLD = 0.65
	// DEFAULT_INTEREST_DEMOTE_THRESHOLD is the default combined-score bound below which a channel is demoted
	DEFAULT_INTEREST_DEMOTE_THRESHOLD = 0.2

	// DEFAULT_SPATIAL_CELL_CAPACITY is the member count above which a quadtree leaf splits
	DEFAULT_SPATIAL_CELL_CAPACITY = 16
	// DEFAULT_SPATIAL_MERGE_OCCUPANCY is the subtree member count below which a split node merges back.
	// Must stay well below the cell capacity so split/merge cannot oscillate at one boundary.
	DEFAULT_SPATIAL_MERGE_OCCUPANCY = 6
	// DEFAULT_SPATIAL_MAX_DEPTH bounds quadtree subdivision
	DEFAULT_SPATIAL_MAX_DEPTH = 12
	// DEFAULT_WORLD_EXTENT is the half-extent of the world square covered by the spatial index
	DEFAULT_WORLD_EXTENT = 4096

	// DEFAULT_OUTBOUND_QUEUE_LEN is the bound of the dispatcher outbound packet queue
	DEFAULT_OUTBOUND_QUEUE_LEN = 4096
	// DEFAULT_PASS_BUDGET_BYTES is the per-pass byte budget before Cosmetic/Metadata work is deferred
	DEFAULT_PASS_BUDGET_BYTES = 256 * 1024

	// OPMON_DUMP_INTERVAL is the interval of dumping opmon stats, 0 for no dump
	OPMON_DUMP_INTERVAL = time.Minute
	// OPMON_WARN_THRESHOLD is the warn threshold of replication pass operations
	OPMON_WARN_THRESHOLD = time.Millisecond * 100
)

// Debug Options
const (
	// DEBUG_SUBSCRIPTIONS prints subscription state transitions
	DEBUG_SUBSCRIPTIONS = false
	// DEBUG_ENCODE prints encoding decisions (mode fallbacks, resyncs)
	DEBUG_ENCODE = false
	// DEBUG_SPATIAL prints quadtree split/merge operations
	DEBUG_SPATIAL = false
)

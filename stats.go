package flightrecorder

import "github.com/agilira/flightrecorder/internal/registry"

// Stats is the point-in-time snapshot get_stats() returns (§6). It is
// assembled from the registry's per-slot ring-pool counters plus the
// control block and drain loop's own counters; never read on the hot path.
type Stats struct {
	EventsCaptured uint64 `json:"events_captured"`
	EventsDropped  uint64 `json:"events_dropped"`
	BytesWritten   uint64 `json:"bytes_written"`
	ActiveThreads  int    `json:"active_threads"`
	HooksInstalled int    `json:"hooks_installed"`

	// FallbackEvents and WriteErrors are the §7 recoverable-error
	// counters: registry-mode downgrades plus thread registrations that
	// got no registry slot, and write failures during drain.
	FallbackEvents uint64 `json:"fallback_events"`
	WriteErrors    uint64 `json:"write_errors"`

	// PoolExhaustionCount, SelectiveDumpsPerformed, and WindowsDiscarded
	// mirror internal/ringpool.Stats' own field names so a caller
	// correlating get_stats() output against the per-ring counters sees
	// the same vocabulary.
	PoolExhaustionCount     uint64 `json:"pool_exhaustion_count"`
	SelectiveDumpsPerformed uint64 `json:"selective_dumps_performed"`
	WindowsDiscarded        uint64 `json:"windows_discarded"`
}

// computeStats assembles a Stats snapshot from reg, the hooksInstalled
// count, and the drain loop's own counters.
func computeStats(reg *registry.Registry, hooksInstalled int, fallbackEvents, writeErrors, bytesWritten uint64) Stats {
	s := Stats{
		HooksInstalled: hooksInstalled,
		FallbackEvents: fallbackEvents,
		WriteErrors:    writeErrors,
		BytesWritten:   bytesWritten,
	}
	for _, v := range reg.Snapshot() {
		if v.State == registry.StateActive {
			s.ActiveThreads++
		}
		s.EventsCaptured += v.IndexStats.EventsWritten + v.DetailStats.EventsWritten
		s.EventsDropped += v.IndexStats.EventsDropped + v.DetailStats.EventsDropped
		s.PoolExhaustionCount += v.IndexStats.PoolExhaustionCount + v.DetailStats.PoolExhaustionCount
		s.SelectiveDumpsPerformed += v.DetailStats.SelectiveDumpsPerformed
		s.WindowsDiscarded += v.DetailStats.WindowsDiscarded
	}
	return s
}

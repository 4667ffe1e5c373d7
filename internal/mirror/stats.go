package mirror

import "sync/atomic"

// Stats counts engine outcomes since process start.
type Stats struct {
	created     atomic.Int64
	replaced    atomic.Int64
	edited      atomic.Int64
	deleted     atomic.Int64
	skipped     atomic.Int64
	busFailures atomic.Int64
	abandoned   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Created     int64
	Replaced    int64
	Edited      int64
	Deleted     int64
	Skipped     int64
	BusFailures int64
	Abandoned   int64
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Created:     s.created.Load(),
		Replaced:    s.replaced.Load(),
		Edited:      s.edited.Load(),
		Deleted:     s.deleted.Load(),
		Skipped:     s.skipped.Load(),
		BusFailures: s.busFailures.Load(),
		Abandoned:   s.abandoned.Load(),
	}
}

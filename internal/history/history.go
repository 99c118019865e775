// Package history provides the bounded, time-ordered buffers the detection
// monitors read their rolling statistics from. Buffers evict FIFO by age or
// count, never by score, and are not internally synchronized: each monitor
// instance owns its buffers and is driven by a single caller per cycle.
package history

import (
	"sort"
	"time"

	"hyperliquid-sentry/internal/security"
)

// SnapshotLogOptions bounds a SnapshotLog. Zero values disable the
// corresponding bound.
type SnapshotLogOptions struct {
	// MaxEntries caps the number of snapshots kept per entity.
	MaxEntries int
	// MaxAge evicts snapshots older than the newest entry minus MaxAge.
	MaxAge time.Duration
}

// SnapshotLog retains per-entity snapshot series in append order.
type SnapshotLog struct {
	opts   SnapshotLogOptions
	series map[string][]security.Snapshot
}

// NewSnapshotLog builds an empty log with the given bounds.
func NewSnapshotLog(opts SnapshotLogOptions) *SnapshotLog {
	return &SnapshotLog{
		opts:   opts,
		series: make(map[string][]security.Snapshot),
	}
}

// Append records a snapshot for its entity and applies eviction. Snapshots
// are expected in non-decreasing timestamp order per entity.
func (l *SnapshotLog) Append(snap security.Snapshot) {
	entries := append(l.series[snap.EntityID], snap)

	if l.opts.MaxAge > 0 {
		cutoff := snap.Timestamp.Add(-l.opts.MaxAge)
		trim := 0
		for trim < len(entries)-1 && entries[trim].Timestamp.Before(cutoff) {
			trim++
		}
		entries = entries[trim:]
	}
	if l.opts.MaxEntries > 0 && len(entries) > l.opts.MaxEntries {
		entries = entries[len(entries)-l.opts.MaxEntries:]
	}

	l.series[snap.EntityID] = entries
}

// All returns the entity's series, oldest first. The returned slice is a view
// valid until the next Append for that entity.
func (l *SnapshotLog) All(entityID string) []security.Snapshot {
	return l.series[entityID]
}

// Recent returns up to n newest snapshots, oldest first.
func (l *SnapshotLog) Recent(entityID string, n int) []security.Snapshot {
	entries := l.series[entityID]
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Since returns snapshots with timestamp at or after cutoff, oldest first.
func (l *SnapshotLog) Since(entityID string, cutoff time.Time) []security.Snapshot {
	entries := l.series[entityID]
	i := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Timestamp.Before(cutoff)
	})
	return entries[i:]
}

// Latest returns the newest snapshot for the entity.
func (l *SnapshotLog) Latest(entityID string) (security.Snapshot, bool) {
	entries := l.series[entityID]
	if len(entries) == 0 {
		return security.Snapshot{}, false
	}
	return entries[len(entries)-1], true
}

// SetLatestScore stamps the computed anomaly fields onto the newest snapshot.
// These are the only fields mutated after append, and only once per snapshot.
func (l *SnapshotLog) SetLatestScore(entityID string, score float64, healthy bool, issues []string) bool {
	entries := l.series[entityID]
	if len(entries) == 0 {
		return false
	}
	last := &entries[len(entries)-1]
	last.AnomalyScore = score
	last.IsHealthy = healthy
	last.HealthIssues = issues
	return true
}

// Len reports how many snapshots the entity currently holds.
func (l *SnapshotLog) Len(entityID string) int {
	return len(l.series[entityID])
}

// Entities lists tracked entity IDs in sorted order.
func (l *SnapshotLog) Entities() []string {
	ids := make([]string, 0, len(l.series))
	for id := range l.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EventWindow retains liquidation events inside a rolling duration window.
// Eviction is keyed on event time, not wall clock, so replaying a fixed
// input stream yields identical window contents.
type EventWindow struct {
	retention time.Duration
	events    []security.LiquidationEvent
	newest    time.Time
}

// NewEventWindow builds an empty window with the given retention.
func NewEventWindow(retention time.Duration) *EventWindow {
	return &EventWindow{retention: retention}
}

// Add appends events and evicts entries older than the newest observed
// timestamp minus the retention. Events are expected in non-decreasing
// timestamp order.
func (w *EventWindow) Add(events ...security.LiquidationEvent) {
	for _, ev := range events {
		w.events = append(w.events, ev)
		if ev.Timestamp.After(w.newest) {
			w.newest = ev.Timestamp
		}
	}
	w.evict()
}

// PruneBefore drops events older than cutoff regardless of retention. The
// orchestrator calls this between cycles to release idle buffers.
func (w *EventWindow) PruneBefore(cutoff time.Time) {
	trim := 0
	for trim < len(w.events) && w.events[trim].Timestamp.Before(cutoff) {
		trim++
	}
	w.events = w.events[trim:]
}

func (w *EventWindow) evict() {
	if w.retention <= 0 || w.newest.IsZero() {
		return
	}
	w.PruneBefore(w.newest.Add(-w.retention))
}

// Events returns the retained events, oldest first. The returned slice is a
// view valid until the next Add.
func (w *EventWindow) Events() []security.LiquidationEvent {
	return w.events
}

// Len reports the number of retained events.
func (w *EventWindow) Len() int {
	return len(w.events)
}

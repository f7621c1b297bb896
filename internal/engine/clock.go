package engine

import "maps"

// NoClock is the clock of an author without updates on a snapshot.
const NoClock int64 = -1

// ClockLedger records the last applied update clock per snapshot and
// author. Only the active snapshot has entries: activating a new snapshot
// resets the ledger.
//
// The ledger is owned by the engine's event loop and is not safe for
// concurrent use.
type ClockLedger struct {
	clocks map[string]map[string]int64
}

// NewClockLedger returns an empty ledger.
func NewClockLedger() *ClockLedger {
	return &ClockLedger{clocks: make(map[string]map[string]int64)}
}

// Get returns the author's clock on the snapshot, or NoClock.
func (l *ClockLedger) Get(snapshotID, author string) int64 {
	if c, ok := l.Lookup(snapshotID, author); ok {
		return c
	}
	return NoClock
}

// Lookup returns the author's clock and whether one was recorded.
func (l *ClockLedger) Lookup(snapshotID, author string) (int64, bool) {
	c, ok := l.clocks[snapshotID][author]
	return c, ok
}

// Set records a clock. Clocks never move backwards.
func (l *ClockLedger) Set(snapshotID, author string, clock int64) {
	authors, ok := l.clocks[snapshotID]
	if !ok {
		authors = make(map[string]int64)
		l.clocks[snapshotID] = authors
	}
	if cur, ok := authors[author]; ok && cur >= clock {
		return
	}
	authors[author] = clock
}

// Clocks returns a copy of the snapshot's clocks. Never nil.
func (l *ClockLedger) Clocks(snapshotID string) map[string]int64 {
	out := make(map[string]int64, len(l.clocks[snapshotID]))
	maps.Copy(out, l.clocks[snapshotID])
	return out
}

// Reset drops every entry and seeds the snapshot with clocks, which may
// be nil.
func (l *ClockLedger) Reset(snapshotID string, clocks map[string]int64) {
	l.clocks = make(map[string]map[string]int64)
	if snapshotID == "" {
		return
	}
	seeded := make(map[string]int64, len(clocks))
	maps.Copy(seeded, clocks)
	l.clocks[snapshotID] = seeded
}

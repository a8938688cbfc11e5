package transferwatch

import (
	"sync"
	"time"
)

// minDedupRetention is the floor for the dedup window. Mempool-to-block
// inclusion regularly takes a couple of minutes on congested chains, so
// anything shorter risks double emissions.
const minDedupRetention = 2 * time.Minute

// dedupSet is the shared set of transaction hashes already emitted, read
// and written by both the block and pending processors. Entries older than
// the retention window are evicted opportunistically on insert; this is
// the only soft-state degradation the pipeline permits.
type dedupSet struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newDedupSet(retention time.Duration) *dedupSet {
	if retention < minDedupRetention {
		retention = minDedupRetention
	}

	return &dedupSet{
		entries:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// AddIfAbsent atomically inserts the hash and reports whether it was new.
// A false return means the hash was already emitted on some path.
func (d *dedupSet) AddIfAbsent(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)

	if _, ok := d.entries[hash]; ok {
		return false
	}
	d.entries[hash] = now
	return true
}

// Contains reports whether the hash was already emitted.
func (d *dedupSet) Contains(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[hash]
	return ok
}

// Len returns the current number of tracked hashes.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// sweepLocked drops entries older than the retention window, at most once
// per quarter-window so steady-state inserts stay O(1).
func (d *dedupSet) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.retention/4 {
		return
	}
	d.lastSweep = now

	cutoff := now.Add(-d.retention)
	for hash, seen := range d.entries {
		if seen.Before(cutoff) {
			delete(d.entries, hash)
		}
	}
}

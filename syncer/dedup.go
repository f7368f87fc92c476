package syncer

import (
	"sync"
	"time"
)

// Deduplicator is the single authority guaranteeing at-most-once processing
// per logical event. Both feeds may observe the same activity; the first
// CheckAndMark for a key wins and every later call for it is a duplicate.
type Deduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	horizon time.Duration
	now     func() time.Time
}

// NewDeduplicator creates a dedup set whose entries age out after horizon.
// The horizon should be a few multiples of the poll interval so both
// channels' observations of the same activity land inside it.
func NewDeduplicator(horizon time.Duration) *Deduplicator {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Deduplicator{
		seen:    make(map[string]time.Time),
		horizon: horizon,
		now:     time.Now,
	}
}

// CheckAndMark returns true if the key was not seen within the horizon and
// marks it seen. The check and the mark are a single step under the lock so
// concurrent feeds cannot both claim the same key.
func (d *Deduplicator) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < d.horizon {
		return false
	}
	d.seen[key] = now
	d.pruneLocked(now)
	return true
}

// Seen reports whether the key is currently in the set, without marking.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seenAt, ok := d.seen[key]
	return ok && d.now().Sub(seenAt) < d.horizon
}

// Len returns the number of live entries.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Snapshot copies the current set for persistence across restarts.
func (d *Deduplicator) Snapshot() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.seen))
	for k, t := range d.seen {
		out[k] = t
	}
	return out
}

// Restore merges a persisted snapshot, dropping entries past the horizon.
// Existing entries win over the snapshot's.
func (d *Deduplicator) Restore(keys map[string]time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, t := range keys {
		if now.Sub(t) >= d.horizon {
			continue
		}
		if _, ok := d.seen[k]; !ok {
			d.seen[k] = t
		}
	}
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	// Amortized: only sweep once the map has grown past a threshold.
	if len(d.seen) < 4096 {
		return
	}
	for k, t := range d.seen {
		if now.Sub(t) >= d.horizon {
			delete(d.seen, k)
		}
	}
}

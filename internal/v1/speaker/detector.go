// Package speaker implements active-speaker detection: a recency-ordered
// window of "dominantspeaker" events per source producer, gating which
// producers get forwarded (resumed) versus paused so a distribution
// router only carries audio for the most recently active handful of
// speakers at any moment.
package speaker

import (
	"sync"
	"time"

	"k8s.io/utils/set"
)

// Detector tracks the last time each source producer was named in a
// "dominantspeaker" event and maintains the top-N most-recently-active
// set, calling back when that set changes.
type Detector struct {
	mu          sync.Mutex
	maxSpeakers int
	window      time.Duration
	lastActive  map[string]time.Time // sourceProducerId -> lastActiveAtMs
	active      set.Set[string]

	onSetChanged func(active []string)
}

// New creates a Detector that forwards at most maxSpeakers at once.
// A producer not named in a dominantspeaker event within window is
// evicted the next time Report or Prune runs.
func New(maxSpeakers int, window time.Duration) *Detector {
	return &Detector{
		maxSpeakers: maxSpeakers,
		window:      window,
		lastActive:  map[string]time.Time{},
		active:      set.New[string](),
	}
}

// Report records a "dominantspeaker" event for sourceProducerID: upserts
// its lastActiveAt to now, evicts any producer whose lastActiveAt has
// fallen outside the window, and recomputes the top-N-by-recency active
// set.
func (d *Detector) Report(sourceProducerID string, now time.Time) {
	d.mu.Lock()
	d.lastActive[sourceProducerID] = now
	d.evict(now)
	fire, active, cb := d.recompute()
	d.mu.Unlock()

	if fire && cb != nil {
		cb(active)
	}
}

// Remove drops sourceProducerID from consideration entirely, e.g. when
// its owning speaker stops producing.
func (d *Detector) Remove(sourceProducerID string) {
	d.mu.Lock()
	delete(d.lastActive, sourceProducerID)
	fire, active, cb := d.recompute()
	d.mu.Unlock()

	if fire && cb != nil {
		cb(active)
	}
}

// Prune evicts any producer whose lastActiveAt has fallen outside the
// window and recomputes the active set. Useful for a periodic sweep when
// a speaker goes silent without a new event ever arriving to trigger
// eviction.
func (d *Detector) Prune(now time.Time) {
	d.mu.Lock()
	d.evict(now)
	fire, active, cb := d.recompute()
	d.mu.Unlock()

	if fire && cb != nil {
		cb(active)
	}
}

// evict drops every producer whose lastActiveAt is older than the
// window. Callers must hold d.mu.
func (d *Detector) evict(now time.Time) {
	for producerID, seen := range d.lastActive {
		if now.Sub(seen) > d.window {
			delete(d.lastActive, producerID)
		}
	}
}

// recompute selects the top maxSpeakers producers by lastActiveAt
// descending and, if the resulting set differs from the previous one,
// replaces it. The callback is returned rather than invoked so callers
// fire it after releasing d.mu — it may call back into the detector
// (Dominant) and blocks on media-engine round trips. Callers must hold
// d.mu.
func (d *Detector) recompute() (changed bool, active []string, cb func([]string)) {
	top := d.topN(d.maxSpeakers)
	if sameMembers(top, d.active) {
		return false, nil, nil
	}

	d.active = top
	return true, top.UnsortedList(), d.onSetChanged
}

// OnSetChanged registers a callback fired once per Report/Remove/Prune
// call that actually changes the active-speaker set, carrying the full
// new set.
func (d *Detector) OnSetChanged(fn func(active []string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSetChanged = fn
}

// topN returns the n most-recently-active producer IDs. Single-pass
// partial selection (O(n·k)) avoids a full sort for the small k this
// system ever sees. Callers must hold d.mu.
func (d *Detector) topN(n int) set.Set[string] {
	type entry struct {
		producerID string
		lastActive time.Time
	}
	all := make([]entry, 0, len(d.lastActive))
	for producerID, seen := range d.lastActive {
		all = append(all, entry{producerID, seen})
	}

	for i := 0; i < len(all) && i < n; i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].lastActive.After(all[maxIdx].lastActive) {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	result := set.New[string]()
	for i := 0; i < len(all) && i < n; i++ {
		result.Insert(all[i].producerID)
	}
	return result
}

// sameMembers reports whether a and b contain exactly the same elements.
func sameMembers(a, b set.Set[string]) bool {
	if a.Len() != b.Len() {
		return false
	}
	for id := range a {
		if !b.Has(id) {
			return false
		}
	}
	return true
}

// Active returns the current active-speaker producer IDs.
func (d *Detector) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active.UnsortedList()
}

// Dominant returns the currently-active producer with the most recent
// lastActiveAt — the producer the latest dominantspeaker event named,
// as long as it's still in the active set. Returns "" if no one is
// active.
func (d *Detector) Dominant() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := ""
	var bestSeen time.Time
	for producerID := range d.active {
		if seen := d.lastActive[producerID]; best == "" || seen.After(bestSeen) {
			best, bestSeen = producerID, seen
		}
	}
	return best
}

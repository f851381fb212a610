package buffer

import (
	"sync"

	"github.com/stratadb/stratadb/core/storage/page"
)

// ClockReplacer approximates LRU with a circular sweep over two bits per
// frame. Pinned frames are skipped outright; an unpinned frame's reference
// bit, set when it is unpinned, buys it exactly one pass of the cursor
// before it becomes a victim.
type ClockReplacer struct {
	mu        sync.Mutex
	pinned    []bool
	ref       []bool
	cursor    int
	size      int
	numFrames int
}

var _ Replacer = (*ClockReplacer)(nil)

// NewClockReplacer builds a CLOCK replacer for a pool of numFrames frames.
// Every frame starts pinned.
func NewClockReplacer(numFrames int) *ClockReplacer {
	pinned := make([]bool, numFrames)
	for i := range pinned {
		pinned[i] = true
	}
	return &ClockReplacer{
		pinned:    pinned,
		ref:       make([]bool, numFrames),
		numFrames: numFrames,
	}
}

// Victim sweeps from the cursor, skipping pinned frames. A frame whose
// reference bit is still set gets its second chance: the bit is cleared
// and the cursor moves on. A frame encountered with the bit already clear
// is evicted.
func (r *ClockReplacer) Victim() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return 0, false
	}
	for {
		for r.pinned[r.cursor] {
			r.cursor = (r.cursor + 1) % r.numFrames
		}
		if !r.ref[r.cursor] {
			r.pinned[r.cursor] = true
			r.size--
			return page.FrameID(r.cursor), true
		}
		r.ref[r.cursor] = false
		r.cursor = (r.cursor + 1) % r.numFrames
	}
}

// Pin marks the frame non-evictable.
func (r *ClockReplacer) Pin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pinned[frameID] {
		return
	}
	r.pinned[frameID] = true
	r.size--
}

// Unpin marks the frame evictable with its reference bit set, granting it
// one sweep of grace before eviction.
func (r *ClockReplacer) Unpin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pinned[frameID] {
		return
	}
	r.pinned[frameID] = false
	r.ref[frameID] = true
	r.size++
}

// Size reports the number of evictable frames.
func (r *ClockReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

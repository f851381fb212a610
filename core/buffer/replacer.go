// Package buffer implements the fixed-size page cache: interchangeable
// frame replacement policies and the buffer pool manager on top of them.
package buffer

import "github.com/stratadb/stratadb/core/storage/page"

// Replacer picks victim frames for eviction. Implementations are internally
// synchronized; all operations are O(1) amortized.
//
// A frame is evictable iff it has been Unpinned and not Pinned since. Pin
// and Unpin are idempotent.
type Replacer interface {
	// Victim removes and returns one currently evictable frame.
	// The second return is false when no frame is evictable.
	Victim() (page.FrameID, bool)
	// Pin marks the frame non-evictable (a caller took a reference).
	Pin(frameID page.FrameID)
	// Unpin marks the frame evictable.
	Unpin(frameID page.FrameID)
	// Size reports the number of currently evictable frames.
	Size() int
}

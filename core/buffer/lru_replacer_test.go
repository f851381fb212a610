package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb/core/storage/page"
)

// TestLRUReplacer_VictimOrder verifies that victims come out in least
// recently unpinned order.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(8)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	frame, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(1), frame)

	frame, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(2), frame)

	frame, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(3), frame)

	_, ok = r.Victim()
	require.False(t, ok)
	require.Equal(t, 0, r.Size())
}

// TestLRUReplacer_PinRemoves verifies that pinning removes a frame from
// the victim set and that pin/unpin are idempotent.
func TestLRUReplacer_PinRemoves(t *testing.T) {
	r := NewLRUReplacer(8)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(2) // repeated unpin keeps position
	require.Equal(t, 2, r.Size())

	r.Pin(1)
	r.Pin(1) // repeated pin is a no-op
	require.Equal(t, 1, r.Size())

	frame, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(2), frame)

	r.Pin(7) // pinning an unknown frame is a no-op
	require.Equal(t, 0, r.Size())
}

// TestLRUReplacer_UnpinKeepsOriginalPosition verifies that re-unpinning a
// frame already in the victim set does not refresh its recency.
func TestLRUReplacer_UnpinKeepsOriginalPosition(t *testing.T) {
	r := NewLRUReplacer(8)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1) // must not move frame 1 to the front

	frame, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(1), frame)
}

package buffer

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb/core/storage/disk"
	"github.com/stratadb/stratadb/core/storage/page"
)

// setupPool creates a buffer pool over a fresh database file in a temp
// directory.
func setupPool(t *testing.T, poolSize int) (*BufferPoolManager, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dm, err := disk.NewFileDiskManager(dbPath, nil)
	require.NoError(t, err)

	bpm := NewBufferPoolManager(poolSize, dm, NewLRUReplacer(poolSize), nil, nil)
	return bpm, dbPath
}

// TestBufferPool_NewPageUntilFull creates pages until the pool is
// exhausted, releases a few and confirms the freed capacity is reusable
// and the original content survives eviction.
func TestBufferPool_NewPageUntilFull(t *testing.T) {
	const poolSize = 10
	bpm, _ := setupPool(t, poolSize)
	defer bpm.Close()

	var ids []page.PageID
	firstContent := []byte("hello, stratadb")

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Data()[:], firstContent)
	ids = append(ids, id)

	for i := 1; i < poolSize; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Every frame is pinned now; the next allocation must fail.
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrNoVictim)

	// Unpin half of them dirty, then allocate fresh pages into the freed
	// frames.
	for i := 0; i < 5; i++ {
		require.True(t, bpm.UnpinPage(ids[i], true))
	}
	for i := 0; i < 4; i++ {
		_, _, err := bpm.NewPage()
		require.NoError(t, err)
	}

	// The first page was evicted and written back; refetching must see the
	// original content.
	pg, err = bpm.FetchPage(ids[0])
	require.NoError(t, err)
	require.Equal(t, firstContent, pg.Data()[:len(firstContent)])
	require.True(t, bpm.UnpinPage(ids[0], false))
}

// TestBufferPool_BinaryRoundTrip writes random binary content (including
// zero bytes), forces the page through eviction and a fresh pool instance,
// and verifies byte-exact recovery.
func TestBufferPool_BinaryRoundTrip(t *testing.T) {
	const poolSize = 4
	bpm, dbPath := setupPool(t, poolSize)

	content := make([]byte, page.PageSize)
	rng := rand.New(rand.NewSource(42))
	rng.Read(content)
	content[page.PageSize/2] = 0
	content[page.PageSize-1] = 0

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Data()[:], content)
	require.True(t, bpm.UnpinPage(id, true))

	// Churn enough pages through the pool to evict it.
	for i := 0; i < poolSize*2; i++ {
		_, churnID, err := bpm.NewPage()
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(churnID, false))
	}

	pg, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, content, pg.Data()[:])
	require.True(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.Close())

	// A brand new pool over the same file must see the same bytes.
	dm, err := disk.NewFileDiskManager(dbPath, nil)
	require.NoError(t, err)
	fresh := NewBufferPoolManager(poolSize, dm, NewLRUReplacer(poolSize), nil, nil)
	defer fresh.Close()

	pg, err = fresh.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, content, pg.Data()[:])
	require.True(t, fresh.UnpinPage(id, false))
}

// TestBufferPool_UnpinIdempotent verifies the unpin contract for unknown
// pages and already-zero pin counts.
func TestBufferPool_UnpinIdempotent(t *testing.T) {
	bpm, _ := setupPool(t, 4)
	defer bpm.Close()

	require.True(t, bpm.UnpinPage(99, false)) // unknown page

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id, false))
	require.True(t, bpm.UnpinPage(id, false)) // already at zero
}

// TestBufferPool_DeletePage verifies deletion rules: pinned pages refuse,
// unpinned pages free their frame, absent pages are idempotent.
func TestBufferPool_DeletePage(t *testing.T) {
	bpm, _ := setupPool(t, 4)
	defer bpm.Close()

	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	ok, err := bpm.DeletePage(id)
	require.NoError(t, err)
	require.False(t, ok, "pinned page must not be deletable")

	require.True(t, bpm.UnpinPage(id, false))
	ok, err = bpm.DeletePage(id)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestBufferPool_FlushPage verifies that flushing persists content without
// waiting for eviction.
func TestBufferPool_FlushPage(t *testing.T) {
	bpm, dbPath := setupPool(t, 4)

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Data()[:], []byte("flushed"))
	require.True(t, bpm.UnpinPage(id, true))

	require.NoError(t, bpm.FlushPage(id))
	require.ErrorIs(t, bpm.FlushPage(page.PageID(1000)), ErrPageNotCached)
	require.NoError(t, bpm.Close())

	dm, err := disk.NewFileDiskManager(dbPath, nil)
	require.NoError(t, err)
	defer dm.Close()

	buf := make([]byte, page.PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	require.Equal(t, []byte("flushed"), buf[:7])
}

// TestBufferPool_PinnedNeverEvicted hammers the pool from several
// goroutines while one page stays pinned, then confirms that page was
// never recycled underneath its holder.
func TestBufferPool_PinnedNeverEvicted(t *testing.T) {
	const poolSize = 8
	bpm, _ := setupPool(t, poolSize)
	defer bpm.Close()

	pinned, pinnedID, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pinned.Data()[:], []byte("do not evict"))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, id, err := bpm.NewPage()
				if err != nil {
					continue // pool momentarily full is fine
				}
				bpm.UnpinPage(id, false)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, pinnedID, pinned.ID(), "pinned frame must keep its tenant")
	require.Equal(t, []byte("do not evict"), pinned.Data()[:12])
	require.True(t, bpm.UnpinPage(pinnedID, false))
}

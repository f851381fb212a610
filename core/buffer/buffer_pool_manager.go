package buffer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	internaltelemetry "github.com/stratadb/stratadb/internal/telemetry"

	"github.com/stratadb/stratadb/core/storage/disk"
	"github.com/stratadb/stratadb/core/storage/page"
)

var (
	// ErrNoVictim means every frame is pinned: no free frame exists and the
	// replacer has nothing evictable.
	ErrNoVictim = errors.New("buffer pool exhausted, all frames pinned")
	// ErrPageNotCached is returned by FlushPage for pages not resident.
	ErrPageNotCached = errors.New("page not resident in buffer pool")
)

// BufferPoolManager maps page ids to in-memory frames and mediates every
// transfer between memory and disk.
//
// One mutex guards the page table, the free list and all frame metadata
// (pin counts, dirty flags). Page content is guarded separately by each
// page's latch. Every frame is in exactly one of three states: on the free
// list, mapped with pin count > 0, or mapped with pin count 0 and evictable
// in the replacer.
type BufferPoolManager struct {
	mu        sync.Mutex
	poolSize  int
	frames    []*page.Page
	pageTable map[page.PageID]page.FrameID
	freeList  []page.FrameID
	replacer  Replacer
	disk      disk.Manager
	logger    *zap.Logger
	metrics   *internaltelemetry.BufferPoolMetrics
}

// NewBufferPoolManager builds a pool of poolSize frames over the given disk
// manager. logger and metrics may be nil.
func NewBufferPoolManager(poolSize int, diskManager disk.Manager, replacer Replacer,
	logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	frames := make([]*page.Page, poolSize)
	freeList := make([]page.FrameID, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = &page.Page{}
		frames[i].Reset()
		freeList = append(freeList, page.FrameID(i))
	}

	return &BufferPoolManager{
		poolSize:  poolSize,
		frames:    frames,
		pageTable: make(map[page.PageID]page.FrameID, poolSize),
		freeList:  freeList,
		replacer:  replacer,
		disk:      diskManager,
		logger:    logger,
		metrics:   metrics,
	}
}

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// FetchPage returns the requested page pinned, reading it from disk on a
// miss. Fails with ErrNoVictim when no frame can be reclaimed.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		frame := bpm.frames[frameID]
		if frame.PinCount() == 0 {
			bpm.replacer.Pin(frameID)
		}
		frame.IncPin()
		bpm.metrics.RecordHit()
		return frame, nil
	}

	frameID, err := bpm.obtainFrameLocked()
	if err != nil {
		return nil, err
	}
	frame := bpm.frames[frameID]

	frame.SetID(pageID)
	frame.SetPinCount(1)
	frame.SetDirty(false)
	if err := bpm.disk.ReadPage(pageID, frame.Data()[:]); err != nil {
		// Put the frame back rather than leak it.
		frame.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("fetching page %d: %w", pageID, err)
	}
	bpm.pageTable[pageID] = frameID
	bpm.metrics.RecordMiss()
	return frame, nil
}

// NewPage allocates a fresh page id from the disk manager, installs it in a
// zeroed frame and returns it pinned.
func (bpm *BufferPoolManager) NewPage() (*page.Page, page.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.obtainFrameLocked()
	if err != nil {
		return nil, page.InvalidPageID, err
	}
	frame := bpm.frames[frameID]

	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		frame.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, page.InvalidPageID, fmt.Errorf("allocating page: %w", err)
	}

	frame.Reset()
	frame.SetID(pageID)
	frame.SetPinCount(1)
	frame.SetDirty(false)
	bpm.pageTable[pageID] = frameID
	return frame, pageID, nil
}

// UnpinPage drops one reference to the page, OR-ing in the dirty flag. The
// call is idempotent: unknown pages and zero pin counts report success.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return true
	}
	frame := bpm.frames[frameID]
	if frame.PinCount() <= 0 {
		return true
	}

	frame.DecPin()
	if frame.PinCount() == 0 {
		bpm.replacer.Unpin(frameID)
	}
	if isDirty {
		frame.SetDirty(true)
	}
	return true
}

// DeletePage evicts the page from the pool and deallocates it on disk.
// Returns false without error when the page is pinned. Absent pages
// deallocate idempotently.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		frame := bpm.frames[frameID]
		if frame.PinCount() > 0 {
			return false, nil
		}
		bpm.replacer.Pin(frameID)
		delete(bpm.pageTable, pageID)
		frame.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
	}

	if err := bpm.disk.DeallocatePage(pageID); err != nil {
		return false, fmt.Errorf("deallocating page %d: %w", pageID, err)
	}
	return true, nil
}

// FlushPage writes the page's content to disk under its read latch and
// clears the dirty flag. Fails with ErrPageNotCached if not resident.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPageNotCached, pageID)
	}
	frame := bpm.frames[frameID]

	frame.RLatch()
	err := bpm.writeFrameLocked(frame, true)
	frame.RUnlatch()
	if err != nil {
		return err
	}
	bpm.metrics.RecordFlush()
	return nil
}

// FlushAllPages flushes every resident page.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	for _, frameID := range bpm.pageTable {
		frame := bpm.frames[frameID]
		frame.RLatch()
		err := bpm.writeFrameLocked(frame, false)
		frame.RUnlatch()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes all pages and closes the disk manager.
func (bpm *BufferPoolManager) Close() error {
	if err := bpm.FlushAllPages(); err != nil {
		return err
	}
	return bpm.disk.Close()
}

// obtainFrameLocked produces an empty frame from the free list or by
// evicting a victim, writing back its content if dirty. The victim needs no
// content latch: pin count 0 plus the held metadata mutex make it
// unreachable from other threads.
func (bpm *BufferPoolManager) obtainFrameLocked() (page.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Victim()
	if !ok {
		bpm.logger.Warn("no evictable frame", zap.Int("poolSize", bpm.poolSize))
		return 0, ErrNoVictim
	}

	victim := bpm.frames[frameID]
	delete(bpm.pageTable, victim.ID())
	if victim.IsDirty() {
		if err := bpm.writeFrameLocked(victim, false); err != nil {
			// The victim stays consistent; re-expose it to the replacer.
			bpm.pageTable[victim.ID()] = frameID
			bpm.replacer.Unpin(frameID)
			return 0, err
		}
		bpm.metrics.RecordWriteback()
	}
	bpm.metrics.RecordEviction()
	victim.Reset()
	return frameID, nil
}

// writeFrameLocked writes a frame's content to disk and clears its dirty
// flag. With force, clean pages are written too.
func (bpm *BufferPoolManager) writeFrameLocked(frame *page.Page, force bool) error {
	if !frame.IsDirty() && !force {
		return nil
	}
	if err := bpm.disk.WritePage(frame.ID(), frame.Data()[:]); err != nil {
		return fmt.Errorf("writing back page %d: %w", frame.ID(), err)
	}
	frame.SetDirty(false)
	return nil
}

// Package disk implements the file-backed disk manager: synchronous
// page-granular reads and writes plus page id allocation.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/stratadb/stratadb/core/storage/page"
)

// --- Error Definitions ---

var (
	// ErrIO wraps any failed read, write or sync against the backing file.
	ErrIO = errors.New("i/o error")
	// ErrInvalidPageID is returned for reads or writes outside the file.
	ErrInvalidPageID = errors.New("invalid page id")
	// ErrBadPageBuffer is returned when the caller's buffer is not page-sized.
	ErrBadPageBuffer = errors.New("page buffer must be exactly one page")
)

// Manager is the contract the buffer pool depends on. Reads and writes are
// synchronous; failures surface wrapped in ErrIO.
type Manager interface {
	ReadPage(pageID page.PageID, buf []byte) error
	WritePage(pageID page.PageID, buf []byte) error
	AllocatePage() (page.PageID, error)
	DeallocatePage(pageID page.PageID) error
	Close() error
}

// FileDiskManager stores pages in a single file as a dense array of
// page.PageSize byte blocks. Page 0 exists from creation so the header
// directory always has a home.
type FileDiskManager struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	nextPage page.PageID
	// freePages holds deallocated ids for LIFO reuse. The list is in-memory
	// only and starts empty on open; persisting it is recovery territory.
	freePages []page.PageID
	logger    *zap.Logger
}

var _ Manager = (*FileDiskManager)(nil)

// NewFileDiskManager opens or creates the database file at filePath. A new
// file is sized to hold the header page; an existing file's page count is
// derived from its size.
func NewFileDiskManager(filePath string, logger *zap.Logger) (*FileDiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
	}

	dm := &FileDiskManager{
		file:     file,
		filePath: filePath,
		logger:   logger,
	}

	numPages := info.Size() / page.PageSize
	if info.Size()%page.PageSize != 0 {
		// A torn trailing page still counts as a page; reads fill its
		// missing tail with zeroes.
		numPages++
	}
	if numPages < 1 {
		// Reserve page 0 for the header directory.
		zero := make([]byte, page.PageSize)
		if _, err := file.WriteAt(zero, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: initializing header page: %v", ErrIO, err)
		}
		numPages = 1
	}
	dm.nextPage = page.PageID(numPages)

	logger.Info("disk manager opened",
		zap.String("path", filePath),
		zap.Int64("pages", int64(numPages)))

	return dm, nil
}

// ReadPage reads a page into buf. Reads past the end of the file return a
// zeroed page: a freshly allocated page has no on-disk image yet.
func (dm *FileDiskManager) ReadPage(pageID page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrBadPageBuffer
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID >= dm.nextPage {
		return fmt.Errorf("%w: %d beyond allocated range", ErrInvalidPageID, pageID)
	}

	offset := int64(pageID) * page.PageSize
	n, err := dm.file.ReadAt(buf, offset)
	if err == io.EOF || (err == nil && n == page.PageSize) || errors.Is(err, io.ErrUnexpectedEOF) {
		// Allocated but never written: the tail of the buffer stays zero.
		for i := n; i < page.PageSize; i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// WritePage writes a full page from buf and syncs the file.
func (dm *FileDiskManager) WritePage(pageID page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrBadPageBuffer
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset := int64(pageID) * page.PageSize
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing after page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// AllocatePage hands out a fresh page id, reusing deallocated ids first.
func (dm *FileDiskManager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if n := len(dm.freePages); n > 0 {
		id := dm.freePages[n-1]
		dm.freePages = dm.freePages[:n-1]
		return id, nil
	}

	id := dm.nextPage
	dm.nextPage++
	return id, nil
}

// DeallocatePage returns a page id to the free list. The header page is
// never deallocated.
func (dm *FileDiskManager) DeallocatePage(pageID page.PageID) error {
	if pageID <= page.HeaderPageID {
		return fmt.Errorf("%w: cannot deallocate page %d", ErrInvalidPageID, pageID)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID >= dm.nextPage {
		return fmt.Errorf("%w: %d was never allocated", ErrInvalidPageID, pageID)
	}
	for _, free := range dm.freePages {
		if free == pageID {
			return nil
		}
	}
	dm.freePages = append(dm.freePages, pageID)
	return nil
}

// NumPages reports how many page ids have been handed out, including the
// header page.
func (dm *FileDiskManager) NumPages() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return int64(dm.nextPage)
}

// Close syncs and closes the backing file.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.file.Close()
		dm.file = nil
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, dm.filePath, err)
	}
	if err := dm.file.Close(); err != nil {
		dm.file = nil
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = nil
	dm.logger.Info("disk manager closed", zap.String("path", dm.filePath))
	return nil
}

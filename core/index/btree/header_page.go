package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/stratadb/stratadb/core/storage/page"
)

// Page 0 is a directory mapping index names to root page ids so an index
// can be reopened by name. Layout: a record count followed by fixed-width
// records of a zero-padded name and a root page id.
const (
	// MaxIndexNameLen bounds the index names stored in the directory.
	MaxIndexNameLen = 32

	headerRecordWidth = MaxIndexNameLen + 4
	maxHeaderRecords  = (page.PageSize - 4) / headerRecordWidth
)

// headerPage is a view over the page-0 directory.
type headerPage struct {
	pg *page.Page
}

func asHeader(pg *page.Page) headerPage { return headerPage{pg: pg} }

func (h headerPage) recordCount() int32 {
	return int32(binary.LittleEndian.Uint32(h.pg.Data()[0:]))
}

func (h headerPage) setRecordCount(n int32) {
	binary.LittleEndian.PutUint32(h.pg.Data()[0:], uint32(n))
}

func (h headerPage) record(i int32) []byte {
	off := 4 + int(i)*headerRecordWidth
	return h.pg.Data()[off : off+headerRecordWidth]
}

func (h headerPage) recordName(i int32) string {
	name := h.record(i)[:MaxIndexNameLen]
	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	return string(name)
}

func (h headerPage) findRecord(name string) int32 {
	for i := int32(0); i < h.recordCount(); i++ {
		if h.recordName(i) == name {
			return i
		}
	}
	return -1
}

// GetRootPageID looks a name up in the directory.
func (h headerPage) GetRootPageID(name string) (page.PageID, bool) {
	i := h.findRecord(name)
	if i < 0 {
		return page.InvalidPageID, false
	}
	return getPageID(h.record(i)[MaxIndexNameLen:]), true
}

// InsertRecord adds a (name, rootPageID) record. Fails when the directory
// is full, the name is over-long, or the name already exists.
func (h headerPage) InsertRecord(name string, rootPageID page.PageID) bool {
	if len(name) == 0 || len(name) > MaxIndexNameLen {
		return false
	}
	if h.recordCount() >= maxHeaderRecords {
		return false
	}
	if h.findRecord(name) >= 0 {
		return false
	}

	i := h.recordCount()
	rec := h.record(i)
	for j := range rec[:MaxIndexNameLen] {
		rec[j] = 0
	}
	copy(rec, name)
	putPageID(rec[MaxIndexNameLen:], rootPageID)
	h.setRecordCount(i + 1)
	return true
}

// UpdateRecord rewrites the root page id under an existing name.
func (h headerPage) UpdateRecord(name string, rootPageID page.PageID) bool {
	i := h.findRecord(name)
	if i < 0 {
		return false
	}
	putPageID(h.record(i)[MaxIndexNameLen:], rootPageID)
	return true
}

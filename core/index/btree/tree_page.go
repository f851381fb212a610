package btree

import (
	"encoding/binary"

	"github.com/stratadb/stratadb/core/storage/page"
)

// On-page layout. All tree pages share a packed little-endian header:
//
//	offset 0  page type   (1 byte)
//	offset 1  size        (4 bytes)
//	offset 5  max size    (4 bytes)
//	offset 9  parent id   (4 bytes)
//	offset 13 page id     (4 bytes)
//
// Leaves append a next-leaf pointer (4 bytes) before their entry array;
// internal pages start their entry array right after the common header,
// with the slot-0 key acting as negative infinity.
const (
	offPageType   = 0
	offSize       = 1
	offMaxSize    = 5
	offParentID   = 9
	offPageID     = 13
	commonHeader  = 17
	offNextPageID = 17
	leafHeader    = 21
)

const (
	pageTypeInvalid  = 0
	pageTypeLeaf     = 1
	pageTypeInternal = 2
)

// ridWidth is the packed size of a RID value: page id plus slot number.
const ridWidth = 8

// nodePage is the untyped header view shared by leaf and internal pages.
type nodePage struct {
	pg *page.Page
}

func asNode(pg *page.Page) nodePage { return nodePage{pg: pg} }

func (n nodePage) data() *[page.PageSize]byte { return n.pg.Data() }

func (n nodePage) PageType() byte     { return n.data()[offPageType] }
func (n nodePage) SetPageType(t byte) { n.data()[offPageType] = t }
func (n nodePage) IsLeaf() bool       { return n.PageType() == pageTypeLeaf }
func (n nodePage) IsRoot() bool       { return n.ParentPageID() == page.InvalidPageID }

func (n nodePage) Size() int32 {
	return int32(binary.LittleEndian.Uint32(n.data()[offSize:]))
}

func (n nodePage) SetSize(size int32) {
	binary.LittleEndian.PutUint32(n.data()[offSize:], uint32(size))
}

func (n nodePage) IncSize(delta int32) { n.SetSize(n.Size() + delta) }

func (n nodePage) MaxSize() int32 {
	return int32(binary.LittleEndian.Uint32(n.data()[offMaxSize:]))
}

func (n nodePage) SetMaxSize(size int32) {
	binary.LittleEndian.PutUint32(n.data()[offMaxSize:], uint32(size))
}

// MinSize is the smallest legal size for a non-root page: a leaf may hold
// down to half its capacity, an internal page down to half its children
// rounded up.
func (n nodePage) MinSize() int32 {
	if n.IsLeaf() {
		return n.MaxSize() / 2
	}
	return (n.MaxSize() + 1) / 2
}

func (n nodePage) ParentPageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data()[offParentID:]))
}

func (n nodePage) SetParentPageID(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[offParentID:], uint32(id))
}

func (n nodePage) PageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data()[offPageID:]))
}

func (n nodePage) SetPageID(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[offPageID:], uint32(id))
}

func putRID(buf []byte, rid page.RID) {
	binary.LittleEndian.PutUint32(buf, uint32(rid.PageID))
	binary.LittleEndian.PutUint32(buf[4:], rid.SlotNum)
}

func getRID(buf []byte) page.RID {
	return page.RID{
		PageID:  page.PageID(binary.LittleEndian.Uint32(buf)),
		SlotNum: binary.LittleEndian.Uint32(buf[4:]),
	}
}

func putPageID(buf []byte, id page.PageID) {
	binary.LittleEndian.PutUint32(buf, uint32(id))
}

func getPageID(buf []byte) page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(buf))
}

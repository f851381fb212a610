package page

import "fmt"

// RID is a record identifier: the page holding the record and the slot
// within that page. RIDs are comparable and usable as map keys.
type RID struct {
	PageID  PageID
	SlotNum uint32
}

// NewRID builds a record identifier from its parts.
func NewRID(pageID PageID, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

// Less orders RIDs first by page, then by slot.
func (r RID) Less(other RID) bool {
	if r.PageID != other.PageID {
		return r.PageID < other.PageID
	}
	return r.SlotNum < other.SlotNum
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}

package btree

import "github.com/stratadb/stratadb/core/storage/page"

// leafNode is a typed view over a leaf page: a sorted array of (key, RID)
// entries plus the next-leaf link. Mutations require the page's write
// latch; the view itself carries no state beyond the page pointer.
type leafNode[K any] struct {
	nodePage
	tree *BPlusTree[K]
}

func (t *BPlusTree[K]) leaf(pg *page.Page) leafNode[K] {
	return leafNode[K]{nodePage: asNode(pg), tree: t}
}

// Init formats the page as an empty leaf.
func (n leafNode[K]) Init(id, parent page.PageID, maxSize int32) {
	n.SetPageType(pageTypeLeaf)
	n.SetSize(0)
	n.SetMaxSize(maxSize)
	n.SetParentPageID(parent)
	n.SetPageID(id)
	n.SetNextPageID(page.InvalidPageID)
}

func (n leafNode[K]) entryWidth() int { return n.tree.codec.Width() + ridWidth }

func (n leafNode[K]) entry(i int32) []byte {
	off := leafHeader + int(i)*n.entryWidth()
	return n.data()[off : off+n.entryWidth()]
}

// KeyAt returns the key stored at slot i.
func (n leafNode[K]) KeyAt(i int32) K {
	return n.tree.codec.Decode(n.entry(i))
}

// ValueAt returns the RID stored at slot i.
func (n leafNode[K]) ValueAt(i int32) page.RID {
	return getRID(n.entry(i)[n.tree.codec.Width():])
}

func (n leafNode[K]) setEntry(i int32, key K, rid page.RID) {
	e := n.entry(i)
	n.tree.codec.Encode(key, e[:n.tree.codec.Width()])
	putRID(e[n.tree.codec.Width():], rid)
}

// NextPageID returns the id of the next leaf in key order.
func (n leafNode[K]) NextPageID() page.PageID {
	return getPageID(n.data()[offNextPageID:])
}

// SetNextPageID updates the leaf chain link.
func (n leafNode[K]) SetNextPageID(id page.PageID) {
	putPageID(n.data()[offNextPageID:], id)
}

// KeyIndex returns the position of the smallest key >= key, or Size when
// every key is smaller. Used both for lookups and as insertion point.
func (n leafNode[K]) KeyIndex(key K) int32 {
	lo, hi := int32(0), n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.tree.order(n.KeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup finds the RID stored under key.
func (n leafNode[K]) Lookup(key K) (page.RID, bool) {
	idx := n.KeyIndex(key)
	if idx < n.Size() && n.tree.order(n.KeyAt(idx), key) == 0 {
		return n.ValueAt(idx), true
	}
	return page.RID{}, false
}

// Insert places (key, rid) at its sorted position and returns the new
// size. A duplicate key leaves the page untouched and returns the old
// size.
func (n leafNode[K]) Insert(key K, rid page.RID) int32 {
	size := n.Size()
	idx := n.KeyIndex(key)
	if idx < size && n.tree.order(n.KeyAt(idx), key) == 0 {
		return size
	}
	n.shiftRight(idx)
	n.setEntry(idx, key, rid)
	n.IncSize(1)
	return size + 1
}

// Remove deletes key's entry if present and returns the new size.
func (n leafNode[K]) Remove(key K) int32 {
	size := n.Size()
	idx := n.KeyIndex(key)
	if idx >= size || n.tree.order(n.KeyAt(idx), key) != 0 {
		return size
	}
	n.shiftLeft(idx)
	n.IncSize(-1)
	return size - 1
}

// shiftRight opens a hole at slot idx.
func (n leafNode[K]) shiftRight(idx int32) {
	w := n.entryWidth()
	start := leafHeader + int(idx)*w
	end := leafHeader + int(n.Size())*w
	copy(n.data()[start+w:end+w], n.data()[start:end])
}

// shiftLeft closes the hole at slot idx.
func (n leafNode[K]) shiftLeft(idx int32) {
	w := n.entryWidth()
	start := leafHeader + int(idx)*w
	end := leafHeader + int(n.Size())*w
	copy(n.data()[start:end-w], n.data()[start+w:end])
}

// MoveHalfTo moves the upper half of this leaf's entries to an empty
// recipient. The caller splices the leaf chain.
func (n leafNode[K]) MoveHalfTo(recipient leafNode[K]) {
	size := n.Size()
	keep := size / 2
	w := n.entryWidth()
	src := n.data()[leafHeader+int(keep)*w : leafHeader+int(size)*w]
	copy(recipient.data()[leafHeader:], src)
	recipient.SetSize(size - keep)
	n.SetSize(keep)
}

// MoveAllTo appends every entry to the recipient and takes this leaf out
// of the chain.
func (n leafNode[K]) MoveAllTo(recipient leafNode[K]) {
	size, rsize := n.Size(), recipient.Size()
	w := n.entryWidth()
	src := n.data()[leafHeader : leafHeader+int(size)*w]
	copy(recipient.data()[leafHeader+int(rsize)*w:], src)
	recipient.SetSize(rsize + size)
	recipient.SetNextPageID(n.NextPageID())
	n.SetSize(0)
}

// MoveFirstToEndOf shifts this leaf's first entry onto the recipient's
// tail. Used when redistributing from the right sibling.
func (n leafNode[K]) MoveFirstToEndOf(recipient leafNode[K]) {
	key, rid := n.KeyAt(0), n.ValueAt(0)
	n.shiftLeft(0)
	n.IncSize(-1)
	recipient.setEntry(recipient.Size(), key, rid)
	recipient.IncSize(1)
}

// MoveLastToFrontOf shifts this leaf's last entry onto the recipient's
// head. Used when redistributing from the left sibling.
func (n leafNode[K]) MoveLastToFrontOf(recipient leafNode[K]) {
	last := n.Size() - 1
	key, rid := n.KeyAt(last), n.ValueAt(last)
	n.IncSize(-1)
	recipient.shiftRight(0)
	recipient.setEntry(0, key, rid)
	recipient.IncSize(1)
}

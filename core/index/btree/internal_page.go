package btree

import (
	"fmt"

	"github.com/stratadb/stratadb/core/storage/page"
)

// internalNode is a typed view over an internal page: a sorted array of
// (key, child-page-id) entries. The slot-0 key is kept as a copy of the
// subtree's lower bound so merges and redistributions can promote it; the
// Lookup path still treats it as negative infinity.
type internalNode[K any] struct {
	nodePage
	tree *BPlusTree[K]
}

func (t *BPlusTree[K]) internal(pg *page.Page) internalNode[K] {
	return internalNode[K]{nodePage: asNode(pg), tree: t}
}

// Init formats the page as an empty internal node.
func (n internalNode[K]) Init(id, parent page.PageID, maxSize int32) {
	n.SetPageType(pageTypeInternal)
	n.SetSize(0)
	n.SetMaxSize(maxSize)
	n.SetParentPageID(parent)
	n.SetPageID(id)
}

func (n internalNode[K]) entryWidth() int { return n.tree.codec.Width() + 4 }

func (n internalNode[K]) entry(i int32) []byte {
	off := commonHeader + int(i)*n.entryWidth()
	return n.data()[off : off+n.entryWidth()]
}

// KeyAt returns the separator key at slot i. Slot 0 is only meaningful as
// a promoted lower bound.
func (n internalNode[K]) KeyAt(i int32) K {
	return n.tree.codec.Decode(n.entry(i))
}

// SetKeyAt overwrites the separator key at slot i.
func (n internalNode[K]) SetKeyAt(i int32, key K) {
	n.tree.codec.Encode(key, n.entry(i)[:n.tree.codec.Width()])
}

// ValueAt returns the child page id at slot i.
func (n internalNode[K]) ValueAt(i int32) page.PageID {
	return getPageID(n.entry(i)[n.tree.codec.Width():])
}

// SetValueAt overwrites the child page id at slot i.
func (n internalNode[K]) SetValueAt(i int32, id page.PageID) {
	putPageID(n.entry(i)[n.tree.codec.Width():], id)
}

// ValueIndex returns the slot holding the given child id, or Size when the
// child is not referenced here.
func (n internalNode[K]) ValueIndex(id page.PageID) int32 {
	for i := int32(0); i < n.Size(); i++ {
		if n.ValueAt(i) == id {
			return i
		}
	}
	return n.Size()
}

// Lookup returns the child whose subtree may contain key: the largest slot
// i with key[i] <= key, treating slot 0 as negative infinity.
func (n internalNode[K]) Lookup(key K) page.PageID {
	if n.Size() <= 1 || n.tree.order(key, n.KeyAt(1)) < 0 {
		return n.ValueAt(0)
	}
	lo, hi := int32(1), n.Size()-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if n.tree.order(key, n.KeyAt(mid)) < 0 {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return n.ValueAt(lo)
}

// PopulateNewRoot seeds a fresh root with two children around one
// separator.
func (n internalNode[K]) PopulateNewRoot(left page.PageID, key K, right page.PageID) {
	n.SetValueAt(0, left)
	n.SetKeyAt(1, key)
	n.SetValueAt(1, right)
	n.SetSize(2)
}

// InsertNodeAfter places (key, newChild) immediately after the slot whose
// value is oldChild, returning the new size.
func (n internalNode[K]) InsertNodeAfter(oldChild page.PageID, key K, newChild page.PageID) int32 {
	idx := n.ValueIndex(oldChild)
	if idx == n.Size() {
		return n.Size()
	}
	n.shiftRight(idx + 1)
	n.IncSize(1)
	n.SetKeyAt(idx+1, key)
	n.SetValueAt(idx+1, newChild)
	return n.Size()
}

// Remove deletes the entry at slot idx, keeping the array dense.
func (n internalNode[K]) Remove(idx int32) {
	n.shiftLeft(idx)
	n.IncSize(-1)
}

// RemoveAndReturnOnlyChild collapses a root that is down to one child.
func (n internalNode[K]) RemoveAndReturnOnlyChild() page.PageID {
	if n.Size() != 1 {
		panic(fmt.Sprintf("internal page %d has %d children, expected 1", n.PageID(), n.Size()))
	}
	child := n.ValueAt(0)
	n.SetSize(0)
	return child
}

func (n internalNode[K]) shiftRight(idx int32) {
	w := n.entryWidth()
	start := commonHeader + int(idx)*w
	end := commonHeader + int(n.Size())*w
	copy(n.data()[start+w:end+w], n.data()[start:end])
}

func (n internalNode[K]) shiftLeft(idx int32) {
	w := n.entryWidth()
	start := commonHeader + int(idx)*w
	end := commonHeader + int(n.Size())*w
	copy(n.data()[start:end-w], n.data()[start+w:end])
}

// adopt points a child's parent reference at this page. No latch is taken:
// the child's parent field is only ever touched by the thread holding its
// parent's write latch.
func (n internalNode[K]) adopt(childID page.PageID) error {
	childPg, err := n.tree.bpm.FetchPage(childID)
	if err != nil {
		return fmt.Errorf("adopting child %d: %w", childID, err)
	}
	asNode(childPg).SetParentPageID(n.PageID())
	n.tree.bpm.UnpinPage(childID, true)
	return nil
}

// MoveHalfTo moves the upper half of this page's entries to an empty
// recipient and adopts the moved children.
func (n internalNode[K]) MoveHalfTo(recipient internalNode[K]) error {
	size := n.Size()
	keep := size / 2
	w := n.entryWidth()
	src := n.data()[commonHeader+int(keep)*w : commonHeader+int(size)*w]
	copy(recipient.data()[commonHeader:], src)
	recipient.SetSize(size - keep)
	n.SetSize(keep)

	for i := int32(0); i < recipient.Size(); i++ {
		if err := recipient.adopt(recipient.ValueAt(i)); err != nil {
			return err
		}
	}
	return nil
}

// MoveAllTo merges this page into the recipient. middleKey is the parent
// separator between the two; it lands in this page's slot-0 key so the
// merged array stays ordered.
func (n internalNode[K]) MoveAllTo(recipient internalNode[K], middleKey K) error {
	n.SetKeyAt(0, middleKey)
	size, rsize := n.Size(), recipient.Size()
	w := n.entryWidth()
	src := n.data()[commonHeader : commonHeader+int(size)*w]
	copy(recipient.data()[commonHeader+int(rsize)*w:], src)
	recipient.SetSize(rsize + size)
	n.SetSize(0)

	for i := rsize; i < recipient.Size(); i++ {
		if err := recipient.adopt(recipient.ValueAt(i)); err != nil {
			return err
		}
	}
	return nil
}

// MoveFirstToEndOf shifts this page's first child onto the recipient's
// tail, keyed by the parent separator middleKey.
func (n internalNode[K]) MoveFirstToEndOf(recipient internalNode[K], middleKey K) error {
	child := n.ValueAt(0)
	n.shiftLeft(0)
	n.IncSize(-1)

	last := recipient.Size()
	recipient.IncSize(1)
	recipient.SetKeyAt(last, middleKey)
	recipient.SetValueAt(last, child)
	return recipient.adopt(child)
}

// MoveLastToFrontOf shifts this page's last child onto the recipient's
// head. The moved key becomes the recipient's new slot-0 lower bound; the
// old slot-0 key shifts up to slot 1 where it separates the moved child
// from the previous first child.
func (n internalNode[K]) MoveLastToFrontOf(recipient internalNode[K]) error {
	last := n.Size() - 1
	key, child := n.KeyAt(last), n.ValueAt(last)
	n.IncSize(-1)

	recipient.shiftRight(0)
	recipient.IncSize(1)
	recipient.SetKeyAt(0, key)
	recipient.SetValueAt(0, child)
	return recipient.adopt(child)
}

package btree

import (
	"fmt"

	"github.com/stratadb/stratadb/core/storage/page"
)

// Iterator walks (key, RID) pairs in ascending key order. It holds a read
// latch and a pin on exactly one leaf at a time; advancing to the next
// leaf latches it before the current one is released, so a concurrent
// writer can never slip between the two. Close must be called unless the
// iterator already ran off the end.
type Iterator[K any] struct {
	tree *BPlusTree[K]
	pg   *page.Page
	idx  int32
}

// Begin positions an iterator at the smallest key in the tree.
func (t *BPlusTree[K]) Begin() (*Iterator[K], error) {
	if t.IsEmpty() {
		return &Iterator[K]{tree: t}, nil
	}

	d := newDescent()
	pg, err := t.findLeaf(nil, true, modeRead, d)
	if err != nil {
		return nil, err
	}
	d.forget() // the iterator owns the leaf latch and pin now

	it := &Iterator[K]{tree: t, pg: pg}
	return it, it.skipEmpty()
}

// BeginAt positions an iterator at the smallest key >= key.
func (t *BPlusTree[K]) BeginAt(key K) (*Iterator[K], error) {
	if t.IsEmpty() {
		return &Iterator[K]{tree: t}, nil
	}

	d := newDescent()
	pg, err := t.findLeaf(&key, false, modeRead, d)
	if err != nil {
		return nil, err
	}
	d.forget()

	it := &Iterator[K]{tree: t, pg: pg, idx: t.leaf(pg).KeyIndex(key)}
	return it, it.skipEmpty()
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator[K]) Valid() bool { return it.pg != nil }

// Key returns the key under the iterator. Only legal while Valid.
func (it *Iterator[K]) Key() K {
	return it.tree.leaf(it.pg).KeyAt(it.idx)
}

// Value returns the RID under the iterator. Only legal while Valid.
func (it *Iterator[K]) Value() page.RID {
	return it.tree.leaf(it.pg).ValueAt(it.idx)
}

// Next advances one entry, hopping to the next leaf when the current one
// is exhausted. Past the last entry the iterator becomes invalid.
func (it *Iterator[K]) Next() error {
	if it.pg == nil {
		return nil
	}
	it.idx++
	return it.skipEmpty()
}

// skipEmpty walks forward until the position lands on an entry or the
// chain ends. Handles both exhausted leaves and leaves emptied by
// concurrent deletes.
func (it *Iterator[K]) skipEmpty() error {
	for {
		leaf := it.tree.leaf(it.pg)
		if it.idx < leaf.Size() {
			return nil
		}

		nextID := leaf.NextPageID()
		if nextID == page.InvalidPageID {
			it.Close()
			return nil
		}

		nextPg, err := it.tree.bpm.FetchPage(nextID)
		if err != nil {
			it.Close()
			return fmt.Errorf("advancing to leaf %d: %w", nextID, err)
		}
		// Latch the successor before letting go of the predecessor to keep
		// the traversal ordered against writers.
		nextPg.RLatch()
		it.pg.RUnlatch()
		it.tree.bpm.UnpinPage(it.pg.ID(), false)

		it.pg = nextPg
		it.idx = 0
	}
}

// Close releases the held leaf, if any. Safe to call repeatedly.
func (it *Iterator[K]) Close() {
	if it.pg == nil {
		return
	}
	it.pg.RUnlatch()
	it.tree.bpm.UnpinPage(it.pg.ID(), false)
	it.pg = nil
	it.idx = 0
}

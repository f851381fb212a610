package btree

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	internaltelemetry "github.com/stratadb/stratadb/internal/telemetry"

	"github.com/stratadb/stratadb/core/buffer"
	"github.com/stratadb/stratadb/core/storage/page"
)

var (
	// ErrInvalidIndexName is returned for empty or over-long index names.
	ErrInvalidIndexName = errors.New("invalid index name")
	// ErrInvalidFanout is returned when a page cannot hold the requested
	// number of entries.
	ErrInvalidFanout = errors.New("page fanout out of range")
	// ErrHeaderDirectoryFull is returned when page 0 cannot take another
	// index record.
	ErrHeaderDirectoryFull = errors.New("header directory full")
)

// latchMode drives how a root-to-leaf descent latches pages and when it
// may release ancestors.
type latchMode int

const (
	// modeRead latches everything shared and releases parents eagerly.
	modeRead latchMode = iota
	// modeUpdate latches internals shared and the leaf exclusive; the
	// optimistic first pass of inserts and deletes.
	modeUpdate
	// modeInsert latches everything exclusive, releasing ancestors only
	// when the current page cannot split.
	modeInsert
	// modeDelete latches everything exclusive, releasing ancestors only
	// when the current page cannot underflow.
	modeDelete
)

// latchRecord remembers one held page latch.
type latchRecord struct {
	pg      *page.Page
	isWrite bool
}

func (r latchRecord) latch() {
	if r.isWrite {
		r.pg.WLatch()
	} else {
		r.pg.RLatch()
	}
}

func (r latchRecord) unlatch() {
	if r.isWrite {
		r.pg.WUnlatch()
	} else {
		r.pg.RUnlatch()
	}
}

// descent is the per-operation latch registry: held latches in acquisition
// order plus the pages staged for deletion. A descent is confined to the
// goroutine that created it.
type descent struct {
	records   []latchRecord
	index     map[page.PageID]int
	discarded []page.PageID
}

func newDescent() *descent {
	return &descent{index: make(map[page.PageID]int)}
}

func (d *descent) add(pg *page.Page, isWrite bool) {
	d.index[pg.ID()] = len(d.records)
	d.records = append(d.records, latchRecord{pg: pg, isWrite: isWrite})
}

// get returns the held page for id, or nil when not registered.
func (d *descent) get(id page.PageID) *page.Page {
	i, ok := d.index[id]
	if !ok {
		return nil
	}
	return d.records[i].pg
}

// releaseAll unlatches and unpins every registered page in acquisition
// order. Write-latched pages are unpinned dirty when dirty is set.
func (d *descent) releaseAll(bpm *buffer.BufferPoolManager, dirty bool) {
	for _, rec := range d.records {
		id := rec.pg.ID()
		rec.unlatch()
		bpm.UnpinPage(id, dirty && rec.isWrite)
	}
	d.records = d.records[:0]
	clear(d.index)
}

// forget drops the registry without touching latches or pins; the caller
// has taken ownership of them.
func (d *descent) forget() {
	d.records = d.records[:0]
	clear(d.index)
}

// BPlusTree is a disk-backed B+ tree over fixed-width keys with RID
// values. Keys are unique. All operations are safe for concurrent use;
// descents use latch crabbing so only a bounded chain of page latches is
// held at once.
type BPlusTree[K any] struct {
	name  string
	bpm   *buffer.BufferPoolManager
	codec KeyCodec[K]
	order Order[K]

	leafMaxSize     int32
	internalMaxSize int32

	// root holds the current root page id. Readers load it atomically and
	// restart their descent if the loaded page stops being the root.
	root atomic.Int32

	logger  *zap.Logger
	metrics *internaltelemetry.IndexMetrics
}

// New opens (or lazily creates) the index called name on top of bpm. Zero
// fanouts derive the largest values the page size allows. logger and
// metrics may be nil.
func New[K any](name string, bpm *buffer.BufferPoolManager, codec KeyCodec[K], order Order[K],
	leafMaxSize, internalMaxSize int32,
	logger *zap.Logger, metrics *internaltelemetry.IndexMetrics) (*BPlusTree[K], error) {
	if len(name) == 0 || len(name) > MaxIndexNameLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIndexName, name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// One slot beyond max size is kept free on every page: a page holds
	// max+1 entries for the instant between the overflowing insert and the
	// split that follows it.
	width := codec.Width()
	if leafMaxSize == 0 {
		leafMaxSize = int32((page.PageSize-leafHeader)/(width+ridWidth)) - 1
	}
	if internalMaxSize == 0 {
		internalMaxSize = int32((page.PageSize-commonHeader)/(width+4)) - 1
	}
	if leafMaxSize < 3 || int(leafMaxSize+1)*(width+ridWidth) > page.PageSize-leafHeader {
		return nil, fmt.Errorf("%w: leaf max size %d", ErrInvalidFanout, leafMaxSize)
	}
	if internalMaxSize < 3 || int(internalMaxSize+1)*(width+4) > page.PageSize-commonHeader {
		return nil, fmt.Errorf("%w: internal max size %d", ErrInvalidFanout, internalMaxSize)
	}

	t := &BPlusTree[K]{
		name:            name,
		bpm:             bpm,
		codec:           codec,
		order:           order,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		logger:          logger,
		metrics:         metrics,
	}
	t.root.Store(int32(page.InvalidPageID))

	// Reopen by name if the header directory already knows this index.
	headerPg, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("opening index %q: %w", name, err)
	}
	headerPg.RLatch()
	if rootID, ok := asHeader(headerPg).GetRootPageID(name); ok {
		t.root.Store(int32(rootID))
	}
	headerPg.RUnlatch()
	bpm.UnpinPage(page.HeaderPageID, false)

	logger.Info("index opened",
		zap.String("index", name),
		zap.Int32("rootPageID", t.root.Load()),
		zap.Int32("leafMaxSize", leafMaxSize),
		zap.Int32("internalMaxSize", internalMaxSize))

	return t, nil
}

// rootPageID loads the published root id.
func (t *BPlusTree[K]) rootPageID() page.PageID {
	return page.PageID(t.root.Load())
}

// IsEmpty reports whether the tree has no pages at all.
func (t *BPlusTree[K]) IsEmpty() bool {
	return t.rootPageID() == page.InvalidPageID
}

// GetValue performs a point lookup.
func (t *BPlusTree[K]) GetValue(key K) (page.RID, bool, error) {
	t.metrics.RecordLookup()
	if t.IsEmpty() {
		return page.RID{}, false, nil
	}

	d := newDescent()
	pg, err := t.findLeaf(&key, false, modeRead, d)
	if err != nil {
		return page.RID{}, false, err
	}
	rid, ok := t.leaf(pg).Lookup(key)
	d.releaseAll(t.bpm, false)
	return rid, ok, nil
}

// Insert adds (key, rid). Returns false without error when key already
// exists.
func (t *BPlusTree[K]) Insert(key K, rid page.RID) (bool, error) {
	if t.IsEmpty() {
		created, err := t.startNewTree(key, rid)
		if err != nil {
			return false, err
		}
		if created {
			t.metrics.RecordInsert()
			return true, nil
		}
		// Lost the race for the first root; fall through to a normal
		// descent against the winner's tree.
	}

	inserted, err := t.insertIntoLeaf(key, rid)
	if err != nil {
		return false, err
	}
	if inserted {
		t.metrics.RecordInsert()
	}
	return inserted, nil
}

// startNewTree tries to install a single-leaf root holding (key, rid).
// Returns false when another thread published a root first.
func (t *BPlusTree[K]) startNewTree(key K, rid page.RID) (bool, error) {
	pg, id, err := t.bpm.NewPage()
	if err != nil {
		return false, fmt.Errorf("starting new tree: %w", err)
	}
	pg.WLatch()

	if !t.root.CompareAndSwap(int32(page.InvalidPageID), int32(id)) {
		pg.WUnlatch()
		t.bpm.UnpinPage(id, false)
		if _, err := t.bpm.DeletePage(id); err != nil {
			return false, fmt.Errorf("discarding raced root page %d: %w", id, err)
		}
		return false, nil
	}

	if err := t.updateRootPageID(true); err != nil {
		pg.WUnlatch()
		t.bpm.UnpinPage(id, false)
		return false, err
	}

	leaf := t.leaf(pg)
	leaf.Init(id, page.InvalidPageID, t.leafMaxSize)
	leaf.Insert(key, rid)

	pg.WUnlatch()
	t.bpm.UnpinPage(id, true)

	t.logger.Debug("new tree started", zap.String("index", t.name), zap.Int32("rootPageID", int32(id)))
	return true, nil
}

// insertIntoLeaf descends optimistically, falling back to a full
// write-latched descent when the leaf may split.
func (t *BPlusTree[K]) insertIntoLeaf(key K, rid page.RID) (bool, error) {
	// -1: needs the pessimistic path; 0: duplicate; 1: inserted.
	try := func(d *descent, leaf leafNode[K]) int {
		size := leaf.Size()
		if size < leaf.MaxSize()-1 {
			if leaf.Insert(key, rid) > size {
				d.releaseAll(t.bpm, true)
				return 1
			}
			d.releaseAll(t.bpm, false)
			return 0
		}
		if idx := leaf.KeyIndex(key); idx < size && t.order(leaf.KeyAt(idx), key) == 0 {
			d.releaseAll(t.bpm, false)
			return 0
		}
		return -1
	}

	d := newDescent()
	pg, err := t.findLeaf(&key, false, modeUpdate, d)
	if err != nil {
		return false, err
	}
	if ret := try(d, t.leaf(pg)); ret >= 0 {
		return ret == 1, nil
	}

	// The leaf may split: release everything and redo the descent with
	// write latches held down the unsafe path.
	d.releaseAll(t.bpm, false)
	t.metrics.RecordRestart()

	pg, err = t.findLeaf(&key, false, modeInsert, d)
	if err != nil {
		return false, err
	}
	leaf := t.leaf(pg)
	if ret := try(d, leaf); ret >= 0 {
		return ret == 1, nil
	}

	leaf.Insert(key, rid)
	newPg, err := t.splitLeaf(leaf)
	if err != nil {
		d.releaseAll(t.bpm, true)
		return false, err
	}
	newLeaf := t.leaf(newPg)

	err = t.insertIntoParent(leaf.nodePage, newLeaf.KeyAt(0), newPg, d)
	newPg.WUnlatch()
	t.bpm.UnpinPage(newLeaf.PageID(), true)
	d.releaseAll(t.bpm, true)
	return err == nil, err
}

// splitLeaf allocates a sibling, moves the upper half of node's entries
// into it and splices it into the leaf chain. The sibling is returned
// write-latched and pinned.
func (t *BPlusTree[K]) splitLeaf(node leafNode[K]) (*page.Page, error) {
	pg, id, err := t.bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("splitting leaf %d: %w", node.PageID(), err)
	}
	pg.WLatch()

	sibling := t.leaf(pg)
	sibling.Init(id, node.ParentPageID(), node.MaxSize())
	node.MoveHalfTo(sibling)
	sibling.SetNextPageID(node.NextPageID())
	node.SetNextPageID(id)

	t.metrics.RecordSplit()
	return pg, nil
}

// splitInternal allocates a sibling and moves the upper half of node's
// children into it. The sibling is returned write-latched and pinned.
func (t *BPlusTree[K]) splitInternal(node internalNode[K]) (*page.Page, error) {
	pg, id, err := t.bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("splitting internal %d: %w", node.PageID(), err)
	}
	pg.WLatch()

	sibling := t.internal(pg)
	sibling.Init(id, node.ParentPageID(), node.MaxSize())
	if err := node.MoveHalfTo(sibling); err != nil {
		pg.WUnlatch()
		t.bpm.UnpinPage(id, true)
		return nil, err
	}

	t.metrics.RecordSplit()
	return pg, nil
}

// insertIntoParent publishes a freshly split sibling: either grows a new
// root above the old one, or inserts the separator into the parent held in
// the latch registry, splitting it too if it fills.
func (t *BPlusTree[K]) insertIntoParent(old nodePage, sepKey K, newPg *page.Page, d *descent) error {
	newNode := asNode(newPg)

	if old.ParentPageID() == page.InvalidPageID {
		rootPg, rootID, err := t.bpm.NewPage()
		if err != nil {
			return fmt.Errorf("growing new root: %w", err)
		}
		rootPg.WLatch()

		root := t.internal(rootPg)
		root.Init(rootID, page.InvalidPageID, t.internalMaxSize)
		root.PopulateNewRoot(old.PageID(), sepKey, newNode.PageID())
		old.SetParentPageID(rootID)
		newNode.SetParentPageID(rootID)

		t.root.Store(int32(rootID))
		err = t.updateRootPageID(false)

		rootPg.WUnlatch()
		t.bpm.UnpinPage(rootID, true)
		if err == nil {
			t.logger.Debug("root grown", zap.String("index", t.name), zap.Int32("rootPageID", int32(rootID)))
		}
		return err
	}

	parentPg := d.get(old.ParentPageID())
	if parentPg == nil {
		return fmt.Errorf("parent page %d missing from latch registry", old.ParentPageID())
	}
	parent := t.internal(parentPg)
	parent.InsertNodeAfter(old.PageID(), sepKey, newNode.PageID())

	if parent.Size() >= parent.MaxSize() {
		sibPg, err := t.splitInternal(parent)
		if err != nil {
			return err
		}
		sib := t.internal(sibPg)
		err = t.insertIntoParent(parent.nodePage, sib.KeyAt(0), sibPg, d)
		sibPg.WUnlatch()
		t.bpm.UnpinPage(sib.PageID(), true)
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes key's entry. Absent keys are a no-op.
func (t *BPlusTree[K]) Remove(key K) error {
	if t.IsEmpty() {
		return nil
	}

	// -1: needs the pessimistic path; 0: key absent; 1: removed.
	try := func(d *descent, leaf leafNode[K]) int {
		size := leaf.Size()
		min := int32(0)
		if !leaf.IsRoot() {
			min = leaf.MinSize()
		}
		if size > min {
			if leaf.Remove(key) < size {
				d.releaseAll(t.bpm, true)
				return 1
			}
			d.releaseAll(t.bpm, false)
			return 0
		}
		if idx := leaf.KeyIndex(key); idx >= size || t.order(leaf.KeyAt(idx), key) != 0 {
			d.releaseAll(t.bpm, false)
			return 0
		}
		return -1
	}

	d := newDescent()
	pg, err := t.findLeaf(&key, false, modeUpdate, d)
	if err != nil {
		return err
	}
	if ret := try(d, t.leaf(pg)); ret >= 0 {
		if ret == 1 {
			t.metrics.RecordDelete()
		}
		return nil
	}

	// The leaf may underflow: redo the descent with write latches held
	// down the unsafe path.
	d.releaseAll(t.bpm, false)
	t.metrics.RecordRestart()

	pg, err = t.findLeaf(&key, false, modeDelete, d)
	if err != nil {
		return err
	}
	leaf := t.leaf(pg)
	if ret := try(d, leaf); ret >= 0 {
		if ret == 1 {
			t.metrics.RecordDelete()
		}
		return nil
	}

	leaf.Remove(key)
	d.discarded = d.discarded[:0]
	if err := t.coalesceOrRedistribute(pg, d); err != nil {
		d.releaseAll(t.bpm, true)
		return err
	}
	d.releaseAll(t.bpm, true)

	// Deletions are deferred until every latch is gone so the buffer pool
	// never sees a delete request for a page this thread still holds.
	for _, id := range d.discarded {
		if _, err := t.bpm.DeletePage(id); err != nil {
			return fmt.Errorf("discarding merged page %d: %w", id, err)
		}
	}
	d.discarded = d.discarded[:0]

	t.metrics.RecordDelete()
	return nil
}

// coalesceOrRedistribute restores the size invariant for an underflowing
// page: merge with a sibling when both fit in one page, otherwise borrow
// one entry across the separator. The left sibling is preferred.
func (t *BPlusTree[K]) coalesceOrRedistribute(pg *page.Page, d *descent) error {
	node := asNode(pg)

	if node.IsRoot() {
		if node.IsLeaf() {
			// An emptied root leaf stays in place; the tree is just empty.
			return nil
		}
		in := t.internal(pg)
		newRootID := in.RemoveAndReturnOnlyChild()

		childPg, err := t.bpm.FetchPage(newRootID)
		if err != nil {
			return fmt.Errorf("collapsing root: %w", err)
		}
		asNode(childPg).SetParentPageID(page.InvalidPageID)
		t.bpm.UnpinPage(newRootID, true)

		t.root.Store(int32(newRootID))
		if err := t.updateRootPageID(false); err != nil {
			return err
		}
		d.discarded = append(d.discarded, node.PageID())
		t.logger.Debug("root collapsed", zap.String("index", t.name), zap.Int32("rootPageID", int32(newRootID)))
		return nil
	}

	parentPg := d.get(node.ParentPageID())
	if parentPg == nil {
		return fmt.Errorf("parent page %d missing from latch registry", node.ParentPageID())
	}
	parent := t.internal(parentPg)

	nodeIdx := parent.ValueIndex(node.PageID())
	neighborIdx := nodeIdx - 1
	if nodeIdx == 0 {
		neighborIdx = 1
	}
	neighborID := parent.ValueAt(neighborIdx)

	neighborPg, err := t.bpm.FetchPage(neighborID)
	if err != nil {
		return fmt.Errorf("fetching sibling %d: %w", neighborID, err)
	}
	neighborPg.WLatch()

	var opErr error
	if asNode(neighborPg).Size()+node.Size() <= node.MaxSize() {
		var underflow bool
		underflow, opErr = t.coalesce(neighborPg, pg, parent, nodeIdx, neighborIdx, d)
		if opErr == nil && underflow {
			opErr = t.coalesceOrRedistribute(parentPg, d)
		}
	} else {
		opErr = t.redistribute(neighborPg, pg, parent, nodeIdx, neighborIdx)
	}

	neighborPg.WUnlatch()
	t.bpm.UnpinPage(neighborID, true)
	return opErr
}

// coalesce merges the right page of the pair into the left, removes the
// separator from the parent and stages the emptied page for deletion.
// Reports whether the parent now underflows.
func (t *BPlusTree[K]) coalesce(neighborPg, pg *page.Page, parent internalNode[K],
	nodeIdx, neighborIdx int32, d *descent) (bool, error) {
	node := asNode(pg)

	if neighborIdx < nodeIdx {
		// Left sibling: fold node into it.
		if node.IsLeaf() {
			t.leaf(pg).MoveAllTo(t.leaf(neighborPg))
		} else {
			if err := t.internal(pg).MoveAllTo(t.internal(neighborPg), parent.KeyAt(nodeIdx)); err != nil {
				return false, err
			}
		}
		parent.Remove(nodeIdx)
		d.discarded = append(d.discarded, node.PageID())
	} else {
		// Right sibling: fold it into node.
		if node.IsLeaf() {
			t.leaf(neighborPg).MoveAllTo(t.leaf(pg))
		} else {
			if err := t.internal(neighborPg).MoveAllTo(t.internal(pg), parent.KeyAt(neighborIdx)); err != nil {
				return false, err
			}
		}
		parent.Remove(neighborIdx)
		d.discarded = append(d.discarded, asNode(neighborPg).PageID())
	}

	t.metrics.RecordCoalesce()

	if parent.IsRoot() {
		return parent.Size() <= 1, nil
	}
	return parent.Size() < parent.MinSize(), nil
}

// redistribute borrows one entry from the sibling across the parent
// separator and rewrites the separator to match.
func (t *BPlusTree[K]) redistribute(neighborPg, pg *page.Page, parent internalNode[K],
	nodeIdx, neighborIdx int32) error {
	node := asNode(pg)

	if neighborIdx < nodeIdx {
		// Borrow the left sibling's last entry.
		if node.IsLeaf() {
			recipient := t.leaf(pg)
			t.leaf(neighborPg).MoveLastToFrontOf(recipient)
			parent.SetKeyAt(nodeIdx, recipient.KeyAt(0))
		} else {
			recipient := t.internal(pg)
			if err := t.internal(neighborPg).MoveLastToFrontOf(recipient); err != nil {
				return err
			}
			parent.SetKeyAt(nodeIdx, recipient.KeyAt(0))
		}
		return nil
	}

	// Borrow the right sibling's first entry.
	if node.IsLeaf() {
		donor := t.leaf(neighborPg)
		donor.MoveFirstToEndOf(t.leaf(pg))
		parent.SetKeyAt(neighborIdx, donor.KeyAt(0))
	} else {
		donor := t.internal(neighborPg)
		if err := donor.MoveFirstToEndOf(t.internal(pg), parent.KeyAt(neighborIdx)); err != nil {
			return err
		}
		parent.SetKeyAt(neighborIdx, donor.KeyAt(0))
	}
	return nil
}

// findLeaf descends from the root to the leaf owning key (or the leftmost
// leaf), latching per mode and recording every held latch in d. If the
// fetched root stops being the root before its latch lands, the descent
// restarts at the new root.
func (t *BPlusTree[K]) findLeaf(key *K, leftMost bool, mode latchMode, d *descent) (*page.Page, error) {
	next := t.rootPageID()
	if next == page.InvalidPageID {
		return nil, nil
	}
	firstRound := true

	for {
		pg, err := t.bpm.FetchPage(next)
		if err != nil {
			d.releaseAll(t.bpm, false)
			return nil, fmt.Errorf("descending to page %d: %w", next, err)
		}
		node := asNode(pg)

		wantWrite := func() bool {
			switch mode {
			case modeUpdate:
				return node.IsLeaf()
			case modeInsert, modeDelete:
				return true
			default:
				return false
			}
		}

		rec := latchRecord{pg: pg, isWrite: wantWrite()}
		rec.latch()

		if rec.isWrite != wantWrite() {
			// The page type was read before the latch landed and the page
			// was still being initialized; restart with the settled type.
			rec.unlatch()
			t.bpm.UnpinPage(next, false)
			d.releaseAll(t.bpm, false)
			next = t.rootPageID()
			firstRound = true
			continue
		}

		if firstRound && next != t.rootPageID() {
			// The root moved underneath us; restart from the new one.
			rec.unlatch()
			t.bpm.UnpinPage(next, false)
			next = t.rootPageID()
			continue
		}
		firstRound = false

		releaseParents := false
		switch mode {
		case modeRead, modeUpdate:
			releaseParents = true
		case modeInsert:
			releaseParents = node.Size() < node.MaxSize()-1
		case modeDelete:
			releaseParents = node.Size() > node.MinSize()
		}
		if releaseParents {
			d.releaseAll(t.bpm, false)
		}
		d.add(pg, rec.isWrite)

		if node.IsLeaf() {
			return pg, nil
		}

		in := t.internal(pg)
		if leftMost {
			next = in.ValueAt(0)
		} else {
			next = in.Lookup(*key)
		}
	}
}

// updateRootPageID persists the current root id into the page-0 directory,
// inserting the record on first publication.
func (t *BPlusTree[K]) updateRootPageID(insertRecord bool) error {
	pg, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("updating header for index %q: %w", t.name, err)
	}
	pg.WLatch()

	h := asHeader(pg)
	var ok bool
	if insertRecord {
		ok = h.InsertRecord(t.name, t.rootPageID())
	} else {
		ok = h.UpdateRecord(t.name, t.rootPageID())
	}

	pg.WUnlatch()
	t.bpm.UnpinPage(page.HeaderPageID, true)

	if !ok {
		return fmt.Errorf("%w: index %q", ErrHeaderDirectoryFull, t.name)
	}
	return nil
}

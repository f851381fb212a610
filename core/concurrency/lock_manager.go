// Package concurrency implements the record-level lock manager: per-RID
// request queues under two-phase locking, and the background deadlock
// detector that breaks waits-for cycles.
package concurrency

import (
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/stratadb/stratadb/internal/telemetry"

	"github.com/stratadb/stratadb/core/storage/page"
	"github.com/stratadb/stratadb/core/transaction"
)

// LockMode is the requested lock strength.
type LockMode int

const (
	// Shared locks are compatible with each other.
	Shared LockMode = iota
	// Exclusive locks are compatible with nothing.
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// lockRequest is one entry in a RID's request queue.
type lockRequest struct {
	txnID   transaction.TxnID
	mode    LockMode
	granted bool
}

// lockQueue holds the requests for one RID in arrival order. At any moment
// the queue is a prefix of granted shared requests followed by either a
// single granted exclusive request or ungranted requests.
type lockQueue struct {
	requests  []*lockRequest
	cond      *sync.Cond
	upgrading bool
}

func (q *lockQueue) find(txnID transaction.TxnID) int {
	for i, req := range q.requests {
		if req.txnID == txnID {
			return i
		}
	}
	return -1
}

// DefaultDetectionInterval is the deadlock detector period used when the
// caller does not supply one.
const DefaultDetectionInterval = 50 * time.Millisecond

// LockManager grants shared and exclusive locks on record identifiers under
// two-phase locking. A single mutex protects the lock table; waiters block
// on per-RID condition variables and re-evaluate their grant predicate on
// every wake.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[page.RID]*lockQueue

	txns *transaction.Manager

	// Deadlock detection state; see deadlock_detector.go.
	waitsFor        map[transaction.TxnID][]transaction.TxnID
	detectionPeriod time.Duration
	detectorStop    chan struct{}
	detectorDone    chan struct{}

	logger  *zap.Logger
	metrics *internaltelemetry.LockMetrics
}

// NewLockManager builds a lock manager over the given transaction manager.
// logger and metrics may be nil. The deadlock detector does not run until
// StartDeadlockDetection is called.
func NewLockManager(txns *transaction.Manager, detectionPeriod time.Duration,
	logger *zap.Logger, metrics *internaltelemetry.LockMetrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detectionPeriod <= 0 {
		detectionPeriod = DefaultDetectionInterval
	}
	return &LockManager{
		lockTable:       make(map[page.RID]*lockQueue),
		txns:            txns,
		waitsFor:        make(map[transaction.TxnID][]transaction.TxnID),
		detectionPeriod: detectionPeriod,
		logger:          logger,
		metrics:         metrics,
	}
}

// queueLocked returns the RID's queue, creating it on first use.
func (lm *LockManager) queueLocked(rid page.RID) *lockQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = &lockQueue{cond: sync.NewCond(&lm.mu)}
		lm.lockTable[rid] = q
	}
	return q
}

// shouldGrantExclusiveLocked grants an exclusive request iff it is at the
// front of the queue.
func (lm *LockManager) shouldGrantExclusiveLocked(q *lockQueue, txnID transaction.TxnID) bool {
	if len(q.requests) == 0 {
		return false
	}
	if front := q.requests[0]; front.txnID == txnID {
		front.granted = true
		return true
	}
	return false
}

// shouldGrantSharedLocked grants a shared request iff no exclusive request
// sits ahead of it in the queue. An ungranted exclusive request blocks too:
// stricter than 2PL requires, but it keeps writers from starving.
func (lm *LockManager) shouldGrantSharedLocked(q *lockQueue, txnID transaction.TxnID) bool {
	for _, req := range q.requests {
		if req.txnID == txnID {
			req.granted = true
			return true
		}
		if req.mode == Exclusive {
			return false
		}
	}
	return false
}

// abort flags the transaction ABORTED and builds the error the caller
// surfaces. Lock sets are left for the caller's rollback to clean up.
func (lm *LockManager) abort(txn *transaction.Transaction, reason transaction.AbortReason) error {
	txn.SetState(transaction.StateAborted)
	lm.logger.Debug("transaction aborted by lock manager",
		zap.Int32("txnID", int32(txn.ID())),
		zap.Stringer("reason", reason))
	return &transaction.AbortError{TxnID: txn.ID(), Reason: reason}
}

// LockShared acquires a shared lock on rid, blocking until granted or until
// the deadlock detector aborts the transaction.
func (lm *LockManager) LockShared(txn *transaction.Transaction, rid page.RID) error {
	if txn.IsSharedLocked(rid) {
		return nil
	}
	if txn.Isolation() == transaction.ReadUncommitted {
		return lm.abort(txn, transaction.LockSharedOnReadUncommitted)
	}
	if txn.State() == transaction.StateShrinking && txn.Isolation() != transaction.ReadCommitted {
		return lm.abort(txn, transaction.LockOnShrinking)
	}

	txn.SharedLockSet()[rid] = struct{}{}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueLocked(rid)
	q.requests = append(q.requests, &lockRequest{txnID: txn.ID(), mode: Shared})

	if lm.shouldGrantSharedLocked(q, txn.ID()) {
		lm.metrics.RecordGrant()
		return nil
	}

	lm.metrics.RecordWait()
	for txn.State() != transaction.StateAborted && !lm.shouldGrantSharedLocked(q, txn.ID()) {
		q.cond.Wait()
	}
	if txn.State() == transaction.StateAborted {
		return &transaction.AbortError{TxnID: txn.ID(), Reason: transaction.Deadlock}
	}
	lm.metrics.RecordGrant()
	return nil
}

// LockExclusive acquires an exclusive lock on rid, blocking until granted
// or until the deadlock detector aborts the transaction.
func (lm *LockManager) LockExclusive(txn *transaction.Transaction, rid page.RID) error {
	if txn.IsExclusiveLocked(rid) {
		return nil
	}
	if txn.State() == transaction.StateShrinking {
		return lm.abort(txn, transaction.LockOnShrinking)
	}

	txn.ExclusiveLockSet()[rid] = struct{}{}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueLocked(rid)
	q.requests = append(q.requests, &lockRequest{txnID: txn.ID(), mode: Exclusive})

	if lm.shouldGrantExclusiveLocked(q, txn.ID()) {
		lm.metrics.RecordGrant()
		return nil
	}

	lm.metrics.RecordWait()
	for txn.State() != transaction.StateAborted && !lm.shouldGrantExclusiveLocked(q, txn.ID()) {
		q.cond.Wait()
	}
	if txn.State() == transaction.StateAborted {
		return &transaction.AbortError{TxnID: txn.ID(), Reason: transaction.Deadlock}
	}
	lm.metrics.RecordGrant()
	return nil
}

// LockUpgrade converts a held shared lock on rid to exclusive. Only one
// upgrade may be in flight per RID; a second one aborts with
// UPGRADE_CONFLICT. The exclusive request is reinserted after the last
// exclusive request already queued, so shared holders ahead of it drain
// first.
func (lm *LockManager) LockUpgrade(txn *transaction.Transaction, rid page.RID) error {
	if txn.IsExclusiveLocked(rid) {
		return nil
	}
	if txn.State() == transaction.StateShrinking {
		return lm.abort(txn, transaction.LockOnShrinking)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueLocked(rid)
	if q.upgrading {
		return lm.abort(txn, transaction.UpgradeConflict)
	}
	q.upgrading = true

	delete(txn.SharedLockSet(), rid)
	txn.ExclusiveLockSet()[rid] = struct{}{}

	// Drop the shared request and requeue as exclusive behind any exclusive
	// request already present.
	if i := q.find(txn.ID()); i >= 0 {
		if q.requests[i].granted {
			lm.metrics.RecordRelease()
		}
		q.requests = append(q.requests[:i], q.requests[i+1:]...)
	}
	insertAt := len(q.requests)
	for i := len(q.requests) - 1; i >= 0; i-- {
		if q.requests[i].mode == Exclusive {
			insertAt = i + 1
			break
		}
	}
	req := &lockRequest{txnID: txn.ID(), mode: Exclusive}
	q.requests = append(q.requests, nil)
	copy(q.requests[insertAt+1:], q.requests[insertAt:])
	q.requests[insertAt] = req

	lm.metrics.RecordUpgrade()

	if lm.shouldGrantExclusiveLocked(q, txn.ID()) {
		q.upgrading = false
		lm.metrics.RecordGrant()
		return nil
	}

	lm.metrics.RecordWait()
	for txn.State() != transaction.StateAborted && !lm.shouldGrantExclusiveLocked(q, txn.ID()) {
		q.cond.Wait()
	}
	q.upgrading = false
	if txn.State() == transaction.StateAborted {
		return &transaction.AbortError{TxnID: txn.ID(), Reason: transaction.Deadlock}
	}
	lm.metrics.RecordGrant()
	return nil
}

// Unlock releases the transaction's lock on rid. Releasing an exclusive
// lock, or any lock under REPEATABLE_READ, moves a growing transaction to
// the shrinking phase; a shared release under READ_COMMITTED does not.
// Returns false if the transaction held no request on rid.
func (lm *LockManager) Unlock(txn *transaction.Transaction, rid page.RID) bool {
	exclusive := txn.IsExclusiveLocked(rid)
	delete(txn.SharedLockSet(), rid)
	delete(txn.ExclusiveLockSet(), rid)

	if txn.State() == transaction.StateGrowing &&
		(exclusive || txn.Isolation() == transaction.RepeatableRead) {
		txn.SetState(transaction.StateShrinking)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q, ok := lm.lockTable[rid]
	if !ok {
		return false
	}
	i := q.find(txn.ID())
	if i < 0 {
		return false
	}
	if q.requests[i].granted {
		lm.metrics.RecordRelease()
	}
	q.requests = append(q.requests[:i], q.requests[i+1:]...)

	if len(q.requests) == 0 {
		delete(lm.lockTable, rid)
	} else {
		q.cond.Broadcast()
	}
	return true
}

// UnlockAll releases every lock the transaction holds or has requested.
// Used by commit and rollback paths.
func (lm *LockManager) UnlockAll(txn *transaction.Transaction) {
	rids := make([]page.RID, 0, len(txn.SharedLockSet())+len(txn.ExclusiveLockSet()))
	for rid := range txn.SharedLockSet() {
		rids = append(rids, rid)
	}
	for rid := range txn.ExclusiveLockSet() {
		rids = append(rids, rid)
	}
	for _, rid := range rids {
		lm.Unlock(txn, rid)
	}
}

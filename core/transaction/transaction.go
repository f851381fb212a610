// Package transaction holds the in-memory record of active transactions:
// their two-phase-locking state, isolation level and lock sets.
package transaction

import (
	"fmt"
	"sync/atomic"

	"github.com/stratadb/stratadb/core/storage/page"
)

// TxnID identifies a transaction. IDs are assigned monotonically and are
// unique among active transactions.
type TxnID int32

// InvalidTxnID marks an absent transaction reference.
const InvalidTxnID TxnID = -1

// State tracks a transaction through the two-phase locking protocol.
type State int

const (
	// StateGrowing is the initial phase; locks may be acquired.
	StateGrowing State = iota
	// StateShrinking begins at the first lock release that ends the
	// growing phase (a shared release under READ_COMMITTED does not).
	// Further acquisitions abort, except shared locks under
	// READ_COMMITTED.
	StateShrinking
	// StateCommitted is terminal.
	StateCommitted
	// StateAborted is terminal; set by the deadlock detector or by a
	// protocol violation.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsolationLevel selects the lock discipline specialization.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

// AbortReason names why a transaction was aborted.
type AbortReason int

const (
	// LockOnShrinking: a lock acquisition after the first release.
	LockOnShrinking AbortReason = iota
	// LockSharedOnReadUncommitted: shared locks are meaningless under
	// READ_UNCOMMITTED and are rejected outright.
	LockSharedOnReadUncommitted
	// UpgradeConflict: two concurrent upgrades on the same RID.
	UpgradeConflict
	// Deadlock: the cycle detector chose this transaction as victim.
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCKSHARED_ON_READ_UNCOMMITTED"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case Deadlock:
		return "DEADLOCK"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// AbortError reports that a transaction has been aborted. By the time it
// surfaces, the transaction's state is already StateAborted; the caller is
// expected to release remaining locks and roll back.
type AbortError struct {
	TxnID  TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// Transaction is the in-memory record of one active transaction.
//
// The lock sets are mutated only by the owning thread and, under the lock
// manager's table mutex, by the lock manager itself. The state is atomic
// because the deadlock detector flips it to ABORTED from its own thread.
type Transaction struct {
	id        TxnID
	state     atomic.Int32
	isolation IsolationLevel

	sharedLocks    map[page.RID]struct{}
	exclusiveLocks map[page.RID]struct{}
}

// New builds a transaction in the growing phase.
func New(id TxnID, isolation IsolationLevel) *Transaction {
	t := &Transaction{
		id:             id,
		isolation:      isolation,
		sharedLocks:    make(map[page.RID]struct{}),
		exclusiveLocks: make(map[page.RID]struct{}),
	}
	t.state.Store(int32(StateGrowing))
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() TxnID { return t.id }

// State returns the current 2PL state.
func (t *Transaction) State() State { return State(t.state.Load()) }

// SetState moves the transaction to a new 2PL state.
func (t *Transaction) SetState(s State) { t.state.Store(int32(s)) }

// Isolation returns the transaction's isolation level.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// SharedLockSet returns the RIDs this transaction holds or has requested in
// shared mode. The map is live, not a copy.
func (t *Transaction) SharedLockSet() map[page.RID]struct{} { return t.sharedLocks }

// ExclusiveLockSet returns the RIDs this transaction holds or has requested
// in exclusive mode. The map is live, not a copy.
func (t *Transaction) ExclusiveLockSet() map[page.RID]struct{} { return t.exclusiveLocks }

// IsSharedLocked reports whether rid is in the shared lock set.
func (t *Transaction) IsSharedLocked(rid page.RID) bool {
	_, ok := t.sharedLocks[rid]
	return ok
}

// IsExclusiveLocked reports whether rid is in the exclusive lock set.
func (t *Transaction) IsExclusiveLocked(rid page.RID) bool {
	_, ok := t.exclusiveLocks[rid]
	return ok
}

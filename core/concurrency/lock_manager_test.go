package concurrency

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb/core/storage/page"
	"github.com/stratadb/stratadb/core/transaction"
)

func setupLockManager(t *testing.T) (*LockManager, *transaction.Manager) {
	t.Helper()
	txns := transaction.NewManager(nil)
	lm := NewLockManager(txns, DefaultDetectionInterval, nil, nil)
	t.Cleanup(lm.StopDeadlockDetection)
	return lm, txns
}

func requireAborted(t *testing.T, err error, reason transaction.AbortReason) {
	t.Helper()
	var abortErr *transaction.AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, reason, abortErr.Reason)
}

// TestLockManager_SharedCompatibility verifies that multiple readers are
// granted together and that re-locking is idempotent.
func TestLockManager_SharedCompatibility(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockShared(t1, rid))
	require.NoError(t, lm.LockShared(t2, rid))
	require.NoError(t, lm.LockShared(t1, rid)) // already held

	require.True(t, t1.IsSharedLocked(rid))
	require.True(t, t2.IsSharedLocked(rid))

	require.True(t, lm.Unlock(t1, rid))
	require.True(t, lm.Unlock(t2, rid))
	require.False(t, lm.Unlock(t2, rid)) // nothing left to release
}

// TestLockManager_ExclusiveBlocksReaders verifies that a granted writer
// stalls later readers until release.
func TestLockManager_ExclusiveBlocksReaders(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	writer := txns.Begin(transaction.RepeatableRead)
	reader := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockExclusive(writer, rid))

	granted := make(chan error, 1)
	go func() {
		granted <- lm.LockShared(reader, rid)
	}()

	select {
	case <-granted:
		t.Fatal("reader must wait while the writer holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, lm.Unlock(writer, rid))
	require.NoError(t, <-granted)
	require.True(t, lm.Unlock(reader, rid))
}

// TestLockManager_TwoPhaseLocking verifies the growing/shrinking discipline
// under REPEATABLE_READ: any acquisition after the first release aborts.
func TestLockManager_TwoPhaseLocking(t *testing.T) {
	lm, txns := setupLockManager(t)
	a, b := page.NewRID(1, 1), page.NewRID(1, 2)

	txn := txns.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockShared(txn, a))
	require.True(t, lm.Unlock(txn, a))
	require.Equal(t, transaction.StateShrinking, txn.State())

	err := lm.LockShared(txn, b)
	requireAborted(t, err, transaction.LockOnShrinking)
	require.Equal(t, transaction.StateAborted, txn.State())
}

// TestLockManager_ReadCommittedSharedRelease verifies that releasing a
// shared lock under READ_COMMITTED does not end the growing phase, while
// an exclusive release does.
func TestLockManager_ReadCommittedSharedRelease(t *testing.T) {
	lm, txns := setupLockManager(t)
	a, b, c := page.NewRID(1, 1), page.NewRID(1, 2), page.NewRID(1, 3)

	txn := txns.Begin(transaction.ReadCommitted)
	require.NoError(t, lm.LockShared(txn, a))
	require.True(t, lm.Unlock(txn, a))
	require.Equal(t, transaction.StateGrowing, txn.State())

	// Still growing: further locks are fine.
	require.NoError(t, lm.LockShared(txn, b))
	require.NoError(t, lm.LockExclusive(txn, c))

	require.True(t, lm.Unlock(txn, c))
	require.Equal(t, transaction.StateShrinking, txn.State())
}

// TestLockManager_ReadUncommittedSharedAborts verifies that shared locks
// are rejected outright under READ_UNCOMMITTED.
func TestLockManager_ReadUncommittedSharedAborts(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	txn := txns.Begin(transaction.ReadUncommitted)
	err := lm.LockShared(txn, rid)
	requireAborted(t, err, transaction.LockSharedOnReadUncommitted)
	require.Equal(t, transaction.StateAborted, txn.State())

	// Exclusive locks still work at this level.
	writer := txns.Begin(transaction.ReadUncommitted)
	require.NoError(t, lm.LockExclusive(writer, rid))
	require.True(t, lm.Unlock(writer, rid))
}

// TestLockManager_SharedQueuesBehindWaitingWriter verifies the fairness
// rule: a reader arriving behind a waiting writer waits too, even though
// the current holders are all readers.
func TestLockManager_SharedQueuesBehindWaitingWriter(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	holder := txns.Begin(transaction.RepeatableRead)
	writer := txns.Begin(transaction.RepeatableRead)
	lateReader := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockShared(holder, rid))

	writerDone := make(chan error, 1)
	go func() { writerDone <- lm.LockExclusive(writer, rid) }()

	// Let the writer enqueue before the late reader shows up.
	time.Sleep(20 * time.Millisecond)

	readerDone := make(chan error, 1)
	go func() { readerDone <- lm.LockShared(lateReader, rid) }()

	select {
	case <-readerDone:
		t.Fatal("late reader must queue behind the waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, lm.Unlock(holder, rid))
	require.NoError(t, <-writerDone)
	require.True(t, lm.Unlock(writer, rid))
	require.NoError(t, <-readerDone)
	require.True(t, lm.Unlock(lateReader, rid))
}

// TestLockManager_UpgradeConflict has two readers race to upgrade the same
// RID: exactly one wins, the other aborts with UPGRADE_CONFLICT.
func TestLockManager_UpgradeConflict(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockShared(t1, rid))
	require.NoError(t, lm.LockShared(t2, rid))

	// The first upgrade has to wait for t2's shared lock to drain, which
	// parks it with the upgrading flag set.
	firstDone := make(chan error, 1)
	go func() { firstDone <- lm.LockUpgrade(t1, rid) }()
	time.Sleep(20 * time.Millisecond)

	err := lm.LockUpgrade(t2, rid)
	requireAborted(t, err, transaction.UpgradeConflict)
	require.Equal(t, transaction.StateAborted, t2.State())

	// The aborted transaction's rollback releases its shared lock, which
	// unblocks the winner.
	lm.UnlockAll(t2)
	require.NoError(t, <-firstDone)
	require.True(t, t1.IsExclusiveLocked(rid))
	require.True(t, lm.Unlock(t1, rid))
}

// TestLockManager_UpgradeAlreadyExclusive verifies upgrade idempotence for
// a transaction that already holds the exclusive lock.
func TestLockManager_UpgradeAlreadyExclusive(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	txn := txns.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockExclusive(txn, rid))
	require.NoError(t, lm.LockUpgrade(txn, rid))
	require.True(t, lm.Unlock(txn, rid))
}

// TestLockManager_ConcurrentDisjointWriters stresses the table with many
// writers over disjoint RIDs; nobody should ever block or abort.
func TestLockManager_ConcurrentDisjointWriters(t *testing.T) {
	lm, txns := setupLockManager(t)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			txn := txns.Begin(transaction.RepeatableRead)
			for i := 0; i < 200; i++ {
				rid := page.NewRID(page.PageID(w), uint32(i))
				if err := lm.LockExclusive(txn, rid); err != nil {
					errs <- err
					return
				}
			}
			lm.UnlockAll(txn)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// TestTransactionManager_AbortReleasesLocks verifies that aborting through
// the transaction manager frees waiters.
func TestTransactionManager_AbortReleasesLocks(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	holder := txns.Begin(transaction.RepeatableRead)
	waiter := txns.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockExclusive(holder, rid))

	done := make(chan error, 1)
	go func() { done <- lm.LockExclusive(waiter, rid) }()
	time.Sleep(20 * time.Millisecond)

	txns.Abort(holder, lm)
	require.NoError(t, <-done)
	require.Equal(t, transaction.StateAborted, holder.State())
	require.Nil(t, txns.Get(holder.ID()))
	require.True(t, lm.Unlock(waiter, rid))
}

// TestAbortError_Unwraps verifies errors.As compatibility of the abort
// error type.
func TestAbortError_Unwraps(t *testing.T) {
	err := error(&transaction.AbortError{TxnID: 3, Reason: transaction.Deadlock})
	wrapped := errors.Join(err)

	var abortErr *transaction.AbortError
	require.ErrorAs(t, wrapped, &abortErr)
	require.Equal(t, transaction.TxnID(3), abortErr.TxnID)
}

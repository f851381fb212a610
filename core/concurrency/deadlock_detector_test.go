package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb/core/storage/page"
	"github.com/stratadb/stratadb/core/transaction"
)

// TestDeadlockDetector_EdgeList verifies the waits-for graph built from a
// simple blocked writer.
func TestDeadlockDetector_EdgeList(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := page.NewRID(1, 1)

	holder := txns.Begin(transaction.RepeatableRead)
	waiter := txns.Begin(transaction.RepeatableRead)
	require.NoError(t, lm.LockExclusive(holder, rid))

	done := make(chan error, 1)
	go func() { done <- lm.LockExclusive(waiter, rid) }()
	time.Sleep(20 * time.Millisecond)

	lm.RunCycleDetection()
	edges := lm.GetEdgeList()
	require.Equal(t, []Edge{{From: waiter.ID(), To: holder.ID()}}, edges)

	// No cycle: nobody aborted.
	require.NotEqual(t, transaction.StateAborted, holder.State())
	require.NotEqual(t, transaction.StateAborted, waiter.State())

	require.True(t, lm.Unlock(holder, rid))
	require.NoError(t, <-done)
	require.True(t, lm.Unlock(waiter, rid))
}

// TestDeadlockDetector_TwoTxnCycle builds the classic crossed pair: each
// transaction holds one RID exclusively and wants the other. One detection
// pass must abort exactly the younger (larger TID) transaction and let the
// survivor proceed.
func TestDeadlockDetector_TwoTxnCycle(t *testing.T) {
	lm, txns := setupLockManager(t)
	r1, r2 := page.NewRID(1, 1), page.NewRID(1, 2)

	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockExclusive(t1, r1))
	require.NoError(t, lm.LockExclusive(t2, r2))

	t1Done := make(chan error, 1)
	t2Done := make(chan error, 1)
	go func() { t1Done <- lm.LockExclusive(t1, r2) }()
	go func() { t2Done <- lm.LockExclusive(t2, r1) }()

	// Let both waiters enqueue, then run one detection pass.
	time.Sleep(50 * time.Millisecond)
	lm.RunCycleDetection()

	err := <-t2Done
	requireAborted(t, err, transaction.Deadlock)
	require.Equal(t, transaction.StateAborted, t2.State())

	// The victim's rollback releases its locks; the survivor acquires.
	lm.UnlockAll(t2)
	require.NoError(t, <-t1Done)
	require.NotEqual(t, transaction.StateAborted, t1.State())
	require.True(t, t1.IsExclusiveLocked(r1))
	require.True(t, t1.IsExclusiveLocked(r2))
	lm.UnlockAll(t1)
}

// TestDeadlockDetector_ThreeTxnCycle verifies that a longer cycle is
// broken by aborting only the maximum TID on it.
func TestDeadlockDetector_ThreeTxnCycle(t *testing.T) {
	lm, txns := setupLockManager(t)
	r1, r2, r3 := page.NewRID(1, 1), page.NewRID(1, 2), page.NewRID(1, 3)

	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)
	t3 := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockExclusive(t1, r1))
	require.NoError(t, lm.LockExclusive(t2, r2))
	require.NoError(t, lm.LockExclusive(t3, r3))

	t1Done := make(chan error, 1)
	t2Done := make(chan error, 1)
	t3Done := make(chan error, 1)
	go func() { t1Done <- lm.LockExclusive(t1, r2) }()
	go func() { t2Done <- lm.LockExclusive(t2, r3) }()
	go func() { t3Done <- lm.LockExclusive(t3, r1) }()

	time.Sleep(50 * time.Millisecond)
	lm.RunCycleDetection()

	err := <-t3Done
	requireAborted(t, err, transaction.Deadlock)

	lm.UnlockAll(t3)
	require.NoError(t, <-t2Done)
	lm.UnlockAll(t2)
	require.NoError(t, <-t1Done)
	require.NotEqual(t, transaction.StateAborted, t1.State())
	require.NotEqual(t, transaction.StateAborted, t2.State())
	lm.UnlockAll(t1)
}

// TestDeadlockDetector_BackgroundThread runs the detector on its own
// goroutine and checks a cycle is broken within a few periods without any
// manual pass.
func TestDeadlockDetector_BackgroundThread(t *testing.T) {
	txns := transaction.NewManager(nil)
	lm := NewLockManager(txns, 10*time.Millisecond, nil, nil)
	lm.StartDeadlockDetection()
	defer lm.StopDeadlockDetection()

	r1, r2 := page.NewRID(1, 1), page.NewRID(1, 2)
	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)

	require.NoError(t, lm.LockExclusive(t1, r1))
	require.NoError(t, lm.LockExclusive(t2, r2))

	t1Done := make(chan error, 1)
	t2Done := make(chan error, 1)
	go func() { t1Done <- lm.LockExclusive(t1, r2) }()
	go func() { t2Done <- lm.LockExclusive(t2, r1) }()

	select {
	case err := <-t2Done:
		requireAborted(t, err, transaction.Deadlock)
	case <-time.After(2 * time.Second):
		t.Fatal("detector never broke the cycle")
	}

	lm.UnlockAll(t2)
	require.NoError(t, <-t1Done)
	lm.UnlockAll(t1)
}

// TestDeadlockDetector_NoFalsePositives leaves a conflict-free workload
// running under the detector and checks nobody gets aborted.
func TestDeadlockDetector_NoFalsePositives(t *testing.T) {
	txns := transaction.NewManager(nil)
	lm := NewLockManager(txns, 5*time.Millisecond, nil, nil)
	lm.StartDeadlockDetection()
	defer lm.StopDeadlockDetection()

	for i := 0; i < 20; i++ {
		txn := txns.Begin(transaction.RepeatableRead)
		rid := page.NewRID(2, uint32(i))
		require.NoError(t, lm.LockExclusive(txn, rid))
		time.Sleep(time.Millisecond)
		require.NotEqual(t, transaction.StateAborted, txn.State())
		txns.Commit(txn, lm)
	}
}

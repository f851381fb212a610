package concurrency

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stratadb/stratadb/core/storage/page"
	"github.com/stratadb/stratadb/core/transaction"
)

// Edge is one waits-for edge: From waits on a lock held by To.
type Edge struct {
	From transaction.TxnID
	To   transaction.TxnID
}

// StartDeadlockDetection launches the background detector goroutine. It
// runs one detection pass per period until StopDeadlockDetection.
func (lm *LockManager) StartDeadlockDetection() {
	lm.mu.Lock()
	if lm.detectorStop != nil {
		lm.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	lm.detectorStop = stop
	lm.detectorDone = done
	period := lm.detectionPeriod
	lm.mu.Unlock()

	lm.logger.Info("deadlock detector started", zap.Duration("period", period))

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				lm.RunCycleDetection()
			}
		}
	}()
}

// StopDeadlockDetection stops the detector goroutine and waits for it to
// exit. Safe to call when the detector never started.
func (lm *LockManager) StopDeadlockDetection() {
	lm.mu.Lock()
	stop, done := lm.detectorStop, lm.detectorDone
	lm.detectorStop, lm.detectorDone = nil, nil
	lm.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	lm.logger.Info("deadlock detector stopped")
}

// RunCycleDetection performs one detection pass: rebuild the waits-for
// graph, abort the maximum TID on every cycle until the graph is acyclic,
// then wake the victims so their pending lock calls observe ABORTED.
func (lm *LockManager) RunCycleDetection() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buildWaitsForLocked()

	var victims []transaction.TxnID
	for {
		victim, ok := lm.hasCycleLocked()
		if !ok {
			break
		}
		lm.removeTxnEdgesLocked(victim)
		victims = append(victims, victim)
	}

	if len(victims) == 0 {
		return
	}

	notified := make(map[*lockQueue]struct{})
	for _, victimID := range victims {
		victim := lm.txns.Get(victimID)
		if victim == nil {
			continue
		}
		victim.SetState(transaction.StateAborted)
		lm.metrics.RecordDeadlockVictim()
		lm.logger.Info("deadlock victim chosen", zap.Int32("txnID", int32(victimID)))

		// Wake the victim wherever it has an ungranted request so its
		// pending lock call can observe the aborted state.
		lm.notifyVictimWaitsLocked(victim, notified)
	}
}

// notifyVictimWaitsLocked broadcasts the condition variable of every RID
// where the victim has an ungranted request, at most once per queue.
func (lm *LockManager) notifyVictimWaitsLocked(victim *transaction.Transaction, notified map[*lockQueue]struct{}) {
	wake := func(rids map[page.RID]struct{}) {
		for rid := range rids {
			q, ok := lm.lockTable[rid]
			if !ok {
				continue
			}
			if _, seen := notified[q]; seen {
				continue
			}
			if i := q.find(victim.ID()); i >= 0 && !q.requests[i].granted {
				notified[q] = struct{}{}
				q.cond.Broadcast()
			}
		}
	}
	wake(victim.SharedLockSet())
	wake(victim.ExclusiveLockSet())
}

// buildWaitsForLocked rebuilds the waits-for graph from the lock table:
// every ungranted waiter waits on every granted holder of the same RID.
func (lm *LockManager) buildWaitsForLocked() {
	lm.waitsFor = make(map[transaction.TxnID][]transaction.TxnID)
	for _, q := range lm.lockTable {
		var granted, waiting []transaction.TxnID
		for _, req := range q.requests {
			if req.granted {
				granted = append(granted, req.txnID)
			} else {
				waiting = append(waiting, req.txnID)
			}
		}
		for _, from := range waiting {
			for _, to := range granted {
				lm.addEdgeLocked(from, to)
			}
		}
	}
}

func (lm *LockManager) addEdgeLocked(from, to transaction.TxnID) {
	for _, existing := range lm.waitsFor[from] {
		if existing == to {
			return
		}
	}
	lm.waitsFor[from] = append(lm.waitsFor[from], to)
}

// removeTxnEdgesLocked drops every edge touching the given transaction.
func (lm *LockManager) removeTxnEdgesLocked(txnID transaction.TxnID) {
	delete(lm.waitsFor, txnID)
	for from, tos := range lm.waitsFor {
		filtered := tos[:0]
		for _, to := range tos {
			if to != txnID {
				filtered = append(filtered, to)
			}
		}
		if len(filtered) == 0 {
			delete(lm.waitsFor, from)
		} else {
			lm.waitsFor[from] = filtered
		}
	}
}

// hasCycleLocked searches the waits-for graph depth-first, visiting nodes
// and successors in ascending TID order so detection is deterministic.
// When a cycle exists it returns the maximum TID on that cycle.
func (lm *LockManager) hasCycleLocked() (transaction.TxnID, bool) {
	tids := make([]transaction.TxnID, 0, len(lm.waitsFor))
	for tid := range lm.waitsFor {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	for _, tid := range tids {
		succ := lm.waitsFor[tid]
		sort.Slice(succ, func(i, j int) bool { return succ[i] < succ[j] })
	}

	visited := make(map[transaction.TxnID]struct{})
	onStack := make(map[transaction.TxnID]struct{})
	var stack []transaction.TxnID

	var cycleStart transaction.TxnID
	var dfs func(x transaction.TxnID) bool
	dfs = func(x transaction.TxnID) bool {
		stack = append(stack, x)
		visited[x] = struct{}{}
		onStack[x] = struct{}{}
		for _, y := range lm.waitsFor[x] {
			if _, ok := onStack[y]; ok {
				cycleStart = y
				return true
			}
			if _, ok := visited[y]; ok {
				continue
			}
			if dfs(y) {
				return true
			}
		}
		delete(onStack, x)
		stack = stack[:len(stack)-1]
		return false
	}

	for _, tid := range tids {
		if _, ok := visited[tid]; ok {
			continue
		}
		stack = stack[:0]
		for k := range onStack {
			delete(onStack, k)
		}
		if dfs(tid) {
			// The cycle is the stack suffix starting at cycleStart; the
			// victim is the youngest (maximum) TID on it.
			victim := cycleStart
			seen := false
			for _, id := range stack {
				if id == cycleStart {
					seen = true
				}
				if seen && id > victim {
					victim = id
				}
			}
			return victim, true
		}
	}
	return 0, false
}

// GetEdgeList snapshots the waits-for graph built by the most recent
// detection pass.
func (lm *LockManager) GetEdgeList() []Edge {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var edges []Edge
	for from, tos := range lm.waitsFor {
		for _, to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

package transaction

import (
	"sync"

	"go.uber.org/zap"
)

// Unlocker is the slice of the lock manager the transaction manager needs
// to release locks at commit or abort.
type Unlocker interface {
	UnlockAll(txn *Transaction)
}

// Manager assigns transaction ids and tracks every live transaction so the
// deadlock detector can resolve an id back to its transaction.
type Manager struct {
	mu     sync.Mutex
	nextID TxnID
	txns   map[TxnID]*Transaction
	logger *zap.Logger
}

// NewManager builds a transaction manager. logger may be nil.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		txns:   make(map[TxnID]*Transaction),
		logger: logger,
	}
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	txn := New(id, isolation)
	m.txns[id] = txn

	m.logger.Debug("transaction started",
		zap.Int32("txnID", int32(id)),
		zap.Stringer("isolation", isolation))
	return txn
}

// Get resolves a transaction id. Returns nil for unknown or retired ids.
func (m *Manager) Get(id TxnID) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[id]
}

// Commit releases all locks through lm and retires the transaction.
func (m *Manager) Commit(txn *Transaction, lm Unlocker) {
	if lm != nil {
		lm.UnlockAll(txn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	txn.SetState(StateCommitted)
	delete(m.txns, txn.ID())

	m.logger.Debug("transaction committed", zap.Int32("txnID", int32(txn.ID())))
}

// Abort releases all locks through lm and retires the transaction.
func (m *Manager) Abort(txn *Transaction, lm Unlocker) {
	if lm != nil {
		lm.UnlockAll(txn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	txn.SetState(StateAborted)
	delete(m.txns, txn.ID())

	m.logger.Debug("transaction aborted", zap.Int32("txnID", int32(txn.ID())))
}

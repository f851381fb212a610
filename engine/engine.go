// Package engine assembles the storage core from a configuration: logger,
// telemetry, disk manager, buffer pool, transaction manager and lock
// manager, wired together for embedding.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	internaltelemetry "github.com/stratadb/stratadb/internal/telemetry"

	"github.com/stratadb/stratadb/config"
	"github.com/stratadb/stratadb/core/buffer"
	"github.com/stratadb/stratadb/core/concurrency"
	"github.com/stratadb/stratadb/core/index/btree"
	"github.com/stratadb/stratadb/core/storage/disk"
	"github.com/stratadb/stratadb/core/transaction"
	"github.com/stratadb/stratadb/pkg/logger"
	"github.com/stratadb/stratadb/pkg/telemetry"
)

// Engine owns one database file and the stack on top of it.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	telemetry   *telemetry.Telemetry
	telShutdown telemetry.ShutdownFunc

	disk  *disk.FileDiskManager
	pool  *buffer.BufferPoolManager
	txns  *transaction.Manager
	locks *concurrency.LockManager

	indexMetrics *internaltelemetry.IndexMetrics
}

// Open builds an engine over the database file at dbPath. The deadlock
// detector is started; Close tears everything down in reverse order.
func Open(dbPath string, cfg config.Config) (*Engine, error) {
	logCfg := cfg.Logging
	if logCfg.Service == "" {
		logCfg.Service = cfg.Telemetry.ServiceName
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	poolMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("registering buffer pool metrics: %w", err)
	}
	lockMetrics, err := internaltelemetry.NewLockMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("registering lock metrics: %w", err)
	}
	indexMetrics, err := internaltelemetry.NewIndexMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("registering index metrics: %w", err)
	}

	dm, err := disk.NewFileDiskManager(dbPath, log)
	if err != nil {
		return nil, err
	}

	var replacer buffer.Replacer
	switch cfg.BufferPool.Replacer {
	case config.ReplacerClock:
		replacer = buffer.NewClockReplacer(cfg.BufferPool.PoolSize)
	default:
		replacer = buffer.NewLRUReplacer(cfg.BufferPool.PoolSize)
	}

	pool := buffer.NewBufferPoolManager(cfg.BufferPool.PoolSize, dm, replacer, log, poolMetrics)
	txns := transaction.NewManager(log)
	locks := concurrency.NewLockManager(txns, cfg.Concurrency.DeadlockDetectionInterval.Std(), log, lockMetrics)
	locks.StartDeadlockDetection()

	log.Info("engine opened",
		zap.String("path", dbPath),
		zap.Int("poolSize", cfg.BufferPool.PoolSize),
		zap.String("replacer", cfg.BufferPool.Replacer))

	return &Engine{
		cfg:          cfg,
		logger:       log,
		telemetry:    tel,
		telShutdown:  telShutdown,
		disk:         dm,
		pool:         pool,
		txns:         txns,
		locks:        locks,
		indexMetrics: indexMetrics,
	}, nil
}

// OpenIndex opens (or creates) a B+ tree index by name on the engine's
// buffer pool. Zero fanouts derive the widest layout the page allows.
func OpenIndex[K any](e *Engine, name string, codec btree.KeyCodec[K], order btree.Order[K],
	leafMaxSize, internalMaxSize int32) (*btree.BPlusTree[K], error) {
	return btree.New(name, e.pool, codec, order, leafMaxSize, internalMaxSize, e.logger, e.indexMetrics)
}

// BufferPool exposes the engine's buffer pool.
func (e *Engine) BufferPool() *buffer.BufferPoolManager { return e.pool }

// Transactions exposes the engine's transaction manager.
func (e *Engine) Transactions() *transaction.Manager { return e.txns }

// Locks exposes the engine's lock manager.
func (e *Engine) Locks() *concurrency.LockManager { return e.locks }

// Logger exposes the engine's logger for embedders.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Close stops the deadlock detector, flushes the pool, closes the file and
// shuts telemetry down.
func (e *Engine) Close(ctx context.Context) error {
	e.locks.StopDeadlockDetection()

	if err := e.pool.Close(); err != nil {
		return err
	}
	if err := e.telShutdown(ctx); err != nil {
		return err
	}

	e.logger.Info("engine closed")
	// Sync can fail on console outputs; that is not an engine error.
	_ = e.logger.Sync()
	return nil
}

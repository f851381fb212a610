// Package internaltelemetry defines the metric instrument bundles for the
// storage engine subsystems. Each bundle is created once at startup from a
// metric.Meter and handed to the owning component.
package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	HitsCounter       metric.Int64Counter
	MissesCounter     metric.Int64Counter
	EvictionsCounter  metric.Int64Counter
	WritebacksCounter metric.Int64Counter
	FlushesCounter    metric.Int64Counter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hitsCounter, err := meter.Int64Counter(
		"stratadb.buffer.hits_total",
		metric.WithDescription("Total number of page fetches served from the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	missesCounter, err := meter.Int64Counter(
		"stratadb.buffer.misses_total",
		metric.WithDescription("Total number of page fetches that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"stratadb.buffer.evictions_total",
		metric.WithDescription("Total number of frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writebacksCounter, err := meter.Int64Counter(
		"stratadb.buffer.writebacks_total",
		metric.WithDescription("Total number of dirty victim pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushesCounter, err := meter.Int64Counter(
		"stratadb.buffer.flushes_total",
		metric.WithDescription("Total number of explicit page flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:       hitsCounter,
		MissesCounter:     missesCounter,
		EvictionsCounter:  evictionsCounter,
		WritebacksCounter: writebacksCounter,
		FlushesCounter:    flushesCounter,
	}, nil
}

// RecordHit increments the hit counter. Safe on a nil receiver.
func (m *BufferPoolMetrics) RecordHit() {
	if m == nil {
		return
	}
	m.HitsCounter.Add(context.Background(), 1)
}

// RecordMiss increments the miss counter. Safe on a nil receiver.
func (m *BufferPoolMetrics) RecordMiss() {
	if m == nil {
		return
	}
	m.MissesCounter.Add(context.Background(), 1)
}

// RecordEviction increments the eviction counter. Safe on a nil receiver.
func (m *BufferPoolMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionsCounter.Add(context.Background(), 1)
}

// RecordWriteback increments the writeback counter. Safe on a nil receiver.
func (m *BufferPoolMetrics) RecordWriteback() {
	if m == nil {
		return
	}
	m.WritebacksCounter.Add(context.Background(), 1)
}

// RecordFlush increments the flush counter. Safe on a nil receiver.
func (m *BufferPoolMetrics) RecordFlush() {
	if m == nil {
		return
	}
	m.FlushesCounter.Add(context.Background(), 1)
}

// LockMetrics holds all the metric instruments for the lock manager.
type LockMetrics struct {
	GrantsCounter     metric.Int64Counter
	WaitsCounter      metric.Int64Counter
	UpgradesCounter   metric.Int64Counter
	DeadlocksCounter  metric.Int64Counter
	HeldUpDownCounter metric.Int64UpDownCounter
}

// NewLockMetrics creates and registers all the metrics for the lock manager.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	grantsCounter, err := meter.Int64Counter(
		"stratadb.lock.grants_total",
		metric.WithDescription("Total number of lock requests granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitsCounter, err := meter.Int64Counter(
		"stratadb.lock.waits_total",
		metric.WithDescription("Total number of lock requests that had to wait."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	upgradesCounter, err := meter.Int64Counter(
		"stratadb.lock.upgrades_total",
		metric.WithDescription("Total number of shared-to-exclusive upgrades."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocksCounter, err := meter.Int64Counter(
		"stratadb.lock.deadlock_victims_total",
		metric.WithDescription("Total number of transactions aborted by the deadlock detector."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heldUpDownCounter, err := meter.Int64UpDownCounter(
		"stratadb.lock.held",
		metric.WithDescription("Number of currently granted locks."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		GrantsCounter:     grantsCounter,
		WaitsCounter:      waitsCounter,
		UpgradesCounter:   upgradesCounter,
		DeadlocksCounter:  deadlocksCounter,
		HeldUpDownCounter: heldUpDownCounter,
	}, nil
}

// RecordGrant increments the grant counter and the held gauge. Safe on a nil receiver.
func (m *LockMetrics) RecordGrant() {
	if m == nil {
		return
	}
	m.GrantsCounter.Add(context.Background(), 1)
	m.HeldUpDownCounter.Add(context.Background(), 1)
}

// RecordRelease decrements the held gauge. Safe on a nil receiver.
func (m *LockMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.HeldUpDownCounter.Add(context.Background(), -1)
}

// RecordWait increments the wait counter. Safe on a nil receiver.
func (m *LockMetrics) RecordWait() {
	if m == nil {
		return
	}
	m.WaitsCounter.Add(context.Background(), 1)
}

// RecordUpgrade increments the upgrade counter. Safe on a nil receiver.
func (m *LockMetrics) RecordUpgrade() {
	if m == nil {
		return
	}
	m.UpgradesCounter.Add(context.Background(), 1)
}

// RecordDeadlockVictim increments the deadlock victim counter. Safe on a nil receiver.
func (m *LockMetrics) RecordDeadlockVictim() {
	if m == nil {
		return
	}
	m.DeadlocksCounter.Add(context.Background(), 1)
}

// IndexMetrics holds all the metric instruments for the B+ tree index.
type IndexMetrics struct {
	InsertsCounter   metric.Int64Counter
	DeletesCounter   metric.Int64Counter
	LookupsCounter   metric.Int64Counter
	SplitsCounter    metric.Int64Counter
	CoalescesCounter metric.Int64Counter
	RestartsCounter  metric.Int64Counter
}

// NewIndexMetrics creates and registers all the metrics for the B+ tree index.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	insertsCounter, err := meter.Int64Counter(
		"stratadb.index.inserts_total",
		metric.WithDescription("Total number of index insertions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deletesCounter, err := meter.Int64Counter(
		"stratadb.index.deletes_total",
		metric.WithDescription("Total number of index deletions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lookupsCounter, err := meter.Int64Counter(
		"stratadb.index.lookups_total",
		metric.WithDescription("Total number of point lookups."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	splitsCounter, err := meter.Int64Counter(
		"stratadb.index.splits_total",
		metric.WithDescription("Total number of page splits."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	coalescesCounter, err := meter.Int64Counter(
		"stratadb.index.coalesces_total",
		metric.WithDescription("Total number of page merges."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	restartsCounter, err := meter.Int64Counter(
		"stratadb.index.descent_restarts_total",
		metric.WithDescription("Total number of optimistic descents retried in pessimistic mode."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		InsertsCounter:   insertsCounter,
		DeletesCounter:   deletesCounter,
		LookupsCounter:   lookupsCounter,
		SplitsCounter:    splitsCounter,
		CoalescesCounter: coalescesCounter,
		RestartsCounter:  restartsCounter,
	}, nil
}

// RecordInsert increments the insert counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordInsert() {
	if m == nil {
		return
	}
	m.InsertsCounter.Add(context.Background(), 1)
}

// RecordDelete increments the delete counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordDelete() {
	if m == nil {
		return
	}
	m.DeletesCounter.Add(context.Background(), 1)
}

// RecordLookup increments the lookup counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordLookup() {
	if m == nil {
		return
	}
	m.LookupsCounter.Add(context.Background(), 1)
}

// RecordSplit increments the split counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordSplit() {
	if m == nil {
		return
	}
	m.SplitsCounter.Add(context.Background(), 1)
}

// RecordCoalesce increments the coalesce counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordCoalesce() {
	if m == nil {
		return
	}
	m.CoalescesCounter.Add(context.Background(), 1)
}

// RecordRestart increments the descent restart counter. Safe on a nil receiver.
func (m *IndexMetrics) RecordRestart() {
	if m == nil {
		return
	}
	m.RestartsCounter.Add(context.Background(), 1)
}

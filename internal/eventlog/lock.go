package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/eventlog/internal/txn"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"

	reasonLockFailed       = "lock_failed"
	reasonMissingPrimitive = "missing_primitive"
	reasonMissingDatabase  = "missing_database"
	reasonUnsupported      = "unsupported_dialect"

	advisoryLockStatement = "SELECT pg_advisory_xact_lock(?)"
)

// LockPrimitive takes a mutual-exclusion lock on key that is held until tx ends.
type LockPrimitive interface {
	Lock(ctx context.Context, tx *txn.Tx, key string) error
}

// AdvisoryLock uses Postgres transaction-scoped advisory locks. Postgres releases
// them when the transaction commits or rolls back.
type AdvisoryLock struct{}

// Lock blocks until the advisory lock for key is granted.
func (AdvisoryLock) Lock(ctx context.Context, tx *txn.Tx, key string) error {
	return tx.DB().WithContext(ctx).Exec(advisoryLockStatement, AdvisoryLockID(key)).Error
}

// AdvisoryLockID maps an aggregate key onto the signed 64-bit advisory lock space.
// Collisions only serialize unrelated aggregates; they never break sequencing.
func AdvisoryLockID(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// ProcessLock serializes keys inside one process. It backs SQLite, where the database
// already admits a single writer and has no advisory locks.
type ProcessLock struct {
	mu      sync.Mutex
	entries map[string]*processLockEntry
}

type processLockEntry struct {
	semaphore *semaphore.Weighted
	refs      int
}

// NewProcessLock constructs an empty ProcessLock.
func NewProcessLock() *ProcessLock {
	return &ProcessLock{entries: make(map[string]*processLockEntry)}
}

// Lock blocks until key is free or ctx is done. The lock is released when tx ends.
func (l *ProcessLock) Lock(ctx context.Context, tx *txn.Tx, key string) error {
	entry := l.retain(key)
	if err := entry.semaphore.Acquire(ctx, 1); err != nil {
		l.release(key, entry, false)
		return err
	}
	tx.OnEnd(func(bool) {
		l.release(key, entry, true)
	})
	return nil
}

func (l *ProcessLock) retain(key string) *processLockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &processLockEntry{semaphore: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *ProcessLock) release(key string, entry *processLockEntry, held bool) {
	if held {
		entry.semaphore.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports how many callers hold or wait for key.
func (l *ProcessLock) held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok {
		return entry.refs
	}
	return 0
}

// processLocks shares one ProcessLock per connection pool so that every appender
// on the same SQLite database contends on the same keys.
var processLocks sync.Map

// PrimitiveFor selects the lock primitive matching the database dialect.
func PrimitiveFor(db *gorm.DB) (LockPrimitive, error) {
	if db == nil || db.Dialector == nil {
		return nil, newServiceError(opLockPrimitive, reasonMissingDatabase, errors.New("database handle is required"))
	}
	switch db.Dialector.Name() {
	case dialectPostgres:
		return AdvisoryLock{}, nil
	case dialectSQLite:
		pool, err := db.DB()
		if err != nil {
			return nil, newServiceError(opLockPrimitive, reasonMissingDatabase, err)
		}
		shared, _ := processLocks.LoadOrStore(pool, NewProcessLock())
		return shared.(*ProcessLock), nil
	default:
		return nil, newServiceError(opLockPrimitive, reasonUnsupported,
			fmt.Errorf("%w: %s", ErrUnsupportedDialect, db.Dialector.Name()))
	}
}

// AggregateLock serializes appends to one aggregate across transactions. Within a
// transaction, re-acquiring a key is a no-op.
type AggregateLock struct {
	primitive LockPrimitive
	metrics   *Metrics
	clock     func() time.Time
}

// NewAggregateLock wraps primitive with the per-transaction memo.
func NewAggregateLock(primitive LockPrimitive, metrics *Metrics) (*AggregateLock, error) {
	if primitive == nil {
		return nil, newServiceError(opAcquireLock, reasonMissingPrimitive, errors.New("lock primitive is required"))
	}
	return &AggregateLock{primitive: primitive, metrics: metrics, clock: time.Now}, nil
}

// Acquire locks key for the remainder of tx.
func (l *AggregateLock) Acquire(ctx context.Context, tx *txn.Tx, key string) error {
	if tx.IsLocked(key) {
		return nil
	}
	started := l.clock()
	if err := l.primitive.Lock(ctx, tx, key); err != nil {
		return newServiceError(opAcquireLock, reasonLockFailed, categorize(ErrTransientInfra, err))
	}
	l.metrics.observeLockWait(l.clock().Sub(started))
	tx.MarkLocked(key)
	return nil
}

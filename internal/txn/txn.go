// Package txn carries transaction-scoped state alongside a gorm transaction.
package txn

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("txn: database handle is required")

// Tx is a single database transaction plus the state that lives exactly as long as it does.
type Tx struct {
	db *gorm.DB

	mu        sync.Mutex
	locked    map[string]bool
	hooks     []func(committed bool)
	finished  bool
	committed bool
}

// Wrap binds transaction-scoped state to a gorm transaction opened by the caller.
// The caller must call Finish once the transaction has committed or rolled back.
func Wrap(db *gorm.DB) *Tx {
	return &Tx{
		db:     db,
		locked: make(map[string]bool),
	}
}

// DB returns the gorm handle bound to the transaction.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// IsLocked reports whether key was marked as locked earlier in this transaction.
func (tx *Tx) IsLocked(key string) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.locked[key]
}

// MarkLocked records that key is held for the rest of the transaction.
func (tx *Tx) MarkLocked(key string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.locked[key] = true
}

// OnEnd registers a hook that runs after the transaction commits or rolls back.
// Hooks registered after Finish run immediately with the recorded outcome.
func (tx *Tx) OnEnd(hook func(committed bool)) {
	if hook == nil {
		return
	}
	tx.mu.Lock()
	if tx.finished {
		committed := tx.committed
		tx.mu.Unlock()
		hook(committed)
		return
	}
	tx.hooks = append(tx.hooks, hook)
	tx.mu.Unlock()
}

// OnCommit registers a hook that only runs when the transaction commits.
func (tx *Tx) OnCommit(hook func()) {
	if hook == nil {
		return
	}
	tx.OnEnd(func(committed bool) {
		if committed {
			hook()
		}
	})
}

// Finish runs the registered hooks in registration order. Subsequent calls are no-ops.
func (tx *Tx) Finish(committed bool) {
	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return
	}
	tx.finished = true
	tx.committed = committed
	hooks := tx.hooks
	tx.hooks = nil
	tx.locked = make(map[string]bool)
	tx.mu.Unlock()

	for _, hook := range hooks {
		hook(committed)
	}
}

// Runner opens transactions on a gorm database.
type Runner struct {
	db *gorm.DB
}

// NewRunner constructs a Runner for the provided database.
func NewRunner(db *gorm.DB) (*Runner, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Runner{db: db}, nil
}

// Run executes fn inside a transaction. The transaction commits when fn returns nil and
// rolls back otherwise, including when fn panics.
func (r *Runner) Run(ctx context.Context, fn func(tx *Tx) error) error {
	if r == nil || r.db == nil {
		return errMissingDatabase
	}

	var scoped *Tx
	committed := false
	defer func() {
		if scoped != nil {
			scoped.Finish(committed)
		}
	}()

	err := r.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scoped = Wrap(transaction)
		return fn(scoped)
	})
	committed = err == nil
	return err
}

package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errRollback = errors.New("rollback requested")

type marker struct {
	ID string `gorm:"primaryKey"`
}

func openDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "txn.db")), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&marker{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return database
}

func TestLockMemoIsScopedToTransaction(testContext *testing.T) {
	tx := Wrap(nil)
	if tx.IsLocked("invoice-A1") {
		testContext.Fatalf("fresh transaction must hold no locks")
	}
	tx.MarkLocked("invoice-A1")
	if !tx.IsLocked("invoice-A1") {
		testContext.Fatalf("expected key to be marked")
	}
	if tx.IsLocked("invoice-A2") {
		testContext.Fatalf("unrelated key must not be marked")
	}
	tx.Finish(true)
	if tx.IsLocked("invoice-A1") {
		testContext.Fatalf("memo must be cleared when the transaction ends")
	}
}

func TestFinishRunsHooksOnceInOrder(testContext *testing.T) {
	tx := Wrap(nil)
	var calls []string
	tx.OnEnd(func(committed bool) {
		if !committed {
			testContext.Errorf("expected committed outcome")
		}
		calls = append(calls, "end")
	})
	tx.OnCommit(func() {
		calls = append(calls, "commit")
	})

	tx.Finish(true)
	tx.Finish(false)

	if len(calls) != 2 || calls[0] != "end" || calls[1] != "commit" {
		testContext.Fatalf("unexpected hook calls %v", calls)
	}
}

func TestOnCommitSkippedOnRollback(testContext *testing.T) {
	tx := Wrap(nil)
	committedHook := false
	endedHook := false
	tx.OnCommit(func() { committedHook = true })
	tx.OnEnd(func(bool) { endedHook = true })

	tx.Finish(false)

	if committedHook {
		testContext.Fatalf("commit hook must not run on rollback")
	}
	if !endedHook {
		testContext.Fatalf("end hook must run on rollback")
	}
}

func TestOnEndAfterFinishRunsImmediately(testContext *testing.T) {
	tx := Wrap(nil)
	tx.Finish(true)
	ran := false
	observed := false
	tx.OnEnd(func(committed bool) {
		ran = true
		observed = committed
	})
	if !ran {
		testContext.Fatalf("expected late hook to run immediately")
	}
	if !observed {
		testContext.Fatalf("expected late hook to observe the commit")
	}

	lateCommit := false
	tx.OnCommit(func() { lateCommit = true })
	if !lateCommit {
		testContext.Fatalf("expected commit hook registered after commit to run")
	}
}

func TestOnEndAfterRollbackReportsRollback(testContext *testing.T) {
	tx := Wrap(nil)
	tx.Finish(false)
	observed := true
	tx.OnEnd(func(committed bool) { observed = committed })
	if observed {
		testContext.Fatalf("expected late hook to observe the rollback")
	}
	lateCommit := false
	tx.OnCommit(func() { lateCommit = true })
	if lateCommit {
		testContext.Fatalf("commit hook must not run after rollback")
	}
}

func TestRunnerCommitsAndRollsBack(testContext *testing.T) {
	database := openDatabase(testContext)
	runner, err := NewRunner(database)
	if err != nil {
		testContext.Fatalf("failed to create runner: %v", err)
	}

	committed := false
	err = runner.Run(context.Background(), func(tx *Tx) error {
		tx.OnCommit(func() { committed = true })
		return tx.DB().Create(&marker{ID: "kept"}).Error
	})
	if err != nil {
		testContext.Fatalf("commit run failed: %v", err)
	}
	if !committed {
		testContext.Fatalf("expected commit hook to run")
	}

	rolledBack := false
	err = runner.Run(context.Background(), func(tx *Tx) error {
		tx.OnEnd(func(committed bool) { rolledBack = !committed })
		if createErr := tx.DB().Create(&marker{ID: "discarded"}).Error; createErr != nil {
			return createErr
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		testContext.Fatalf("expected rollback error, got %v", err)
	}
	if !rolledBack {
		testContext.Fatalf("expected end hook to observe rollback")
	}

	var markers []marker
	if err := database.Order("id").Find(&markers).Error; err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(markers) != 1 || markers[0].ID != "kept" {
		testContext.Fatalf("unexpected rows %+v", markers)
	}
}

func TestRunnerRollsBackOnPanic(testContext *testing.T) {
	database := openDatabase(testContext)
	runner, err := NewRunner(database)
	if err != nil {
		testContext.Fatalf("failed to create runner: %v", err)
	}

	hookOutcome := true
	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				testContext.Fatalf("expected panic to propagate")
			}
		}()
		_ = runner.Run(context.Background(), func(tx *Tx) error {
			tx.OnEnd(func(committed bool) { hookOutcome = committed })
			if createErr := tx.DB().Create(&marker{ID: "panicked"}).Error; createErr != nil {
				return createErr
			}
			panic("boom")
		})
	}()

	if hookOutcome {
		testContext.Fatalf("expected end hook to observe rollback after panic")
	}
	var count int64
	if err := database.Model(&marker{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected panic to roll back, found %d rows", count)
	}
}

func TestNewRunnerRequiresDatabase(testContext *testing.T) {
	if _, err := NewRunner(nil); !errors.Is(err, errMissingDatabase) {
		testContext.Fatalf("expected missing database error, got %v", err)
	}
}

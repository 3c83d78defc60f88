package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/eventlog/internal/txn"
)

var errTestUnencodable = errors.New("test event cannot be encoded")

type testEvent struct {
	kind        string
	value       string
	unencodable bool
}

func (event testEvent) Kind() string {
	return event.kind
}

type testCodec struct{}

func (testCodec) Encode(event testEvent) ([]byte, error) {
	if event.unencodable {
		return nil, errTestUnencodable
	}
	return json.Marshal(map[string]string{"value": event.value})
}

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("batch-%d", p.next), nil
}

func mustDatabase(testContext *testing.T, maxOpenConns int) *gorm.DB {
	testContext.Helper()
	path := filepath.Join(testContext.TempDir(), "eventlog.db")
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustRunner(testContext *testing.T, database *gorm.DB) *txn.Runner {
	testContext.Helper()
	runner, err := txn.NewRunner(database)
	if err != nil {
		testContext.Fatalf("failed to create runner: %v", err)
	}
	return runner
}

func mustAppender(testContext *testing.T, database *gorm.DB, metrics *Metrics) *Appender[testEvent] {
	testContext.Helper()
	primitive, err := PrimitiveFor(database)
	if err != nil {
		testContext.Fatalf("failed to select lock primitive: %v", err)
	}
	lock, err := NewAggregateLock(primitive, metrics)
	if err != nil {
		testContext.Fatalf("failed to create aggregate lock: %v", err)
	}
	appender, err := NewAppender(AppenderConfig[testEvent]{
		Codec:     testCodec{},
		Lock:      lock,
		Sequences: NewSequenceStore(),
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
		IDProvider: &sequentialIDProvider{},
		Metrics:    metrics,
	})
	if err != nil {
		testContext.Fatalf("failed to create appender: %v", err)
	}
	return appender
}

func mustRoot(testContext *testing.T, aggregateType, rootID string) AggregateRoot {
	testContext.Helper()
	root, err := NewAggregateRoot(aggregateType, rootID)
	if err != nil {
		testContext.Fatalf("unexpected aggregate root error: %v", err)
	}
	return root
}

func mustSequence(testContext *testing.T, value string) SequenceNumber {
	testContext.Helper()
	sequence, err := ParseSequenceNumber(value)
	if err != nil {
		testContext.Fatalf("unexpected sequence error: %v", err)
	}
	return sequence
}

func makeEvents(count int, prefix string) []testEvent {
	events := make([]testEvent, 0, count)
	for index := 0; index < count; index++ {
		events = append(events, testEvent{kind: "TestHappened", value: fmt.Sprintf("%s-%d", prefix, index)})
	}
	return events
}

func mustAppend(testContext *testing.T, runner *txn.Runner, appender *Appender[testEvent], root AggregateRoot, events []testEvent) Batch[testEvent] {
	testContext.Helper()
	var batch Batch[testEvent]
	err := runner.Run(context.Background(), func(tx *txn.Tx) error {
		var appendErr error
		batch, appendErr = appender.AppendBatch(context.Background(), tx, root, events)
		return appendErr
	})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	return batch
}

func mustStream(testContext *testing.T, database *gorm.DB, root AggregateRoot) []StoredEvent {
	testContext.Helper()
	stored, err := ReadStream(context.Background(), database, root)
	if err != nil {
		testContext.Fatalf("read stream failed: %v", err)
	}
	return stored
}

func mustCurrent(testContext *testing.T, runner *txn.Runner, root AggregateRoot) SequenceNumber {
	testContext.Helper()
	var current SequenceNumber
	err := runner.Run(context.Background(), func(tx *txn.Tx) error {
		var readErr error
		current, readErr = CurrentSequence(context.Background(), tx, root)
		return readErr
	})
	if err != nil {
		testContext.Fatalf("read current failed: %v", err)
	}
	return current
}

func assertSequences(testContext *testing.T, stored []StoredEvent, expected ...string) {
	testContext.Helper()
	if len(stored) != len(expected) {
		testContext.Fatalf("expected %d stored events, got %d", len(expected), len(stored))
	}
	for index, want := range expected {
		if got := stored[index].Sequence.String(); got != want {
			testContext.Fatalf("expected sequence %s at index %d, got %s", want, index, got)
		}
	}
}

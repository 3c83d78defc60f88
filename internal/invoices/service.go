package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
	"github.com/MarcoPoloResearchLab/eventlog/internal/txn"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingTransaction = errors.New("transaction is required")
	noOpLogger            = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "invoices.service.new"
	opRecord     = "invoices.record"
	opHistory    = "invoices.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier receives batches after their transaction commits.
type Notifier interface {
	BatchCommitted(batch eventlog.Batch[Event])
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider eventlog.IDProvider
	Metrics    *eventlog.Metrics
	Tracer     trace.Tracer
	Notifier   Notifier
	Logger     *zap.Logger
}

type Service struct {
	db       *gorm.DB
	runner   *txn.Runner
	appender *eventlog.Appender[Event]
	codec    Codec
	notifier Notifier
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	runner, err := txn.NewRunner(cfg.Database)
	if err != nil {
		return nil, newServiceError(opServiceNew, "missing_database", err)
	}
	primitive, err := eventlog.PrimitiveFor(cfg.Database)
	if err != nil {
		return nil, newServiceError(opServiceNew, "lock_primitive_failed", err)
	}
	lock, err := eventlog.NewAggregateLock(primitive, cfg.Metrics)
	if err != nil {
		return nil, newServiceError(opServiceNew, "lock_failed", err)
	}
	appender, err := eventlog.NewAppender(eventlog.AppenderConfig[Event]{
		Codec:      Codec{},
		Lock:       lock,
		Sequences:  eventlog.NewSequenceStore(),
		Clock:      cfg.Clock,
		IDProvider: cfg.IDProvider,
		Metrics:    cfg.Metrics,
		Logger:     logger,
		Tracer:     cfg.Tracer,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "appender_failed", err)
	}

	return &Service{
		db:       cfg.Database,
		runner:   runner,
		appender: appender,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Root returns the aggregate root of invoiceID.
func Root(invoiceID string) (eventlog.AggregateRoot, error) {
	return eventlog.NewAggregateRoot(AggregateType, invoiceID)
}

// Record appends events to the invoice stream in a transaction of its own.
func (s *Service) Record(ctx context.Context, invoiceID string, events []Event) (eventlog.Batch[Event], error) {
	var batch eventlog.Batch[Event]
	err := s.runner.Run(ctx, func(tx *txn.Tx) error {
		recorded, recordErr := s.RecordWithin(ctx, tx, invoiceID, events)
		if recordErr != nil {
			return recordErr
		}
		batch = recorded
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return eventlog.Batch[Event]{}, err
		}
		return eventlog.Batch[Event]{}, newServiceError(opRecord, "transaction_failed", err)
	}
	return batch, nil
}

// RecordWithin appends events inside a transaction owned by the caller. The notifier only
// hears about the batch if that transaction commits.
func (s *Service) RecordWithin(ctx context.Context, tx *txn.Tx, invoiceID string, events []Event) (eventlog.Batch[Event], error) {
	if tx == nil {
		return eventlog.Batch[Event]{}, newServiceError(opRecord, "missing_transaction", errMissingTransaction)
	}
	root, err := Root(invoiceID)
	if err != nil {
		return eventlog.Batch[Event]{}, newServiceError(opRecord, "invalid_invoice_id", err)
	}

	batch, err := s.appender.AppendBatch(ctx, tx, root, events)
	if err != nil {
		return eventlog.Batch[Event]{}, newServiceError(opRecord, "append_failed", err)
	}
	if batch.Len() > 0 && s.notifier != nil {
		tx.OnCommit(func() {
			s.notifier.BatchCommitted(batch)
		})
	}
	return batch, nil
}

// RecordedEvent is one decoded event of an invoice stream.
type RecordedEvent struct {
	Sequence  eventlog.SequenceNumber
	BatchID   string
	CreatedAt time.Time
	Event     Event
}

// History is the full event stream of one invoice.
type History struct {
	Root    eventlog.AggregateRoot
	Current eventlog.SequenceNumber
	Events  []RecordedEvent
}

// History reads and decodes the stream of invoiceID from one consistent transaction.
func (s *Service) History(ctx context.Context, invoiceID string) (History, error) {
	root, err := Root(invoiceID)
	if err != nil {
		return History{}, newServiceError(opHistory, "invalid_invoice_id", err)
	}

	var history History
	err = s.runner.Run(ctx, func(tx *txn.Tx) error {
		current, currentErr := eventlog.CurrentSequence(ctx, tx, root)
		if currentErr != nil {
			return newServiceError(opHistory, "read_current_failed", currentErr)
		}
		stored, readErr := eventlog.ReadStream(ctx, tx.DB(), root)
		if readErr != nil {
			return newServiceError(opHistory, "read_stream_failed", readErr)
		}

		recorded := make([]RecordedEvent, 0, len(stored))
		for _, entry := range stored {
			event, decodeErr := s.codec.Decode(entry.Record.Kind, entry.Record.Event)
			if decodeErr != nil {
				return newServiceError(opHistory, "decode_failed",
					fmt.Errorf("sequence %s: %w", entry.Sequence, decodeErr))
			}
			recorded = append(recorded, RecordedEvent{
				Sequence:  entry.Sequence,
				BatchID:   entry.Record.ID,
				CreatedAt: entry.Record.CreatedAt,
				Event:     event,
			})
		}
		history = History{Root: root, Current: current, Events: recorded}
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return History{}, err
		}
		return History{}, newServiceError(opHistory, "transaction_failed", err)
	}
	return history, nil
}

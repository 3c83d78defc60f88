package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/eventlog/internal/txn"
)

const (
	tracerName = "github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"

	reasonMissingCodec       = "missing_codec"
	reasonMissingLock        = "missing_lock"
	reasonMissingTransaction = "missing_transaction"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonEncodeFailed       = "encode_failed"
	reasonRecordInsertFailed = "record_insert_failed"
	reasonReadFailed         = "read_current_failed"
	reasonWriteFailed        = "write_current_failed"

	// recordInsertChunk bounds rows per INSERT. Ten columns per row keeps every
	// statement under SQLite's 999 bind-variable floor and Postgres' 65535.
	recordInsertChunk = 90
)

var (
	errMissingCodec       = errors.New("codec is required")
	errMissingLock        = errors.New("aggregate lock is required")
	errMissingTransaction = errors.New("transaction is required")
	noOpLogger            = zap.NewNop()
)

// Batch describes the events written by one append call.
type Batch[E Event] struct {
	ID        string
	CreatedAt time.Time
	Root      AggregateRoot
	First     SequenceNumber
	Last      SequenceNumber
	Events    []E
}

// Len returns the number of events in the batch.
func (batch Batch[E]) Len() int {
	return len(batch.Events)
}

// SequenceAt returns the sequence number assigned to the event at index.
func (batch Batch[E]) SequenceAt(index int) SequenceNumber {
	return batch.First.Add(int64(index))
}

// AppenderConfig describes the collaborators of an Appender.
type AppenderConfig[E Event] struct {
	Codec      Codec[E]
	Lock       *AggregateLock
	Sequences  SequenceStore
	Clock      func() time.Time
	IDProvider IDProvider
	Metrics    *Metrics
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Appender assigns gapless per-aggregate sequence numbers and persists event batches.
type Appender[E Event] struct {
	codec      Codec[E]
	lock       *AggregateLock
	sequences  SequenceStore
	clock      func() time.Time
	idProvider IDProvider
	metrics    *Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewAppender validates cfg and returns an Appender.
func NewAppender[E Event](cfg AppenderConfig[E]) (*Appender[E], error) {
	if cfg.Codec == nil {
		return nil, newServiceError(opNewAppender, reasonMissingCodec, errMissingCodec)
	}
	if cfg.Lock == nil {
		return nil, newServiceError(opNewAppender, reasonMissingLock, errMissingLock)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Appender[E]{
		codec:      cfg.Codec,
		lock:       cfg.Lock,
		sequences:  cfg.Sequences,
		clock:      clock,
		idProvider: idProvider,
		metrics:    cfg.Metrics,
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// Append persists events for root inside tx and returns them unchanged.
func (a *Appender[E]) Append(ctx context.Context, tx *txn.Tx, root AggregateRoot, events []E) ([]E, error) {
	batch, err := a.AppendBatch(ctx, tx, root, events)
	if err != nil {
		return nil, err
	}
	return batch.Events, nil
}

// AppendBatch persists events for root inside tx. The records and the new high-water mark
// become durable together when tx commits; a rollback discards all of them.
func (a *Appender[E]) AppendBatch(ctx context.Context, tx *txn.Tx, root AggregateRoot, events []E) (Batch[E], error) {
	if tx == nil || tx.DB() == nil {
		return Batch[E]{}, newServiceError(opAppend, reasonMissingTransaction, errMissingTransaction)
	}
	if root.IsZero() {
		return Batch[E]{}, newServiceError(opAppend, reasonInvalidRoot, fmt.Errorf("%w: zero value", ErrInvalidAggregateRoot))
	}
	if len(events) == 0 {
		return Batch[E]{Root: root, First: NoSequence(), Last: NoSequence(), Events: events}, nil
	}

	ctx, span := a.tracer.Start(ctx, opAppend, trace.WithAttributes(
		attribute.String("eventlog.aggregate_type", root.AggregateType()),
		attribute.String("eventlog.aggregate_key", root.Key()),
		attribute.Int("eventlog.batch_size", len(events)),
	))
	defer span.End()

	started := a.clock()
	batch, err := a.appendBatch(ctx, tx, root, events)
	a.metrics.observeAppend(root.AggregateType(), len(events), a.clock().Sub(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		return Batch[E]{}, err
	}

	span.SetAttributes(
		attribute.String("eventlog.batch_id", batch.ID),
		attribute.String("eventlog.first_sequence", batch.First.String()),
		attribute.String("eventlog.last_sequence", batch.Last.String()),
	)
	a.logger.Debug("event batch appended",
		zap.String("aggregate_key", root.Key()),
		zap.String("batch_id", batch.ID),
		zap.String("first_sequence", batch.First.String()),
		zap.String("last_sequence", batch.Last.String()),
		zap.Int("events", len(events)))
	return batch, nil
}

func (a *Appender[E]) appendBatch(ctx context.Context, tx *txn.Tx, root AggregateRoot, events []E) (Batch[E], error) {
	createdAt := a.clock().UTC()
	batchID, err := a.idProvider.NewID()
	if err != nil {
		return Batch[E]{}, newServiceError(opAppend, reasonIDGenerationFailed, err)
	}

	kinds, payloads, err := a.encode(events)
	if err != nil {
		return Batch[E]{}, err
	}

	key := root.Key()
	if err := a.lock.Acquire(ctx, tx, key); err != nil {
		return Batch[E]{}, newServiceError(opAppend, reasonLockFailed, err)
	}

	current, err := a.sequences.ReadCurrent(ctx, tx, key)
	if err != nil {
		return Batch[E]{}, newServiceError(opAppend, reasonReadFailed, err)
	}

	first := current.Add(1)
	records := make([]EventRecord, len(events))
	for index := range events {
		records[index] = EventRecord{
			SequenceID:    key,
			Sequence:      first.Add(int64(index)).String(),
			ID:            batchID,
			CreatedAt:     createdAt,
			Kind:          kinds[index],
			Meta:          datatypes.JSONMap{},
			Offsets:       datatypes.JSONMap{},
			Event:         payloads[index],
			AggregateType: root.AggregateType(),
			RootID:        root.RootID(),
		}
	}
	if err := tx.DB().WithContext(ctx).CreateInBatches(&records, recordInsertChunk).Error; err != nil {
		return Batch[E]{}, storageFailure(opAppend, reasonRecordInsertFailed, err)
	}

	last := current.Add(int64(len(events)))
	if err := a.sequences.WriteCurrent(ctx, tx, key, last); err != nil {
		return Batch[E]{}, newServiceError(opAppend, reasonWriteFailed, err)
	}

	return Batch[E]{
		ID:        batchID,
		CreatedAt: createdAt,
		Root:      root,
		First:     first,
		Last:      last,
		Events:    events,
	}, nil
}

// encode serializes every event before anything is written, so an unrepresentable event
// aborts the batch without touching storage.
func (a *Appender[E]) encode(events []E) ([]string, []datatypes.JSON, error) {
	kinds := make([]string, len(events))
	payloads := make([]datatypes.JSON, len(events))
	for index, event := range events {
		if any(event) == nil {
			return nil, nil, newServiceError(opAppend, reasonEncodeFailed,
				fmt.Errorf("%w: event %d is nil", ErrSerialization, index))
		}
		kind := strings.TrimSpace(event.Kind())
		if kind == "" {
			return nil, nil, newServiceError(opAppend, reasonEncodeFailed,
				fmt.Errorf("%w: event %d has no kind", ErrSerialization, index))
		}
		payload, err := a.codec.Encode(event)
		if err != nil {
			return nil, nil, newServiceError(opAppend, reasonEncodeFailed,
				fmt.Errorf("%w: event %d (%s): %w", ErrSerialization, index, kind, err))
		}
		if !json.Valid(payload) {
			return nil, nil, newServiceError(opAppend, reasonEncodeFailed,
				fmt.Errorf("%w: event %d (%s) produced invalid json", ErrSerialization, index, kind))
		}
		kinds[index] = kind
		payloads[index] = datatypes.JSON(payload)
	}
	return kinds, payloads, nil
}

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// StoredEvent pairs a persisted record with its parsed sequence number.
type StoredEvent struct {
	Record   EventRecord
	Sequence SequenceNumber
}

// ReadStream returns the persisted events of root ordered by sequence number.
// Sequences are stored as decimal strings, so ordering happens after parsing.
func ReadStream(ctx context.Context, db *gorm.DB, root AggregateRoot) ([]StoredEvent, error) {
	if db == nil {
		return nil, newServiceError(opReadStream, reasonMissingDatabase, errMissingDatabase)
	}
	if root.IsZero() {
		return nil, newServiceError(opReadStream, reasonInvalidRoot, fmt.Errorf("%w: zero value", ErrInvalidAggregateRoot))
	}

	var records []EventRecord
	if err := db.WithContext(ctx).
		Where(columnSequenceID+" = ?", root.Key()).
		Find(&records).Error; err != nil {
		return nil, newServiceError(opReadStream, reasonQueryFailed, categorize(ErrTransientInfra, err))
	}

	stored := make([]StoredEvent, 0, len(records))
	for _, record := range records {
		sequence, err := ParseSequenceNumber(record.Sequence)
		if err != nil || !sequence.IsInitialized() {
			return nil, newServiceError(opReadStream, reasonMalformedRow,
				fmt.Errorf("%w: sequence %q of %q", ErrMalformedResult, record.Sequence, record.SequenceID))
		}
		stored = append(stored, StoredEvent{Record: record, Sequence: sequence})
	}
	sort.Slice(stored, func(left, right int) bool {
		return stored[left].Sequence.Cmp(stored[right].Sequence) < 0
	})
	return stored, nil
}

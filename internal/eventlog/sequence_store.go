package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/MarcoPoloResearchLab/eventlog/internal/txn"
)

const (
	reasonQueryBuildFailed = "query_build_failed"
	reasonQueryFailed      = "query_failed"
	reasonMalformedRow     = "malformed_row"
	reasonTooManyRows      = "too_many_rows"
	reasonUpdateFailed     = "update_failed"
	reasonInsertFailed     = "insert_failed"
	reasonNegativeValue    = "negative_value"
	reasonInvalidRoot      = "invalid_root"
)

// SequenceStore reads and writes the per-aggregate high-water mark.
// Every call runs on the caller's transaction.
type SequenceStore struct {
	table string
}

// NewSequenceStore returns a store bound to the event_log_seq table.
func NewSequenceStore() SequenceStore {
	return SequenceStore{table: sequenceTable}
}

func (store SequenceStore) tableName() string {
	if store.table == "" {
		return sequenceTable
	}
	return store.table
}

// ReadCurrent returns the highest assigned sequence for key, or NoSequence when the
// aggregate has no row yet.
func (store SequenceStore) ReadCurrent(ctx context.Context, tx *txn.Tx, key string) (SequenceNumber, error) {
	query, args, err := sq.Select(columnCurrent).
		From(store.tableName()).
		Where(sq.Eq{columnID: key}).
		ToSql()
	if err != nil {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonQueryBuildFailed, err)
	}

	rows, err := tx.DB().WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonQueryFailed, categorize(ErrTransientInfra, err))
	}
	defer rows.Close()

	values := make([]sql.NullString, 0, 1)
	for rows.Next() {
		var value sql.NullString
		if scanErr := rows.Scan(&value); scanErr != nil {
			return SequenceNumber{}, newServiceError(opReadCurrent, reasonMalformedRow, categorize(ErrMalformedResult, scanErr))
		}
		values = append(values, value)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonQueryFailed, categorize(ErrTransientInfra, rowsErr))
	}

	return parseCurrentRows(key, values)
}

func parseCurrentRows(key string, values []sql.NullString) (SequenceNumber, error) {
	switch len(values) {
	case 0:
		return NoSequence(), nil
	case 1:
	default:
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonTooManyRows,
			fmt.Errorf("%w: %d rows for %q", ErrMalformedResult, len(values), key))
	}

	raw := values[0]
	if !raw.Valid {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonMalformedRow,
			fmt.Errorf("%w: null current for %q", ErrMalformedResult, key))
	}
	current, err := ParseSequenceNumber(raw.String)
	if err != nil {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonMalformedRow, categorize(ErrMalformedResult, err))
	}
	if !current.IsInitialized() {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonMalformedRow,
			fmt.Errorf("%w: negative current %s for %q", ErrMalformedResult, current, key))
	}
	return current, nil
}

// WriteCurrent stores value as the new high-water mark for key. The row is updated when it
// exists and inserted otherwise; the choice never depends on value itself.
func (store SequenceStore) WriteCurrent(ctx context.Context, tx *txn.Tx, key string, value SequenceNumber) error {
	if !value.IsInitialized() {
		return newServiceError(opWriteCurrent, reasonNegativeValue, fmt.Errorf("%w: %s", ErrInvalidSequence, value))
	}

	updateQuery, updateArgs, err := sq.Update(store.tableName()).
		Set(columnCurrent, value.String()).
		Where(sq.Eq{columnID: key}).
		ToSql()
	if err != nil {
		return newServiceError(opWriteCurrent, reasonQueryBuildFailed, err)
	}
	updateResult := tx.DB().WithContext(ctx).Exec(updateQuery, updateArgs...)
	if updateResult.Error != nil {
		return newServiceError(opWriteCurrent, reasonUpdateFailed, categorize(ErrTransientInfra, updateResult.Error))
	}
	if updateResult.RowsAffected > 0 {
		return nil
	}

	insertQuery, insertArgs, err := sq.Insert(store.tableName()).
		Columns(columnID, columnCurrent).
		Values(key, value.String()).
		ToSql()
	if err != nil {
		return newServiceError(opWriteCurrent, reasonQueryBuildFailed, err)
	}
	insertResult := tx.DB().WithContext(ctx).Exec(insertQuery, insertArgs...)
	if insertResult.Error != nil {
		return storageFailure(opWriteCurrent, reasonInsertFailed, insertResult.Error)
	}
	if insertResult.RowsAffected != 1 {
		return newServiceError(opWriteCurrent, reasonInsertFailed,
			fmt.Errorf("%w: insert affected %d rows", ErrMalformedResult, insertResult.RowsAffected))
	}
	return nil
}

// CurrentSequence reads the high-water mark of root inside tx.
func CurrentSequence(ctx context.Context, tx *txn.Tx, root AggregateRoot) (SequenceNumber, error) {
	if root.IsZero() {
		return SequenceNumber{}, newServiceError(opReadCurrent, reasonInvalidRoot, fmt.Errorf("%w: zero value", ErrInvalidAggregateRoot))
	}
	return NewSequenceStore().ReadCurrent(ctx, tx, root.Key())
}

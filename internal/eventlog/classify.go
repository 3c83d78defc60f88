package eventlog

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation = "23505"

	reasonDuplicateSequence = "duplicate_sequence"
)

// isDuplicateKey reports whether err is a primary key or unique constraint violation.
// Under the aggregate lock this never happens, so callers treat it as a broken contract.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// storageFailure categorizes a failed write as malformed when a constraint rejected it
// and as transient otherwise.
func storageFailure(operation, reason string, err error) error {
	if isDuplicateKey(err) {
		return newServiceError(operation, reasonDuplicateSequence, categorize(ErrMalformedResult, err))
	}
	return newServiceError(operation, reason, categorize(ErrTransientInfra, err))
}

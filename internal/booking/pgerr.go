package booking

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// sqlStateSerializationFailure and sqlStateDeadlockDetected are the
// PostgreSQL error codes spec.md §4.3 step 10 names explicitly: both are
// retried end-to-end up to 3 times with exponential backoff rather than
// surfaced to the caller.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// isRetryable reports whether err is a PostgreSQL serialization failure or
// deadlock, the two conditions spec.md §4.3 step 10 and §7 mandate a
// transparent retry for.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

package bunstore

import (
	"database/sql"
	"errors"

	"github.com/uptrace/bun/driver/pgdriver"
)

// Postgres error class for unique_violation.
const pgUniqueViolation = "23505"

// isNoRows reports whether err means the query matched nothing.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether err is a unique-constraint violation,
// which the stores map onto their already-exists sentinels.
func isDuplicateKey(err error) bool {
	var pgErr pgdriver.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Field('C') == pgUniqueViolation
}

package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"noterelay/internal/app/store"
)

// IsForeignKeyViolation checks if the error is a PostgreSQL foreign key violation (code 23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// mapError converts driver errors into store errors, wrapping everything else with op.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) || IsForeignKeyViolation(err) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, err)
}

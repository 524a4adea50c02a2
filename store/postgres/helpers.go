package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StratusCode/paralyze"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isTransient reports whether err is a connectivity or contention failure
// that a later retry against the same store could succeed. SQLSTATE class
// 08 covers connection exceptions, class 53 insufficient resources, 40001
// is a serialization failure, 40P01 a deadlock, and 57P01 an admin
// shutdown of the backend.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01":
			return true
		}
	}

	return pgconn.SafeToRetry(err)
}

// wrapErr annotates a store error with the failing operation, joining in
// ErrStoreUnavailable when the failure is transient so callers can decide
// to retry.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("paralyze/postgres: %s: %w", op, errors.Join(paralyze.ErrStoreUnavailable, err))
	}
	return fmt.Errorf("paralyze/postgres: %s: %w", op, err)
}

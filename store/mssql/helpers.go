package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	gomssql "github.com/microsoft/go-mssqldb"

	"github.com/StratusCode/paralyze"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation checks for a primary key or unique index violation.
func isUniqueViolation(err error) bool {
	var mssqlErr gomssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}

// transientNumbers are server error numbers a later retry against the same
// store could outlive: deadlock victim, connection drops, and the Azure
// SQL throttling and failover family.
var transientNumbers = map[int32]bool{
	1205:  true, // deadlock victim
	233:   true, // transport-level connection error
	64:    true, // connection failed during login
	20:    true, // instance does not support encryption
	10053: true, // transport aborted
	10054: true, // connection reset by peer
	10060: true, // connection timed out
	4060:  true, // cannot open database
	10928: true, // resource limit reached
	10929: true, // too many requests
	40197: true, // service error during failover
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true, // not enough resources to process request
	49919: true, // too many create/update operations
	49920: true, // too many operations in progress
}

// isTransient reports whether err is a connectivity or contention failure
// that a later retry against the same store could succeed.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var mssqlErr gomssql.Error
	if errors.As(err, &mssqlErr) {
		return transientNumbers[mssqlErr.Number]
	}

	return false
}

// wrapErr annotates a store error with the failing operation, joining in
// ErrStoreUnavailable when the failure is transient so callers can decide
// to retry.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("paralyze/mssql: %s: %w", op, errors.Join(paralyze.ErrStoreUnavailable, err))
	}
	return fmt.Errorf("paralyze/mssql: %s: %w", op, err)
}

// normalizeDBTime pins a zoneless DATETIME2 value to UTC.
func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	ingesterrors "github.com/rcourtman/exposure-ingest/internal/errors"
)

// Classify maps a driver error onto the ingestion error taxonomy. The result
// is always a *errors.StoreError so callers can match it with errors.Is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *ingesterrors.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return ingesterrors.NewStoreError(classify(err), op, err)
}

func classify(err error) ingesterrors.ErrorType {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes are enabled on every modernc connection.
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ingesterrors.ErrorTypeDuplicate
		}
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ingesterrors.ErrorTypeConflict
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY:
			return ingesterrors.ErrorTypeUnavailable
		}
		return ingesterrors.ErrorTypeInternal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ingesterrors.ErrorTypeDuplicate
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return ingesterrors.ErrorTypeConflict
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return ingesterrors.ErrorTypeUnavailable
		}
		return ingesterrors.ErrorTypeInternal
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return ingesterrors.ErrorTypeUnavailable
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ingesterrors.ErrorTypeUnavailable
	}
	return ingesterrors.ErrorTypeInternal
}

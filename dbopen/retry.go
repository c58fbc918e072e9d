package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const busyAttempts = 3

// IsBusy reports whether err is an SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Exec runs query, retrying up to three times with linear 100ms backoff while
// the database reports busy. Both the local slot upsert and the relay
// document upsert go through here.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsBusy(err) {
			return nil, err
		}
		if attempt == busyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(100*attempt) * time.Millisecond):
		}
	}
	return nil, lastErr
}

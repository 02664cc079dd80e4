package etl

import (
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"
)

// ErrLockContention marks a failure caused by another process holding a lock
// on the analytical store. Wrap it to opt a custom error into lock retry.
var ErrLockContention = errors.New("analytical store is locked")

const (
	sqliteBusy   = 5
	sqliteLocked = 6

	mssqlDeadlock    = 1205
	mssqlLockTimeout = 1222
)

var lockMessages = []string{
	"could not set lock",
	"conflicting lock",
	"database is locked",
	"database table is locked",
}

// IsLockContention reports whether err is transient lock contention that is
// worth retrying.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockContention) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}

	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case mssqlDeadlock, mssqlLockTimeout:
			return true
		}
	}

	// DuckDB only reports lock conflicts through the message text.
	msg := strings.ToLower(err.Error())
	for _, m := range lockMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// LockRetryError is returned when lock contention outlasted every attempt.
type LockRetryError struct {
	Attempts int
	Err      error
}

func (e *LockRetryError) Error() string {
	return fmt.Sprintf("analytical store still locked after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LockRetryError) Unwrap() error { return e.Err }

// StepError names the pipeline step that failed.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s step failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

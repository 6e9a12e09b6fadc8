package db

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

// dialect isolates the SQL spellings and error codes that differ between
// backends. It is chosen once in NewClient.
type dialect interface {
	name() string
	bitAnd(a, b string) string
	bitOr(a, b string) string
	// groupConcat aggregates ids into a comma separated string.
	groupConcat(expr string) string
	// forUpdate is appended to row-locking selects.
	forUpdate() string
	storeTime(db *gorm.DB) (time.Time, error)
	isUniqueViolation(err error) bool
	isRetryable(err error) bool
}

type postgresDialect struct{}

func (postgresDialect) name() string { return TypePostgres }

func (postgresDialect) bitAnd(a, b string) string { return "(" + a + " & " + b + ")" }

func (postgresDialect) bitOr(a, b string) string { return "(" + a + " | " + b + ")" }

func (postgresDialect) groupConcat(expr string) string {
	return "string_agg(CAST(" + expr + " AS TEXT), ',')"
}

func (postgresDialect) forUpdate() string { return " FOR UPDATE" }

func (postgresDialect) storeTime(db *gorm.DB) (time.Time, error) {
	var t time.Time
	err := db.Raw("SELECT now()").Row().Scan(&t)
	return t, err
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (postgresDialect) isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
	}
	return false
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return TypeSQLite }

func (sqliteDialect) bitAnd(a, b string) string { return "(" + a + " & " + b + ")" }

func (sqliteDialect) bitOr(a, b string) string { return "(" + a + " | " + b + ")" }

func (sqliteDialect) groupConcat(expr string) string {
	return "group_concat(" + expr + ", ',')"
}

// SQLite has no row locks; transactions start with BEGIN IMMEDIATE instead.
func (sqliteDialect) forUpdate() string { return "" }

func (sqliteDialect) storeTime(db *gorm.DB) (time.Time, error) {
	var epoch int64
	if err := db.Raw("SELECT CAST(strftime('%s', 'now') AS INTEGER)").Row().Scan(&epoch); err != nil {
		return time.Time{}, err
	}
	return time.Unix(epoch, 0).UTC(), nil
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (sqliteDialect) isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// stateList renders states as a parenthesized SQL literal list. The values
// are compile-time codes, never user input.
func stateList(states []session.TaskStateCode) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = strconv.Itoa(int(s))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func stateLiteral(s session.TaskStateCode) string {
	return strconv.Itoa(int(s))
}

// parseIDList splits an aggregated id string.
func parseIDList(s *string) []int64 {
	if s == nil || *s == "" {
		return []int64{}
	}
	parts := strings.Split(*s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

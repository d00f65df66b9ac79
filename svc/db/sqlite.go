package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 20 * time.Millisecond
	responseTimeJitter = 10 * time.Millisecond
)

type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// Migrate runs pending migrations on open.
	Migrate bool
}

func DefaultOptions() Options {
	return Options{MaxOpenConns: 16, MaxIdleConns: 4, QueryTimeout: 5 * time.Second, Migrate: true}
}

// SQLite is the system of record. Every query goes through the circuit
// breaker and a per-query timeout.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// DSN appends the connection options every handle needs.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func NewSQLite(path string, opt Options) (*SQLite, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping db")
	}
	if !strings.Contains(path, "mode=memory") {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable WAL mode")
		}
	}
	s := NewFromDB(db, opt.QueryTimeout)
	if opt.Migrate {
		if err := MigrateUp(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewFromDB wraps an existing handle, used with sqlmock in tests.
func NewFromDB(db *sql.DB, queryTimeout time.Duration) *SQLite {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &SQLite{db: db, queryTimeout: queryTimeout}
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraint(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, q, args...)
	s.recordError(err)
	return res, err
}

// queryRow runs q and scans the single row into dest.
func (s *SQLite) queryRow(ctx context.Context, q string, args []any, dest ...any) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.QueryRowContext(ctx, q, args...).Scan(dest...)
	s.recordError(err)
	return err
}

// query runs q and hands every row to scan.
func (s *SQLite) query(ctx context.Context, q string, args []any, scan func(*sql.Rows) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	s.recordError(err)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// normalizeResponseTime pads paste lookups so hits and misses take the same
// time and ids cannot be probed by latency.
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// uniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure on
// the given table.column.
func uniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return column == "" || strings.Contains(se.Error(), column)
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.queryRow(ctx, "SELECT 1", nil, &result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// Store is the ledger and sealed-value registry on SQLite or PostgreSQL.
type Store struct {
	db            *sql.DB
	driver        string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	// writeMu serializes writers; id assignment reads MAX(id) inside the tx.
	writeMu sync.Mutex
}

type StoreOpts struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

func (s *Store) DB() *sql.DB {
	return s.db
}
func (s *Store) Driver() string {
	return s.driver
}

func NewSQLite(path string) (*Store, error) {
	return NewStore(StoreOpts{Driver: cfg.DriverSQLite, DSN: path})
}

func NewStoreFromCfg(c *cfg.Cfg) (*Store, error) {
	dsn := c.DatabasePath
	if c.DatabaseDriver == cfg.DriverPostgres {
		dsn = c.DatabaseURL.Value()
	}
	return NewStore(StoreOpts{
		Driver:       c.DatabaseDriver,
		DSN:          dsn,
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
	})
}

func NewStore(opts StoreOpts) (*Store, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = defaultMaxIdleConns
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	dsn := opts.DSN
	switch opts.Driver {
	case cfg.DriverSQLite:
		dsn = sqliteDSN(dsn)
	case cfg.DriverPostgres:
	default:
		return nil, errors.Errorf("unsupported driver %q", opts.Driver)
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &Store{
		db:           db,
		driver:       opts.Driver,
		queryTimeout: opts.QueryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN sets connection pragmas through go-sqlite3 DSN parameters so that
// every pooled connection gets them.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + params
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sealed_values (
	handle TEXT PRIMARY KEY,
	sealed BLOB NOT NULL,
	author TEXT NOT NULL,
	destination TEXT NOT NULL,
	finalized INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	author TEXT NOT NULL,
	timestamp INTEGER NOT NULL CHECK (timestamp >= 0),
	ciphertext TEXT NOT NULL CHECK (length(ciphertext) > 2),
	key_handle TEXT NOT NULL UNIQUE REFERENCES sealed_values(handle)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sealed_values (
	handle TEXT PRIMARY KEY,
	sealed BYTEA NOT NULL,
	author TEXT NOT NULL,
	destination TEXT NOT NULL,
	finalized INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGINT PRIMARY KEY,
	author TEXT NOT NULL,
	timestamp BIGINT NOT NULL CHECK (timestamp >= 0),
	ciphertext TEXT NOT NULL CHECK (length(ciphertext) > 2),
	key_handle TEXT NOT NULL UNIQUE REFERENCES sealed_values(handle)
);
`

func (s *Store) migrate() error {
	schema := sqliteSchema
	if s.driver == cfg.DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != cfg.DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *Store) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	var derr *domain.Err
	if errors.As(err, &derr) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
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

// isUniqueViolation recognizes constraint conflicts from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *Store) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *Store) Close() error {
	return s.db.Close()
}

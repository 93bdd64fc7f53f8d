package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"netmigrate/config"
	"netmigrate/logging"
	"netmigrate/models"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	workspace_path TEXT NOT NULL,
	log TEXT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Ledger records finished jobs. It is not internally concurrent: every access
// goes through Do, which holds the ledger's exclusive lock for the duration of
// the callback. Filesystem work done inside the callback is serialized with
// all other ledger users.
type Ledger struct {
	db       *sql.DB
	postgres bool
	clock    clock.Clock
	lock     chan struct{}
	logger   zerolog.Logger
}

// OpenLedger connects to the ledger database and creates the schema if needed.
func OpenLedger(driver, dsn string, clk clock.Clock, logger zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	l := &Ledger{
		db:       db,
		postgres: driver == config.DriverPostgres,
		clock:    clk,
		lock:     make(chan struct{}, 1),
		logger:   logging.Component(logger, "ledger"),
	}
	if l.clock == nil {
		l.clock = clock.WallClock
	}

	if err := l.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init(ctx context.Context) error {
	if !l.postgres {
		l.db.SetMaxOpenConns(1)
		if _, err := l.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := l.db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping ledger: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Do runs fn while holding the ledger lock. The session must not be used
// after fn returns.
func (l *Ledger) Do(ctx context.Context, fn func(s *LedgerSession) error) error {
	select {
	case l.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.lock }()

	return fn(&LedgerSession{ledger: l, ctx: ctx})
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (l *Ledger) rebind(query string) string {
	if !l.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

// LedgerSession exposes ledger operations to a caller holding the lock.
type LedgerSession struct {
	ledger *Ledger
	ctx    context.Context
}

// Detached returns a session that ignores cancellation of the caller's
// context. Use it for the cleanup tail of an operation that must not stop
// half way, once a row has been found.
func (s *LedgerSession) Detached() *LedgerSession {
	return &LedgerSession{ledger: s.ledger, ctx: context.WithoutCancel(s.ctx)}
}

// Insert records a new job and returns its generated id.
func (s *LedgerSession) Insert(workspacePath, log string) (string, error) {
	id := uuid.NewString()
	now := s.ledger.clock.Now().Unix()

	query := s.ledger.rebind(`INSERT INTO jobs (id, workspace_path, log, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.ledger.db.ExecContext(s.ctx, query, id, workspacePath, log, now); err != nil {
		return "", fmt.Errorf("%w: insert job: %v", models.ErrPersistence, err)
	}
	return id, nil
}

// Lookup returns the job with id or ErrNotFound.
func (s *LedgerSession) Lookup(id string) (models.JobEntry, error) {
	query := s.ledger.rebind(`SELECT id, workspace_path, log, created_at FROM jobs WHERE id = ?`)
	entry, err := scanEntry(s.ledger.db.QueryRowContext(s.ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.JobEntry{}, fmt.Errorf("%w: lookup job: %v", models.ErrPersistence, err)
	}
	return entry, nil
}

// Delete removes the row for id. Deleting an unknown id is not an error.
func (s *LedgerSession) Delete(id string) error {
	query := s.ledger.rebind(`DELETE FROM jobs WHERE id = ?`)
	if _, err := s.ledger.db.ExecContext(s.ctx, query, id); err != nil {
		return fmt.Errorf("%w: delete job: %v", models.ErrPersistence, err)
	}
	return nil
}

// Expired returns every job whose age is at least ttl.
func (s *LedgerSession) Expired(ttl time.Duration) ([]models.JobEntry, error) {
	cutoff := s.ledger.clock.Now().Add(-ttl).Unix()

	query := s.ledger.rebind(`SELECT id, workspace_path, log, created_at FROM jobs WHERE created_at <= ? ORDER BY created_at`)
	rows, err := s.ledger.db.QueryContext(s.ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: select expired: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	var entries []models.JobEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan expired: %v", models.ErrPersistence, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate expired: %v", models.ErrPersistence, err)
	}
	return entries, nil
}

// Count returns the number of live jobs.
func (s *LedgerSession) Count() (int, error) {
	var n int
	if err := s.ledger.db.QueryRowContext(s.ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count jobs: %v", models.ErrPersistence, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.JobEntry, error) {
	var (
		entry     models.JobEntry
		log       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&entry.ID, &entry.WorkspacePath, &log, &createdAt); err != nil {
		return models.JobEntry{}, err
	}
	entry.Log = log.String
	entry.CreatedAt = time.Unix(createdAt, 0)
	return entry, nil
}

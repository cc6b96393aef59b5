// SQLite implementation of the request store. A single writer connection with
// WAL mode covers this workload comfortably; contention shows up as transient
// busy errors which the retry wrapper absorbs.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var initialSchema string

const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	cfg    *config.DatabaseConfig
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database, applies pragmas and
// migrations, and returns a ready store.
func NewSQLiteStore(cfg *config.DatabaseConfig, logger *logging.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.PoolConnectionLimit)
	db.SetMaxIdleConns(cfg.PoolConnectionLimit)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.AcquireTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	logger.Info("Store initialized",
		"path", cfg.Path,
		"pool_limit", cfg.PoolConnectionLimit,
	)

	return &SQLiteStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// InsertRequest creates a PENDING request row.
func (s *SQLiteStore) InsertRequest(ctx context.Context, req *NewRequest) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var id int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dns_requests
			(target, type, status, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			req.Target,
			string(req.Type),
			string(StatusPending),
			now.Format(timeLayout),
			now.Format(timeLayout),
			req.ExpiresAt.UTC().Format(timeLayout),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s %s", ErrDuplicate, req.Type, req.Target)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Request{
		ID:        id,
		Target:    req.Target,
		Type:      req.Type,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt.UTC(),
	}, nil
}

const requestColumns = `
	id, target, type, status,
	COALESCE(last_check_result_json, ''), last_checked_at, next_check_at,
	activated_at, fail_reason, created_at, updated_at, expires_at
`

// FindByID loads one request by primary key.
func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryOne(ctx, `SELECT `+requestColumns+` FROM dns_requests WHERE id = ?`, id)
}

// FindByTarget loads the request for a (target, type) pair.
func (s *SQLiteStore) FindByTarget(ctx context.Context, target string, typ RequestType) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryOne(ctx,
		`SELECT `+requestColumns+` FROM dns_requests WHERE target = ? AND type = ?`,
		target, string(typ))
}

// FindByTargetAll loads every request for a target, newest first.
func (s *SQLiteStore) FindByTargetAll(ctx context.Context, target string) ([]*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryMany(ctx,
		`SELECT `+requestColumns+` FROM dns_requests WHERE target = ? ORDER BY created_at DESC, id DESC`,
		target)
}

// FindLastCreated returns the newest request for a (target, type) pair
// regardless of status.
func (s *SQLiteStore) FindLastCreated(ctx context.Context, target string, typ RequestType) (*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryOne(ctx, `
		SELECT `+requestColumns+`
		FROM dns_requests
		WHERE target = ? AND type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, target, string(typ))
}

// FindPendingNotExpired returns PENDING requests whose deadline has not
// passed yet.
func (s *SQLiteStore) FindPendingNotExpired(ctx context.Context, now time.Time) ([]*Request, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryMany(ctx, `
		SELECT `+requestColumns+`
		FROM dns_requests
		WHERE status = ? AND expires_at > ?
		ORDER BY created_at ASC, id ASC
	`, string(StatusPending), now.UTC().Format(timeLayout))
}

// UpdateCheckResult writes the latest check payload onto a still-PENDING row.
func (s *SQLiteStore) UpdateCheckResult(ctx context.Context, id int64, resultJSON string, checkedAt, nextCheckAt time.Time) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.guardedUpdate(ctx, `
		UPDATE dns_requests
		SET last_check_result_json = ?, last_checked_at = ?, next_check_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		resultJSON,
		checkedAt.UTC().Format(timeLayout),
		nextCheckAt.UTC().Format(timeLayout),
		time.Now().UTC().Format(timeLayout),
		id, string(StatusPending))
}

// TouchLastChecked stamps the last-checked time without touching the result
// or status.
func (s *SQLiteStore) TouchLastChecked(ctx context.Context, id int64, checkedAt time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dns_requests SET last_checked_at = ? WHERE id = ?
		`, checkedAt.UTC().Format(timeLayout), id)
		return err
	})
}

// TransitionActive promotes PENDING to ACTIVE, stamping activated_at. The
// WHERE clause is the whole concurrency story: whichever writer lands first
// wins, everyone else sees zero affected rows.
func (s *SQLiteStore) TransitionActive(ctx context.Context, id int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	now := time.Now().UTC().Format(timeLayout)
	return s.guardedUpdate(ctx, `
		UPDATE dns_requests
		SET status = ?, activated_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusActive), now, now, id, string(StatusPending))
}

// TransitionExpired moves PENDING to EXPIRED with a fixed fail reason.
func (s *SQLiteStore) TransitionExpired(ctx context.Context, id int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.guardedUpdate(ctx, `
		UPDATE dns_requests
		SET status = ?, fail_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusExpired), "Request expired", time.Now().UTC().Format(timeLayout), id, string(StatusPending))
}

// RecordCheckError notes the latest check failure. Status is untouched; a
// transient resolver problem must not stop the polling loop.
func (s *SQLiteStore) RecordCheckError(ctx context.Context, id int64, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dns_requests SET fail_reason = ?, updated_at = ? WHERE id = ?
		`, reason, time.Now().UTC().Format(timeLayout), id)
		return err
	})
}

// SetFailReason marks a request FAILED. Unconditional on current status;
// this is an operator action, not part of the automatic lifecycle.
func (s *SQLiteStore) SetFailReason(ctx context.Context, id int64, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE dns_requests
			SET status = ?, fail_reason = ?, updated_at = ?
			WHERE id = ?
		`, string(StatusFailed), reason, time.Now().UTC().Format(timeLayout), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkDomainActive records a domain activation. Re-activating is a no-op.
func (s *SQLiteStore) MarkDomainActive(ctx context.Context, domain string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO domains (domain, activated_at) VALUES (?, ?)
		`, domain, time.Now().UTC().Format(timeLayout))
		return err
	})
}

// CleanupOld removes terminal-state rows last updated before the cutoff.
func (s *SQLiteStore) CleanupOld(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var removed int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM dns_requests
			WHERE status IN (?, ?) AND updated_at < ?
		`, string(StatusExpired), string(StatusFailed), before.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Request, error) {
	var req *Request
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		r, err := scanRequest(row)
		if err != nil {
			return err
		}
		req = r
		return nil
	})
	return req, err
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*Request, error) {
	var out []*Request
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	var affected bool
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n > 0
		return nil
	})
	return affected, err
}

// withRetry runs fn, retrying transient errors with a linear backoff. The
// attempt count and delay come from configuration; non-transient errors
// return immediately.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	attempts := s.cfg.QueryRetryCount
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		s.logger.Warn("Transient database error, retrying",
			"attempt", i+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.QueryRetryDelay):
		}
	}
	return err
}

// isTransient reports whether an error is worth retrying. SQLite surfaces
// lock contention as busy/locked errors that clear on their own.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r           Request
		typ, status string
		lastChecked sql.NullString
		nextCheck   sql.NullString
		activated   sql.NullString
		created     string
		updated     string
		expires     string
	)
	err := row.Scan(
		&r.ID, &r.Target, &typ, &status,
		&r.LastCheckResultJSON, &lastChecked, &nextCheck,
		&activated, &r.FailReason, &created, &updated, &expires,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Type = RequestType(typ)
	r.Status = Status(status)
	r.CreatedAt = parseStoredTime(created)
	r.UpdatedAt = parseStoredTime(updated)
	r.ExpiresAt = parseStoredTime(expires)
	r.LastCheckedAt = parseOptionalTime(lastChecked)
	r.NextCheckAt = parseOptionalTime(nextCheck)
	r.ActivatedAt = parseOptionalTime(activated)
	return &r, nil
}

func parseOptionalTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseStoredTime(v.String)
	return &t
}

// parseStoredTime parses a persisted timestamp, tolerating the formats older
// rows may carry.
func parseStoredTime(value string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue store: open: %w", err)
	}
	// One connection serializes writers; claims run inside a transaction
	// and must not race another connection's claim.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue store: synchronous: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			sender       TEXT NOT NULL DEFAULT '',
			recipient    TEXT NOT NULL,
			content      TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			ttl_ns       INTEGER NOT NULL DEFAULT 0,
			expires_at   INTEGER,
			not_before   INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			error_kind   TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(recipient, status, priority DESC, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages(status, expires_at);
	`)
	if err != nil {
		return fmt.Errorf("queue store: migrate: %w", err)
	}
	return nil
}

const messageColumns = `seq, id, sender, recipient, content, priority, status, attempts, max_attempts,
	ttl_ns, expires_at, not_before, last_error, error_kind, created_at, updated_at`

func (s *SQLiteStore) Insert(ctx context.Context, m *protocol.Message) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, content, priority, status, attempts, max_attempts,
			ttl_ns, expires_at, not_before, last_error, error_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Sender, m.Recipient, m.Content, int(m.Priority), string(m.Status), m.Attempts, m.MaxAttempts,
		int64(m.TTL), nullableNanos(m.ExpiresAt), unixNanos(m.NotBefore), m.LastError, m.ErrorKind,
		unixNanos(m.CreatedAt), unixNanos(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("queue store: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("queue store: insert seq: %w", err)
	}
	m.Seq = seq
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*protocol.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courierr.New(courierr.KindNotFound, "queue store: get", "message %q not found", id)
		}
		return nil, fmt.Errorf("queue store: get: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, recipient string, now time.Time) (*protocol.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue store: claim: begin: %w", err)
	}
	defer tx.Rollback()

	nowNs := unixNanos(now)
	row := tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE recipient = ? AND status = 'pending' AND not_before <= ?
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority DESC, seq ASC
		LIMIT 1
	`, recipient, nowNs, nowNs)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue store: claim: select: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		nowNs, m.ID)
	if err != nil {
		return nil, fmt.Errorf("queue store: claim: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue store: claim: commit: %w", err)
	}

	m.Status = protocol.StatusProcessing
	m.UpdatedAt = now
	return m, nil
}

func (s *SQLiteStore) Update(ctx context.Context, m *protocol.Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, attempts = ?, not_before = ?, expires_at = ?, last_error = ?, error_kind = ?, updated_at = ?
		WHERE id = ? AND status != 'delivered'
	`, string(m.Status), m.Attempts, unixNanos(m.NotBefore), nullableNanos(m.ExpiresAt), m.LastError, m.ErrorKind,
		unixNanos(m.UpdatedAt), m.ID)
	if err != nil {
		return fmt.Errorf("queue store: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, m.ID)
	}
	return nil
}

// explainMiss distinguishes an unknown id from a delivered (immutable) one.
func (s *SQLiteStore) explainMiss(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return courierr.New(courierr.KindNotFound, "queue store: update", "message %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("queue store: update: %w", err)
	}
	return courierr.New(courierr.KindTerminal, "queue store: update", "message %q is %s and cannot change", id, status)
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Recipient != "" {
		query += " AND recipient = ?"
		args = append(args, filter.Recipient)
	}
	if filter.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filter.Sender)
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue store: list: %w", err)
	}
	defer rows.Close()

	var msgs []*protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("queue store: list scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[protocol.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue store: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[protocol.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue store: count scan: %w", err)
		}
		counts[protocol.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	nowNs := unixNanos(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'expired', updated_at = ?
		WHERE status IN ('pending', 'processing') AND expires_at IS NOT NULL AND expires_at <= ?
	`, nowNs, nowNs)
	if err != nil {
		return 0, fmt.Errorf("queue store: expire: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE status = 'expired' AND updated_at < ?`, unixNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("queue store: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ResetProcessing(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = 'pending', updated_at = ? WHERE status = 'processing'`,
		unixNanos(now))
	if err != nil {
		return 0, fmt.Errorf("queue store: reset processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(s scannable) (*protocol.Message, error) {
	var (
		m                                protocol.Message
		priority                         int
		status                           string
		ttl, notBefore, created, updated int64
		expires                          sql.NullInt64
	)
	err := s.Scan(&m.Seq, &m.ID, &m.Sender, &m.Recipient, &m.Content, &priority, &status, &m.Attempts,
		&m.MaxAttempts, &ttl, &expires, &notBefore, &m.LastError, &m.ErrorKind, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.Priority = protocol.Priority(priority)
	m.Status = protocol.Status(status)
	m.TTL = time.Duration(ttl)
	m.NotBefore = fromNanos(notBefore)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	if expires.Valid {
		t := fromNanos(expires.Int64)
		m.ExpiresAt = &t
	}
	return &m, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	sender       TEXT NOT NULL DEFAULT '',
	recipient    TEXT NOT NULL,
	content      TEXT NOT NULL,
	priority     SMALLINT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	ttl_ns       BIGINT NOT NULL DEFAULT 0,
	expires_at   TIMESTAMPTZ,
	not_before   TIMESTAMPTZ NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(recipient, status, priority DESC, seq);
CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages(status, expires_at);
`

// PostgresStore implements Store on PostgreSQL through a pgx pool. Claims use
// FOR UPDATE SKIP LOCKED so several daemons can share one table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL, verifies connectivity and applies
// the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("queue store: parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("queue store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue store: migrate: %w", err)
	}
	slog.Debug("postgres queue store ready")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, m *protocol.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender, recipient, content, priority, status, attempts, max_attempts,
			ttl_ns, expires_at, not_before, last_error, error_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING seq
	`, m.ID, m.Sender, m.Recipient, m.Content, int16(m.Priority), string(m.Status), m.Attempts, m.MaxAttempts,
		int64(m.TTL), m.ExpiresAt, m.NotBefore, m.LastError, m.ErrorKind, m.CreatedAt, m.UpdatedAt).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("queue store: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*protocol.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanPgMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, courierr.New(courierr.KindNotFound, "queue store: get", "message %q not found", id)
		}
		return nil, fmt.Errorf("queue store: get: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, recipient string, now time.Time) (*protocol.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue store: claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE recipient = $1 AND status = 'pending' AND not_before <= $2
			AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY priority DESC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, recipient, now)
	m, err := scanPgMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue store: claim: select: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE messages SET status = 'processing', updated_at = $1 WHERE id = $2`, now, m.ID); err != nil {
		return nil, fmt.Errorf("queue store: claim: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue store: claim: commit: %w", err)
	}

	m.Status = protocol.StatusProcessing
	m.UpdatedAt = now
	return m, nil
}

func (s *PostgresStore) Update(ctx context.Context, m *protocol.Message) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $1, attempts = $2, not_before = $3, expires_at = $4, last_error = $5, error_kind = $6,
			updated_at = $7
		WHERE id = $8 AND status != 'delivered'
	`, string(m.Status), m.Attempts, m.NotBefore, m.ExpiresAt, m.LastError, m.ErrorKind, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("queue store: update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, m.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return courierr.New(courierr.KindNotFound, "queue store: update", "message %q not found", m.ID)
	}
	if err != nil {
		return fmt.Errorf("queue store: update: %w", err)
	}
	return courierr.New(courierr.KindTerminal, "queue store: update", "message %q is %s and cannot change", m.ID, status)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE TRUE`
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Recipient != "" {
		args = append(args, filter.Recipient)
		query += fmt.Sprintf(" AND recipient = $%d", len(args))
	}
	if filter.Sender != "" {
		args = append(args, filter.Sender)
		query += fmt.Sprintf(" AND sender = $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue store: list: %w", err)
	}
	defer rows.Close()

	var msgs []*protocol.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("queue store: list scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[protocol.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue store: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[protocol.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue store: count scan: %w", err)
		}
		counts[protocol.Status(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'expired', updated_at = $1
		WHERE status IN ('pending', 'processing') AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("queue store: expire: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE status = 'expired' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue store: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ResetProcessing(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = 'pending', updated_at = $1 WHERE status = 'processing'`, now)
	if err != nil {
		return 0, fmt.Errorf("queue store: reset processing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgMessage(row pgx.Row) (*protocol.Message, error) {
	var (
		m        protocol.Message
		priority int16
		status   string
		ttl      int64
	)
	err := row.Scan(&m.Seq, &m.ID, &m.Sender, &m.Recipient, &m.Content, &priority, &status, &m.Attempts,
		&m.MaxAttempts, &ttl, &m.ExpiresAt, &m.NotBefore, &m.LastError, &m.ErrorKind, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Priority = protocol.Priority(priority)
	m.Status = protocol.Status(status)
	m.TTL = time.Duration(ttl)
	return &m, nil
}

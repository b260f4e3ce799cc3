package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG implements Store on a pgx connection pool. Uniqueness of outbox ids
// and token values is enforced by the database, which is what makes
// concurrent intake of the same id linearizable.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

const outboxColumns = `id, channel, payload_json, hash, status, attempts, created_at, received_at, available_at, last_error`

func scanOutboxRow(row pgx.Row) (*OutboxRow, error) {
	var r OutboxRow
	var status string
	err := row.Scan(&r.ID, &r.Channel, &r.PayloadJSON, &r.Hash, &status, &r.Attempts,
		&r.CreatedAt, &r.ReceivedAt, &r.AvailableAt, &r.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PG) Get(ctx context.Context, id string) (*OutboxRow, error) {
	return scanOutboxRow(s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_event WHERE id = $1`, id))
}

func (s *PG) Insert(ctx context.Context, row *OutboxRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_event (id, channel, payload_json, hash, status, attempts, created_at, received_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.ID, row.Channel, row.PayloadJSON, row.Hash, string(row.Status), row.Attempts,
		row.CreatedAt, row.ReceivedAt, row.AvailableAt)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *PG) Replace(ctx context.Context, id, payloadJSON, hash, channel string, createdAt time.Time) (*OutboxRow, error) {
	row, err := scanOutboxRow(s.pool.QueryRow(ctx, `
		UPDATE outbox_event
		SET payload_json = $2,
		    hash         = $3,
		    channel      = $4,
		    created_at   = $5,
		    attempts     = 0,
		    status       = 'queued',
		    available_at = now(),
		    last_error   = NULL
		WHERE id = $1
		RETURNING `+outboxColumns, id, payloadJSON, hash, channel, createdAt))
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *PG) NextQueued(ctx context.Context, now time.Time) (*OutboxRow, error) {
	// Oldest eligible row first. The scan index on
	// (status, available_at, created_at) keeps this cheap.
	return scanOutboxRow(s.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_event
		WHERE status = 'queued' AND available_at <= $1
		ORDER BY created_at
		LIMIT 1
	`, now))
}

func (s *PG) MarkProcessed(ctx context.Context, id string) error {
	// Guarded on status so processed stays absorbing even if a queue
	// worker and the poller race on the same row.
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_event SET status = 'processed', last_error = NULL
		WHERE id = $1 AND status = 'queued'
	`, id)
	return err
}

func (s *PG) Fail(ctx context.Context, id string, attempts int, status Status, availableAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET attempts = $2, status = $3, available_at = $4, last_error = $5
		WHERE id = $1 AND status = 'queued'
	`, id, attempts, string(status), availableAt, lastError)
	return err
}

func (s *PG) GetByValue(ctx context.Context, token string) (*Token, error) {
	return s.scanToken(s.pool.QueryRow(ctx,
		`SELECT id, token, name, created_at, revoked_at FROM api_token WHERE token = $1`, token))
}

func (s *PG) GetByID(ctx context.Context, id string) (*Token, error) {
	return s.scanToken(s.pool.QueryRow(ctx,
		`SELECT id, token, name, created_at, revoked_at FROM api_token WHERE id = $1`, id))
}

func (s *PG) scanToken(row pgx.Row) (*Token, error) {
	var t Token
	if err := row.Scan(&t.ID, &t.Token, &t.Name, &t.CreatedAt, &t.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *PG) List(ctx context.Context) ([]Token, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token, name, created_at, revoked_at FROM api_token ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.Token, &t.Name, &t.CreatedAt, &t.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PG) Create(ctx context.Context, t *Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_token (id, token, name, created_at) VALUES ($1, $2, $3, $4)
	`, t.ID, t.Token, t.Name, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *PG) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_token SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) Append(ctx context.Context, e *AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (route, method, token, ip, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Route, e.Method, e.Token, e.IP, e.Body, e.CreatedAt)
	return err
}

func (s *PG) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route, method, token, ip, body, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Route, &e.Method, &e.Token, &e.IP, &e.Body, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

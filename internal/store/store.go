package store

import (
	"context"
	"errors"
	"time"
)

// Row status lifecycle: queued -> processed on success, queued -> queued
// on a transient delivery failure, queued -> error once attempts hit the
// cap. processed and error are terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateID is returned by Insert when the id already exists.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// OutboxRow is the durable server-side representation of an envelope.
type OutboxRow struct {
	ID          string
	Channel     string
	PayloadJSON string // canonical serialization, stable key order
	Hash        string // SHA-256 of PayloadJSON
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	ReceivedAt  time.Time
	AvailableAt time.Time
	LastError   *string
}

// Token is an issued bearer credential. It authenticates iff RevokedAt
// is nil.
type Token struct {
	ID        string
	Token     string
	Name      *string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// AuditEntry is one append-only record of a mutating request or a
// terminal worker failure.
type AuditEntry struct {
	Route     string
	Method    string
	Token     *string
	IP        *string
	Body      string
	CreatedAt time.Time
}

// OutboxStore persists intake rows and drives the delivery worker scan.
type OutboxStore interface {
	Get(ctx context.Context, id string) (*OutboxRow, error)

	// Insert adds a new queued row. Returns ErrDuplicateID when a row
	// with the same id already exists.
	Insert(ctx context.Context, row *OutboxRow) error

	// Replace overwrites payload, hash, channel and createdAt for an
	// existing id, resetting attempts to 0 and status to queued.
	Replace(ctx context.Context, id, payloadJSON, hash, channel string, createdAt time.Time) (*OutboxRow, error)

	// NextQueued returns the oldest queued row whose availableAt has
	// passed, or ErrNotFound when none is eligible.
	NextQueued(ctx context.Context, now time.Time) (*OutboxRow, error)

	// MarkProcessed transitions a queued row to processed. processed is
	// absorbing; marking an already-terminal row is a no-op.
	MarkProcessed(ctx context.Context, id string) error

	// Fail records a delivery failure with the caller-computed attempt
	// count, next eligibility time and terminal status decision.
	Fail(ctx context.Context, id string, attempts int, status Status, availableAt time.Time, lastError string) error
}

// TokenStore persists issued bearer tokens.
type TokenStore interface {
	GetByValue(ctx context.Context, token string) (*Token, error)
	GetByID(ctx context.Context, id string) (*Token, error)
	List(ctx context.Context) ([]Token, error)
	Create(ctx context.Context, t *Token) error
	Revoke(ctx context.Context, id string, at time.Time) error
}

// AuditStore is append-only.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store bundles the three table-level interfaces. Both the Postgres and
// the in-memory implementations satisfy it.
type Store interface {
	OutboxStore
	TokenStore
	AuditStore
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory Store used by tests and by local development when
// no DATABASE_URL is configured. It mirrors the unique-id semantics of
// the Postgres implementation.
type Mem struct {
	mu     sync.Mutex
	outbox map[string]*OutboxRow
	tokens map[string]*Token // by id
	audits []AuditEntry
}

func NewMem() *Mem {
	return &Mem{
		outbox: make(map[string]*OutboxRow),
		tokens: make(map[string]*Token),
	}
}

func copyRow(r *OutboxRow) *OutboxRow {
	c := *r
	if r.LastError != nil {
		le := *r.LastError
		c.LastError = &le
	}
	return &c
}

func (s *Mem) Get(_ context.Context, id string) (*OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(r), nil
}

func (s *Mem) Insert(_ context.Context, row *OutboxRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outbox[row.ID]; ok {
		return ErrDuplicateID
	}
	s.outbox[row.ID] = copyRow(row)
	return nil
}

func (s *Mem) Replace(_ context.Context, id, payloadJSON, hash, channel string, createdAt time.Time) (*OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.PayloadJSON = payloadJSON
	r.Hash = hash
	r.Channel = channel
	r.CreatedAt = createdAt
	r.Attempts = 0
	r.Status = StatusQueued
	r.AvailableAt = time.Now()
	r.LastError = nil
	return copyRow(r), nil
}

func (s *Mem) NextQueued(_ context.Context, now time.Time) (*OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *OutboxRow
	for _, r := range s.outbox {
		if r.Status != StatusQueued || r.AvailableAt.After(now) {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return copyRow(oldest), nil
}

func (s *Mem) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.outbox[id]; ok && r.Status == StatusQueued {
		r.Status = StatusProcessed
		r.LastError = nil
	}
	return nil
}

func (s *Mem) Fail(_ context.Context, id string, attempts int, status Status, availableAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.outbox[id]; ok && r.Status == StatusQueued {
		r.Attempts = attempts
		r.Status = status
		r.AvailableAt = availableAt
		r.LastError = &lastError
	}
	return nil
}

func (s *Mem) GetByValue(_ context.Context, token string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Token == token {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Mem) GetByID(_ context.Context, id string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Mem) List(_ context.Context) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Mem) Create(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; ok {
		return ErrDuplicateID
	}
	for _, existing := range s.tokens {
		if existing.Token == t.Token {
			return ErrDuplicateID
		}
	}
	c := *t
	s.tokens[t.ID] = &c
	return nil
}

func (s *Mem) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.RevokedAt != nil {
		return ErrNotFound
	}
	t.RevokedAt = &at
	return nil
}

func (s *Mem) Append(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *e)
	return nil
}

func (s *Mem) Recent(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.audits)
	if limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audits[i])
	}
	return out, nil
}

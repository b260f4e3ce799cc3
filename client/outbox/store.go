package outbox

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	queueKey = "outbox_queue"

	// Older app builds persisted pending feedback under its own key with
	// a flat record shape. Hydration folds those into the queue once and
	// removes the key.
	legacyFeedbackKey = "feedback_queue"
)

// Entry is one queued envelope plus its local retry state.
type Entry struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"createdAt"`
	RetryCount    int            `json:"retryCount"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
}

// Store is a durable FIFO queue of envelopes held in a single KV slot.
// All operations hydrate from the KV on first use and persist after
// every mutation, so a process restart loses nothing.
type Store struct {
	mu       sync.Mutex
	kv       KV
	entries  []Entry
	hydrated bool
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// legacyFeedback is the record shape of the pre-envelope feedback queue.
type legacyFeedback struct {
	ID          string  `json:"id"`
	RecordID    string  `json:"recordId"`
	Status      string  `json:"status"`
	SubmittedAt string  `json:"submittedAt"`
	Source      string  `json:"source"`
	Channel     string  `json:"channel"`
	Score       float64 `json:"score"`
	CreatedAt   string  `json:"createdAt"`
}

// hydrate loads the queue from the KV exactly once, folding in any
// legacy feedback entries before deleting the legacy key.
func (s *Store) hydrate() error {
	if s.hydrated {
		return nil
	}

	raw, err := s.kv.Get(queueKey)
	switch err {
	case nil:
		if jsonErr := json.Unmarshal(raw, &s.entries); jsonErr != nil {
			log.Warn().Err(jsonErr).Msg("outbox queue unreadable, starting empty")
			s.entries = nil
		}
	case ErrKeyNotFound:
	default:
		return err
	}

	if err := s.migrateLegacy(); err != nil {
		// Migration failure must not block the queue itself.
		log.Warn().Err(err).Msg("legacy feedback migration failed")
	}

	s.hydrated = true
	return nil
}

func (s *Store) migrateLegacy() error {
	raw, err := s.kv.Get(legacyFeedbackKey)
	if err == ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	var records []legacyFeedback
	if err := json.Unmarshal(raw, &records); err != nil {
		// Unreadable legacy data is unrecoverable; drop the key so the
		// migration does not run forever.
		return s.kv.Delete(legacyFeedbackKey)
	}

	seen := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		seen[e.ID] = true
	}

	migrated := 0
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = "legacy-" + rec.RecordID
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		createdAt := time.Now()
		if t, err := time.Parse(time.RFC3339Nano, rec.CreatedAt); err == nil {
			createdAt = t
		}
		s.entries = append(s.entries, Entry{
			ID:      id,
			Channel: "feedback",
			Payload: map[string]any{
				"recordId":    rec.RecordID,
				"status":      rec.Status,
				"submittedAt": rec.SubmittedAt,
				"source":      rec.Source,
				"channel":     rec.Channel,
				"score":       rec.Score,
			},
			CreatedAt: createdAt,
		})
		migrated++
	}

	if migrated > 0 {
		if err := s.persist(); err != nil {
			return err
		}
		log.Info().Int("count", migrated).Msg("migrated legacy feedback entries")
	}
	return s.kv.Delete(legacyFeedbackKey)
}

func (s *Store) persist() error {
	raw, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	return s.kv.Set(queueKey, raw)
}

// Enqueue adds an envelope to the queue. With a non-empty id and
// replace=true, an existing entry for that id is overwritten in place
// keeping its retry counter; otherwise a fresh entry is appended. The
// returned entry is the canonical stored form.
func (s *Store) Enqueue(channel string, payload map[string]any, id string, replace bool) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return nil, err
	}

	if id != "" && replace {
		for i := range s.entries {
			if s.entries[i].ID == id {
				s.entries[i].Payload = payload
				s.entries[i].Channel = channel
				s.entries[i].CreatedAt = time.Now()
				s.entries[i].NextAttemptAt = nil
				if err := s.persist(); err != nil {
					return nil, err
				}
				e := s.entries[i]
				return &e, nil
			}
		}
	}

	if id == "" {
		id = uuid.New().String()
	}
	entry := Entry{
		ID:        id,
		Channel:   channel,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	s.entries = append(s.entries, entry)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Snapshot returns a copy of the queue in insertion order.
func (s *Store) Snapshot() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Clear empties the queue.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return err
	}
	s.entries = nil
	return s.persist()
}

// commitFlush writes back the entries retained from a flush pass.
// Entries enqueued after the snapshot was taken are kept; they will be
// picked up by the next cycle.
func (s *Store) commitFlush(snapshotIDs map[string]bool, retained []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return err
	}
	next := make([]Entry, 0, len(retained))
	next = append(next, retained...)
	for _, e := range s.entries {
		if !snapshotIDs[e.ID] {
			next = append(next, e)
		}
	}
	s.entries = next
	return s.persist()
}

package queue

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const subject = "intake.outbox"

// NATS is a Queue on a NATS subject. Each published message carries one
// Job; delivery handlers are idempotent on the outbox id, so redelivery
// is harmless.
type NATS struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("intake-api"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn}, nil
}

func (q *NATS) Enqueue(_ context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.conn.Publish(subject, data)
}

func (q *NATS) Consume(ctx context.Context, fn func(context.Context, Job)) error {
	sub, err := q.conn.QueueSubscribe(subject, "outbox-workers", func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Warn().Err(err).Msg("dropping malformed outbox job")
			return
		}
		fn(ctx, job)
	})
	if err != nil {
		return err
	}
	q.sub = sub
	return nil
}

func (q *NATS) Close() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	// Drain flushes buffered publishes and waits for in-flight
	// handlers before closing.
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}

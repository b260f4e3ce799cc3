package queue

import "context"

// Job references an outbox row awaiting delivery.
type Job struct {
	OutboxID string `json:"outboxId"`
}

// Queue is the optional external job queue driving the delivery worker
// alongside the poller. When no queue is configured the worker runs on
// the poller alone.
type Queue interface {
	// Enqueue publishes a job after an accept or replace.
	Enqueue(ctx context.Context, job Job) error

	// Consume registers the handler and returns once the subscription
	// is established. Handlers may run in parallel subject to the
	// queue's concurrency.
	Consume(ctx context.Context, fn func(context.Context, Job)) error

	// Close stops consumption and drains in-flight handlers.
	Close() error
}

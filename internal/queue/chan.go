package queue

import (
	"context"
	"errors"
	"sync"
)

// Chan is an in-process Queue used in tests and single-binary setups.
type Chan struct {
	jobs    chan Job
	workers int

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewChan(buffer, workers int) *Chan {
	if workers < 1 {
		workers = 1
	}
	return &Chan{jobs: make(chan Job, buffer), workers: workers}
}

func (q *Chan) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Chan) Consume(ctx context.Context, fn func(context.Context, Job)) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				fn(ctx, job)
			}
		}()
	}
	return nil
}

func (q *Chan) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// Package pulse provides the work queue and the replicated soft-cancel flags
// over goa.design/pulse. Jobs flow through a bounded Redis stream consumed by
// a sink (consumer group); cancel flags live in a replicated map every node
// observes.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/swarmlab/overseer/runtime/router"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

// Stream and sink names. Processes sharing a Redis instance and these names
// form one worker pool.
const (
	StreamName = "overseer:jobs"
	SinkName   = "overseer-workers"

	jobEvent = "job"
)

type (
	// Queue is a Pulse-backed job queue. Producers call Enqueue; one
	// Consume call per process dispatches jobs to the handler.
	Queue struct {
		stream *streaming.Stream
		logger telemetry.Logger

		mu     sync.Mutex
		sink   *streaming.Sink
		wg     sync.WaitGroup
		closed bool
	}

	// QueueOption customizes a Queue.
	QueueOption func(*queueConfig)

	queueConfig struct {
		maxLen int
		logger telemetry.Logger
	}
)

// Compile-time check that Queue implements router.Enqueuer.
var _ router.Enqueuer = (*Queue)(nil)

// WithStreamMaxLen bounds the number of entries kept on the stream.
func WithStreamMaxLen(n int) QueueOption {
	return func(c *queueConfig) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithLogger sets the logger for queue events.
func WithLogger(logger telemetry.Logger) QueueOption {
	return func(c *queueConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewQueue opens the job stream on the given Redis connection. The caller
// owns the connection lifecycle.
func NewQueue(rdb *redis.Client, opts ...QueueOption) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	cfg := queueConfig{maxLen: 10000, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	stream, err := streaming.NewStream(StreamName, rdb,
		streamopts.WithStreamMaxLen(cfg.maxLen))
	if err != nil {
		return nil, fmt.Errorf("open job stream: %w", err)
	}
	return &Queue{stream: stream, logger: cfg.logger}, nil
}

// Enqueue publishes one job.
func (q *Queue) Enqueue(ctx context.Context, job router.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := q.stream.Add(ctx, jobEvent, payload); err != nil {
		return fmt.Errorf("enqueue job for %s: %w", job.TaskID, err)
	}
	q.logger.Debug(ctx, "job enqueued", "task_id", job.TaskID, "action", job.Action)
	return nil
}

// Consume opens the worker sink and dispatches jobs to handler until the
// queue closes. Handler failures are logged and the event acked anyway: lost
// work is re-enqueued by the platform's webhook retry, while an unacked
// poison job would wedge the sink.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, router.Job) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	if q.sink != nil {
		return errors.New("queue already consuming")
	}
	sink, err := q.stream.NewSink(ctx, SinkName)
	if err != nil {
		return fmt.Errorf("open worker sink: %w", err)
	}
	q.sink = sink

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for ev := range sink.Subscribe() {
			var job router.Job
			if err := json.Unmarshal(ev.Payload, &job); err != nil {
				q.logger.Warn(ctx, "dropping malformed job", "event_id", ev.ID, "err", err)
			} else if err := handler(ctx, job); err != nil {
				q.logger.Error(ctx, "job failed",
					"task_id", job.TaskID, "action", job.Action, "err", err)
			}
			if err := sink.Ack(ctx, ev); err != nil {
				q.logger.Warn(ctx, "ack job", "event_id", ev.ID, "err", err)
			}
		}
	}()
	return nil
}

// Close stops consumption and waits for the dispatch loop to drain.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	sink := q.sink
	q.mu.Unlock()

	if sink != nil {
		sink.Close(ctx)
	}
	q.wg.Wait()
	return nil
}

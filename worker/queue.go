package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gigovert/config"
	"gigovert/models"

	"github.com/redis/go-redis/v9"
)

// Message is the queue payload. The job record itself lives in the store;
// only the identity travels through Redis.
type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the Redis-backed dispatch queue: accepted jobs are pushed onto
// the pending list, workers move them to the processing list atomically and
// remove them once terminal.
type Queue struct {
	client *redis.Client
	cfg    *config.Config
}

func NewQueue(client *redis.Client, cfg *config.Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

// Enqueue pushes a job identity onto the pending queue.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.cfg.PendingQueue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// pop blocks until a pending job is available and atomically moves it to
// the processing list. Returns redis.Nil on timeout.
func (q *Queue) pop(ctx context.Context) (string, error) {
	return q.client.BRPopLPush(
		ctx,
		q.cfg.PendingQueue,
		q.cfg.ProcessingQueue,
		30*time.Second,
	).Result()
}

// ack removes a raw payload from the processing list.
func (q *Queue) ack(ctx context.Context, raw string) {
	q.client.LRem(ctx, q.cfg.ProcessingQueue, 1, raw)
}

// markFailed records a terminally failed payload on the failed list for
// operator inspection.
func (q *Queue) markFailed(ctx context.Context, raw string) {
	q.client.LPush(ctx, q.cfg.FailedQueue, raw)
}

// setTerminalStatus mirrors a terminal state into the status hash so polling
// can skip the store for finished jobs.
func (q *Queue) setTerminalStatus(ctx context.Context, jobID string, status models.Status, errorMsg string) {
	fields := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if errorMsg != "" {
		fields["error"] = errorMsg
	}
	q.client.HSet(ctx, q.statusKey(jobID), fields)
}

// statusKey carries the same Redis prefix as the queue names.
func (q *Queue) statusKey(jobID string) string {
	return fmt.Sprintf("%sconvert:status:%s", q.cfg.RedisPrefix, jobID)
}

// processingEntries returns the raw payloads currently on the processing
// list, used by stale-job recovery.
func (q *Queue) processingEntries(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.cfg.ProcessingQueue, 0, -1).Result()
}

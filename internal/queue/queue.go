package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/voicereel/voicereel/internal/models"
)

const (
	QueueRenderSegment = "queue:render_segment"
	QueueCombine       = "queue:combine"

	// Reply lists expire so results of abandoned jobs do not pile up.
	replyTTL = 30 * time.Minute
)

type Queue struct {
	client *redis.Client
}

// CombineReply wraps a combine result with an error string, since a combine
// failure still carries partial counts worth reporting.
type CombineReply struct {
	Result models.CombineResult `json:"result"`
	Error  string               `json:"error,omitempty"`
}

// Job is the envelope every queued task travels in. Payload carries the
// task-specific body; ReplyTo names the list the worker pushes its result to.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	ReplyTo   string          `json:"reply_to"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue pops the next job from queueName, returning nil when the timeout
// elapses without one.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueRenderSegment queues one segment render and returns the reply list
// to collect its result from.
func (q *Queue) EnqueueRenderSegment(ctx context.Context, task models.SegmentRenderTask) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	jobID := uuid.New()
	replyTo := fmt.Sprintf("reply:render_segment:%s", jobID)

	job := &Job{
		ID:        jobID,
		Type:      "render_segment",
		ProjectID: task.ProjectID,
		ReplyTo:   replyTo,
		Payload:   payload,
	}
	return replyTo, q.enqueue(ctx, QueueRenderSegment, job)
}

// EnqueueCombine queues the final combine step and returns its reply list.
func (q *Queue) EnqueueCombine(ctx context.Context, task models.CombineTask) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	jobID := uuid.New()
	replyTo := fmt.Sprintf("reply:combine:%s", jobID)

	job := &Job{
		ID:        jobID,
		Type:      "combine",
		ProjectID: task.ProjectID,
		ReplyTo:   replyTo,
		Payload:   payload,
	}
	return replyTo, q.enqueue(ctx, QueueCombine, job)
}

// PushResult publishes a worker's result onto a job's reply list.
func (q *Queue) PushResult(ctx context.Context, replyTo string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := q.client.RPush(ctx, replyTo, data).Err(); err != nil {
		return fmt.Errorf("failed to push result: %w", err)
	}
	return q.client.Expire(ctx, replyTo, replyTTL).Err()
}

// WaitResult blocks until a result arrives on replyTo and unmarshals it
// into out.
func (q *Queue) WaitResult(ctx context.Context, replyTo string, timeout time.Duration, out interface{}) error {
	result, err := q.client.BLPop(ctx, timeout, replyTo).Result()
	if err == redis.Nil {
		return fmt.Errorf("timed out waiting for result on %s", replyTo)
	}
	if err != nil {
		return fmt.Errorf("failed to wait for result: %w", err)
	}

	if len(result) != 2 {
		return fmt.Errorf("unexpected redis response")
	}

	if err := json.Unmarshal([]byte(result[1]), out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

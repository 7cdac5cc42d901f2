package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/queue"
	"github.com/voicereel/voicereel/internal/render"
)

// Worker consumes render and combine jobs from the queue, executes them and
// pushes the results onto each job's reply list. The orchestrator never
// depends on which worker picked the job up.
type Worker struct {
	queue    *queue.Queue
	renderer *render.Renderer
}

func New(q *queue.Queue, renderer *render.Renderer) *Worker {
	return &Worker{queue: q, renderer: renderer}
}

// Start begins processing jobs from all queues until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Info().Int("concurrency", concurrency).Msg("worker started")

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueRenderSegment, w.handleRenderSegment)
		go w.processQueue(ctx, queue.QueueCombine, w.handleCombine)
	}

	<-ctx.Done()
	log.Info().Msg("worker shutting down")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Str("queue", queueName).Err(err).Msg("dequeue failed")
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Info().
				Str("job_id", job.ID.String()).
				Str("type", job.Type).
				Str("project_id", job.ProjectID).
				Msg("processing job")

			if err := handler(ctx, job); err != nil {
				log.Error().Str("job_id", job.ID.String()).Err(err).Msg("job failed")
			} else {
				log.Info().Str("job_id", job.ID.String()).Msg("job completed")
			}
		}
	}
}

// handleRenderSegment renders one segment clip. Render failures are reported
// through the result's Error field so the orchestrator can decide what a
// missing segment means; only reply-channel failures surface as job errors.
func (w *Worker) handleRenderSegment(ctx context.Context, job *queue.Job) error {
	var task models.SegmentRenderTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return fmt.Errorf("failed to unmarshal segment task: %w", err)
	}

	result, err := w.renderer.RenderSegment(ctx, task)
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	if err := w.queue.PushResult(ctx, job.ReplyTo, result); err != nil {
		return fmt.Errorf("failed to publish segment result: %w", err)
	}
	return nil
}

func (w *Worker) handleCombine(ctx context.Context, job *queue.Job) error {
	var task models.CombineTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return fmt.Errorf("failed to unmarshal combine task: %w", err)
	}

	result, combineErr := w.renderer.Combine(ctx, task)

	reply := queue.CombineReply{Result: result}
	if combineErr != nil {
		reply.Error = combineErr.Error()
	}

	if err := w.queue.PushResult(ctx, job.ReplyTo, reply); err != nil {
		return fmt.Errorf("failed to publish combine result: %w", err)
	}
	return combineErr
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/queue"
	"github.com/voicereel/voicereel/internal/render"
)

// RenderDispatcher abstracts where segment renders run. The in-process
// dispatcher renders on this host; the queued dispatcher hands tasks to
// remote workers over redis. Both return one result per task, using the
// Error field rather than a hard error for individual segment failures.
type RenderDispatcher interface {
	RenderSegments(ctx context.Context, tasks []models.SegmentRenderTask) []models.SegmentRenderResult
	Combine(ctx context.Context, task models.CombineTask) (models.CombineResult, error)
}

// InProcessDispatcher renders segments locally with bounded concurrency.
type InProcessDispatcher struct {
	renderer    *render.Renderer
	concurrency int
}

func NewInProcessDispatcher(renderer *render.Renderer, concurrency int) *InProcessDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &InProcessDispatcher{renderer: renderer, concurrency: concurrency}
}

func (d *InProcessDispatcher) RenderSegments(ctx context.Context, tasks []models.SegmentRenderTask) []models.SegmentRenderResult {
	results := make([]models.SegmentRenderResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			result, err := d.renderer.RenderSegment(gctx, task)
			if err != nil && result.Error == "" {
				result.Error = err.Error()
			}
			results[i] = result
			// Per-segment failures are reported in the result, not
			// propagated, so one bad segment never cancels the rest.
			return nil
		})
	}

	g.Wait()
	return results
}

func (d *InProcessDispatcher) Combine(ctx context.Context, task models.CombineTask) (models.CombineResult, error) {
	return d.renderer.Combine(ctx, task)
}

// QueuedDispatcher fans tasks out to remote workers and gathers their
// replies.
type QueuedDispatcher struct {
	queue          *queue.Queue
	segmentTimeout time.Duration
	combineTimeout time.Duration
}

func NewQueuedDispatcher(q *queue.Queue) *QueuedDispatcher {
	return &QueuedDispatcher{
		queue:          q,
		segmentTimeout: 10 * time.Minute,
		combineTimeout: 20 * time.Minute,
	}
}

func (d *QueuedDispatcher) RenderSegments(ctx context.Context, tasks []models.SegmentRenderTask) []models.SegmentRenderResult {
	results := make([]models.SegmentRenderResult, len(tasks))
	replies := make([]string, len(tasks))

	for i, task := range tasks {
		replyTo, err := d.queue.EnqueueRenderSegment(ctx, task)
		if err != nil {
			results[i] = models.SegmentRenderResult{
				SegmentID: task.SegmentID,
				StartTime: task.StartTime,
				EndTime:   task.EndTime,
				Error:     fmt.Sprintf("enqueue failed: %v", err),
			}
			continue
		}
		replies[i] = replyTo
	}

	for i, replyTo := range replies {
		if replyTo == "" {
			continue
		}
		var result models.SegmentRenderResult
		if err := d.queue.WaitResult(ctx, replyTo, d.segmentTimeout, &result); err != nil {
			log.Warn().
				Int("segment_id", tasks[i].SegmentID).
				Err(err).
				Msg("segment render reply not received")
			results[i] = models.SegmentRenderResult{
				SegmentID: tasks[i].SegmentID,
				StartTime: tasks[i].StartTime,
				EndTime:   tasks[i].EndTime,
				Error:     fmt.Sprintf("no reply from worker: %v", err),
			}
			continue
		}
		results[i] = result
	}

	return results
}

func (d *QueuedDispatcher) Combine(ctx context.Context, task models.CombineTask) (models.CombineResult, error) {
	replyTo, err := d.queue.EnqueueCombine(ctx, task)
	if err != nil {
		return models.CombineResult{}, fmt.Errorf("failed to enqueue combine: %w", err)
	}

	var reply queue.CombineReply
	if err := d.queue.WaitResult(ctx, replyTo, d.combineTimeout, &reply); err != nil {
		return models.CombineResult{}, err
	}
	if reply.Error != "" {
		return reply.Result, fmt.Errorf("combine failed on worker: %s", reply.Error)
	}
	return reply.Result, nil
}

package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/manifest"
	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/storage"
)

// Recovery repairs a project whose rendered segments have drifted from its
// manifest: segment clips deleted, lost or never uploaded. It re-renders only
// the missing segments and rebuilds the final video from the full set.
type Recovery struct {
	store      storage.Store
	manifests  *manifest.Repository
	dispatcher RenderDispatcher
}

func NewRecovery(store storage.Store, manifests *manifest.Repository, dispatcher RenderDispatcher) *Recovery {
	return &Recovery{store: store, manifests: manifests, dispatcher: dispatcher}
}

// Report describes what a recovery run found and did.
type Report struct {
	ProjectID        string               `json:"project_id"`
	SegmentsExpected int                  `json:"segments_expected"`
	MissingSegments  []int                `json:"missing_segments"`
	Rerendered       []int                `json:"rerendered"`
	StillMissing     []int                `json:"still_missing"`
	Combine          models.CombineResult `json:"combine"`
}

// Recover inspects a project against its manifest and repairs any drift.
// When no segments are missing it still rebuilds the final video, since
// recovery is typically invoked because the final artifact is suspect.
func (r *Recovery) Recover(ctx context.Context, projectID string, reencode bool) (*Report, error) {
	m, err := r.manifests.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no manifest for project %s", projectID)
	}

	report := &Report{ProjectID: projectID}

	tasks := buildSegmentTasks(m)
	report.SegmentsExpected = len(tasks)

	var missing []models.SegmentRenderTask
	for _, task := range tasks {
		key := models.SegmentKey(projectID, task.SegmentID)
		exists, err := r.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check segment %d: %w", task.SegmentID, err)
		}
		if !exists {
			missing = append(missing, task)
			report.MissingSegments = append(report.MissingSegments, task.SegmentID)
		}
	}

	log.Info().
		Str("project_id", projectID).
		Int("segments_expected", report.SegmentsExpected).
		Ints("missing", report.MissingSegments).
		Msg("recovery scan complete")

	if len(missing) > 0 {
		results := r.dispatcher.RenderSegments(ctx, missing)
		for _, res := range results {
			if res.OK() {
				report.Rerendered = append(report.Rerendered, res.SegmentID)
			} else {
				log.Warn().
					Str("project_id", projectID).
					Int("segment_id", res.SegmentID).
					Str("error", res.Error).
					Msg("segment re-render failed")
				report.StillMissing = append(report.StillMissing, res.SegmentID)
			}
		}
	}

	// Combine from the manifest's full segment set; clips that are still
	// missing get skipped by the combine step itself.
	var refs []models.SegmentRef
	for _, task := range tasks {
		refs = append(refs, models.SegmentRef{
			SegmentID:   task.SegmentID,
			ArtifactKey: models.SegmentKey(projectID, task.SegmentID),
			Duration:    task.Duration,
		})
	}

	combined, err := r.dispatcher.Combine(ctx, models.CombineTask{
		ProjectID: projectID,
		Segments:  refs,
		AudioKey:  m.AudioKey,
		Reencode:  reencode,
	})
	if err != nil {
		m.Status = models.ManifestStatusFailed
		r.manifests.Publish(ctx, m)
		return report, fmt.Errorf("recovery combine: %w", err)
	}
	report.Combine = combined

	m.Status = models.ManifestStatusComplete
	if err := r.manifests.Publish(ctx, m); err != nil {
		return report, err
	}

	log.Info().
		Str("project_id", projectID).
		Int("rerendered", len(report.Rerendered)).
		Int("still_missing", len(report.StillMissing)).
		Int("segments_combined", combined.SegmentsCombined).
		Msg("recovery complete")

	return report, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/analyze"
	"github.com/voicereel/voicereel/internal/db"
	"github.com/voicereel/voicereel/internal/imagebus"
	"github.com/voicereel/voicereel/internal/manifest"
	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/storage"
	"github.com/voicereel/voicereel/internal/transcribe"
)

// fallbackQuery feeds the emergency image path when every real query comes
// back empty. It always resolves through the keyless providers.
const fallbackQuery = "abstract gradient background"

// StageError wraps a stage failure with the stage it happened in, so callers
// and run records can report where a pipeline died.
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options controls one pipeline run.
type Options struct {
	// Force re-runs the named stages even when a cached artifact exists.
	// Forcing an early stage does not implicitly force later ones; later
	// stages still re-run because their inputs changed only if their own
	// cache is forced or absent.
	Force map[models.Stage]bool

	// Language hints transcription ("" = autodetect).
	Language string

	// Context and Style are free-text hints passed to query analysis.
	Context string
	Style   string
}

func (o Options) forced(stage models.Stage) bool {
	return o.Force != nil && o.Force[stage]
}

// Controller drives a project through the five stages, caching each stage's
// artifact so re-runs skip completed work.
type Controller struct {
	store       storage.Store
	transcriber transcribe.Transcriber
	analyzer    analyze.Analyzer
	bus         *imagebus.Bus
	manifests   *manifest.Repository
	dispatcher  RenderDispatcher
	db          *db.DB // optional, nil disables run records

	imagesPerSegment int
	chunkDurationSec int
	combineReencode  bool
	resolution       imagebus.Resolution
	imageConcurrency int
}

type ControllerConfig struct {
	ImagesPerSegment int
	ChunkDurationSec int
	CombineReencode  bool
	RenderWidth      int
	RenderHeight     int
	ImageConcurrency int
}

func NewController(
	store storage.Store,
	transcriber transcribe.Transcriber,
	analyzer analyze.Analyzer,
	bus *imagebus.Bus,
	manifests *manifest.Repository,
	dispatcher RenderDispatcher,
	database *db.DB,
	cfg ControllerConfig,
) *Controller {
	if cfg.ImagesPerSegment < 1 {
		cfg.ImagesPerSegment = 1
	}
	if cfg.ImageConcurrency < 1 {
		cfg.ImageConcurrency = 4
	}
	return &Controller{
		store:            store,
		transcriber:      transcriber,
		analyzer:         analyzer,
		bus:              bus,
		manifests:        manifests,
		dispatcher:       dispatcher,
		db:               database,
		imagesPerSegment: cfg.ImagesPerSegment,
		chunkDurationSec: cfg.ChunkDurationSec,
		combineReencode:  cfg.CombineReencode,
		resolution:       imagebus.Resolution{Width: cfg.RenderWidth, Height: cfg.RenderHeight},
		imageConcurrency: cfg.ImageConcurrency,
	}
}

// ProjectIDFromAudioPath derives the stable project id from the audio file
// name: basename without extension, with each run of non-alphanumeric
// characters collapsed to one underscore and none left at the ends. The same
// file always maps to the same project.
func ProjectIDFromAudioPath(audioPath string) string {
	base := filepath.Base(audioPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var sb strings.Builder
	pending := false
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pending && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pending = false
			sb.WriteRune(r)
		} else {
			pending = true
		}
	}
	id := sb.String()
	if id == "" {
		id = "project"
	}
	return id
}

// Run executes the full pipeline for one audio file and returns the project's
// manifest with rendering complete. Each stage consults its cache first.
func (c *Controller) Run(ctx context.Context, audioPath string, opts Options) (*models.Manifest, error) {
	projectID := ProjectIDFromAudioPath(audioPath)

	log.Info().Str("project_id", projectID).Str("audio", audioPath).Msg("pipeline run starting")

	if c.db != nil {
		if err := c.db.UpsertRun(ctx, &db.Run{
			ProjectID: projectID,
			AudioPath: audioPath,
			Status:    models.RunStatusRunning,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to record run start")
		}
	}

	m, err := c.run(ctx, projectID, audioPath, opts)
	if err != nil {
		var stageErr *StageError
		stage := models.Stage("unknown")
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		if c.db != nil {
			if dbErr := c.db.UpdateRunError(ctx, projectID, stage, err.Error()); dbErr != nil {
				log.Warn().Err(dbErr).Msg("failed to record run failure")
			}
		}
		return nil, err
	}

	if c.db != nil {
		if dbErr := c.db.UpdateRunStatus(ctx, projectID, models.RunStatusComplete); dbErr != nil {
			log.Warn().Err(dbErr).Msg("failed to record run completion")
		}
	}
	return m, nil
}

func (c *Controller) run(ctx context.Context, projectID, audioPath string, opts Options) (*models.Manifest, error) {
	// Stage 1: transcription
	tr, err := c.transcriptionStage(ctx, projectID, audioPath, opts)
	if err != nil {
		return nil, &StageError{Stage: models.StageTranscription, Err: err}
	}

	// Stage 2: query analysis
	ar, err := c.analysisStage(ctx, projectID, tr, opts)
	if err != nil {
		return nil, &StageError{Stage: models.StageAnalysis, Err: err}
	}

	// Stage 3: image acquisition
	ir, err := c.imageStage(ctx, projectID, ar, opts)
	if err != nil {
		return nil, &StageError{Stage: models.StageImages, Err: err}
	}

	// Stage 4: manifest publication
	m, err := c.manifestStage(ctx, projectID, audioPath, tr, ir, opts)
	if err != nil {
		return nil, &StageError{Stage: models.StageManifest, Err: err}
	}

	// Stage 5: render
	if err := c.renderStage(ctx, m, opts); err != nil {
		return nil, &StageError{Stage: models.StageRender, Err: err}
	}

	return m, nil
}

// transcriptionStage returns the cached transcription or runs Whisper.
func (c *Controller) transcriptionStage(ctx context.Context, projectID, audioPath string, opts Options) (*models.TranscriptionResult, error) {
	started := time.Now()
	key := models.TranscriptionKey(projectID)

	if !opts.forced(models.StageTranscription) {
		var cached models.TranscriptionResult
		if hit, err := c.loadCached(ctx, key, &cached); err != nil {
			return nil, err
		} else if hit {
			log.Info().Str("project_id", projectID).Msg("transcription cache hit")
			c.logStage(ctx, projectID, models.StageTranscription, started, true, map[string]interface{}{
				"segments": len(cached.Segments),
			})
			return &cached, nil
		}
	}

	result, err := c.transcriber.Transcribe(ctx, audioPath, transcribe.Options{Language: opts.Language})
	if err != nil {
		return nil, err
	}
	if len(result.Segments) == 0 {
		return nil, fmt.Errorf("transcription produced no segments")
	}

	if err := c.storeCached(ctx, key, result); err != nil {
		return nil, err
	}

	c.logStage(ctx, projectID, models.StageTranscription, started, false, map[string]interface{}{
		"segments":   len(result.Segments),
		"duration":   result.Duration,
		"word_count": result.WordCount,
	})
	return result, nil
}

// analysisStage returns cached image queries or asks the language model.
// Model failures degrade to keyword queries inside the analyzer, so this
// stage only fails on infrastructure errors.
func (c *Controller) analysisStage(ctx context.Context, projectID string, tr *models.TranscriptionResult, opts Options) (*models.AnalysisResult, error) {
	started := time.Now()
	key := models.AnalysisKey(projectID)

	if !opts.forced(models.StageAnalysis) {
		var cached models.AnalysisResult
		if hit, err := c.loadCached(ctx, key, &cached); err != nil {
			return nil, err
		} else if hit {
			log.Info().Str("project_id", projectID).Msg("analysis cache hit")
			c.logStage(ctx, projectID, models.StageAnalysis, started, true, map[string]interface{}{
				"segments": len(cached.Segments),
			})
			return &cached, nil
		}
	}

	result, err := c.analyzer.Analyze(ctx, tr.Segments, analyze.Options{
		ChunkDurationSec: c.chunkDurationSec,
		Context:          opts.Context,
		Style:            opts.Style,
	})
	if err != nil {
		return nil, err
	}

	if err := c.storeCached(ctx, key, result); err != nil {
		return nil, err
	}

	c.logStage(ctx, projectID, models.StageAnalysis, started, false, map[string]interface{}{
		"segments":      len(result.Segments),
		"primary_theme": result.PrimaryTheme,
	})
	return result, nil
}

// imageStage acquires images for every segment concurrently. A segment whose
// queries all come back empty gets emergency fallback images rather than
// sinking the run; the stage itself never fails on provider behavior.
func (c *Controller) imageStage(ctx context.Context, projectID string, ar *models.AnalysisResult, opts Options) (*models.ImageGenResult, error) {
	started := time.Now()
	key := models.ImagesKey(projectID)

	if !opts.forced(models.StageImages) {
		var cached models.ImageGenResult
		if hit, err := c.loadCached(ctx, key, &cached); err != nil {
			return nil, err
		} else if hit {
			log.Info().Str("project_id", projectID).Msg("images cache hit")
			c.logStage(ctx, projectID, models.StageImages, started, true, map[string]interface{}{
				"total_images": cached.TotalImages,
			})
			return &cached, nil
		}
	}

	segments := make([]models.Segment, len(ar.Segments))
	copy(segments, ar.Segments)

	pool, err := ants.NewPool(c.imageConcurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create image worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range segments {
		i := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			c.acquireSegmentImages(ctx, &segments[i])
		}); err != nil {
			wg.Done()
			// Pool is released only after wg.Wait, so Submit can fail
			// only on a closed context; fall back to inline execution.
			c.acquireSegmentImages(ctx, &segments[i])
		}
	}
	wg.Wait()

	total := 0
	fallbacks := 0
	for _, seg := range segments {
		total += len(seg.GeneratedImages)
		for _, img := range seg.GeneratedImages {
			if img.IsFallback {
				fallbacks++
			}
		}
	}

	result := &models.ImageGenResult{
		SchemaVersion: models.SchemaVersion,
		Segments:      segments,
		TotalImages:   total,
	}

	if err := c.storeCached(ctx, key, result); err != nil {
		return nil, err
	}

	c.logStage(ctx, projectID, models.StageImages, started, false, map[string]interface{}{
		"total_images":    total,
		"fallback_images": fallbacks,
	})
	return result, nil
}

// acquireSegmentImages fills one segment's GeneratedImages, trying each query
// in order and falling back to a generic query when all fail.
func (c *Controller) acquireSegmentImages(ctx context.Context, seg *models.Segment) {
	queries := seg.ImageQueries
	if len(queries) == 0 {
		queries = analyze.KeywordQueries(seg.Text)
	}

	for _, q := range queries {
		images := c.bus.GetImages(ctx, q, c.imagesPerSegment, seg.Category, c.resolution)
		if len(images) > 0 {
			seg.GeneratedImages = images
			return
		}
	}

	// Emergency path. The bus cannot fail on the keyless providers, so
	// every segment ends up with something on screen.
	images := c.bus.GetImages(ctx, fallbackQuery, c.imagesPerSegment, "", c.resolution)
	for i := range images {
		images[i].IsFallback = true
	}
	seg.GeneratedImages = images

	log.Warn().
		Int("segment_id", seg.ID).
		Strs("queries", queries).
		Int("fallback_images", len(images)).
		Msg("all image queries failed, using fallback images")
}

// manifestStage publishes the versioned manifest, the durable handoff to
// rendering. An existing manifest is reused unless forced.
func (c *Controller) manifestStage(ctx context.Context, projectID, audioPath string, tr *models.TranscriptionResult, ir *models.ImageGenResult, opts Options) (*models.Manifest, error) {
	started := time.Now()

	if !opts.forced(models.StageManifest) {
		existing, err := c.manifests.Load(ctx, projectID)
		if err != nil {
			log.Warn().Str("project_id", projectID).Err(err).Msg("existing manifest unreadable, republishing")
		} else if existing != nil {
			log.Info().Str("project_id", projectID).Msg("manifest cache hit")
			c.logStage(ctx, projectID, models.StageManifest, started, true, map[string]interface{}{
				"segments": len(existing.Segments),
			})
			return existing, nil
		}
	}

	// The audio lands next to the manifest so remote workers and recovery
	// can reach it without the original local file.
	if err := c.store.UploadFile(ctx, models.AudioKey(projectID), audioPath, "audio/mpeg"); err != nil {
		return nil, fmt.Errorf("failed to upload audio artifact: %w", err)
	}

	m := manifest.Build(projectID, ir.Segments, tr.Duration, tr.Language)
	if err := c.manifests.Publish(ctx, m); err != nil {
		return nil, err
	}

	c.logStage(ctx, projectID, models.StageManifest, started, false, map[string]interface{}{
		"segments":     len(m.Segments),
		"total_images": m.TotalImages,
	})
	return m, nil
}

// renderStage fans segment renders out, combines the clips and muxes the
// narration. A final video that already exists short-circuits the stage.
func (c *Controller) renderStage(ctx context.Context, m *models.Manifest, opts Options) error {
	started := time.Now()
	projectID := m.ProjectID

	if !opts.forced(models.StageRender) {
		videoKey := models.FinalVideoKey(projectID)
		if exists, err := c.store.Exists(ctx, videoKey); err == nil && exists && m.Status == models.ManifestStatusComplete {
			log.Info().Str("project_id", projectID).Msg("render cache hit")
			c.logStage(ctx, projectID, models.StageRender, started, true, nil)
			return nil
		}
	}

	m.Status = models.ManifestStatusRendering
	if err := c.manifests.Publish(ctx, m); err != nil {
		return err
	}

	tasks := buildSegmentTasks(m)
	results := c.dispatcher.RenderSegments(ctx, tasks)

	var refs []models.SegmentRef
	for _, r := range results {
		if !r.OK() {
			log.Warn().
				Str("project_id", projectID).
				Int("segment_id", r.SegmentID).
				Str("error", r.Error).
				Msg("segment render failed")
			continue
		}
		refs = append(refs, models.SegmentRef{
			SegmentID:   r.SegmentID,
			ArtifactKey: r.ArtifactKey,
			Duration:    r.Duration,
		})
	}

	if len(refs) == 0 {
		m.Status = models.ManifestStatusFailed
		c.manifests.Publish(ctx, m)
		return fmt.Errorf("no segments rendered successfully")
	}

	combined, err := c.dispatcher.Combine(ctx, models.CombineTask{
		ProjectID: projectID,
		Segments:  refs,
		AudioKey:  m.AudioKey,
		Reencode:  c.combineReencode,
	})
	if err != nil {
		m.Status = models.ManifestStatusFailed
		c.manifests.Publish(ctx, m)
		return fmt.Errorf("combine: %w", err)
	}

	m.Status = models.ManifestStatusComplete
	if err := c.manifests.Publish(ctx, m); err != nil {
		return err
	}

	if c.db != nil {
		if err := c.db.SetRunFinalVideo(ctx, projectID, combined.VideoKey); err != nil {
			log.Warn().Err(err).Msg("failed to record final video key")
		}
	}

	c.logStage(ctx, projectID, models.StageRender, started, false, map[string]interface{}{
		"segments_rendered":  len(refs),
		"segments_requested": len(tasks),
		"segments_combined":  combined.SegmentsCombined,
		"video_key":          combined.VideoKey,
		"duration":           combined.Duration,
		"has_audio":          combined.HasAudio,
	})
	return nil
}

// buildSegmentTasks derives one render task per manifest segment that has
// images to show.
func buildSegmentTasks(m *models.Manifest) []models.SegmentRenderTask {
	var tasks []models.SegmentRenderTask
	for _, seg := range m.Segments {
		if len(seg.GeneratedImages) == 0 {
			continue
		}
		tasks = append(tasks, models.SegmentRenderTask{
			ProjectID: m.ProjectID,
			SegmentID: seg.ID,
			Images:    seg.GeneratedImages,
			Duration:  seg.Duration(),
			StartTime: seg.StartTime,
			EndTime:   seg.EndTime,
		})
	}
	return tasks
}

// loadCached reads a stage artifact into out, treating schema version drift
// as a miss.
func (c *Controller) loadCached(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read cache %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("cached artifact unreadable, recomputing")
		return false, nil
	}

	var versioned struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &versioned); err == nil && versioned.SchemaVersion != models.SchemaVersion {
		log.Info().
			Str("key", key).
			Int("cached_version", versioned.SchemaVersion).
			Int("current_version", models.SchemaVersion).
			Msg("cached artifact from different schema version, recomputing")
		return false, nil
	}

	return true, nil
}

func (c *Controller) storeCached(ctx context.Context, key string, artifact interface{}) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal cache artifact: %w", err)
	}
	if err := c.store.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("failed to write cache %s: %w", key, err)
	}
	return nil
}

// logStage appends a stage record to the debug log. Logging is best effort;
// a broken database never fails a pipeline run.
func (c *Controller) logStage(ctx context.Context, projectID string, stage models.Stage, started time.Time, cacheHit bool, summary map[string]interface{}) {
	if c.db == nil {
		return
	}

	var raw json.RawMessage
	if summary != nil {
		if data, err := json.Marshal(summary); err == nil {
			raw = data
		}
	}

	entry := &db.StageLogEntry{
		ProjectID:  projectID,
		Stage:      stage,
		DurationMs: time.Since(started).Milliseconds(),
		CacheHit:   cacheHit,
		Summary:    raw,
	}
	if err := c.db.AppendStageLog(ctx, entry); err != nil {
		log.Warn().Str("stage", string(stage)).Err(err).Msg("failed to append stage log")
	}
}

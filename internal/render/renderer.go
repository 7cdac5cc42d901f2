package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/storage"
)

const minSecondsPerImage = 2.0

// Renderer executes segment render and combine tasks. It is the single
// implementation behind both the in-process fan-out and the queue workers.
type Renderer struct {
	store  storage.Store
	ffmpeg *FFmpeg
	http   *http.Client
}

func NewRenderer(store storage.Store, ffmpeg *FFmpeg) *Renderer {
	return &Renderer{
		store:  store,
		ffmpeg: ffmpeg,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// PlanImages decides how many of the available images a segment of the given
// duration can show, holding each on screen for at least two seconds.
func PlanImages(duration float64, available int) (useCount int, timePerImage float64) {
	if available <= 0 {
		return 0, 0
	}
	maxImages := int(duration / minSecondsPerImage)
	if maxImages < 1 {
		maxImages = 1
	}
	useCount = available
	if useCount > maxImages {
		useCount = maxImages
	}
	return useCount, duration / float64(useCount)
}

// RenderSegment turns one segment's images into a Ken Burns clip and uploads
// it under the segment's deterministic storage key. Re-running the same task
// overwrites the same key.
func (r *Renderer) RenderSegment(ctx context.Context, task models.SegmentRenderTask) (models.SegmentRenderResult, error) {
	started := time.Now()
	result := models.SegmentRenderResult{
		SegmentID: task.SegmentID,
		StartTime: task.StartTime,
		EndTime:   task.EndTime,
	}

	if len(task.Images) == 0 {
		result.Error = "no images for segment"
		return result, fmt.Errorf("segment %d has no images", task.SegmentID)
	}

	useCount, timePerImage := PlanImages(task.Duration, len(task.Images))

	var imagePaths []string
	var tempFiles []string
	defer func() { r.ffmpeg.Cleanup(tempFiles...) }()

	for i := 0; i < useCount; i++ {
		localPath := r.ffmpeg.TempFile(fmt.Sprintf("%s_%d_img%d.jpg", task.ProjectID, task.SegmentID, i))
		if err := r.downloadImage(ctx, task.Images[i].URL, localPath); err != nil {
			if i == 0 {
				// Without the first image there is nothing to show.
				result.Error = fmt.Sprintf("failed to download first image: %v", err)
				return result, fmt.Errorf("segment %d: first image download: %w", task.SegmentID, err)
			}
			log.Warn().
				Str("project_id", task.ProjectID).
				Int("segment_id", task.SegmentID).
				Int("image_index", i).
				Err(err).
				Msg("image download failed, reusing first image")
			imagePaths = append(imagePaths, imagePaths[0])
			continue
		}
		imagePaths = append(imagePaths, localPath)
		tempFiles = append(tempFiles, localPath)
	}

	clipPath := r.ffmpeg.TempFile(fmt.Sprintf("%s_%d_segment.mp4", task.ProjectID, task.SegmentID))
	tempFiles = append(tempFiles, clipPath)

	if err := r.ffmpeg.KenBurnsClip(ctx, imagePaths, clipPath, task.Duration, timePerImage); err != nil {
		result.Error = fmt.Sprintf("render failed: %v", err)
		return result, fmt.Errorf("segment %d: %w", task.SegmentID, err)
	}

	segmentKey := models.SegmentKey(task.ProjectID, task.SegmentID)
	if err := r.store.UploadFile(ctx, segmentKey, clipPath, "video/mp4"); err != nil {
		result.Error = fmt.Sprintf("upload failed: %v", err)
		return result, fmt.Errorf("segment %d: upload: %w", task.SegmentID, err)
	}

	result.ArtifactKey = segmentKey
	result.Duration = task.Duration
	result.ImagesUsed = useCount

	log.Info().
		Str("project_id", task.ProjectID).
		Int("segment_id", task.SegmentID).
		Int("images_used", useCount).
		Dur("elapsed", time.Since(started)).
		Msg("segment rendered")

	return result, nil
}

// Combine stitches segment clips into the final video, lays the narration
// audio over it and uploads the result. Segments whose clips cannot be
// fetched are skipped so one lost segment does not sink the whole video.
func (r *Renderer) Combine(ctx context.Context, task models.CombineTask) (models.CombineResult, error) {
	started := time.Now()
	var result models.CombineResult

	segments := make([]models.SegmentRef, len(task.Segments))
	copy(segments, task.Segments)
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SegmentID < segments[j].SegmentID
	})

	var clipPaths []string
	var tempFiles []string
	defer func() { r.ffmpeg.Cleanup(tempFiles...) }()

	for _, seg := range segments {
		localPath := r.ffmpeg.TempFile(fmt.Sprintf("%s_combine_%d.mp4", task.ProjectID, seg.SegmentID))
		if err := r.store.DownloadTo(ctx, seg.ArtifactKey, localPath); err != nil {
			log.Warn().
				Str("project_id", task.ProjectID).
				Int("segment_id", seg.SegmentID).
				Err(err).
				Msg("segment clip download failed, skipping")
			continue
		}
		clipPaths = append(clipPaths, localPath)
		tempFiles = append(tempFiles, localPath)
	}

	result.SegmentsRequested = len(segments)
	result.SegmentsCombined = len(clipPaths)

	if len(clipPaths) == 0 {
		return result, fmt.Errorf("no segment clips available to combine")
	}

	listPath, err := r.ffmpeg.WriteConcatList(task.ProjectID+"_concat.txt", clipPaths)
	if err != nil {
		return result, err
	}
	tempFiles = append(tempFiles, listPath)

	combinedPath := r.ffmpeg.TempFile(task.ProjectID + "_combined.mp4")
	tempFiles = append(tempFiles, combinedPath)

	if task.Reencode {
		err = r.ffmpeg.ConcatReencode(ctx, listPath, combinedPath)
	} else {
		err = r.ffmpeg.ConcatCopy(ctx, listPath, combinedPath)
	}
	if err != nil {
		return result, fmt.Errorf("concat failed: %w", err)
	}

	finalPath := combinedPath
	if task.AudioKey != "" {
		audioPath := r.ffmpeg.TempFile(task.ProjectID + "_audio.mp3")
		muxedPath := r.ffmpeg.TempFile(task.ProjectID + "_final.mp4")
		if err := r.store.DownloadTo(ctx, task.AudioKey, audioPath); err != nil {
			log.Warn().
				Str("project_id", task.ProjectID).
				Str("audio_key", task.AudioKey).
				Err(err).
				Msg("audio download failed, producing silent video")
		} else {
			tempFiles = append(tempFiles, audioPath)
			if err := r.ffmpeg.MuxAudio(ctx, combinedPath, audioPath, muxedPath); err != nil {
				log.Warn().
					Str("project_id", task.ProjectID).
					Err(err).
					Msg("audio mux failed, producing silent video")
			} else {
				tempFiles = append(tempFiles, muxedPath)
				finalPath = muxedPath
				result.HasAudio = true
			}
		}
	}

	duration, err := r.ffmpeg.ProbeDuration(ctx, finalPath)
	if err != nil {
		log.Warn().Str("project_id", task.ProjectID).Err(err).Msg("duration probe failed")
	}
	result.Duration = duration

	videoKey := models.FinalVideoKey(task.ProjectID)
	if err := r.store.UploadFile(ctx, videoKey, finalPath, "video/mp4"); err != nil {
		return result, fmt.Errorf("final video upload: %w", err)
	}

	result.VideoKey = videoKey
	result.Resolution = r.ffmpeg.Resolution()
	result.FPS = r.ffmpeg.FPS()

	log.Info().
		Str("project_id", task.ProjectID).
		Int("segments_combined", result.SegmentsCombined).
		Int("segments_requested", result.SegmentsRequested).
		Bool("has_audio", result.HasAudio).
		Float64("duration", result.Duration).
		Dur("elapsed", time.Since(started)).
		Msg("final video combined")

	return result, nil
}

func (r *Renderer) downloadImage(ctx context.Context, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

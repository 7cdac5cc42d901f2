package models

import (
	"fmt"
	"time"
)

// Enums

// ImageProvider identifies which stock/search backend produced an image.
type ImageProvider string

const (
	ProviderUnsplash    ImageProvider = "unsplash"
	ProviderPexels      ImageProvider = "pexels"
	ProviderPixabay     ImageProvider = "pixabay"
	ProviderLoremPicsum ImageProvider = "lorem_picsum"
	ProviderOpenverse   ImageProvider = "openverse"
	ProviderWikimedia   ImageProvider = "wikimedia"
)

// ManifestStatus tracks a project's progress through rendering.
type ManifestStatus string

const (
	ManifestStatusReady     ManifestStatus = "ready_for_video_generation"
	ManifestStatusRendering ManifestStatus = "rendering"
	ManifestStatusComplete  ManifestStatus = "complete"
	ManifestStatusFailed    ManifestStatus = "failed"
)

// Stage names the five pipeline stages. Stage names double as cache key
// components, so they must stay stable across releases.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
	StageImages        Stage = "images"
	StageManifest      Stage = "manifest"
	StageRender        Stage = "render"
)

// RunStatus is the operator-facing status of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// SchemaVersion is stamped into every cached stage artifact. A cached entry
// with a different version is treated as a cache miss and recomputed rather
// than silently misinterpreted.
const SchemaVersion = 1

// Core records

// Image is a candidate visual asset for a segment. IsFallback marks images
// produced by the emergency generic-query path, which bypasses the quality gate.
type Image struct {
	URL        string        `json:"url"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Provider   ImageProvider `json:"provider"`
	Query      string        `json:"query"`
	IsFallback bool          `json:"is_fallback,omitempty"`
}

// Segment is a time-bounded unit of narration. Segments are created by
// transcription, enriched in place by analysis (queries) and image acquisition
// (images), and become immutable once published into a Manifest.
type Segment struct {
	ID              int      `json:"id"`
	StartTime       float64  `json:"start_time"`
	EndTime         float64  `json:"end_time"`
	Text            string   `json:"text"`
	Confidence      *float64 `json:"confidence,omitempty"`
	ImageQueries    []string `json:"image_queries,omitempty"`
	// Category is a coarse content hint from analysis (e.g. "famous_person")
	// used by the image bus to pick the primary provider tier.
	Category        string   `json:"category,omitempty"`
	GeneratedImages []Image  `json:"generated_images,omitempty"`
}

// Duration returns the segment's playback duration in seconds.
func (s Segment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// GenerationSuccess reports whether at least one image was acquired.
func (s Segment) GenerationSuccess() bool {
	return len(s.GeneratedImages) > 0
}

// Manifest is the durable, versioned snapshot of a project. Once published it
// is the single source of truth for rendering and recovery.
type Manifest struct {
	SchemaVersion int            `json:"schema_version"`
	ProjectID     string         `json:"project_id"`
	CreatedAt     time.Time      `json:"created_at"`
	AudioKey      string         `json:"audio_artifact_key"`
	Duration      float64        `json:"duration"`
	Language      string         `json:"language,omitempty"`
	Segments      []Segment      `json:"segments"`
	TotalImages   int            `json:"total_images"`
	Status        ManifestStatus `json:"status"`
}

// Cached stage artifacts: one per cacheable stage, each carrying the schema
// version so stale entries are rejected on read.

type TranscriptionResult struct {
	SchemaVersion int       `json:"schema_version"`
	Segments      []Segment `json:"segments"`
	Duration      float64   `json:"duration"`
	Language      string    `json:"language,omitempty"`
	WordCount     int       `json:"word_count"`
}

type AnalysisResult struct {
	SchemaVersion int       `json:"schema_version"`
	Segments      []Segment `json:"segments"`
	PrimaryTheme  string    `json:"primary_theme,omitempty"`
	VisualStyle   string    `json:"visual_style,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
}

type ImageGenResult struct {
	SchemaVersion int       `json:"schema_version"`
	Segments      []Segment `json:"segments"`
	TotalImages   int       `json:"total_images"`
}

// Render protocol

// SegmentRenderTask asks a worker to turn one segment's images into a clip.
// Re-issuing the task for the same (project, segment) overwrites the same
// artifact key, so it is safe to retry.
type SegmentRenderTask struct {
	ProjectID string  `json:"project_id"`
	SegmentID int     `json:"segment_id"`
	Images    []Image `json:"images"`
	Duration  float64 `json:"duration"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// SegmentRenderResult reports one finished (or failed) segment render.
type SegmentRenderResult struct {
	SegmentID   int     `json:"segment_id"`
	ArtifactKey string  `json:"segment_key,omitempty"`
	Duration    float64 `json:"duration"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	ImagesUsed  int     `json:"images_used"`
	Error       string  `json:"error,omitempty"`
}

// OK reports whether the segment rendered successfully.
func (r SegmentRenderResult) OK() bool {
	return r.Error == "" && r.ArtifactKey != ""
}

// SegmentRef points the combine step at one rendered segment clip.
type SegmentRef struct {
	SegmentID   int     `json:"segment_id"`
	ArtifactKey string  `json:"segment_key"`
	Duration    float64 `json:"duration"`
}

// CombineTask asks a worker to concatenate rendered segment clips and mux the
// project's audio track.
type CombineTask struct {
	ProjectID string       `json:"project_id"`
	Segments  []SegmentRef `json:"segments"`
	AudioKey  string       `json:"audio_key,omitempty"`
	// Reencode forces a consistent codec/profile across heterogeneously
	// encoded segments instead of the default exact-copy concat.
	Reencode bool `json:"reencode,omitempty"`
}

// CombineResult reports the final assembled video.
type CombineResult struct {
	VideoKey          string  `json:"video_key"`
	Duration          float64 `json:"duration"`
	Resolution        string  `json:"resolution"`
	FPS               int     `json:"fps"`
	SegmentsCombined  int     `json:"segments_combined"`
	SegmentsRequested int     `json:"segments_requested"`
	HasAudio          bool    `json:"has_audio"`
}

// Artifact key layout. All keys are partitioned by project id so concurrent
// projects never contend.

func TranscriptionKey(projectID string) string { return "transcription/" + projectID }
func AnalysisKey(projectID string) string      { return "analysis/" + projectID }
func ImagesKey(projectID string) string        { return "images/" + projectID }
func ManifestKey(projectID string) string      { return "manifest/" + projectID }
func AudioKey(projectID string) string         { return "audio/" + projectID + ".mp3" }

func SegmentKey(projectID string, segmentID int) string {
	return fmt.Sprintf("segments/%s/%d_segment.mp4", projectID, segmentID)
}

func FinalVideoKey(projectID string) string {
	return fmt.Sprintf("videos/%s_final_video.mp4", projectID)
}

// StageKey returns the cache key for a stage artifact.
func StageKey(projectID string, stage Stage) string {
	switch stage {
	case StageTranscription:
		return TranscriptionKey(projectID)
	case StageAnalysis:
		return AnalysisKey(projectID)
	case StageImages:
		return ImagesKey(projectID)
	case StageManifest:
		return ManifestKey(projectID)
	}
	return string(stage) + "/" + projectID
}

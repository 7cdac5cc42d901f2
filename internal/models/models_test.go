package models

import (
	"encoding/json"
	"testing"
)

func TestSegmentDuration(t *testing.T) {
	seg := Segment{StartTime: 2.5, EndTime: 10.0}
	if got := seg.Duration(); got != 7.5 {
		t.Errorf("expected duration 7.5, got %v", got)
	}
}

func TestGenerationSuccess(t *testing.T) {
	seg := Segment{}
	if seg.GenerationSuccess() {
		t.Error("expected false with no images")
	}

	seg.GeneratedImages = []Image{{URL: "https://example.com/a.jpg"}}
	if !seg.GenerationSuccess() {
		t.Error("expected true with one image")
	}
}

func TestArtifactKeys(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{TranscriptionKey("ep1"), "transcription/ep1"},
		{AnalysisKey("ep1"), "analysis/ep1"},
		{ImagesKey("ep1"), "images/ep1"},
		{ManifestKey("ep1"), "manifest/ep1"},
		{AudioKey("ep1"), "audio/ep1.mp3"},
		{SegmentKey("ep1", 3), "segments/ep1/3_segment.mp4"},
		{FinalVideoKey("ep1"), "videos/ep1_final_video.mp4"},
	}

	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("expected %q, got %q", c.want, c.got)
		}
	}
}

func TestSegmentKeyDeterministic(t *testing.T) {
	if SegmentKey("p", 7) != SegmentKey("p", 7) {
		t.Error("segment key must be deterministic")
	}
}

func TestSegmentRenderResultOK(t *testing.T) {
	r := SegmentRenderResult{SegmentID: 1}
	if r.OK() {
		t.Error("result without artifact key must not be OK")
	}

	r.ArtifactKey = "segments/p/1_segment.mp4"
	if !r.OK() {
		t.Error("result with artifact key and no error must be OK")
	}

	r.Error = "render failed"
	if r.OK() {
		t.Error("result with error must not be OK")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{
		SchemaVersion: SchemaVersion,
		ProjectID:     "ep1",
		AudioKey:      AudioKey("ep1"),
		Duration:      42.5,
		Segments: []Segment{
			{ID: 0, StartTime: 0, EndTime: 5, Text: "hello"},
		},
		TotalImages: 1,
		Status:      ManifestStatusReady,
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal manifest: %v", err)
	}

	var decoded Manifest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal manifest: %v", err)
	}

	if decoded.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, decoded.SchemaVersion)
	}
	if decoded.Status != ManifestStatusReady {
		t.Errorf("expected status %q, got %q", ManifestStatusReady, decoded.Status)
	}
	if len(decoded.Segments) != 1 || decoded.Segments[0].Text != "hello" {
		t.Errorf("segments did not survive round trip: %+v", decoded.Segments)
	}
}

func TestStageNames(t *testing.T) {
	stages := []Stage{
		StageTranscription,
		StageAnalysis,
		StageImages,
		StageManifest,
		StageRender,
	}

	for _, stage := range stages {
		if stage == "" {
			t.Error("empty stage name found")
		}
	}
}

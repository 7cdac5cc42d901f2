package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/voicereel/voicereel/internal/analyze"
	"github.com/voicereel/voicereel/internal/imagebus"
	"github.com/voicereel/voicereel/internal/manifest"
	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/storage"
	"github.com/voicereel/voicereel/internal/transcribe"
)

type fakeTranscriber struct {
	calls  int
	err    error
	result models.TranscriptionResult
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string, opts transcribe.Options) (*models.TranscriptionResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := f.result
	return &out, nil
}

type fakeAnalyzer struct {
	calls int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, segments []models.Segment, opts analyze.Options) (*models.AnalysisResult, error) {
	f.calls++
	out := make([]models.Segment, len(segments))
	copy(out, segments)
	for i := range out {
		out[i].ImageQueries = []string{fmt.Sprintf("query for segment %d", out[i].ID)}
	}
	return &models.AnalysisResult{
		SchemaVersion: models.SchemaVersion,
		Segments:      out,
		PrimaryTheme:  "testing",
	}, nil
}

// fakeImageProvider serves a fixed image per query, or an error. With
// onlyQuery set it answers just that one query, erroring on the rest.
type fakeImageProvider struct {
	name      models.ImageProvider
	onlyQuery string
	fail      bool
	searches  atomic.Int64
}

func (f *fakeImageProvider) Name() models.ImageProvider { return f.name }

func (f *fakeImageProvider) Search(ctx context.Context, query string, res imagebus.Resolution) (*imagebus.SearchResult, error) {
	f.searches.Add(1)
	if f.fail {
		return nil, errors.New("provider down")
	}
	if f.onlyQuery != "" && query != f.onlyQuery {
		return nil, errors.New("no results")
	}
	return &imagebus.SearchResult{
		Provider: f.name,
		Query:    query,
		Images: []models.Image{
			{URL: "https://img.example/" + query + ".jpg", Width: 1920, Height: 1080, Provider: f.name, Query: query},
		},
	}, nil
}

// fakeDispatcher renders by writing segment keys straight into the store.
type fakeDispatcher struct {
	store        storage.Store
	renderCalls  int
	combineCalls int
	lastTasks    []models.SegmentRenderTask
	failSegments map[int]bool
	combineErr   error
}

func (d *fakeDispatcher) RenderSegments(ctx context.Context, tasks []models.SegmentRenderTask) []models.SegmentRenderResult {
	d.renderCalls++
	d.lastTasks = tasks

	results := make([]models.SegmentRenderResult, len(tasks))
	for i, task := range tasks {
		if d.failSegments[task.SegmentID] {
			results[i] = models.SegmentRenderResult{SegmentID: task.SegmentID, Error: "boom"}
			continue
		}
		key := models.SegmentKey(task.ProjectID, task.SegmentID)
		d.store.Put(ctx, key, []byte("clip"), "video/mp4")
		results[i] = models.SegmentRenderResult{
			SegmentID:   task.SegmentID,
			ArtifactKey: key,
			Duration:    task.Duration,
			StartTime:   task.StartTime,
			EndTime:     task.EndTime,
			ImagesUsed:  len(task.Images),
		}
	}
	return results
}

func (d *fakeDispatcher) Combine(ctx context.Context, task models.CombineTask) (models.CombineResult, error) {
	d.combineCalls++
	if d.combineErr != nil {
		return models.CombineResult{}, d.combineErr
	}

	combined := 0
	for _, ref := range task.Segments {
		if exists, _ := d.store.Exists(ctx, ref.ArtifactKey); exists {
			combined++
		}
	}

	videoKey := models.FinalVideoKey(task.ProjectID)
	d.store.Put(ctx, videoKey, []byte("final"), "video/mp4")

	return models.CombineResult{
		VideoKey:          videoKey,
		Duration:          30.0,
		Resolution:        "1920x1080",
		FPS:               24,
		SegmentsCombined:  combined,
		SegmentsRequested: len(task.Segments),
		HasAudio:          task.AudioKey != "",
	}, nil
}

type testEnv struct {
	store       *storage.Memory
	transcriber *fakeTranscriber
	analyzer    *fakeAnalyzer
	dispatcher  *fakeDispatcher
	controller  *Controller
	audioPath   string
}

func newTestEnv(t *testing.T, provider imagebus.Provider) *testEnv {
	t.Helper()

	store := storage.NewMemory()
	transcriber := &fakeTranscriber{
		result: models.TranscriptionResult{
			SchemaVersion: models.SchemaVersion,
			Duration:      30.0,
			Language:      "en",
			WordCount:     12,
			Segments: []models.Segment{
				{ID: 0, StartTime: 0, EndTime: 10, Text: "first segment text"},
				{ID: 1, StartTime: 10, EndTime: 20, Text: "second segment text"},
				{ID: 2, StartTime: 20, EndTime: 30, Text: "third segment text"},
			},
		},
	}
	analyzer := &fakeAnalyzer{}
	dispatcher := &fakeDispatcher{store: store, failSegments: map[int]bool{}}

	policy := imagebus.DefaultPolicy()
	policy.AttemptDelayMS = 0
	bus := imagebus.New(policy, []imagebus.Provider{provider})

	manifests := manifest.NewRepository(store)

	controller := NewController(store, transcriber, analyzer, bus, manifests, dispatcher, nil, ControllerConfig{
		ImagesPerSegment: 1,
		ChunkDurationSec: 60,
		RenderWidth:      1920,
		RenderHeight:     1080,
	})

	audioPath := filepath.Join(t.TempDir(), "episode one.mp3")
	if err := os.WriteFile(audioPath, []byte("mp3 bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		store:       store,
		transcriber: transcriber,
		analyzer:    analyzer,
		dispatcher:  dispatcher,
		controller:  controller,
		audioPath:   audioPath,
	}
}

func workingProvider() imagebus.Provider {
	return &fakeImageProvider{name: models.ProviderUnsplash}
}

func TestProjectIDFromAudioPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/data/audio/episode one.mp3", "episode_one"},
		{"my-show.ep2.wav", "my_show_ep2"},
		{"Simple.mp3", "Simple"},
		{"my -- show__ep2.mp3", "my_show_ep2"},
		{"-intro-.mp3", "intro"},
		{"...", "project"},
		{"!!!.wav", "project"},
	}
	for _, c := range cases {
		if got := ProjectIDFromAudioPath(c.in); got != c.want {
			t.Errorf("ProjectIDFromAudioPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRunFullPipeline(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	ctx := context.Background()

	m, err := env.controller.Run(ctx, env.audioPath, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if m.Status != models.ManifestStatusComplete {
		t.Errorf("expected manifest complete, got %q", m.Status)
	}
	if len(m.Segments) != 3 {
		t.Errorf("expected 3 segments, got %d", len(m.Segments))
	}
	if m.TotalImages != 3 {
		t.Errorf("expected 3 images, got %d", m.TotalImages)
	}

	projectID := ProjectIDFromAudioPath(env.audioPath)
	for _, key := range []string{
		models.TranscriptionKey(projectID),
		models.AnalysisKey(projectID),
		models.ImagesKey(projectID),
		models.ManifestKey(projectID),
		models.AudioKey(projectID),
		models.FinalVideoKey(projectID),
	} {
		if exists, _ := env.store.Exists(ctx, key); !exists {
			t.Errorf("expected artifact %q after full run", key)
		}
	}

	if env.dispatcher.renderCalls != 1 || env.dispatcher.combineCalls != 1 {
		t.Errorf("expected one render and one combine dispatch, got %d/%d",
			env.dispatcher.renderCalls, env.dispatcher.combineCalls)
	}
	if len(env.dispatcher.lastTasks) != 3 {
		t.Errorf("expected 3 segment tasks, got %d", len(env.dispatcher.lastTasks))
	}
}

func TestRunSecondTimeHitsEveryCache(t *testing.T) {
	provider := &fakeImageProvider{name: models.ProviderUnsplash}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	if _, err := env.controller.Run(ctx, env.audioPath, Options{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	searchesAfterFirst := provider.searches.Load()
	if searchesAfterFirst == 0 {
		t.Fatal("expected the first run to search for images")
	}

	if _, err := env.controller.Run(ctx, env.audioPath, Options{}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if got := provider.searches.Load(); got != searchesAfterFirst {
		t.Errorf("expected no provider searches on the cached rerun, got %d more", got-searchesAfterFirst)
	}
	if env.transcriber.calls != 1 {
		t.Errorf("expected transcriber called once, got %d", env.transcriber.calls)
	}
	if env.analyzer.calls != 1 {
		t.Errorf("expected analyzer called once, got %d", env.analyzer.calls)
	}
	if env.dispatcher.renderCalls != 1 {
		t.Errorf("expected render dispatched once, got %d", env.dispatcher.renderCalls)
	}
}

func TestRunForceReRunsStage(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	ctx := context.Background()

	if _, err := env.controller.Run(ctx, env.audioPath, Options{}); err != nil {
		t.Fatal(err)
	}

	_, err := env.controller.Run(ctx, env.audioPath, Options{
		Force: map[models.Stage]bool{models.StageTranscription: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if env.transcriber.calls != 2 {
		t.Errorf("expected transcriber called twice with force, got %d", env.transcriber.calls)
	}
	// Downstream stages still serve from cache.
	if env.analyzer.calls != 1 {
		t.Errorf("expected analyzer still cached, got %d calls", env.analyzer.calls)
	}
}

func TestRunStaleCacheVersionRecomputes(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	ctx := context.Background()

	projectID := ProjectIDFromAudioPath(env.audioPath)
	stale := models.TranscriptionResult{SchemaVersion: models.SchemaVersion + 1}
	data, _ := json.Marshal(stale)
	env.store.Put(ctx, models.TranscriptionKey(projectID), data, "application/json")

	if _, err := env.controller.Run(ctx, env.audioPath, Options{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if env.transcriber.calls != 1 {
		t.Errorf("expected stale cache to be recomputed, transcriber calls = %d", env.transcriber.calls)
	}
}

func TestRunEmergencyFallbackImages(t *testing.T) {
	// The provider answers only the emergency query; every real query fails.
	provider := &fakeImageProvider{name: models.ProviderLoremPicsum, onlyQuery: fallbackQuery}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	m, err := env.controller.Run(ctx, env.audioPath, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	for _, seg := range m.Segments {
		if len(seg.GeneratedImages) == 0 {
			t.Fatalf("segment %d has no images", seg.ID)
		}
		for _, img := range seg.GeneratedImages {
			if !img.IsFallback {
				t.Errorf("segment %d image not marked as fallback", seg.ID)
			}
		}
	}
}

func TestRunTranscriptionFailureNamesStage(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	env.transcriber.err = errors.New("whisper unavailable")

	_, err := env.controller.Run(context.Background(), env.audioPath, Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != models.StageTranscription {
		t.Errorf("expected transcription stage, got %q", stageErr.Stage)
	}
}

func TestRunPartialSegmentFailureStillCombines(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	env.dispatcher.failSegments[1] = true
	ctx := context.Background()

	m, err := env.controller.Run(ctx, env.audioPath, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if m.Status != models.ManifestStatusComplete {
		t.Errorf("expected complete despite one failed segment, got %q", m.Status)
	}
	if env.dispatcher.combineCalls != 1 {
		t.Errorf("expected combine despite failed segment, got %d calls", env.dispatcher.combineCalls)
	}
}

func TestRunAllSegmentsFailFailsRun(t *testing.T) {
	env := newTestEnv(t, workingProvider())
	env.dispatcher.failSegments = map[int]bool{0: true, 1: true, 2: true}
	ctx := context.Background()

	_, err := env.controller.Run(ctx, env.audioPath, Options{})
	if err == nil {
		t.Fatal("expected error when every segment fails")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != models.StageRender {
		t.Errorf("expected render stage error, got %v", err)
	}
}

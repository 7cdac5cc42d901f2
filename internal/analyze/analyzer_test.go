package analyze

import (
	"testing"

	"github.com/voicereel/voicereel/internal/models"
)

func TestKeywordQueries(t *testing.T) {
	queries := KeywordQueries("The ancient castle stood above the misty valley below.")
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d: %v", len(queries), queries)
	}
	if queries[0] != "ancient castle stood above" {
		t.Errorf("unexpected primary query: %q", queries[0])
	}
	if queries[1] != "ancient castle" {
		t.Errorf("unexpected secondary query: %q", queries[1])
	}
}

func TestKeywordQueriesShortText(t *testing.T) {
	queries := KeywordQueries("ocean waves")
	if len(queries) != 1 {
		t.Fatalf("expected 1 query for two keywords, got %d: %v", len(queries), queries)
	}
	if queries[0] != "ocean waves" {
		t.Errorf("unexpected query: %q", queries[0])
	}
}

func TestKeywordQueriesStopwordsOnly(t *testing.T) {
	if queries := KeywordQueries("and the of it to"); queries != nil {
		t.Errorf("expected nil for stopwords-only text, got %v", queries)
	}
	if queries := KeywordQueries(""); queries != nil {
		t.Errorf("expected nil for empty text, got %v", queries)
	}
}

func TestKeywordQueriesDeterministic(t *testing.T) {
	text := "A lighthouse keeper watched storms roll across the northern coastline."
	a := KeywordQueries(text)
	b := KeywordQueries(text)
	if len(a) != len(b) {
		t.Fatal("keyword queries must be deterministic")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("query %d differs: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestKeywordQueriesDedup(t *testing.T) {
	queries := KeywordQueries("river river river winding winding through mountains")
	if len(queries) == 0 {
		t.Fatal("expected queries")
	}
	if queries[0] != "river winding through mountains" {
		t.Errorf("expected deduplicated keywords, got %q", queries[0])
	}
}

func segs(durations ...float64) []models.Segment {
	out := make([]models.Segment, len(durations))
	var at float64
	for i, d := range durations {
		out[i] = models.Segment{ID: i, StartTime: at, EndTime: at + d, Text: "segment text"}
		at += d
	}
	return out
}

func TestChunkRespectsDuration(t *testing.T) {
	chunks := chunk(segs(20, 20, 20, 20, 20), 60)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[1]) != 2 {
		t.Errorf("unexpected chunk sizes: %d, %d", len(chunks[0]), len(chunks[1]))
	}
}

func TestChunkNeverSplitsSegment(t *testing.T) {
	// A single segment longer than the chunk budget still lands whole.
	chunks := chunk(segs(90), 60)
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("expected one chunk with one segment, got %+v", chunks)
	}
}

func TestChunkZeroBudget(t *testing.T) {
	chunks := chunk(segs(10, 10), 0)
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("expected one chunk covering all segments, got %+v", chunks)
	}
}

func TestChunkEmpty(t *testing.T) {
	if chunks := chunk(nil, 60); chunks != nil {
		t.Errorf("expected nil for no segments, got %+v", chunks)
	}
}

func TestApplyMergesAnnotations(t *testing.T) {
	segments := []models.Segment{
		{ID: 0, Text: "Napoleon crossed the Alps during winter."},
		{ID: 1, Text: "The soldiers marched through deep snowdrifts."},
	}

	resp := &modelResponse{
		Segments: []segmentAnnotation{
			{ID: 0, ImageQueries: []string{"napoleon portrait", "alps winter"}, Category: "famous_person"},
		},
	}

	out := apply(segments, resp)
	if len(out) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(out))
	}

	if out[0].ImageQueries[0] != "napoleon portrait" || out[0].Category != "famous_person" {
		t.Errorf("annotation not applied: %+v", out[0])
	}

	// The skipped segment degrades to keyword queries.
	if len(out[1].ImageQueries) == 0 {
		t.Fatal("expected keyword fallback queries for unannotated segment")
	}
	if out[1].ImageQueries[0] != "soldiers marched through deep" {
		t.Errorf("unexpected fallback query: %q", out[1].ImageQueries[0])
	}
	if out[1].Category != "" {
		t.Errorf("expected no category on fallback segment, got %q", out[1].Category)
	}
}

func TestApplyEmptyAnnotationFallsBack(t *testing.T) {
	segments := []models.Segment{{ID: 0, Text: "Sunrise over desert dunes today."}}
	resp := &modelResponse{Segments: []segmentAnnotation{{ID: 0}}}

	out := apply(segments, resp)
	if len(out[0].ImageQueries) == 0 {
		t.Fatal("expected keyword queries when the model returned none")
	}
}

func TestParseModelResponse(t *testing.T) {
	raw := `{"segments":[{"id":0,"image_queries":["castle ruins"],"category":"general"}],"primary_theme":"history"}`
	resp, err := parseModelResponse(raw)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if resp.PrimaryTheme != "history" {
		t.Errorf("expected theme history, got %q", resp.PrimaryTheme)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].ImageQueries[0] != "castle ruins" {
		t.Errorf("unexpected segments: %+v", resp.Segments)
	}
}

func TestParseModelResponseFenced(t *testing.T) {
	raw := "```json\n{\"segments\":[]}\n```"
	if _, err := parseModelResponse(raw); err != nil {
		t.Fatalf("expected fenced JSON to parse, got %v", err)
	}
}

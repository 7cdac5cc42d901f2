// Package analyze derives image search queries for narration segments.
// Backends: OpenAI (default) and Gemini; both degrade to a deterministic
// keyword extractor when the model output is malformed, so the analysis
// stage never fails on bad model JSON.
package analyze

import (
	"context"
	"strings"

	"github.com/voicereel/voicereel/internal/models"
)

// Options tune an analysis request.
type Options struct {
	// ChunkDurationSec groups segments into batches of roughly this much
	// narration per model call. Zero means one call for everything.
	ChunkDurationSec int
	// Context is optional operator-supplied background for the narration.
	Context string
	// Style is an optional visual style hint carried into the queries.
	Style string
}

// Analyzer is the query-analysis port consumed by the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, segments []models.Segment, opts Options) (*models.AnalysisResult, error)
}

// segmentAnnotation is the per-segment shape both model backends ask for.
type segmentAnnotation struct {
	ID           int      `json:"id"`
	ImageQueries []string `json:"image_queries"`
	Category     string   `json:"category,omitempty"`
}

// modelResponse is the JSON shape both model backends ask for.
type modelResponse struct {
	Segments     []segmentAnnotation `json:"segments"`
	PrimaryTheme string              `json:"primary_theme"`
	VisualStyle  string              `json:"visual_style"`
	Confidence   float64             `json:"confidence"`
}

// apply merges model annotations onto the segments, falling back to keyword
// queries for any segment the model skipped or left empty.
func apply(segments []models.Segment, resp *modelResponse) []models.Segment {
	byID := make(map[int]segmentAnnotation, len(resp.Segments))
	for _, a := range resp.Segments {
		byID[a.ID] = a
	}

	out := make([]models.Segment, len(segments))
	for i, seg := range segments {
		if a, ok := byID[seg.ID]; ok && len(a.ImageQueries) > 0 {
			seg.ImageQueries = a.ImageQueries
			seg.Category = a.Category
		} else {
			seg.ImageQueries = KeywordQueries(seg.Text)
		}
		out[i] = seg
	}
	return out
}

// chunk splits segments into batches of at most chunkSec seconds of
// narration, never splitting a single segment.
func chunk(segments []models.Segment, chunkSec int) [][]models.Segment {
	if chunkSec <= 0 || len(segments) == 0 {
		if len(segments) == 0 {
			return nil
		}
		return [][]models.Segment{segments}
	}

	var chunks [][]models.Segment
	var current []models.Segment
	var elapsed float64
	for _, seg := range segments {
		if len(current) > 0 && elapsed+seg.Duration() > float64(chunkSec) {
			chunks = append(chunks, current)
			current = nil
			elapsed = 0
		}
		current = append(current, seg)
		elapsed += seg.Duration()
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// stopwords trimmed from keyword queries. Good enough for a fallback; the
// model path produces the real queries.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "he": true, "her": true, "his": true, "i": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "our": true, "she": true, "so": true, "that": true, "the": true,
	"their": true, "them": true, "there": true, "they": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "what": true,
	"when": true, "which": true, "who": true, "will": true, "with": true,
	"would": true, "you": true, "your": true,
}

// KeywordQueries derives a search query from the most significant words of a
// segment's text. Deterministic, so cached runs stay stable.
func KeywordQueries(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var keep []string
	seen := make(map[string]bool)
	for _, w := range words {
		w = strings.Trim(w, `.,!?;:"'()[]`)
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keep = append(keep, w)
		if len(keep) == 4 {
			break
		}
	}

	if len(keep) == 0 {
		return nil
	}

	queries := []string{strings.Join(keep, " ")}
	if len(keep) > 2 {
		// A broader secondary query improves the odds when the specific
		// one finds nothing.
		queries = append(queries, strings.Join(keep[:2], " "))
	}
	return queries
}

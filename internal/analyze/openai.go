package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voicereel/voicereel/internal/models"
)

const openaiModel = "gpt-4o-mini"

// OpenAIAnalyzer produces image queries via an OpenAI chat completion in
// JSON mode, one call per chunk of narration.
type OpenAIAnalyzer struct {
	client *openai.Client
}

func NewOpenAI(apiKey string) *OpenAIAnalyzer {
	return &OpenAIAnalyzer{client: openai.NewClient(apiKey)}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, segments []models.Segment, opts Options) (*models.AnalysisResult, error) {
	result := &models.AnalysisResult{SchemaVersion: models.SchemaVersion}

	for _, batch := range chunk(segments, opts.ChunkDurationSec) {
		resp, err := a.analyzeChunk(ctx, batch, opts)
		if err != nil {
			// Malformed or failed model output degrades that chunk to
			// keyword queries; the stage itself does not fail.
			log.Warn().Err(err).
				Int("segments", len(batch)).
				Msg("model analysis failed for chunk, using keyword queries")
			resp = &modelResponse{}
		}

		result.Segments = append(result.Segments, apply(batch, resp)...)
		if resp.PrimaryTheme != "" {
			result.PrimaryTheme = resp.PrimaryTheme
		}
		if resp.VisualStyle != "" {
			result.VisualStyle = resp.VisualStyle
		}
		if resp.Confidence > result.Confidence {
			result.Confidence = resp.Confidence
		}
	}

	return result, nil
}

func (a *OpenAIAnalyzer) analyzeChunk(ctx context.Context, segments []models.Segment, opts Options) (*modelResponse, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: openaiModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt(opts)},
			{Role: openai.ChatMessageRoleUser, Content: analysisUserPrompt(segments)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	return parseModelResponse(resp.Choices[0].Message.Content)
}

func parseModelResponse(raw string) (*modelResponse, error) {
	// Some models wrap JSON in a markdown fence despite the response format.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed modelResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		const maxLogLen = 1000
		if len(raw) > maxLogLen {
			raw = raw[:maxLogLen] + "..."
		}
		log.Debug().Str("raw", raw).Msg("unparseable analysis response")
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}
	return &parsed, nil
}

func analysisSystemPrompt(opts Options) string {
	var sb strings.Builder
	sb.WriteString(`You derive stock-photo search queries for narrated video segments.
For each input segment, produce 1-3 short, concrete image search queries
(primary query first) describing what a viewer should see while hearing it.
Classify each segment with a category: "famous_person" when the segment is
primarily about a well-known individual, otherwise "general".

Respond with JSON only:
{"segments":[{"id":0,"image_queries":["..."],"category":"general"}],
 "primary_theme":"...","visual_style":"...","confidence":0.0}`)

	if opts.Context != "" {
		sb.WriteString("\n\nNarration context: " + opts.Context)
	}
	if opts.Style != "" {
		sb.WriteString("\nPreferred visual style: " + opts.Style)
	}
	return sb.String()
}

func analysisUserPrompt(segments []models.Segment) string {
	var sb strings.Builder
	sb.WriteString("Segments:\n")
	for _, seg := range segments {
		fmt.Fprintf(&sb, "[%d] (%.1fs-%.1fs) %s\n", seg.ID, seg.StartTime, seg.EndTime, seg.Text)
	}
	return sb.String()
}

package analyze

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/voicereel/voicereel/internal/models"
)

const geminiModel = "gemini-2.0-flash"

// GeminiAnalyzer is the Gemini-backed alternative to the OpenAI analyzer,
// selected with QUERY_ANALYZER=gemini. Same JSON contract, same keyword
// degradation on malformed output.
type GeminiAnalyzer struct {
	apiKey string
	model  string
}

func NewGemini(apiKey string) *GeminiAnalyzer {
	return &GeminiAnalyzer{apiKey: apiKey, model: geminiModel}
}

func (a *GeminiAnalyzer) Analyze(ctx context.Context, segments []models.Segment, opts Options) (*models.AnalysisResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	result := &models.AnalysisResult{SchemaVersion: models.SchemaVersion}

	for _, batch := range chunk(segments, opts.ChunkDurationSec) {
		resp, err := a.analyzeChunk(ctx, client, batch, opts)
		if err != nil {
			log.Warn().Err(err).
				Int("segments", len(batch)).
				Msg("gemini analysis failed for chunk, using keyword queries")
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

func (a *GeminiAnalyzer) analyzeChunk(ctx context.Context, client *genai.Client, segments []models.Segment, opts Options) (*modelResponse, error) {
	prompt := analysisSystemPrompt(opts) + "\n\n" + analysisUserPrompt(segments)

	resp, err := client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty response from gemini")
	}

	return parseModelResponse(text)
}

// Package transcribe turns an audio file into time-aligned narration
// segments via the OpenAI Whisper API.
package transcribe

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voicereel/voicereel/internal/models"
)

// Options tune a transcription request.
type Options struct {
	// Language is an ISO 639-1 hint; empty lets the model detect it.
	Language string
}

// Transcriber is the speech-to-text port consumed by the pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (*models.TranscriptionResult, error)
}

// WhisperTranscriber calls the OpenAI Whisper API with verbose JSON output
// so we get per-segment timing and confidence.
type WhisperTranscriber struct {
	client *openai.Client
}

func NewWhisper(apiKey string) *WhisperTranscriber {
	return &WhisperTranscriber{client: openai.NewClient(apiKey)}
}

func (t *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (*models.TranscriptionResult, error) {
	req := openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: opts.Language,
	}

	resp, err := t.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Segments) == 0 {
		return nil, fmt.Errorf("whisper returned no segments")
	}

	result := &models.TranscriptionResult{
		SchemaVersion: models.SchemaVersion,
		Duration:      resp.Duration,
		Language:      resp.Language,
	}

	for i, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		s := models.Segment{
			ID:        i,
			StartTime: seg.Start,
			EndTime:   seg.End,
			Text:      text,
		}
		// avg_logprob is a log probability; exp() gives a rough 0..1
		// confidence comparable across segments.
		if seg.AvgLogprob != 0 {
			conf := math.Exp(seg.AvgLogprob)
			if conf > 1 {
				conf = 1
			}
			s.Confidence = &conf
		}
		result.WordCount += len(strings.Fields(text))
		result.Segments = append(result.Segments, s)
	}

	if err := validateSegments(result.Segments); err != nil {
		return nil, fmt.Errorf("whisper returned a broken timeline: %w", err)
	}

	log.Info().
		Int("segments", len(result.Segments)).
		Float64("duration", result.Duration).
		Int("words", result.WordCount).
		Str("language", result.Language).
		Msg("transcription complete")

	return result, nil
}

// validateSegments rejects transcription output whose timeline is unusable
// downstream: every segment needs positive extent and segments must be
// ordered without overlap.
func validateSegments(segments []models.Segment) error {
	prevEnd := 0.0
	for _, s := range segments {
		if s.EndTime <= s.StartTime {
			return fmt.Errorf("segment %d has non-positive extent (%.2fs..%.2fs)", s.ID, s.StartTime, s.EndTime)
		}
		if s.StartTime < prevEnd {
			return fmt.Errorf("segment %d starts at %.2fs, before the previous segment ends at %.2fs", s.ID, s.StartTime, prevEnd)
		}
		prevEnd = s.EndTime
	}
	return nil
}

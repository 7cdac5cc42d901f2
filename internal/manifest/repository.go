package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/storage"
)

// Repository publishes and loads project manifests. The manifest is the
// durable handoff between image acquisition and rendering; once published it
// is the only input rendering and recovery read.
type Repository struct {
	store storage.Store
}

func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Build assembles a manifest from the image-stage segments.
func Build(projectID string, segments []models.Segment, duration float64, language string) *models.Manifest {
	total := 0
	for _, seg := range segments {
		total += len(seg.GeneratedImages)
	}
	return &models.Manifest{
		SchemaVersion: models.SchemaVersion,
		ProjectID:     projectID,
		CreatedAt:     time.Now().UTC(),
		AudioKey:      models.AudioKey(projectID),
		Duration:      duration,
		Language:      language,
		Segments:      segments,
		TotalImages:   total,
		Status:        models.ManifestStatusReady,
	}
}

// Publish writes the manifest under the project's manifest key, replacing any
// previous version.
func (r *Repository) Publish(ctx context.Context, m *models.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	key := models.ManifestKey(m.ProjectID)
	if err := r.store.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}

	log.Info().
		Str("project_id", m.ProjectID).
		Int("segments", len(m.Segments)).
		Int("total_images", m.TotalImages).
		Str("status", string(m.Status)).
		Msg("manifest published")
	return nil
}

// Load reads a project's manifest. It returns (nil, nil) when no manifest
// exists and an error when one exists but was written by a different schema
// version.
func (r *Repository) Load(ctx context.Context, projectID string) (*models.Manifest, error) {
	data, err := r.store.Get(ctx, models.ManifestKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.SchemaVersion != models.SchemaVersion {
		return nil, fmt.Errorf("manifest schema version %d does not match current %d", m.SchemaVersion, models.SchemaVersion)
	}
	return &m, nil
}

// SetStatus updates the manifest's status field and republishes it.
func (r *Repository) SetStatus(ctx context.Context, projectID string, status models.ManifestStatus) error {
	m, err := r.Load(ctx, projectID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("no manifest for project %s", projectID)
	}
	m.Status = status
	return r.Publish(ctx, m)
}

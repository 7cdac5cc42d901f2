package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/db"
	"github.com/voicereel/voicereel/internal/manifest"
	"github.com/voicereel/voicereel/internal/models"
	"github.com/voicereel/voicereel/internal/pipeline"
)

type Handler struct {
	controller *pipeline.Controller
	recovery   *pipeline.Recovery
	manifests  *manifest.Repository
	db         *db.DB // optional, nil disables run records

	mu      sync.Mutex
	running map[string]models.RunStatus
}

func NewHandler(controller *pipeline.Controller, recovery *pipeline.Recovery, manifests *manifest.Repository, database *db.DB) *Handler {
	return &Handler{
		controller: controller,
		recovery:   recovery,
		manifests:  manifests,
		db:         database,
		running:    make(map[string]models.RunStatus),
	}
}

// CreateProjectRequest starts a pipeline run for an audio file reachable by
// this host.
type CreateProjectRequest struct {
	AudioPath string   `json:"audio_path"`
	Language  string   `json:"language,omitempty"`
	Context   string   `json:"context,omitempty"`
	Style     string   `json:"style,omitempty"`
	Force     []string `json:"force,omitempty"`
}

type CreateProjectResponse struct {
	ProjectID string           `json:"project_id"`
	Status    models.RunStatus `json:"status"`
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.AudioPath == "" {
		respondError(w, http.StatusBadRequest, "audio_path is required")
		return
	}

	force := make(map[models.Stage]bool, len(req.Force))
	for _, s := range req.Force {
		switch stage := models.Stage(s); stage {
		case models.StageTranscription, models.StageAnalysis, models.StageImages,
			models.StageManifest, models.StageRender:
			force[stage] = true
		default:
			respondError(w, http.StatusBadRequest, "Invalid force stage: "+s)
			return
		}
	}

	projectID := pipeline.ProjectIDFromAudioPath(req.AudioPath)

	h.mu.Lock()
	if status, ok := h.running[projectID]; ok && status == models.RunStatusRunning {
		h.mu.Unlock()
		respondJSON(w, http.StatusConflict, CreateProjectResponse{
			ProjectID: projectID,
			Status:    models.RunStatusRunning,
		})
		return
	}
	h.running[projectID] = models.RunStatusRunning
	h.mu.Unlock()

	// The run outlives the request; pipeline stages can take minutes.
	go func() {
		ctx := context.Background()
		_, err := h.controller.Run(ctx, req.AudioPath, pipeline.Options{
			Force:    force,
			Language: req.Language,
			Context:  req.Context,
			Style:    req.Style,
		})

		h.mu.Lock()
		if err != nil {
			h.running[projectID] = models.RunStatusFailed
		} else {
			h.running[projectID] = models.RunStatusComplete
		}
		h.mu.Unlock()

		if err != nil {
			log.Error().Str("project_id", projectID).Err(err).Msg("pipeline run failed")
		}
	}()

	respondJSON(w, http.StatusAccepted, CreateProjectResponse{
		ProjectID: projectID,
		Status:    models.RunStatusQueued,
	})
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	if h.db != nil {
		run, err := h.db.GetRun(r.Context(), projectID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load run")
			return
		}
		if run != nil {
			respondJSON(w, http.StatusOK, run)
			return
		}
	}

	// Without run records, fall back to in-memory status plus the manifest.
	h.mu.Lock()
	status, tracked := h.running[projectID]
	h.mu.Unlock()

	m, err := h.manifests.Load(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load manifest")
		return
	}
	if !tracked && m == nil {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}

	resp := map[string]interface{}{"project_id": projectID}
	if tracked {
		resp["status"] = status
	}
	if m != nil {
		resp["manifest_status"] = m.Status
		resp["segments"] = len(m.Segments)
		resp["total_images"] = m.TotalImages
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetManifest handles GET /v1/projects/{id}/manifest
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	m, err := h.manifests.Load(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load manifest")
		return
	}
	if m == nil {
		respondError(w, http.StatusNotFound, "No manifest for project")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetStageLogs handles GET /v1/projects/{id}/debug/stages
func (h *Handler) GetStageLogs(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		respondError(w, http.StatusNotFound, "Stage logs require a database")
		return
	}

	projectID := chi.URLParam(r, "id")
	logs, err := h.db.GetStageLogs(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load stage logs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"stages":     logs,
	})
}

type recoverRequest struct {
	Reencode bool `json:"reencode,omitempty"`
}

// RecoverProject handles POST /v1/projects/{id}/recover
func (h *Handler) RecoverProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req recoverRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	report, err := h.recovery.Recover(r.Context(), projectID, req.Reencode)
	if err != nil {
		if report != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":  err.Error(),
				"report": report,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

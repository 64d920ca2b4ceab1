package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// RunStore is the persistence the API reads and writes; *db.DB satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AssemblyRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.AssemblyRun, error)
	GetRunClips(ctx context.Context, runID uuid.UUID) ([]models.SceneClip, error)
}

// RunQueue is satisfied by *queue.Queue.
type RunQueue interface {
	EnqueueGenerateScenes(ctx context.Context, runID uuid.UUID) error
	EnqueueGenerateExtended(ctx context.Context, runID uuid.UUID) error
	EnqueueConcatenate(ctx context.Context, runID uuid.UUID) error
}

type Handler struct {
	db    RunStore
	queue RunQueue

	// localRoot is the only directory local concatenation sources may come
	// from. Empty means URLs only.
	localRoot string
}

func NewHandler(database RunStore, q RunQueue, localRoot string) *Handler {
	return &Handler{
		db:        database,
		queue:     q,
		localRoot: localRoot,
	}
}

// CreateSceneRun handles POST /v1/runs/scenes
func (h *Handler) CreateSceneRun(w http.ResponseWriter, r *http.Request) {
	var req models.SceneRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateRemoteScenes(req.Scenes); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PacingDelayMs != nil && *req.PacingDelayMs < 0 {
		respondError(w, http.StatusBadRequest, "pacing_delay_ms must not be negative")
		return
	}
	if req.TransitionMs != nil && *req.TransitionMs < 0 {
		respondError(w, http.StatusBadRequest, "transition_duration_ms must not be negative")
		return
	}
	req.AspectRatio = services.NormalizeAspectRatio(req.AspectRatio)

	h.createRun(w, r, models.RunModeScenes, req.AspectRatio, req, h.queue.EnqueueGenerateScenes)
}

// CreateExtendedRun handles POST /v1/runs/extended
func (h *Handler) CreateExtendedRun(w http.ResponseWriter, r *http.Request) {
	var req models.ExtendedRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateRemoteScenes(req.Scenes); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetDurationSeconds <= 0 {
		respondError(w, http.StatusBadRequest, "target_duration_seconds must be positive")
		return
	}
	req.TargetDurationSeconds = services.ClampTarget(req.TargetDurationSeconds)
	req.AspectRatio = services.NormalizeAspectRatio(req.AspectRatio)

	h.createRun(w, r, models.RunModeExtended, req.AspectRatio, req, h.queue.EnqueueGenerateExtended)
}

// CreateConcatenateRun handles POST /v1/runs/concatenate
func (h *Handler) CreateConcatenateRun(w http.ResponseWriter, r *http.Request) {
	var req models.ConcatenateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Clips) == 0 {
		respondError(w, http.StatusBadRequest, "At least one clip is required")
		return
	}
	for i, c := range req.Clips {
		source := strings.TrimSpace(c.Source)
		if source == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("clips[%d].source is required", i))
			return
		}
		if services.IsRemoteSource(source) {
			req.Clips[i].Source = source
			continue
		}
		local, err := h.localSource(source)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("clips[%d].source: %v", i, err))
			return
		}
		req.Clips[i].Source = local
	}
	if req.TransitionMs != nil && *req.TransitionMs < 0 {
		respondError(w, http.StatusBadRequest, "transition_duration_ms must not be negative")
		return
	}

	h.createRun(w, r, models.RunModeConcatenate, "", req, h.queue.EnqueueConcatenate)
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request, mode models.RunMode, aspectRatio string, req interface{}, enqueue func(context.Context, uuid.UUID) error) {
	doc, err := models.ToJSONB(req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to encode request")
		return
	}

	if aspectRatio == "" {
		aspectRatio = services.DefaultAspectRatio
	}
	run := &models.AssemblyRun{
		ID:          uuid.New(),
		Mode:        mode,
		Status:      models.StatusPending,
		AspectRatio: aspectRatio,
		Request:     doc,
	}

	if err := h.db.CreateRun(r.Context(), run); err != nil {
		log.Printf("[API] Failed to create %s run: %v", mode, err)
		respondError(w, http.StatusInternalServerError, "Failed to create run")
		return
	}

	if err := enqueue(r.Context(), run.ID); err != nil {
		log.Printf("[API] Failed to enqueue run %s: %v", run.ID, err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	response := models.RunResponse{AssemblyRun: *run}
	if run.Mode == models.RunModeScenes {
		clips, err := h.db.GetRunClips(r.Context(), run.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to get clips")
			return
		}
		response.Clips = clips
	}

	respondJSON(w, http.StatusOK, response)
}

// GetRunClips handles GET /v1/runs/{id}/clips
func (h *Handler) GetRunClips(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	clips, err := h.db.GetRunClips(r.Context(), run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get clips")
		return
	}
	if clips == nil {
		clips = []models.SceneClip{}
	}

	respondJSON(w, http.StatusOK, clips)
}

// validateRemoteScenes is ValidateScenes plus the rules for scenes arriving
// over HTTP: a caller may not name files on this server.
func validateRemoteScenes(scenes []models.Scene) error {
	if err := models.ValidateScenes(scenes); err != nil {
		return err
	}
	for _, s := range scenes {
		if s.SeedImage == nil {
			continue
		}
		if s.SeedImage.Path != "" {
			return fmt.Errorf("scene %d: seed_image.path is not accepted over the API, use seed_image.url", s.SceneNumber)
		}
		if !services.IsRemoteSource(s.SeedImage.URL) {
			return fmt.Errorf("scene %d: seed_image.url must be an http(s) URL", s.SceneNumber)
		}
	}
	return nil
}

// localSource resolves a local clip path and checks it stays inside localRoot.
func (h *Handler) localSource(source string) (string, error) {
	if h.localRoot == "" {
		return "", errors.New("local paths are not accepted, use an http(s) URL")
	}
	root, err := filepath.Abs(h.localRoot)
	if err != nil {
		return "", fmt.Errorf("invalid output directory: %w", err)
	}

	p := source
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("local paths must be inside the output directory")
	}
	return p, nil
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*models.AssemblyRun, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run ID")
		return nil, false
	}

	run, err := h.db.GetRun(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get run")
		return nil, false
	}
	return run, true
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

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// RetentionManager — управление жизненным циклом хранения
type RetentionManager interface {
	GetPolicy() domain.RetentionPolicy
	SetPolicy(p domain.RetentionPolicy) error
	Archive(ctx context.Context, before time.Time) (domain.ArchiveManifest, error)
	TransitionTiers(ctx context.Context) error
	ListManifests() []domain.ArchiveManifest
	DeleteArchive(ctx context.Context, manifestID string) error
	GetStatistics(ctx context.Context) (domain.RetentionStats, error)
}

type RetentionHandler struct {
	manager RetentionManager
}

func NewRetentionHandler(manager RetentionManager) *RetentionHandler {
	return &RetentionHandler{manager: manager}
}

// GET /v1/retention/policy
func (h *RetentionHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetPolicy())
}

// PUT /v1/retention/policy
// Новая политика действует на СЛЕДУЮЩИЕ прогоны; уже архивированные
// данные tier не меняют.
func (h *RetentionHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.RetentionPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	if err := h.manager.SetPolicy(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.GetPolicy())
}

// RunArchive запускает внеплановый прогон архивации.
// POST /v1/retention/archive
func (h *RetentionHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-h.manager.GetPolicy().HotDuration)
	man, err := h.manager.Archive(r.Context(), cutoff)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.TransitionTiers(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, man)
}

// GET /v1/retention/archives
func (h *RetentionHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ListManifests())
}

// DELETE /v1/retention/archives/{id}
// При включенном WORM до истечения срока хранения вернет 403.
func (h *RetentionHandler) DeleteArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteArchive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/retention/stats
func (h *RetentionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

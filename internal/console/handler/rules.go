package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// RuleEngine — управляющая поверхность движка алертинга
type RuleEngine interface {
	RegisterRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error)
	UpdateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	ListRules() []domain.AlertRule
	GetRule(id string) (domain.AlertRule, error)
}

type RulesHandler struct {
	engine RuleEngine
}

func NewRulesHandler(engine RuleEngine) *RulesHandler {
	return &RulesHandler{engine: engine}
}

// List возвращает все зарегистрированные правила
// GET /v1/rules
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListRules())
}

// Create регистрирует правило; условие компилируется синхронно,
// битый синтаксис вернет 400 еще до сохранения.
// POST /v1/rules
func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	rule.ID = "" // id выдает движок

	created, err := h.engine.RegisterRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GET /v1/rules/{id}
func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PUT /v1/rules/{id}
func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	rule.ID = chi.URLParam(r, "id")

	updated, err := h.engine.UpdateRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /v1/rules/{id}
func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

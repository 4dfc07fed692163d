package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/infra/auth"
)

// AlertManager — жизненный цикл алертов в движке
type AlertManager interface {
	GetActiveAlerts(ctx context.Context) ([]domain.SecurityAlert, error)
	GetOpenAlerts(ctx context.Context) ([]domain.SecurityAlert, error)
	Acknowledge(ctx context.Context, id, operator, notes string) (domain.SecurityAlert, error)
	Resolve(ctx context.Context, id, operator, notes string) (domain.SecurityAlert, error)
}

type AlertsHandler struct {
	manager AlertManager
}

func NewAlertsHandler(manager AlertManager) *AlertsHandler {
	return &AlertsHandler{manager: manager}
}

// List по умолчанию возвращает только активные алерты; ?status=open
// добавляет подтвержденные (рабочий список оператора).
// GET /v1/alerts
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	fetch := h.manager.GetActiveAlerts
	if r.URL.Query().Get("status") == "open" {
		fetch = h.manager.GetOpenAlerts
	}
	alerts, err := fetch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// Acknowledge — оператор взял алерт в работу.
// POST /v1/alerts/{id}/ack
func (h *AlertsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.manager.Acknowledge)
}

// Resolve закрывает алерт.
// POST /v1/alerts/{id}/resolve
func (h *AlertsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.manager.Resolve)
}

func (h *AlertsHandler) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, operator, notes string) (domain.SecurityAlert, error)) {

	var req struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // пустое тело допустимо
	}

	alert, err := fn(r.Context(), chi.URLParam(r, "id"), auth.OperatorID(r.Context()), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

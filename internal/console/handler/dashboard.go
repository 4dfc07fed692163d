package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/pipeline"
)

// PipelineStats — срез приемного тракта
type PipelineStats interface {
	GetMetrics() pipeline.MetricsSnapshot
}

type DashboardHandler struct {
	pipeline  PipelineStats
	retention RetentionManager
	alerts    AlertManager
}

func NewDashboardHandler(p PipelineStats, ret RetentionManager, alerts AlertManager) *DashboardHandler {
	return &DashboardHandler{pipeline: p, retention: ret, alerts: alerts}
}

// GetStats — сводка для дашборда SOC: тракт, хранение, открытые алерты.
// GET /api/v1/dashboard/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Pipeline   pipeline.MetricsSnapshot `json:"pipeline"`
		Retention  domain.RetentionStats    `json:"retention"`
		OpenAlerts int                      `json:"open_alerts"`
	}{
		Pipeline: h.pipeline.GetMetrics(),
	}

	if ret, err := h.statsOrEmpty(r.Context()); err == nil {
		stats.Retention = ret
	}
	if alerts, err := h.alerts.GetOpenAlerts(r.Context()); err == nil {
		stats.OpenAlerts = len(alerts)
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *DashboardHandler) statsOrEmpty(ctx context.Context) (domain.RetentionStats, error) {
	return h.retention.GetStatistics(ctx)
}

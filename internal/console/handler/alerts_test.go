package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

type fakeAlertManager struct {
	alerts map[string]domain.SecurityAlert
}

func newFakeAlertManager() *fakeAlertManager {
	return &fakeAlertManager{alerts: make(map[string]domain.SecurityAlert)}
}

func (m *fakeAlertManager) GetActiveAlerts(_ context.Context) ([]domain.SecurityAlert, error) {
	return m.withStatus(domain.AlertActive), nil
}

func (m *fakeAlertManager) GetOpenAlerts(_ context.Context) ([]domain.SecurityAlert, error) {
	return append(m.withStatus(domain.AlertActive), m.withStatus(domain.AlertAcknowledged)...), nil
}

func (m *fakeAlertManager) withStatus(st domain.AlertStatus) []domain.SecurityAlert {
	var out []domain.SecurityAlert
	for _, a := range m.alerts {
		if a.Status == st {
			out = append(out, a)
		}
	}
	return out
}

func (m *fakeAlertManager) Acknowledge(_ context.Context, id, _, notes string) (domain.SecurityAlert, error) {
	return m.advance(id, domain.AlertAcknowledged, notes)
}

func (m *fakeAlertManager) Resolve(_ context.Context, id, _, notes string) (domain.SecurityAlert, error) {
	return m.advance(id, domain.AlertResolved, notes)
}

func (m *fakeAlertManager) advance(id string, next domain.AlertStatus, notes string) (domain.SecurityAlert, error) {
	a, ok := m.alerts[id]
	if !ok {
		return domain.SecurityAlert{}, &domain.NotFoundError{Kind: "alert", ID: id}
	}
	if !a.Status.CanTransitionTo(next) {
		return domain.SecurityAlert{}, &domain.ValidationError{Field: "status", Reason: "transition not allowed"}
	}
	a.Status = next
	a.Notes = notes
	m.alerts[id] = a
	return a, nil
}

func alertsRouter(m *fakeAlertManager) http.Handler {
	h := NewAlertsHandler(m)
	r := chi.NewRouter()
	r.Get("/v1/alerts", h.List)
	r.Post("/v1/alerts/{id}/ack", h.Acknowledge)
	r.Post("/v1/alerts/{id}/resolve", h.Resolve)
	return r
}

func TestAlertsHandler_ListActive(t *testing.T) {
	m := newFakeAlertManager()
	m.alerts["a1"] = domain.SecurityAlert{ID: "a1", Status: domain.AlertActive, TriggeredAt: time.Now()}
	m.alerts["a2"] = domain.SecurityAlert{ID: "a2", Status: domain.AlertResolved, TriggeredAt: time.Now()}

	w := httptest.NewRecorder()
	alertsRouter(m).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var alerts []domain.SecurityAlert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)
}

func TestAlertsHandler_AckedExcludedFromDefaultList(t *testing.T) {
	m := newFakeAlertManager()
	m.alerts["a1"] = domain.SecurityAlert{ID: "a1", Status: domain.AlertActive}
	router := alertsRouter(m)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/ack", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// По умолчанию отдаются только активные — подтвержденный скрыт
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
	var alerts []domain.SecurityAlert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.Empty(t, alerts)

	// ?status=open возвращает его в рабочий список
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts?status=open", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertAcknowledged, alerts[0].Status)
}

func TestAlertsHandler_AckThenResolve(t *testing.T) {
	m := newFakeAlertManager()
	m.alerts["a1"] = domain.SecurityAlert{ID: "a1", Status: domain.AlertActive}
	router := alertsRouter(m)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/ack",
		strings.NewReader(`{"notes":"checking"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/resolve",
		strings.NewReader(`{"notes":"done"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	var a domain.SecurityAlert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, domain.AlertResolved, a.Status)
}

func TestAlertsHandler_AckResolvedRejected(t *testing.T) {
	m := newFakeAlertManager()
	m.alerts["a1"] = domain.SecurityAlert{ID: "a1", Status: domain.AlertResolved}

	w := httptest.NewRecorder()
	alertsRouter(m).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/ack", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertsHandler_UnknownAlert(t *testing.T) {
	m := newFakeAlertManager()
	w := httptest.NewRecorder()
	alertsRouter(m).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/nope/ack", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

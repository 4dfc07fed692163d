package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
	"github.com/xela07ax/auditchain-core/internal/pipeline"
)

// EventSink — приемный тракт журнала (pipeline.Logger)
type EventSink interface {
	Log(e domain.AuditEvent)
	LogConfirmed(ctx context.Context, e domain.AuditEvent) (domain.AuditEvent, error)
	LogBatch(ctx context.Context, events []domain.AuditEvent) (pipeline.BatchResult, error)
}

// EventEvaluator — движок алертинга (оценка в реальном времени)
type EventEvaluator interface {
	ProcessEvent(e domain.AuditEvent) bool
}

// EventSource — чтение событий и диапазонов цепочки
type EventSource interface {
	GetByID(ctx context.Context, id string) (*domain.AuditEvent, error)
	FetchRange(ctx context.Context, from, to uint64) ([]domain.AuditEvent, error)
}

// TierQuerier — кросс-tier поиск (retention.Manager)
type TierQuerier interface {
	QueryAllTiers(ctx context.Context, q domain.EventQuery) (domain.QueryResult, error)
	Retrieve(ctx context.Context, eventID string) (*domain.AuditEvent, error)
}

type EventsHandler struct {
	sink      EventSink
	evaluator EventEvaluator
	source    EventSource
	tiers     TierQuerier
}

func NewEventsHandler(sink EventSink, evaluator EventEvaluator, source EventSource, tiers TierQuerier) *EventsHandler {
	return &EventsHandler{sink: sink, evaluator: evaluator, source: source, tiers: tiers}
}

// Ingest — основной неблокирующий путь приема.
// POST /v1/events -> 202: событие принято в буфер (или молча сброшено
// при переполнении — продьюсер в обоих случаях не ждет).
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	e, err := decodeEvent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	h.sink.Log(e)
	h.evaluator.ProcessEvent(e)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID})
}

// IngestConfirmed — синхронный путь: ответ приходит только после
// durable-записи. POST /v1/events/confirmed
func (h *EventsHandler) IngestConfirmed(w http.ResponseWriter, r *http.Request) {
	e, err := decodeEvent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	stored, err := h.sink.LogConfirmed(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	h.evaluator.ProcessEvent(stored)

	writeJSON(w, http.StatusCreated, stored)
}

// IngestBatch — атомарность на уровне чанка: закоммиченные чанки
// остаются, индекс упавшего возвращается клиенту.
// POST /v1/events/batch
func (h *EventsHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var events []domain.AuditEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "invalid json array"})
		return
	}
	for i := range events {
		if err := validateEvent(&events[i]); err != nil {
			writeError(w, err)
			return
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	res, err := h.sink.LogBatch(r.Context(), events)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	for _, e := range events {
		h.evaluator.ProcessEvent(e)
	}
	writeJSON(w, http.StatusCreated, res)
}

// Query — поиск по журналу, при необходимости с фан-аутом в архивные tier'ы.
// GET /v1/events?from=...&to=...&actor_id=...
func (h *EventsHandler) Query(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.tiers.QueryAllTiers(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Get — точечное чтение: сперва hot, затем архивы.
// GET /v1/events/{id}
func (h *EventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := h.source.GetByID(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, e)
		return
	}

	e, err = h.tiers.Retrieve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Verify — проверка целостности диапазона цепочки.
// POST /v1/events/verify {"from": 1, "to": 50000}
func (h *EventsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From      uint64 `json:"from"`
		To        uint64 `json:"to"`
		BatchSize int    `json:"batch_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	if req.To < req.From {
		writeError(w, &domain.ValidationError{Field: "to", Reason: "must be >= from"})
		return
	}

	result, err := hashchain.VerifyRange(r.Context(), h.source, req.From, req.To, req.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeEvent(r *http.Request) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		return e, &domain.ValidationError{Field: "body", Reason: "invalid json"}
	}
	if err := validateEvent(&e); err != nil {
		return e, err
	}
	// ID назначаем здесь, чтобы вернуть его продьюсеру даже на async-пути
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e, nil
}

func validateEvent(e *domain.AuditEvent) error {
	if e.Type == "" {
		return &domain.ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if e.Action == "" {
		return &domain.ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if e.ActorID == "" {
		return &domain.ValidationError{Field: "actor_id", Reason: "must not be empty"}
	}
	if e.Severity != "" && !e.Severity.Valid() {
		return &domain.ValidationError{Field: "severity", Reason: "unknown value"}
	}
	return nil
}

func parseEventQuery(r *http.Request) (domain.EventQuery, error) {
	var q domain.EventQuery
	qs := r.URL.Query()

	if v := qs.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, &domain.ValidationError{Field: "from", Reason: "must be RFC3339"}
		}
		q.From = t
	}
	if v := qs.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, &domain.ValidationError{Field: "to", Reason: "must be RFC3339"}
		}
		q.To = t
	}
	if v := qs.Get("types"); v != "" {
		q.Types = strings.Split(v, ",")
	}
	if v := qs.Get("categories"); v != "" {
		for _, c := range strings.Split(v, ",") {
			q.Categories = append(q.Categories, domain.Category(c))
		}
	}
	q.ActorID = qs.Get("actor_id")
	q.ResourceID = qs.Get("resource_id")
	q.Outcome = domain.Outcome(qs.Get("outcome"))
	q.MinSeverity = domain.Severity(qs.Get("min_severity"))
	q.FreeText = qs.Get("free_text")
	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, &domain.ValidationError{Field: "offset", Reason: "must be a non-negative integer"}
		}
		q.Offset = n
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		q.Limit = n
	}
	q.Sort = domain.SortOrder(qs.Get("sort"))
	return q, nil
}

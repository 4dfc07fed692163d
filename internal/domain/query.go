package domain

import (
	"strings"
	"time"
)

// SortOrder Направление сортировки результата
type SortOrder string

const (
	SortNewestFirst SortOrder = "NEWEST_FIRST"
	SortOldestFirst SortOrder = "OLDEST_FIRST"
)

const (
	QueryLimitMin = 1
	QueryLimitMax = 1000
)

// EventQuery — запрос к хранилищу событий (hot и/или архивные tier'ы).
// Пустые фильтры означают "не фильтровать".
type EventQuery struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Types      []string   `json:"types,omitempty"`
	Categories []Category `json:"categories,omitempty"`

	ActorID    string `json:"actor_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Outcome     Outcome  `json:"outcome,omitempty"`
	MinSeverity Severity `json:"min_severity,omitempty"`

	// Поиск подстроки по action/failure_reason/resource
	FreeText string `json:"free_text,omitempty"`

	Offset int       `json:"offset"`
	Limit  int       `json:"limit"` // ограничен диапазоном [1, 1000]
	Sort   SortOrder `json:"sort"`
}

// Normalize приводит лимит и сортировку к допустимым значениям
func (q *EventQuery) Normalize() {
	if q.Limit < QueryLimitMin {
		q.Limit = 100
	}
	if q.Limit > QueryLimitMax {
		q.Limit = QueryLimitMax
	}
	if q.Sort == "" {
		q.Sort = SortNewestFirst
	}
}

// Matches проверяет событие против фильтров запроса (in-memory путь —
// используется при сканировании распакованных архивов)
func (q *EventQuery) Matches(e *AuditEvent) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if len(q.Types) > 0 && !containsString(q.Types, e.Type) {
		return false
	}
	if len(q.Categories) > 0 && !containsCategory(q.Categories, e.Category) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if !e.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	if q.FreeText != "" && !eventContainsText(e, q.FreeText) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsCategory(list []Category, v Category) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func eventContainsText(e *AuditEvent, text string) bool {
	t := strings.ToLower(text)
	for _, field := range []string{e.Action, e.FailureReason, e.ResourceID, e.ResourceType, e.ActorName} {
		if strings.Contains(strings.ToLower(field), t) {
			return true
		}
	}
	return false
}

// QueryResult — страница результата. TotalCount отражает объединение
// по всем опрошенным tier'ам, а не размер страницы.
type QueryResult struct {
	Events     []AuditEvent `json:"events"`
	TotalCount int64        `json:"total_count"`
	Offset     int          `json:"offset"`
	Limit      int          `json:"limit"`
	// Какие tier'ы реально участвовали в выборке
	TiersQueried []StorageTier `json:"tiers_queried"`
}

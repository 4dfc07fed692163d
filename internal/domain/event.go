package domain

import (
	"encoding/json"
	"time"
)

// Severity Уровень критичности события безопасности
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank используется для фильтра "минимальный severity" в запросах
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank возвращает числовой вес. Неизвестный severity считаем нулевым (INFO).
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast проверяет порог: event.Severity.AtLeast(query.MinSeverity)
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

// Valid сообщает, входит ли значение в известный набор уровней
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// SeveritiesAtLeast разворачивает порог в перечень уровней
// (для IN-фильтра на стороне SQL)
func SeveritiesAtLeast(min Severity) []Severity {
	out := make([]Severity, 0, len(severityRank))
	for s, rank := range severityRank {
		if rank >= min.Rank() {
			out = append(out, s)
		}
	}
	return out
}

// Outcome Результат действия
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Category Классификация события (домен безопасности)
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryAuthorization  Category = "AUTHORIZATION"
	CategoryDataAccess     Category = "DATA_ACCESS"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategorySystem         Category = "SYSTEM"
)

// AuditEvent — каноническое событие аудита.
//
// Поля Sequence, Hash и PrevHash проставляются РОВНО ОДИН РАЗ логгером
// в момент приема (hash chain assignment). Продьюсеры их не заполняют.
// Все поля — структурные (без map[string]any в идентичности), чтобы
// канонизация для хэширования была детерминированной.
type AuditEvent struct {
	// Идентичность
	ID        string    `json:"id"`       // UUID события
	Sequence  uint64    `json:"sequence"` // Глобальный монотонный номер в цепочке
	Timestamp time.Time `json:"timestamp"`

	// Классификация
	Type     string   `json:"type"` // например "LoginFailure", "PolicyChange"
	Category Category `json:"category"`
	Severity Severity `json:"severity"`

	// Кто делал
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"` // sourceAddress в правилах алертинга

	// Над чем
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type,omitempty"`

	// Что именно и с каким результатом
	Action        string  `json:"action"`
	Outcome       Outcome `json:"outcome"`
	FailureReason string  `json:"failure_reason,omitempty"`

	// Снимки до/после — непрозрачный payload, в хэш не входят
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	// Сквозные идентификаторы
	TraceID   string `json:"trace_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Хэш-цепочка (tamper evidence)
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

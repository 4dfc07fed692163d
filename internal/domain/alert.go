package domain

import "time"

// AlertStatus Жизненный цикл алерта. Переходы строго вперед:
// Active -> Acknowledged -> Resolved. Повторное срабатывание уже
// закрытого условия создает НОВЫЙ алерт, а не реанимирует старый.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

var alertOrder = map[AlertStatus]int{
	AlertActive:       0,
	AlertAcknowledged: 1,
	AlertResolved:     2,
}

// CanTransitionTo запрещает регресс статуса (Resolved -> Active и т.п.)
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	return alertOrder[next] > alertOrder[s]
}

// ActionType Канал доставки уведомления
type ActionType string

const (
	ActionEmail   ActionType = "EMAIL"
	ActionWebhook ActionType = "WEBHOOK"
	ActionChat    ActionType = "CHAT"
)

// AlertAction — одно действие при срабатывании правила.
// Target интерпретируется транспортом (url, адрес, канал).
type AlertAction struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target"`
}

// AlertRule — правило реального времени.
// Condition хранится как текст, но компилируется в дерево выражений
// один раз при регистрации — в рантайме строка не перепарсивается.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"` // уникальное
	Condition string        `json:"condition"`
	Severity  Severity      `json:"severity"`
	Actions   []AlertAction `json:"actions"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SecurityAlert — зафиксированное срабатывание правила
type SecurityAlert struct {
	ID       string   `json:"id"`
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	EventIDs []string `json:"event_ids"` // события, вызвавшие срабатывание

	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`
	Message  string      `json:"message"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Notes          string     `json:"notes,omitempty"` // комментарий оператора
}

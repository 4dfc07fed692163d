package domain

import (
	"fmt"
	"time"
)

// Таксономия ошибок конвейера. Fire-and-forget путь (Log) не возвращает
// ошибок вообще — потери видны только через метрики и rate-limited warning.
// Все остальные пути отдают типизированную ошибку с контекстом (event id,
// индекс чанка/страницы, rule id), достаточным для ретрая или расследования.

// ValidationError — некорректный вход (политика, правило, запрос).
// Отклоняется синхронно, до каких-либо побочных эффектов.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TimeoutError — дедлайн на confirmed/batch записи истек
type TimeoutError struct {
	Op       string
	Deadline time.Duration
	Cause    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deadline exceeded in %s (limit %v): %v", e.Op, e.Deadline, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// StoreError — отказ durable/object store после исчерпания ретраев.
// Chunk = -1, если операция не чанкована.
type StoreError struct {
	Op    string
	Chunk int
	Cause error
}

func (e *StoreError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("store failure in %s (chunk %d): %v", e.Op, e.Chunk, e.Cause)
	}
	return fmt.Sprintf("store failure in %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// DispatchError — не доставлено уведомление по алерту.
// Логируется и изолируется: создание алерта и остальные действия не откатываются.
type DispatchError struct {
	RuleID  string
	AlertID string
	Action  ActionType
	Target  string
	Cause   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s failed (rule %s, alert %s): %v",
		e.Action, e.Target, e.RuleID, e.AlertID, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// NotFoundError — сущность не найдена (событие, правило, алерт)
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// WORMError — попытка изменить/удалить архивный объект до истечения
// срока хранения при включенном WORM-режиме
type WORMError struct {
	Key       string
	ExpiresAt time.Time
}

func (e *WORMError) Error() string {
	return fmt.Sprintf("worm protection: object %s is immutable until %s", e.Key, e.ExpiresAt.Format(time.RFC3339))
}

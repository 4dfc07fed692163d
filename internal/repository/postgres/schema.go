package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema накатывает таблицы при старте (idempotent). Для прода
// ожидается внешняя миграция, но самодостаточный старт упрощает дев-контур.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id             UUID PRIMARY KEY,
			sequence       BIGINT NOT NULL UNIQUE,
			timestamp      TIMESTAMPTZ NOT NULL,
			type           TEXT NOT NULL,
			category       TEXT NOT NULL,
			severity       TEXT NOT NULL,
			actor_id       TEXT NOT NULL,
			actor_name     TEXT NOT NULL DEFAULT '',
			source_ip      TEXT NOT NULL DEFAULT '',
			resource_id    TEXT NOT NULL DEFAULT '',
			resource_type  TEXT NOT NULL DEFAULT '',
			action         TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			before_state   JSONB,
			after_state    JSONB,
			trace_id       TEXT NOT NULL DEFAULT '',
			session_id     TEXT NOT NULL DEFAULT '',
			hash           TEXT NOT NULL,
			prev_hash      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events (actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (type)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			condition  TEXT NOT NULL,
			severity   TEXT NOT NULL,
			actions    JSONB,
			enabled    BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS security_alerts (
			id              UUID PRIMARY KEY,
			rule_id         UUID NOT NULL,
			rule_name       TEXT NOT NULL,
			event_ids       JSONB,
			severity        TEXT NOT NULL,
			status          TEXT NOT NULL,
			message         TEXT NOT NULL DEFAULT '',
			triggered_at    TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at     TIMESTAMPTZ,
			notes           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_alerts_status ON security_alerts (status)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

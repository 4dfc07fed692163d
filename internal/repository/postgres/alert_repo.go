package postgres

/*
Файл alert_repo.go — правила алертинга и сработавшие алерты.

Правила — обычный CRUD (движок держит рабочую копию в памяти, БД — точка
синхронизации инстансов). Алерты мутируются только по статусу: движок
гоняет их строго вперед по жизненному циклу.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

type AlertRepo struct {
	pool *pgxpool.Pool
}

func NewAlertRepo(pool *pgxpool.Pool) *AlertRepo {
	return &AlertRepo{pool: pool}
}

// SaveRule — upsert по id (регистрация и обновление идут одним путем)
func (r *AlertRepo) SaveRule(ctx context.Context, rule domain.AlertRule) error {
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("postgres: marshal actions: %w", err)
	}

	query := `
		INSERT INTO alert_rules (id, name, condition, severity, actions, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			condition = EXCLUDED.condition,
			severity = EXCLUDED.severity,
			actions = EXCLUDED.actions,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		rule.ID, rule.Name, rule.Condition, rule.Severity, actions,
		rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save rule %s: %w", rule.Name, err)
	}
	return nil
}

func (r *AlertRepo) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "rule", ID: id}
	}
	return nil
}

// ListRules — холодная загрузка всего набора правил при старте движка
func (r *AlertRepo) ListRules(ctx context.Context) ([]domain.AlertRule, error) {
	query := `SELECT id, name, condition, severity, actions, enabled, created_at, updated_at
		FROM alert_rules ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var actions []byte
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Condition, &rule.Severity,
			&actions, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &rule.Actions); err != nil {
				return nil, fmt.Errorf("postgres: decode actions of %s: %w", rule.Name, err)
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *AlertRepo) SaveAlert(ctx context.Context, a domain.SecurityAlert) error {
	eventIDs, err := json.Marshal(a.EventIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal event ids: %w", err)
	}

	query := `
		INSERT INTO security_alerts
			(id, rule_id, rule_name, event_ids, severity, status, message, triggered_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.pool.Exec(ctx, query,
		a.ID, a.RuleID, a.RuleName, eventIDs, a.Severity, a.Status,
		a.Message, a.TriggeredAt, a.Notes)
	if err != nil {
		return fmt.Errorf("postgres: save alert: %w", err)
	}
	return nil
}

func (r *AlertRepo) GetAlert(ctx context.Context, id string) (domain.SecurityAlert, error) {
	query := alertSelect + ` WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	a, err := scanAlert(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SecurityAlert{}, &domain.NotFoundError{Kind: "alert", ID: id}
		}
		return domain.SecurityAlert{}, fmt.Errorf("postgres: get alert: %w", err)
	}
	return a, nil
}

// UpdateAlert меняет только изменяемую часть: статус, отметки времени, заметку
func (r *AlertRepo) UpdateAlert(ctx context.Context, a domain.SecurityAlert) error {
	query := `
		UPDATE security_alerts
		SET status = $1, acknowledged_at = $2, resolved_at = $3, notes = $4
		WHERE id = $5`

	tag, err := r.pool.Exec(ctx, query,
		a.Status, nullableTime(a.AcknowledgedAt), nullableTime(a.ResolvedAt), a.Notes, a.ID)
	if err != nil {
		return fmt.Errorf("postgres: update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "alert", ID: a.ID}
	}
	return nil
}

func (r *AlertRepo) ListAlerts(ctx context.Context, statuses []domain.AlertStatus) ([]domain.SecurityAlert, error) {
	query := alertSelect
	var args []interface{}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, s := range statuses {
			strs[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, strs)
	}
	query += ` ORDER BY triggered_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

const alertSelect = `SELECT id, rule_id, rule_name, event_ids, severity, status,
	message, triggered_at, acknowledged_at, resolved_at, notes
	FROM security_alerts`

func scanAlert(row pgx.Row) (domain.SecurityAlert, error) {
	var a domain.SecurityAlert
	var eventIDs []byte
	var notes *string
	if err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &eventIDs, &a.Severity,
		&a.Status, &a.Message, &a.TriggeredAt, &a.AcknowledgedAt, &a.ResolvedAt, &notes); err != nil {
		return domain.SecurityAlert{}, err
	}
	if len(eventIDs) > 0 {
		if err := json.Unmarshal(eventIDs, &a.EventIDs); err != nil {
			return domain.SecurityAlert{}, err
		}
	}
	if notes != nil {
		a.Notes = strings.TrimSpace(*notes)
	}
	return a, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

package postgres

/*
Файл event_repo.go — горячее хранилище журнала аудита.

Таблица audit_events — append-only: репозиторий не дает ни UPDATE, ни
точечного DELETE. Единственное удаление — DeleteOlderThan, и его зовет
только менеджер ретенции после успешной архивации.
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Количество колонок в таблице audit_events
const eventNumFields = 20

const eventColumns = `id, sequence, timestamp, type, category, severity,
	actor_id, actor_name, source_ip, resource_id, resource_type,
	action, outcome, failure_reason, before_state, after_state,
	trace_id, session_id, hash, prev_hash`

// AppendBatch выполняет пакетную вставку: один INSERT с динамическими
// плейсхолдерами на весь батч
func (r *EventRepo) AppendBatch(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*eventNumFields)

	for i, e := range events {
		p := i * eventNumFields
		ph := make([]string, eventNumFields)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", p+j+1)
		}
		placeholderStr += "(" + strings.Join(ph, ", ") + "),"

		vals = append(vals,
			e.ID, e.Sequence, e.Timestamp, e.Type, e.Category, e.Severity,
			e.ActorID, e.ActorName, e.SourceIP, e.ResourceID, e.ResourceType,
			e.Action, e.Outcome, e.FailureReason, nullableJSON(e.Before), nullableJSON(e.After),
			e.TraceID, e.SessionID, e.Hash, e.PrevHash,
		)
	}

	query := fmt.Sprintf("INSERT INTO audit_events (%s) VALUES %s",
		eventColumns, strings.TrimSuffix(placeholderStr, ","))

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: append batch of %d: %w", len(events), err)
	}
	return nil
}

// QueryPage — фильтрованная выборка с пагинацией и общим счетчиком
func (r *EventRepo) QueryPage(ctx context.Context, q domain.EventQuery) (domain.QueryResult, error) {
	q.Normalize()

	where, args := buildEventFilter(q)

	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return domain.QueryResult{}, fmt.Errorf("postgres: count events: %w", err)
	}

	order := "DESC"
	if q.Sort == domain.SortOldestFirst {
		order = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM audit_events%s ORDER BY timestamp %s, sequence %s LIMIT $%d OFFSET $%d",
		eventColumns, where, order, order, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.QueryResult{}, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return domain.QueryResult{}, err
	}

	return domain.QueryResult{
		Events:       events,
		TotalCount:   total,
		Offset:       q.Offset,
		Limit:        q.Limit,
		TiersQueried: []domain.StorageTier{domain.TierHot},
	}, nil
}

// SelectOlderThan — страница выгрузки для архиватора: события старше
// before с sequence > afterSeq, по возрастанию sequence
func (r *EventRepo) SelectOlderThan(ctx context.Context, before time.Time, afterSeq uint64, limit int) ([]domain.AuditEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_events
		WHERE timestamp < $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`, eventColumns)

	rows, err := r.pool.Query(ctx, query, before, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: select older than: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteOlderThan чистит hot после успешной архивации
func (r *EventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EventRepo) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count all: %w", err)
	}
	return n, nil
}

// FetchRange отдает события с sequence из [from, to] для верификатора цепочки
func (r *EventRepo) FetchRange(ctx context.Context, from, to uint64) ([]domain.AuditEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_events
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC`, eventColumns)

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastChainState возвращает sequence и hash последнего события цепочки —
// точку, с которой курсор продолжает нумерацию после рестарта.
// Пустая таблица -> (0, "", nil): цепочка начинается с genesis.
func (r *EventRepo) LastChainState(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := r.pool.QueryRow(ctx,
		`SELECT sequence, hash FROM audit_events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("postgres: last chain state: %w", err)
	}
	return seq, hash, nil
}

// GetByID — точечное чтение (консоль, Retrieve из hot)
func (r *EventRepo) GetByID(ctx context.Context, id string) (*domain.AuditEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_events WHERE id = $1`, eventColumns)

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &domain.NotFoundError{Kind: "event", ID: id}
	}
	return &events[0], nil
}

func buildEventFilter(q domain.EventQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !q.From.IsZero() {
		add("timestamp >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp <= $%d", q.To)
	}
	if len(q.Types) > 0 {
		add("type = ANY($%d)", q.Types)
	}
	if len(q.Categories) > 0 {
		cats := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			cats[i] = string(c)
		}
		add("category = ANY($%d)", cats)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.Outcome != "" {
		add("outcome = $%d", string(q.Outcome))
	}
	if q.MinSeverity != "" {
		sevs := domain.SeveritiesAtLeast(q.MinSeverity)
		strs := make([]string, len(sevs))
		for i, s := range sevs {
			strs[i] = string(s)
		}
		add("severity = ANY($%d)", strs)
	}
	if q.FreeText != "" {
		args = append(args, "%"+q.FreeText+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(action ILIKE $%d OR failure_reason ILIKE $%d OR resource_id ILIKE $%d)", n, n, n))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvents(rows pgx.Rows) ([]domain.AuditEvent, error) {
	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &e.Type, &e.Category, &e.Severity,
			&e.ActorID, &e.ActorName, &e.SourceIP, &e.ResourceID, &e.ResourceType,
			&e.Action, &e.Outcome, &e.FailureReason, &e.Before, &e.After,
			&e.TraceID, &e.SessionID, &e.Hash, &e.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// nullableJSON превращает пустой payload в NULL, чтобы jsonb-колонка
// не отвергала пустую строку
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

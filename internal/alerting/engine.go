package alerting

/*
Файл engine.go — движок правил реального времени.

Конвейер ингеста отдает события сюда через ProcessEvent: неблокирующая
передача в канал, при заполненной очереди событие для алертинга теряется
(в журнал оно уже записано — алертинг best-effort по определению).

Воркер прогоняет каждое событие по скомпилированным правилам. Срабатывание
создает SecurityAlert, персистит его и раздает действия правила. Каждое
действие изолировано: отказ webhook не отменяет ни алерт, ни email.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/infra"
)

// RuleStore — персистентное хранилище правил
type RuleStore interface {
	SaveRule(ctx context.Context, rule domain.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]domain.AlertRule, error)
}

// AlertStore — персистентное хранилище сработавших алертов
type AlertStore interface {
	SaveAlert(ctx context.Context, alert domain.SecurityAlert) error
	GetAlert(ctx context.Context, id string) (domain.SecurityAlert, error)
	UpdateAlert(ctx context.Context, alert domain.SecurityAlert) error
	ListAlerts(ctx context.Context, statuses []domain.AlertStatus) ([]domain.SecurityAlert, error)
}

type compiledRule struct {
	rule domain.AlertRule
	expr Expr
}

// EngineConfig Параметры движка
type EngineConfig struct {
	QueueSize           int // емкость очереди оценки
	MaxGroupCardinality int // лимит групп оконного счетчика на правило
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.MaxGroupCardinality <= 0 {
		c.MaxGroupCardinality = defaultMaxGroups
	}
	return c
}

// Engine Движок правил: регистрация, оценка, жизненный цикл алертов
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*compiledRule // id -> правило

	ch       chan domain.AuditEvent
	ruleRepo RuleStore
	alerts   AlertStore
	senders  map[domain.ActionType]NotificationSender
	rdb      *redis.Client // nil допустим: single-node режим без синхронизации
	cfg      EngineConfig
	metrics  *Metrics
	logger   *zap.Logger

	wg       sync.WaitGroup
	isClosed int32
	// Охраняет закрытие очереди: ProcessEvent держит RLock на путь
	// "проверка флага -> send", Stop берет Lock перед close(ch)
	stopMu sync.RWMutex
	now    func() time.Time
}

func NewEngine(
	ruleRepo RuleStore,
	alerts AlertStore,
	senders map[domain.ActionType]NotificationSender,
	rdb *redis.Client,
	cfg EngineConfig,
	metrics *Metrics,
	logger *zap.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		rules:    make(map[string]*compiledRule),
		ch:       make(chan domain.AuditEvent, cfg.QueueSize),
		ruleRepo: ruleRepo,
		alerts:   alerts,
		senders:  senders,
		rdb:      rdb,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "alert-engine")),
		now:      time.Now,
	}
}

// Start поднимает воркер оценки и, при наличии Redis, слушателя
// сигналов обновления правил
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)

	if e.rdb != nil {
		go ListenRuleUpdates(ctx, e.rdb, e.logger, func() error {
			return e.ReloadRules(ctx)
		})
	}
}

// Stop закрывает очередь и дожидается, пока воркер дообработает хвост
func (e *Engine) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.isClosed, 0, 1) {
		return nil
	}
	// Write-lock дожидается продьюсеров, уже прошедших проверку флага
	e.stopMu.Lock()
	close(e.ch)
	e.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alert engine stop: %w", ctx.Err())
	}
}

// ProcessEvent — неблокирующая передача события на оценку.
// false означает, что очередь полна и событие для алертинга потеряно.
func (e *Engine) ProcessEvent(event domain.AuditEvent) bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()

	if atomic.LoadInt32(&e.isClosed) == 1 {
		return false
	}
	select {
	case e.ch <- event:
		return true
	default:
		e.metrics.QueueDropped.Inc()
		return false
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for event := range e.ch {
		e.evaluate(ctx, event)
	}
}

func (e *Engine) evaluate(ctx context.Context, event domain.AuditEvent) {
	e.metrics.EventsEvaluated.Inc()
	in := EvalInput{Event: &event, Now: e.now()}

	e.mu.RLock()
	matched := make([]*compiledRule, 0, 2)
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if cr.expr.Eval(in) {
			matched = append(matched, cr)
		}
	}
	e.mu.RUnlock()

	for _, cr := range matched {
		e.fire(ctx, cr, event)
	}
}

func (e *Engine) fire(ctx context.Context, cr *compiledRule, event domain.AuditEvent) {
	alert := domain.SecurityAlert{
		ID:          uuid.NewString(),
		RuleID:      cr.rule.ID,
		RuleName:    cr.rule.Name,
		EventIDs:    []string{event.ID},
		Severity:    cr.rule.Severity,
		Status:      domain.AlertActive,
		Message:     fmt.Sprintf("rule %q matched event %s (%s)", cr.rule.Name, event.ID, event.Type),
		TriggeredAt: e.now(),
	}

	// Потеря персистенции не отменяет доставку: оператор должен узнать
	// о срабатывании, даже если БД легла
	if err := e.alerts.SaveAlert(ctx, alert); err != nil {
		e.logger.Error("failed to persist alert",
			zap.String("rule", cr.rule.Name), zap.Error(err))
	}
	e.metrics.AlertsFired.WithLabelValues(cr.rule.Name).Inc()
	e.logger.Warn("alert fired",
		zap.String("rule", cr.rule.Name),
		zap.String("alert_id", alert.ID),
		zap.String("event_id", event.ID),
		zap.String("severity", string(alert.Severity)))

	for _, action := range cr.rule.Actions {
		e.dispatch(ctx, cr.rule, alert, action)
	}
}

// dispatch доставляет одно действие; отказы изолированы друг от друга
func (e *Engine) dispatch(ctx context.Context, rule domain.AlertRule, alert domain.SecurityAlert, action domain.AlertAction) {
	sender, ok := e.senders[action.Type]
	if !ok {
		e.metrics.DispatchErrors.WithLabelValues(string(action.Type)).Inc()
		e.logger.Error("no sender configured for action",
			zap.String("action", string(action.Type)), zap.String("rule", rule.Name))
		return
	}
	if err := sender.Send(ctx, alert, action); err != nil {
		e.metrics.DispatchErrors.WithLabelValues(string(action.Type)).Inc()
		derr := &domain.DispatchError{
			RuleID:  rule.ID,
			AlertID: alert.ID,
			Action:  action.Type,
			Target:  action.Target,
			Cause:   err,
		}
		e.logger.Error("alert dispatch failed", zap.Error(derr))
	}
}

// RegisterRule валидирует, компилирует и сохраняет правило.
// Условие парсится здесь один раз; ошибка парсинга отклоняет регистрацию.
func (e *Engine) RegisterRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	if rule.Name == "" {
		return domain.AlertRule{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !rule.Severity.Valid() {
		return domain.AlertRule{}, &domain.ValidationError{Field: "severity",
			Reason: fmt.Sprintf("unknown severity %q", rule.Severity)}
	}
	expr, err := Compile(rule.Condition, e.cfg.MaxGroupCardinality)
	if err != nil {
		return domain.AlertRule{}, err
	}

	e.mu.Lock()
	for _, cr := range e.rules {
		if cr.rule.Name == rule.Name && cr.rule.ID != rule.ID {
			e.mu.Unlock()
			return domain.AlertRule{}, &domain.ValidationError{Field: "name",
				Reason: fmt.Sprintf("rule %q already exists", rule.Name)}
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		rule.CreatedAt = e.now()
	}
	rule.UpdatedAt = e.now()
	e.rules[rule.ID] = &compiledRule{rule: rule, expr: expr}
	e.metrics.RulesLoaded.Set(float64(len(e.rules)))
	e.mu.Unlock()

	if len(rule.Actions) == 0 {
		// Правило без действий пишет только в журнал алертов
		e.logger.Warn("rule registered without actions", zap.String("rule", rule.Name))
	}

	if e.ruleRepo != nil {
		if err := e.ruleRepo.SaveRule(ctx, rule); err != nil {
			return rule, fmt.Errorf("save rule: %w", err)
		}
	}
	e.publishRuleUpdate(ctx, rule.ID)
	return rule, nil
}

// UpdateRule перекомпилирует и заменяет правило; состояние оконных
// счетчиков при этом сбрасывается (новое условие — новые окна)
func (e *Engine) UpdateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	e.mu.RLock()
	_, exists := e.rules[rule.ID]
	e.mu.RUnlock()
	if !exists {
		return domain.AlertRule{}, &domain.NotFoundError{Kind: "rule", ID: rule.ID}
	}
	return e.RegisterRule(ctx, rule)
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	cr, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
		e.metrics.RulesLoaded.Set(float64(len(e.rules)))
	}
	e.mu.Unlock()
	if !ok {
		return &domain.NotFoundError{Kind: "rule", ID: id}
	}

	if e.ruleRepo != nil {
		if err := e.ruleRepo.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("delete rule %s: %w", cr.rule.Name, err)
		}
	}
	e.publishRuleUpdate(ctx, id)
	return nil
}

func (e *Engine) ListRules() []domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.AlertRule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

func (e *Engine) GetRule(id string) (domain.AlertRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[id]
	if !ok {
		return domain.AlertRule{}, &domain.NotFoundError{Kind: "rule", ID: id}
	}
	return cr.rule, nil
}

// ReloadRules перечитывает правила из хранилища (старт и сигнал Pub/Sub).
// Правила, не прошедшие компиляцию, пропускаются с ошибкой в логе —
// одно битое правило не валит остальные.
func (e *Engine) ReloadRules(ctx context.Context) error {
	if e.ruleRepo == nil {
		return nil
	}
	stored, err := e.ruleRepo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	loaded := make(map[string]*compiledRule, len(stored))
	for _, rule := range stored {
		expr, err := Compile(rule.Condition, e.cfg.MaxGroupCardinality)
		if err != nil {
			e.logger.Error("skipping rule with invalid condition",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		loaded[rule.ID] = &compiledRule{rule: rule, expr: expr}
	}

	e.mu.Lock()
	e.rules = loaded
	e.metrics.RulesLoaded.Set(float64(len(e.rules)))
	e.mu.Unlock()

	e.logger.Info("rules reloaded", zap.Int("count", len(loaded)))
	return nil
}

// Acknowledge переводит алерт Active -> Acknowledged.
// Регресс статуса и ack уже закрытого алерта отклоняются.
func (e *Engine) Acknowledge(ctx context.Context, id, operator, notes string) (domain.SecurityAlert, error) {
	return e.transition(ctx, id, domain.AlertAcknowledged, operator, notes)
}

// Resolve закрывает алерт (из Active или Acknowledged)
func (e *Engine) Resolve(ctx context.Context, id, operator, notes string) (domain.SecurityAlert, error) {
	return e.transition(ctx, id, domain.AlertResolved, operator, notes)
}

func (e *Engine) transition(ctx context.Context, id string, next domain.AlertStatus, operator, notes string) (domain.SecurityAlert, error) {
	alert, err := e.alerts.GetAlert(ctx, id)
	if err != nil {
		return domain.SecurityAlert{}, err
	}
	if !alert.Status.CanTransitionTo(next) {
		return domain.SecurityAlert{}, &domain.ValidationError{Field: "status",
			Reason: fmt.Sprintf("transition %s -> %s is not allowed", alert.Status, next)}
	}

	when := e.now()
	alert.Status = next
	switch next {
	case domain.AlertAcknowledged:
		alert.AcknowledgedAt = &when
	case domain.AlertResolved:
		alert.ResolvedAt = &when
	}
	if notes != "" {
		alert.Notes = notes
	}

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return domain.SecurityAlert{}, fmt.Errorf("update alert: %w", err)
	}
	e.logger.Info("alert status changed",
		zap.String("alert_id", id),
		zap.String("status", string(next)),
		zap.String("operator", operator))
	return alert, nil
}

// GetActiveAlerts отдает только алерты в статусе Active: подтвержденный
// оператором алерт из активных исчезает
func (e *Engine) GetActiveAlerts(ctx context.Context) ([]domain.SecurityAlert, error) {
	return e.alerts.ListAlerts(ctx, []domain.AlertStatus{domain.AlertActive})
}

// GetOpenAlerts отдает все незакрытые алерты (Active + Acknowledged) —
// рабочий список консоли оператора
func (e *Engine) GetOpenAlerts(ctx context.Context) ([]domain.SecurityAlert, error) {
	return e.alerts.ListAlerts(ctx, []domain.AlertStatus{domain.AlertActive, domain.AlertAcknowledged})
}

func (e *Engine) publishRuleUpdate(ctx context.Context, id string) {
	if e.rdb == nil {
		return
	}
	if err := e.rdb.Publish(ctx, infra.RedisChanRuleUpdate, id).Err(); err != nil {
		e.logger.Error("failed to publish rule update signal", zap.Error(err))
	}
}

// ListenRuleUpdates — живучая подписка на сигнал изменения правил.
// Каждый (пере)коннект начинается с полной синхронизации onSync, дальше
// любое сообщение в канале триггерит ее повторно.
func ListenRuleUpdates(ctx context.Context, rdb *redis.Client, logger *zap.Logger, onSync func() error) {
	log := logger.With(zap.String("mod", "rule-sync"))
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, infra.RedisChanRuleUpdate)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to subscribe", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		if err := onSync(); err != nil {
			log.Error("rule sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				log.Info("rule update signal received", zap.String("rule_id", msg.Payload))
				if err := onSync(); err != nil {
					log.Error("rule sync failed", zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

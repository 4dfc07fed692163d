package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

type memRuleStore struct {
	mu    sync.Mutex
	rules map[string]domain.AlertRule
}

func newMemRuleStore() *memRuleStore {
	return &memRuleStore{rules: make(map[string]domain.AlertRule)}
}

func (s *memRuleStore) SaveRule(_ context.Context, rule domain.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *memRuleStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *memRuleStore) ListRules(_ context.Context) ([]domain.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts map[string]domain.SecurityAlert
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{alerts: make(map[string]domain.SecurityAlert)}
}

func (s *memAlertStore) SaveAlert(_ context.Context, a domain.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *memAlertStore) GetAlert(_ context.Context, id string) (domain.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return domain.SecurityAlert{}, &domain.NotFoundError{Kind: "alert", ID: id}
	}
	return a, nil
}

func (s *memAlertStore) UpdateAlert(_ context.Context, a domain.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return &domain.NotFoundError{Kind: "alert", ID: a.ID}
	}
	s.alerts[a.ID] = a
	return nil
}

func (s *memAlertStore) ListAlerts(_ context.Context, statuses []domain.AlertStatus) ([]domain.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SecurityAlert
	for _, a := range s.alerts {
		for _, st := range statuses {
			if a.Status == st {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (s *memAlertStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []domain.AlertAction
	fails map[string]error // target -> ошибка
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fails: make(map[string]error)}
}

func (s *recordingSender) Send(_ context.Context, _ domain.SecurityAlert, action domain.AlertAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fails[action.Target]; ok {
		return err
	}
	s.sent = append(s.sent, action)
	return nil
}

func (s *recordingSender) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, a := range s.sent {
		out = append(out, a.Target)
	}
	return out
}

func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *memRuleStore, *memAlertStore, *recordingSender) {
	t.Helper()
	rules := newMemRuleStore()
	alerts := newMemAlertStore()
	sender := newRecordingSender()
	senders := map[domain.ActionType]NotificationSender{
		domain.ActionWebhook: sender,
		domain.ActionEmail:   sender,
	}
	e := NewEngine(rules, alerts, senders, nil, cfg, NewMetrics(nil), zap.NewNop())
	return e, rules, alerts, sender
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEngine_RegisterRule_CompilesOnce(t *testing.T) {
	e, store, _, _ := newTestEngine(t, EngineConfig{})

	rule, err := e.RegisterRule(context.Background(), domain.AlertRule{
		Name:      "admin-deletes",
		Condition: `action CONTAINS "delete" AND severity = "HIGH"`,
		Severity:  domain.SeverityHigh,
		Enabled:   true,
		Actions:   []domain.AlertAction{{Type: domain.ActionWebhook, Target: "http://hook"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Len(t, store.rules, 1)
}

func TestEngine_RegisterRule_RejectsInvalidCondition(t *testing.T) {
	e, store, _, _ := newTestEngine(t, EngineConfig{})

	_, err := e.RegisterRule(context.Background(), domain.AlertRule{
		Name:      "broken",
		Condition: `nosuchfield = "x"`,
		Severity:  domain.SeverityLow,
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, store.rules)
}

func TestEngine_RegisterRule_RejectsDuplicateName(t *testing.T) {
	e, _, _, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name: "dup", Condition: `type = "A"`, Severity: domain.SeverityLow,
	})
	require.NoError(t, err)

	_, err = e.RegisterRule(ctx, domain.AlertRule{
		Name: "dup", Condition: `type = "B"`, Severity: domain.SeverityLow,
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "already exists")
}

func TestEngine_MatchCreatesAlertAndDispatches(t *testing.T) {
	e, _, alerts, sender := newTestEngine(t, EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name:      "failed-logins",
		Condition: `type = "LoginFailure"`,
		Severity:  domain.SeverityMedium,
		Enabled:   true,
		Actions: []domain.AlertAction{
			{Type: domain.ActionWebhook, Target: "http://hook-a"},
			{Type: domain.ActionEmail, Target: "soc@example.com"},
		},
	})
	require.NoError(t, err)

	require.True(t, e.ProcessEvent(domain.AuditEvent{ID: "ev-1", Type: "LoginFailure"}))
	e.ProcessEvent(domain.AuditEvent{ID: "ev-2", Type: "LoginSuccess"})

	waitFor(t, func() bool { return alerts.count() == 1 })

	active, err := e.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "failed-logins", active[0].RuleName)
	assert.Equal(t, domain.AlertActive, active[0].Status)
	assert.Equal(t, []string{"ev-1"}, active[0].EventIDs)

	waitFor(t, func() bool { return len(sender.targets()) == 2 })
	assert.ElementsMatch(t, []string{"http://hook-a", "soc@example.com"}, sender.targets())
}

func TestEngine_DisabledRuleDoesNotFire(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name: "off", Condition: `type = "X"`, Severity: domain.SeverityLow, Enabled: false,
	})
	require.NoError(t, err)

	e.ProcessEvent(domain.AuditEvent{ID: "ev-1", Type: "X"})
	require.NoError(t, e.Stop(context.Background()))
	assert.Zero(t, alerts.count())
}

func TestEngine_DispatchFailureIsolated(t *testing.T) {
	e, _, alerts, sender := newTestEngine(t, EngineConfig{})
	sender.fails["http://dead-hook"] = errors.New("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name:      "multi-action",
		Condition: `type = "PrivEsc"`,
		Severity:  domain.SeverityCritical,
		Enabled:   true,
		Actions: []domain.AlertAction{
			{Type: domain.ActionWebhook, Target: "http://dead-hook"},
			{Type: domain.ActionEmail, Target: "soc@example.com"},
		},
	})
	require.NoError(t, err)

	e.ProcessEvent(domain.AuditEvent{ID: "ev-1", Type: "PrivEsc"})

	// Алерт создан, уцелевшее действие доставлено несмотря на мертвый хук
	waitFor(t, func() bool { return alerts.count() == 1 })
	waitFor(t, func() bool { return len(sender.targets()) == 1 })
	assert.Equal(t, []string{"soc@example.com"}, sender.targets())
}

func TestEngine_QueueOverflowDropsWithoutBlocking(t *testing.T) {
	e, _, _, _ := newTestEngine(t, EngineConfig{QueueSize: 2})
	// Воркер не запущен: очередь переполняется

	assert.True(t, e.ProcessEvent(domain.AuditEvent{ID: "1"}))
	assert.True(t, e.ProcessEvent(domain.AuditEvent{ID: "2"}))

	done := make(chan bool, 1)
	go func() { done <- e.ProcessEvent(domain.AuditEvent{ID: "3"}) }()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("ProcessEvent blocked on full queue")
	}
}

func TestEngine_WindowedRule_EndToEnd(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name:      "bruteforce",
		Condition: `type = "LoginFailure" AND COUNT() > 5 WITHIN 5m GROUP BY sourceAddress`,
		Severity:  domain.SeverityHigh,
		Enabled:   true,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		e.ProcessEvent(domain.AuditEvent{ID: fmt.Sprintf("ev-%d", i), Type: "LoginFailure", SourceIP: "10.0.0.7"})
	}
	// Чужой адрес не двигает счетчик атакующего
	e.ProcessEvent(domain.AuditEvent{ID: "ev-other", Type: "LoginFailure", SourceIP: "192.168.1.40"})
	require.NoError(t, e.Stop(context.Background()))
	assert.Zero(t, alerts.count(), "threshold not exceeded yet")

	// Новый движок с тем же хранилищем: шестой отказ с того же адреса
	e2, _, _, _ := newTestEngine(t, EngineConfig{})
	e2.alerts = alerts
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	e2.Start(ctx2)
	_, err = e2.RegisterRule(ctx2, domain.AlertRule{
		Name:      "bruteforce",
		Condition: `type = "LoginFailure" AND COUNT() > 5 WITHIN 5m GROUP BY sourceAddress`,
		Severity:  domain.SeverityHigh,
		Enabled:   true,
	})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		e2.ProcessEvent(domain.AuditEvent{ID: fmt.Sprintf("ev2-%d", i), Type: "LoginFailure", SourceIP: "10.0.0.7"})
	}
	waitFor(t, func() bool { return alerts.count() == 1 })
}

func TestEngine_AlertLifecycle(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	a := domain.SecurityAlert{ID: "al-1", RuleName: "r", Status: domain.AlertActive, TriggeredAt: time.Now()}
	require.NoError(t, alerts.SaveAlert(ctx, a))

	acked, err := e.Acknowledge(ctx, "al-1", "op-ivanov", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, "looking into it", acked.Notes)

	resolved, err := e.Resolve(ctx, "al-1", "op-ivanov", "false positive")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestEngine_AcknowledgedLeavesActiveList(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	require.NoError(t, alerts.SaveAlert(ctx, domain.SecurityAlert{
		ID: "al-1", RuleName: "r", Status: domain.AlertActive, TriggeredAt: time.Now(),
	}))

	active, err := e.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = e.Acknowledge(ctx, "al-1", "op", "")
	require.NoError(t, err)

	// Подтвержденный алерт из активных исчезает, но остается открытым
	active, err = e.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	open, err := e.GetOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.AlertAcknowledged, open[0].Status)

	_, err = e.Resolve(ctx, "al-1", "op", "")
	require.NoError(t, err)

	open, err = e.GetOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEngine_AlertLifecycle_NoRegression(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	a := domain.SecurityAlert{ID: "al-1", Status: domain.AlertActive, TriggeredAt: time.Now()}
	require.NoError(t, alerts.SaveAlert(ctx, a))
	_, err := e.Resolve(ctx, "al-1", "op", "")
	require.NoError(t, err)

	// Ack закрытого алерта — отказ, статус не тронут
	_, err = e.Acknowledge(ctx, "al-1", "op", "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := alerts.GetAlert(ctx, "al-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, got.Status)
}

func TestEngine_AcknowledgeUnknownAlert(t *testing.T) {
	e, _, _, _ := newTestEngine(t, EngineConfig{})
	_, err := e.Acknowledge(context.Background(), "nope", "op", "")
	var nerr *domain.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}

func TestEngine_DeleteRule(t *testing.T) {
	e, store, _, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	rule, err := e.RegisterRule(ctx, domain.AlertRule{
		Name: "tmp", Condition: `type = "A"`, Severity: domain.SeverityLow,
	})
	require.NoError(t, err)

	require.NoError(t, e.DeleteRule(ctx, rule.ID))
	assert.Empty(t, e.ListRules())
	assert.Empty(t, store.rules)

	var nerr *domain.NotFoundError
	assert.ErrorAs(t, e.DeleteRule(ctx, rule.ID), &nerr)
}

func TestEngine_ReloadRules_SkipsBroken(t *testing.T) {
	e, store, _, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	store.rules["good"] = domain.AlertRule{
		ID: "good", Name: "good", Condition: `type = "A"`, Severity: domain.SeverityLow, Enabled: true,
	}
	store.rules["bad"] = domain.AlertRule{
		ID: "bad", Name: "bad", Condition: `garbage`, Severity: domain.SeverityLow, Enabled: true,
	}

	require.NoError(t, e.ReloadRules(ctx))
	rules := e.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].Name)
}

func TestEngine_StopDrainsQueue(t *testing.T) {
	e, _, alerts, _ := newTestEngine(t, EngineConfig{QueueSize: 64})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	_, err := e.RegisterRule(ctx, domain.AlertRule{
		Name: "all-x", Condition: `type = "X"`, Severity: domain.SeverityLow, Enabled: true,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		e.ProcessEvent(domain.AuditEvent{ID: fmt.Sprintf("ev-%d", i), Type: "X"})
	}
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, 20, alerts.count())
}

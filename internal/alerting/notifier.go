package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// NotificationSender — внешний коллаборатор доставки (email/webhook/chat).
// Транспорты живут за пределами ядра; движку важен только контракт.
type NotificationSender interface {
	Send(ctx context.Context, alert domain.SecurityAlert, action domain.AlertAction) error
}

// WebhookSender — эталонная реализация: POST JSON на target.
// Обернут в Circuit Breaker и rate limiter, чтобы лежащий приемник
// не съедал воркер диспетчеризации.
type WebhookSender struct {
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewWebhookSender(timeout time.Duration, rps float64, logger *zap.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "alert-webhook",
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second, // через минуту CB пробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &WebhookSender{
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.With(zap.String("mod", "webhook-sender")),
	}
}

func (s *WebhookSender) Send(ctx context.Context, alert domain.SecurityAlert, action domain.AlertAction) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Auditchain-Rule", alert.RuleName)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil, nil
	})
	return err
}

// LogSender — заглушка для каналов, чей транспорт не сконфигурирован
// (email/chat подключаются снаружи). Алерт хотя бы попадает в лог.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.With(zap.String("mod", "log-sender"))}
}

func (s *LogSender) Send(_ context.Context, alert domain.SecurityAlert, action domain.AlertAction) error {
	s.logger.Warn("security alert",
		zap.String("rule", alert.RuleName),
		zap.String("severity", string(alert.Severity)),
		zap.String("channel", string(action.Type)),
		zap.String("target", action.Target),
		zap.Strings("event_ids", alert.EventIDs),
	)
	return nil
}

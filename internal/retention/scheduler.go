package retention

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/infra"
)

// Scheduler — явная фоновая задача архивации с собственным сигналом отмены.
// Никаких таймеров, привязанных к жизни объектов: остановка и тесты
// детерминированы через ctx.
type Scheduler struct {
	manager *Manager
	rdb     *redis.Client // nil допустим: single-node без распределенного лока
	logger  *zap.Logger
}

func NewScheduler(manager *Manager, rdb *redis.Client, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		manager: manager,
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "retention-scheduler")),
	}
}

// Run крутит цикл архивации с периодом из политики (default 24h).
// Блокирует до отмены ctx — запускать в отдельной горутине.
func (s *Scheduler) Run(ctx context.Context) {
	cadence := s.manager.GetPolicy().ArchiveCadence
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	s.logger.Info("archive scheduler started", zap.Duration("cadence", cadence))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("archive scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)

			// Каденс мог поменяться вместе с политикой
			if next := s.manager.GetPolicy().ArchiveCadence; next != cadence {
				cadence = next
				ticker.Reset(cadence)
			}
		}
	}
}

// RunOnce — один проход: лок, архивация состарившегося hot, продвижение tier'ов.
// Распределенный SetNX-лок гарантирует, что в кластере прогон делает один инстанс.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.acquireLock(ctx) {
		s.logger.Debug("archive lock held by another instance, skipping run")
		return
	}

	policy := s.manager.GetPolicy()
	cutoff := time.Now().Add(-policy.HotDuration)

	if _, err := s.manager.Archive(ctx, cutoff); err != nil {
		s.logger.Error("scheduled archive run failed", zap.Error(err))
	}
	if err := s.manager.TransitionTiers(ctx); err != nil {
		s.logger.Error("tier transition pass failed", zap.Error(err))
	}
}

func (s *Scheduler) acquireLock(ctx context.Context) bool {
	if s.rdb == nil {
		return true
	}
	// TTL больше любого разумного прогона; освобождение — по истечению
	ok, err := s.rdb.SetNX(ctx, infra.RedisKeyArchiveLock, "processing", 15*time.Minute).Result()
	if err != nil {
		// Сеть легла — лучше прогнать локально, чем не прогнать вовсе
		s.logger.Warn("could not acquire archive lock, proceeding anyway", zap.Error(err))
		return true
	}
	return ok
}

package retention

/*
Файл manager.go реализует жизненный цикл хранения: Hot -> Warm -> Cold ->
(опционально) Deleted.

Архитектурные решения:
- Tier — свойство МАНИФЕСТА, а не путь объекта. Архивный объект пишется
  один раз и дальше не трогается; переход warm->cold меняет только
  метаданные. Это держит WORM-инвариант: до истечения cold-срока ядро не
  делает ни одного mutate/delete вызова к object store.
- Переходы строго вперед (state machine в domain.StorageTier); смена
  политики влияет только на будущие переходы — уже заархивированные
  батчи остаются в своем tier'е.
- Архивация best-effort per unit: ошибка одной страницы фиксируется в
  манифесте и не прерывает остальные страницы.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
)

// HotStore — горячее durable-хранилище (Postgres). Интерфейс определен
// на стороне потребителя.
type HotStore interface {
	QueryPage(ctx context.Context, q domain.EventQuery) (domain.QueryResult, error)
	// SelectOlderThan отдает события старше before с sequence > afterSeq,
	// по возрастанию sequence, не больше limit штук
	SelectOlderThan(ctx context.Context, before time.Time, afterSeq uint64, limit int) ([]domain.AuditEvent, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	CountAll(ctx context.Context) (int64, error)
}

const (
	archivePrefix  = "archive/"
	manifestPrefix = "manifests/"
)

type Config struct {
	PageSize      int // размер страницы выгрузки из hot
	StoreAttempts int // ретраи Put в object store
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = 3
	}
}

type Manager struct {
	// Политика под своим локом; никакой другой стейт под ним не живет
	policyMu sync.RWMutex
	policy   domain.RetentionPolicy

	// Манифесты — отдельный лок
	manMu     sync.Mutex
	manifests []domain.ArchiveManifest

	hot     HotStore
	objects ObjectStore
	codec   Codec
	enc     Encryptor

	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	now func() time.Time // подменяется в тестах
}

func NewManager(hot HotStore, objects ObjectStore, codec Codec, enc Encryptor,
	policy domain.RetentionPolicy, cfg Config, logger *zap.Logger, metrics *Metrics) (*Manager, error) {

	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	if codec == nil {
		codec = GzipCodec{}
	}
	if enc == nil {
		enc = NoopEncryptor{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Manager{
		policy:  policy,
		hot:     hot,
		objects: objects,
		codec:   codec,
		enc:     enc,
		cfg:     cfg,
		logger:  logger.With(zap.String("mod", "retention")),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// LoadManifests восстанавливает бухгалтерию архивов из object store при старте
func (m *Manager) LoadManifests(ctx context.Context) error {
	keys, err := m.objects.List(ctx, manifestPrefix)
	if err != nil {
		return err
	}

	loaded := make([]domain.ArchiveManifest, 0, len(keys))
	for _, key := range keys {
		data, err := m.objects.Get(ctx, key)
		if err != nil {
			m.logger.Warn("skipping unreadable manifest", zap.String("key", key), zap.Error(err))
			continue
		}
		var man domain.ArchiveManifest
		if err := json.Unmarshal(data, &man); err != nil {
			m.logger.Warn("skipping corrupt manifest", zap.String("key", key), zap.Error(err))
			continue
		}
		loaded = append(loaded, man)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	m.manMu.Lock()
	m.manifests = loaded
	m.manMu.Unlock()

	m.logger.Info("archive manifests loaded", zap.Int("count", len(loaded)))
	return nil
}

func (m *Manager) GetPolicy() domain.RetentionPolicy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy валидирует и подменяет политику. Уже размещенные батчи
// своего tier'а не меняют — инвариант обеспечен тем, что переходы
// всегда строго вперед и считаются в момент фоновой задачи.
func (m *Manager) SetPolicy(p domain.RetentionPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()

	m.logger.Info("retention policy updated",
		zap.Duration("hot", p.HotDuration),
		zap.Duration("warm", p.WarmDuration),
		zap.Duration("cold", p.ColdDuration),
		zap.Bool("worm", p.WORMEnabled),
	)
	return nil
}

func validatePolicy(p domain.RetentionPolicy) error {
	if p.HotDuration <= 0 {
		return &domain.ValidationError{Field: "hot_duration", Reason: "must be positive"}
	}
	if p.WarmDuration < 0 || p.ColdDuration < 0 {
		return &domain.ValidationError{Field: "warm_duration/cold_duration", Reason: "must not be negative"}
	}
	if p.ArchiveCadence <= 0 {
		return &domain.ValidationError{Field: "archive_cadence", Reason: "must be positive"}
	}
	return nil
}

// Archive выгружает hot-события старше before в один датированный объект.
// Страницы обрабатываются best-effort: ошибка страницы попадает в манифест,
// остальные страницы продолжаются. Возвращаемый манифест — полный отчет
// прогона (счетчики, байты, compression ratio, длительность).
func (m *Manager) Archive(ctx context.Context, before time.Time) (domain.ArchiveManifest, error) {
	policy := m.GetPolicy()
	start := m.now()

	man := domain.ArchiveManifest{
		ID:        uuid.New().String(),
		Tier:      domain.TierWarm,
		Cutoff:    before,
		CreatedAt: start,
		Encrypted: policy.Encrypt,
	}

	codec := m.codec
	if !policy.Compress {
		codec = NoopCodec{}
	}
	man.Codec = codec.Name()

	var collected []domain.AuditEvent
	verifiedAll := policy.VerifyBeforeArchive
	var afterSeq uint64

	for {
		if err := ctx.Err(); err != nil {
			// Отмена до записи объекта: состояние хранилищ не тронуто
			return man, &domain.TimeoutError{Op: "archive", Cause: err}
		}

		page, err := m.hot.SelectOlderThan(ctx, before, afterSeq, m.cfg.PageSize)
		if err != nil {
			man.PageErrors = append(man.PageErrors, fmt.Sprintf("fetch after seq %d: %v", afterSeq, err))
			m.metrics.PageErrors.Inc()
			break // дальше листать не с чего
		}
		if len(page) == 0 {
			break
		}
		afterSeq = page[len(page)-1].Sequence

		if policy.VerifyBeforeArchive {
			if res := hashchain.VerifyChain(page); !res.Valid {
				// Нарушение целостности репортим, не чиним; страница не архивируется
				verifiedAll = false
				man.FailedCount += len(page)
				man.PageErrors = append(man.PageErrors,
					fmt.Sprintf("integrity violation in page after seq %d: %d problem(s)",
						page[0].Sequence-1, len(res.Violations)))
				m.metrics.PageErrors.Inc()
				m.logger.Error("archive page failed integrity check",
					zap.Uint64("first_seq", page[0].Sequence),
					zap.Int("violations", len(res.Violations)))
				continue
			}
		}

		collected = append(collected, page...)
	}

	man.IntegrityVerified = verifiedAll
	man.EventCount = len(collected)

	if len(collected) == 0 {
		man.Duration = m.now().Sub(start)
		if len(man.PageErrors) > 0 {
			return man, &domain.StoreError{Op: "archive", Chunk: -1,
				Cause: fmt.Errorf("no pages archived: %s", man.PageErrors[0])}
		}
		return man, nil // нечего архивировать — не ошибка
	}

	man.From = collected[0].Timestamp
	man.To = collected[len(collected)-1].Timestamp

	raw, err := json.Marshal(collected)
	if err != nil {
		return man, &domain.StoreError{Op: "archive.marshal", Chunk: -1, Cause: err}
	}
	man.RawBytes = int64(len(raw))

	blob, err := codec.Compress(raw)
	if err != nil {
		return man, &domain.StoreError{Op: "archive.compress", Chunk: -1, Cause: err}
	}
	if policy.Encrypt {
		if blob, err = m.enc.Encrypt(ctx, blob); err != nil {
			return man, &domain.StoreError{Op: "archive.encrypt", Chunk: -1, Cause: err}
		}
	}
	man.BytesWritten = int64(len(blob))
	if man.BytesWritten > 0 {
		man.CompressionRatio = float64(man.RawBytes) / float64(man.BytesWritten)
	}

	// Один датированный объект на прогон
	man.ObjectKey = fmt.Sprintf("%s%s_%s%s",
		archivePrefix, before.UTC().Format("2006-01-02"), man.ID[:8], extFor(man.Codec))

	if err := m.putWithRetry(ctx, man.ObjectKey, blob); err != nil {
		return man, &domain.StoreError{Op: "archive.put", Chunk: -1, Cause: err}
	}

	// Из hot удаляем только когда все страницы ушли целиком; иначе
	// оставляем — следующий прогон заберет остаток
	if len(man.PageErrors) == 0 && man.FailedCount == 0 {
		if _, err := m.hot.DeleteOlderThan(ctx, before); err != nil {
			man.PageErrors = append(man.PageErrors, fmt.Sprintf("hot cleanup: %v", err))
			m.logger.Error("hot tier cleanup failed after archive", zap.Error(err))
		}
	}

	man.Duration = m.now().Sub(start)
	if err := m.saveManifest(ctx, man); err != nil {
		return man, err
	}

	m.metrics.ArchiveRuns.Inc()
	m.metrics.EventsArchived.Add(float64(man.EventCount))
	m.metrics.BytesWritten.Add(float64(man.BytesWritten))
	m.metrics.ArchiveDuration.Observe(man.Duration.Seconds())
	m.metrics.TierTransitions.WithLabelValues(string(domain.TierWarm)).Inc()

	m.logger.Info("archive run complete",
		zap.String("object", man.ObjectKey),
		zap.Int("events", man.EventCount),
		zap.Int("failed", man.FailedCount),
		zap.Float64("ratio", man.CompressionRatio),
		zap.Duration("took", man.Duration),
	)
	return man, nil
}

func extFor(codec string) string {
	if codec == "gzip" {
		return ".json.gz"
	}
	return ".json"
}

// Retrieve линейно сканирует архивные объекты до первого совпадения.
// Путь сознательно медленный (секунды-минуты): это плата за дешевое
// холодное хранение.
func (m *Manager) Retrieve(ctx context.Context, eventID string) (*domain.AuditEvent, error) {
	for _, man := range m.listManifests() {
		if man.Tier == domain.TierDeleted {
			continue
		}
		events, err := m.loadArchive(ctx, &man)
		if err != nil {
			m.logger.Warn("archive object unreadable during retrieve",
				zap.String("key", man.ObjectKey), zap.Error(err))
			continue
		}
		for i := range events {
			if events[i].ID == eventID {
				return &events[i], nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, &domain.TimeoutError{Op: "retrieve", Cause: err}
		}
	}
	return nil, &domain.NotFoundError{Kind: "event", ID: eventID}
}

// QueryAllTiers спрашивает hot напрямую; если нижняя граница запроса
// старше hot-окна — дополнительно раскрывает warm/cold архивы. Результат
// сливается по timestamp, offset/limit режут уже объединенный поток;
// TotalCount отражает объединение по всем опрошенным tier'ам.
func (m *Manager) QueryAllTiers(ctx context.Context, q domain.EventQuery) (domain.QueryResult, error) {
	q.Normalize()
	policy := m.GetPolicy()

	hotWindowStart := m.now().Add(-policy.HotDuration)
	crossTier := !q.From.IsZero() && q.From.Before(hotWindowStart)

	// При fan-out страница режется после слияния, поэтому hot отдает
	// весь свой префикс до конца запрошенной страницы
	qHot := q
	if crossTier {
		qHot.Offset = 0
		qHot.Limit = q.Offset + q.Limit
	}

	hotRes, err := m.hot.QueryPage(ctx, qHot)
	if err != nil {
		return domain.QueryResult{}, &domain.StoreError{Op: "query.hot", Chunk: -1, Cause: err}
	}

	res := domain.QueryResult{
		Events:       hotRes.Events,
		TotalCount:   hotRes.TotalCount,
		Offset:       q.Offset,
		Limit:        q.Limit,
		TiersQueried: []domain.StorageTier{domain.TierHot},
	}

	if !crossTier {
		return res, nil
	}

	// Fan-out в архивные tier'ы
	tiersSeen := map[domain.StorageTier]bool{}
	for _, man := range m.listManifests() {
		if man.Tier != domain.TierWarm && man.Tier != domain.TierCold {
			continue
		}
		if !overlaps(&man, q.From, q.To) {
			continue
		}

		events, err := m.loadArchive(ctx, &man)
		if err != nil {
			m.logger.Warn("archive object skipped in query",
				zap.String("key", man.ObjectKey), zap.Error(err))
			continue
		}
		for i := range events {
			if q.Matches(&events[i]) {
				res.Events = append(res.Events, events[i])
				res.TotalCount++
			}
		}
		tiersSeen[man.Tier] = true

		if err := ctx.Err(); err != nil {
			return res, &domain.TimeoutError{Op: "query.archive", Cause: err}
		}
	}
	if tiersSeen[domain.TierWarm] {
		res.TiersQueried = append(res.TiersQueried, domain.TierWarm)
	}
	if tiersSeen[domain.TierCold] {
		res.TiersQueried = append(res.TiersQueried, domain.TierCold)
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		if q.Sort == domain.SortOldestFirst {
			return res.Events[i].Timestamp.Before(res.Events[j].Timestamp)
		}
		return res.Events[i].Timestamp.After(res.Events[j].Timestamp)
	})

	// Страница вырезается из объединенного потока
	if q.Offset >= len(res.Events) {
		res.Events = nil
		return res, nil
	}
	res.Events = res.Events[q.Offset:]
	if len(res.Events) > q.Limit {
		res.Events = res.Events[:q.Limit]
	}
	return res, nil
}

func overlaps(man *domain.ArchiveManifest, from, to time.Time) bool {
	if !from.IsZero() && man.To.Before(from) {
		return false
	}
	if !to.IsZero() && man.From.After(to) {
		return false
	}
	return true
}

// TransitionTiers продвигает состарившиеся батчи вперед по жизненному циклу.
// Вызывается фоновым планировщиком (default — раз в сутки).
func (m *Manager) TransitionTiers(ctx context.Context) error {
	policy := m.GetPolicy()
	now := m.now()

	m.manMu.Lock()
	manifests := make([]domain.ArchiveManifest, len(m.manifests))
	copy(manifests, m.manifests)
	m.manMu.Unlock()

	for i := range manifests {
		man := &manifests[i]

		switch man.Tier {
		case domain.TierWarm:
			if now.After(man.Cutoff.Add(policy.WarmDuration)) {
				m.advanceTier(ctx, man, domain.TierCold)
			}

		case domain.TierCold:
			if !policy.AutoDelete {
				continue
			}
			if now.After(man.Cutoff.Add(policy.WarmDuration + policy.ColdDuration)) {
				if err := m.DeleteArchive(ctx, man.ID); err != nil {
					m.logger.Error("cold archive deletion failed",
						zap.String("manifest", man.ID), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (m *Manager) advanceTier(ctx context.Context, man *domain.ArchiveManifest, next domain.StorageTier) {
	if !man.Tier.CanTransitionTo(next) {
		return // регресс запрещен
	}
	man.Tier = next
	if err := m.saveManifest(ctx, *man); err != nil {
		m.logger.Error("tier transition not persisted",
			zap.String("manifest", man.ID), zap.Error(err))
		return
	}
	m.metrics.TierTransitions.WithLabelValues(string(next)).Inc()
	m.logger.Info("archive tier advanced",
		zap.String("manifest", man.ID), zap.String("to", string(next)))
}

// DeleteArchive удаляет архивный объект. WORM-инвариант проверяется здесь,
// на границе вызова object store: до истечения cold-срока ядро не выпустит
// delete наружу.
func (m *Manager) DeleteArchive(ctx context.Context, manifestID string) error {
	policy := m.GetPolicy()

	m.manMu.Lock()
	var man *domain.ArchiveManifest
	for i := range m.manifests {
		if m.manifests[i].ID == manifestID {
			man = &m.manifests[i]
			break
		}
	}
	m.manMu.Unlock()

	if man == nil {
		return &domain.NotFoundError{Kind: "archive manifest", ID: manifestID}
	}

	expiry := man.Cutoff.Add(policy.WarmDuration + policy.ColdDuration)
	if policy.WORMEnabled && m.now().Before(expiry) {
		return &domain.WORMError{Key: man.ObjectKey, ExpiresAt: expiry}
	}

	if err := m.objects.Delete(ctx, man.ObjectKey); err != nil {
		return &domain.StoreError{Op: "archive.delete", Chunk: -1, Cause: err}
	}

	man.Tier = domain.TierDeleted
	if err := m.saveManifest(ctx, *man); err != nil {
		return err
	}
	m.metrics.TierTransitions.WithLabelValues(string(domain.TierDeleted)).Inc()
	return nil
}

// GetStatistics собирает сводку по всем tier'ам
func (m *Manager) GetStatistics(ctx context.Context) (domain.RetentionStats, error) {
	stats := domain.RetentionStats{Policy: m.GetPolicy()}

	hotCount, err := m.hot.CountAll(ctx)
	if err != nil {
		return stats, &domain.StoreError{Op: "stats.hot", Chunk: -1, Cause: err}
	}
	stats.HotEvents = hotCount

	for _, man := range m.listManifests() {
		stats.ArchiveRuns++
		stats.EventsArchived += int64(man.EventCount)
		stats.BytesWritten += man.BytesWritten
		if man.CreatedAt.After(stats.LastRunAt) {
			stats.LastRunAt = man.CreatedAt
		}
		switch man.Tier {
		case domain.TierWarm:
			stats.WarmArchives++
		case domain.TierCold:
			stats.ColdArchives++
		}
	}
	return stats, nil
}

// ListManifests — снимок каталога архивов (консоль, диагностика)
func (m *Manager) ListManifests() []domain.ArchiveManifest {
	return m.listManifests()
}

func (m *Manager) listManifests() []domain.ArchiveManifest {
	m.manMu.Lock()
	defer m.manMu.Unlock()
	out := make([]domain.ArchiveManifest, len(m.manifests))
	copy(out, m.manifests)
	return out
}

func (m *Manager) saveManifest(ctx context.Context, man domain.ArchiveManifest) error {
	data, err := json.Marshal(man)
	if err != nil {
		return &domain.StoreError{Op: "manifest.marshal", Chunk: -1, Cause: err}
	}
	key := manifestPrefix + man.ID + ".json"
	if err := m.putWithRetry(ctx, key, data); err != nil {
		return &domain.StoreError{Op: "manifest.put", Chunk: -1, Cause: err}
	}

	m.manMu.Lock()
	replaced := false
	for i := range m.manifests {
		if m.manifests[i].ID == man.ID {
			m.manifests[i] = man
			replaced = true
			break
		}
	}
	if !replaced {
		m.manifests = append(m.manifests, man)
	}
	m.manMu.Unlock()
	return nil
}

func (m *Manager) loadArchive(ctx context.Context, man *domain.ArchiveManifest) ([]domain.AuditEvent, error) {
	blob, err := m.objects.Get(ctx, man.ObjectKey)
	if err != nil {
		return nil, err
	}
	if man.Encrypted {
		if blob, err = m.enc.Decrypt(ctx, blob); err != nil {
			return nil, &domain.StoreError{Op: "archive.decrypt", Chunk: -1, Cause: err}
		}
	}
	if man.Codec != "none" && man.Codec != "" {
		if blob, err = m.codec.Decompress(blob); err != nil {
			return nil, &domain.StoreError{Op: "archive.decompress", Chunk: -1, Cause: err}
		}
	}

	var events []domain.AuditEvent
	if err := json.Unmarshal(blob, &events); err != nil {
		return nil, &domain.StoreError{Op: "archive.unmarshal", Chunk: -1, Cause: err}
	}
	return events, nil
}

func (m *Manager) putWithRetry(ctx context.Context, key string, data []byte) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.StoreAttempts)),
	)
	return r.Do(func() error {
		return m.objects.Put(ctx, key, data)
	})
}

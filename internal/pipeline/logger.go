package pipeline

/*
Файл logger.go реализует точку приема конвейера аудита (Audit Logger).

Ключевые особенности архитектуры:
- Non-blocking Logging: Log() возвращается за микросекунды. Единственная
  разделяемая горячая секция — курсор хэш-цепочки (чистая память, без I/O).
  Продьюсеры никогда не ждут латентность хранилища.
- Load Shedding: при переполнении буфера событие отбрасывается, счетчик
  растет, предупреждение пишется с rate-limit'ом. Никаких блокировок,
  никаких паник. Слот в буфере резервируется ДО назначения позиции в
  цепочке, поэтому сброшенное событие не оставляет дыру в sequence.
- Batching & Efficiency: единственный фоновый воркер копит события и пишет
  их в durable store пачкой — по таймеру, по high-water mark или по
  явному Flush().
- Drain Pattern & Graceful Shutdown: Stop() закрывает канал, воркер
  вычитывает остатки и делает финальный flush с ограниченным дедлайном.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
)

// EventStore определяет, куда физически сохраняются события.
// AppendBatch — всё-или-ничего для переданной пачки.
type EventStore interface {
	AppendBatch(ctx context.Context, events []domain.AuditEvent) error
}

type Config struct {
	BufferSize    int           // емкость кольцевого буфера
	FlushInterval time.Duration // период фонового сброса
	HighWater     int           // досрочный flush при накоплении
	ChunkSize     int           // размер чанка для LogBatch
	StoreAttempts int           // попыток записи на чанк (включая первую)
}

func (c *Config) withDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.HighWater <= 0 || c.HighWater > c.BufferSize {
		c.HighWater = c.BufferSize / 10
		if c.HighWater == 0 {
			c.HighWater = 1
		}
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = 3
	}
}

// MetricsSnapshot — моментальный срез для GetMetrics()/дашборда
type MetricsSnapshot struct {
	Accepted      uint64    `json:"accepted"`
	Dropped       uint64    `json:"dropped"`
	Flushed       uint64    `json:"flushed"`
	FlushFailures uint64    `json:"flush_failures"`
	BufferFill    int       `json:"buffer_fill"`
	LastFlushAt   time.Time `json:"last_flush_at"`
	LastSequence  uint64    `json:"last_sequence"`
}

// BatchResult — итог LogBatch. FailedChunk = -1, если все чанки закоммичены.
type BatchResult struct {
	Committed   int `json:"committed"`
	FailedChunk int `json:"failed_chunk"`
}

type Logger struct {
	ch       chan domain.AuditEvent
	slots    chan struct{} // счетный семафор емкости буфера
	flushReq chan chan error

	cursor  *hashchain.Cursor
	store   EventStore
	logger  *zap.Logger
	metrics *Metrics
	cfg     Config

	// Предупреждение о переполнении пишем не чаще раза в секунду,
	// иначе под штормом лог сам становится жертвой
	dropWarn *rate.Limiter

	wg       sync.WaitGroup
	isClosed int32 // атомарный флаг (0 - открыт, 1 - закрыт)

	// Охраняет закрытие канала: продьюсер держит RLock на весь путь
	// "проверка флага -> резерв слота -> send", Stop берет Lock перед
	// close(ch). Send в закрытый канал исключен по построению.
	stopMu sync.RWMutex

	accepted      atomic.Uint64
	dropped       atomic.Uint64
	flushed       atomic.Uint64
	flushFailures atomic.Uint64
	lastFlushNano atomic.Int64
}

func NewLogger(store EventStore, cursor *hashchain.Cursor, cfg Config, logger *zap.Logger, metrics *Metrics) *Logger {
	cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Logger{
		ch:       make(chan domain.AuditEvent, cfg.BufferSize),
		slots:    make(chan struct{}, cfg.BufferSize),
		flushReq: make(chan chan error),
		cursor:   cursor,
		store:    store,
		logger:   logger.With(zap.String("mod", "pipeline")),
		metrics:  metrics,
		cfg:      cfg,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop «запирает» вход и ждет, пока воркер допишет остатки буфера.
// Дедлайн финального flush ограничен переданным контекстом.
func (l *Logger) Stop(ctx context.Context) error {
	// 1. Ставим флаг: новые Log отбиваются еще до попытки взять слот
	if !atomic.CompareAndSwapInt32(&l.isClosed, 0, 1) {
		return nil
	}

	// 2. Write-lock дожидается всех продьюсеров, уже прошедших проверку
	// флага, и только потом закрывает канал
	l.stopMu.Lock()
	close(l.ch)
	l.stopMu.Unlock()

	// 3. Drain Pattern: завершение воркера — исключительно через закрытие канала
	l.logger.Info("stopping audit logger: draining buffer...")

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("audit logger stopped gracefully")
		return nil
	case <-ctx.Done():
		return &domain.TimeoutError{Op: "logger.stop", Cause: ctx.Err()}
	}
}

// Log — fire-and-forget прием. Никогда не блокирует, никогда не возвращает
// ошибку; потеря события видна только по метрике и warning'у.
func (l *Logger) Log(e domain.AuditEvent) {
	l.stopMu.RLock()
	defer l.stopMu.RUnlock()

	if atomic.LoadInt32(&l.isClosed) == 1 {
		l.dropped.Add(1)
		l.metrics.DroppedTotal.Inc()
		if l.dropWarn.Allow() {
			l.logger.Warn("audit event dropped: logger is stopping", zap.String("type", e.Type))
		}
		return
	}

	// Сначала резервируем слот: если буфер полон, событие сбрасывается
	// ДО назначения sequence — цепочка не получает дыру
	select {
	case l.slots <- struct{}{}:
	default:
		l.dropped.Add(1)
		l.metrics.DroppedTotal.Inc()
		if l.dropWarn.Allow() {
			l.logger.Warn("audit_buffer_overflow",
				zap.String("type", e.Type),
				zap.String("actor_id", e.ActorID),
				zap.Uint64("dropped_total", l.dropped.Load()),
			)
		}
		return
	}

	l.prepare(&e)
	l.cursor.GetAndAdvance(&e)

	// Не блокирует: место гарантировано зарезервированным слотом
	l.ch <- e

	l.accepted.Add(1)
	l.metrics.IngestedTotal.WithLabelValues("async").Inc()
	l.metrics.BufferFill.Set(float64(len(l.ch)))
}

// LogConfirmed — синхронный путь для высококритичных событий.
// Минует буфер: хэшируется и пишется в durable store под дедлайном ctx.
func (l *Logger) LogConfirmed(ctx context.Context, e domain.AuditEvent) (domain.AuditEvent, error) {
	if atomic.LoadInt32(&l.isClosed) == 1 {
		return e, &domain.StoreError{Op: "log_confirmed", Chunk: -1, Cause: context.Canceled}
	}

	l.prepare(&e)
	l.cursor.GetAndAdvance(&e)

	if err := l.writeWithRetry(ctx, []domain.AuditEvent{e}); err != nil {
		// Запись не состоялась — пробуем вернуть курсор на место. Если
		// успели вклиниться другие продьюсеры, откат невозможен: в цепочке
		// останется дыра, фиксируем это в логе.
		if !l.cursor.TryRewind(e.Sequence, e.Sequence-1, e.PrevHash) {
			l.logger.Warn("confirmed write failed, chain position not reclaimed",
				zap.Uint64("sequence", e.Sequence))
		}
		if ctx.Err() != nil {
			return e, &domain.TimeoutError{Op: "log_confirmed", Cause: err}
		}
		return e, &domain.StoreError{Op: "log_confirmed", Chunk: -1, Cause: err}
	}

	l.accepted.Add(1)
	l.metrics.IngestedTotal.WithLabelValues("confirmed").Inc()
	return e, nil
}

// LogBatch хэширует события строго в переданном порядке и пишет их
// чанками ограниченного размера. Ошибка чанка возвращается с его индексом;
// уже закоммиченные чанки остаются закоммиченными (без глобального отката).
func (l *Logger) LogBatch(ctx context.Context, events []domain.AuditEvent) (BatchResult, error) {
	res := BatchResult{FailedChunk: -1}
	if len(events) == 0 {
		return res, nil
	}
	if atomic.LoadInt32(&l.isClosed) == 1 {
		res.FailedChunk = 0
		return res, &domain.StoreError{Op: "log_batch", Chunk: 0, Cause: context.Canceled}
	}

	// Назначаем позиции в цепочке последовательно — intra-batch порядок сохранен
	for i := range events {
		l.prepare(&events[i])
		l.cursor.GetAndAdvance(&events[i])
	}

	for chunkIdx := 0; chunkIdx*l.cfg.ChunkSize < len(events); chunkIdx++ {
		lo := chunkIdx * l.cfg.ChunkSize
		hi := lo + l.cfg.ChunkSize
		if hi > len(events) {
			hi = len(events)
		}

		if err := l.writeWithRetry(ctx, events[lo:hi]); err != nil {
			res.FailedChunk = chunkIdx
			// Все события от начала упавшего чанка и до конца пачки не
			// записаны — откатываем курсор на хвост последнего успешного
			// чанка, если никто не вклинился между GetAndAdvance и сюда
			if !l.cursor.TryRewind(events[len(events)-1].Sequence, events[lo].Sequence-1, events[lo].PrevHash) {
				l.logger.Warn("batch chunk write failed, chain positions not reclaimed",
					zap.Int("chunk", chunkIdx),
					zap.Uint64("from_sequence", events[lo].Sequence))
			}
			if ctx.Err() != nil {
				return res, &domain.TimeoutError{Op: "log_batch", Cause: err}
			}
			return res, &domain.StoreError{Op: "log_batch", Chunk: chunkIdx, Cause: err}
		}

		res.Committed += hi - lo
		l.metrics.IngestedTotal.WithLabelValues("batch").Add(float64(hi - lo))
	}

	l.accepted.Add(uint64(res.Committed))
	return res, nil
}

// Flush принудительно сбрасывает накопленный буфер и ждет результата записи
func (l *Logger) Flush(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case l.flushReq <- resp:
	case <-ctx.Done():
		return &domain.TimeoutError{Op: "flush", Cause: ctx.Err()}
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return &domain.TimeoutError{Op: "flush", Cause: ctx.Err()}
	}
}

// GetMetrics отдает срез счетчиков конвейера
func (l *Logger) GetMetrics() MetricsSnapshot {
	_, seq := l.cursor.Position()
	return MetricsSnapshot{
		Accepted:      l.accepted.Load(),
		Dropped:       l.dropped.Load(),
		Flushed:       l.flushed.Load(),
		FlushFailures: l.flushFailures.Load(),
		BufferFill:    len(l.ch),
		LastFlushAt:   time.Unix(0, l.lastFlushNano.Load()),
		LastSequence:  seq,
	}
}

// prepare дозаполняет то, что продьюсеры могут опустить
func (l *Logger) prepare(e *domain.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]domain.AuditEvent, 0, l.cfg.HighWater)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		err := l.writeWithRetry(ctx, batch)
		l.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		l.metrics.FlushBatch.Observe(float64(len(batch)))

		if err != nil {
			// Некому отдать ошибку на асинхронном пути — фиксируем и едем дальше
			l.flushFailures.Add(1)
			l.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		} else {
			l.flushed.Add(uint64(len(batch)))
			l.lastFlushNano.Store(time.Now().UnixNano())
		}
		batch = batch[:0]
		return err
	}

	// drain вычитывает всё, что уже лежит в канале, без блокировки
	drain := func() {
		for {
			select {
			case e, ok := <-l.ch:
				if !ok {
					return
				}
				<-l.slots
				batch = append(batch, e)
			default:
				return
			}
		}
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop() — финальный сброс с ограниченным дедлайном
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				flush(ctx)
				cancel()
				l.logger.Info("audit flush worker finished")
				return
			}
			<-l.slots
			batch = append(batch, e)
			l.metrics.BufferFill.Set(float64(len(l.ch)))
			if len(batch) >= l.cfg.HighWater {
				flush(context.Background())
			}

		case <-ticker.C:
			flush(context.Background())

		case resp := <-l.flushReq:
			drain()
			resp <- flush(context.Background())
		}
	}
}

// writeWithRetry — ограниченные ретраи записи; счетчик ретраев в метриках
func (l *Logger) writeWithRetry(ctx context.Context, events []domain.AuditEvent) error {
	attempt := 0
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(l.cfg.StoreAttempts)),
	)
	return r.Do(func() error {
		if attempt > 0 {
			l.metrics.StoreRetries.Inc()
		}
		attempt++
		return l.store.AppendBatch(ctx, events)
	})
}

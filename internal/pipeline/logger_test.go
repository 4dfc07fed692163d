package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
)

// memStore — durable store в памяти для тестов конвейера
type memStore struct {
	mu       sync.Mutex
	events   []domain.AuditEvent
	calls    int
	failNext int           // сколько ближайших вызовов уронить
	blockOn  chan struct{} // если задан, запись висит до закрытия канала
}

func (s *memStore) AppendBatch(ctx context.Context, events []domain.AuditEvent) error {
	if s.blockOn != nil {
		select {
		case <-s.blockOn:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("simulated store outage")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memStore) snapshot() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, len(s.events))
	copy(out, s.events)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func newTestLogger(store EventStore, cfg Config) *Logger {
	return NewLogger(store, hashchain.NewCursor(hashchain.GenesisHash, 0), cfg, zap.NewNop(), nil)
}

func testEvent(i int) domain.AuditEvent {
	return domain.AuditEvent{
		Type:       "DataAccess",
		Category:   domain.CategoryDataAccess,
		Severity:   domain.SeverityLow,
		ActorID:    fmt.Sprintf("svc-%d", i),
		ResourceID: "customer-db",
		Action:     "read",
		Outcome:    domain.OutcomeSuccess,
	}
}

func TestLog_AsyncPathPersistsValidChain(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 100, FlushInterval: time.Hour, HighWater: 100})
	l.Start()

	for i := 0; i < 40; i++ {
		l.Log(testEvent(i))
	}

	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Stop(context.Background()))

	events := store.snapshot()
	require.Len(t, events, 40)

	res := hashchain.VerifyChain(events)
	assert.True(t, res.Valid, "violations: %+v", res.Violations)

	m := l.GetMetrics()
	assert.Equal(t, uint64(40), m.Accepted)
	assert.Zero(t, m.Dropped)
}

func TestLog_FullBufferDropsWithoutBlockingOrChainGaps(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 4, FlushInterval: time.Hour, HighWater: 4})
	// Воркер не запущен — буфер гарантированно переполнится

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Log(testEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on full buffer")
	}

	m := l.GetMetrics()
	assert.Equal(t, uint64(4), m.Accepted)
	assert.Equal(t, uint64(6), m.Dropped)

	// Сброс отвергнутых событий не оставил дыр в цепочке
	l.Start()
	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Stop(context.Background()))

	events := store.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, uint64(4), events[3].Sequence)
	assert.True(t, hashchain.VerifyChain(events).Valid)
}

func TestLogConfirmed_BypassesBuffer(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 10, FlushInterval: time.Hour})
	// Воркер не нужен: подтвержденный путь пишет синхронно

	e, err := l.LogConfirmed(context.Background(), testEvent(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.NotEmpty(t, e.Hash)
	require.Len(t, store.snapshot(), 1)
}

func TestLogConfirmed_DeadlineSurfacesTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	store := &memStore{blockOn: block}
	l := newTestLogger(store, Config{BufferSize: 10, StoreAttempts: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.LogConfirmed(ctx, testEvent(0))
	require.Error(t, err)

	var tErr *domain.TimeoutError
	assert.ErrorAs(t, err, &tErr)
}

func TestLogBatch_FailedChunkIndexAndPartialCommit(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 10, ChunkSize: 2, StoreAttempts: 1})

	// Первый чанк проходит, второй падает
	events := make([]domain.AuditEvent, 6)
	for i := range events {
		events[i] = testEvent(i)
	}

	store.failNext = 0
	res, err := l.LogBatch(context.Background(), events[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, -1, res.FailedChunk)

	store.failNext = 1
	res, err = l.LogBatch(context.Background(), events[2:])
	require.Error(t, err)

	var sErr *domain.StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 0, sErr.Chunk)
	assert.Equal(t, 0, res.Committed)
	assert.Equal(t, 0, res.FailedChunk)

	// Закоммиченное остается закоммиченным
	assert.Len(t, store.snapshot(), 2)
}

func TestLogBatch_PreservesIntraBatchOrder(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 10, ChunkSize: 3})

	events := make([]domain.AuditEvent, 7)
	for i := range events {
		events[i] = testEvent(i)
	}

	res, err := l.LogBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Committed)

	stored := store.snapshot()
	require.Len(t, stored, 7)
	for i, e := range stored {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, fmt.Sprintf("svc-%d", i), e.ActorID)
	}
	assert.True(t, hashchain.VerifyChain(stored).Valid)
}

func TestStoreRetry_BoundedAttempts(t *testing.T) {
	store := &memStore{failNext: 2}
	l := newTestLogger(store, Config{BufferSize: 10, StoreAttempts: 3})

	_, err := l.LogConfirmed(context.Background(), testEvent(0))
	require.NoError(t, err) // третья попытка прошла
	assert.Equal(t, 3, store.calls)
}

func TestStop_FinalFlushDrains(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 100, FlushInterval: time.Hour, HighWater: 100})
	l.Start()

	for i := 0; i < 25; i++ {
		l.Log(testEvent(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))

	assert.Len(t, store.snapshot(), 25)

	// После остановки Log молча отбрасывает
	l.Log(testEvent(99))
	assert.Len(t, store.snapshot(), 25)
}

func TestStop_ConcurrentLogDoesNotPanic(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 8, FlushInterval: time.Hour, HighWater: 8})
	l.Start()

	// Продьюсеры шлют без пауз, Stop прилетает посреди потока. Паника
	// send-on-closed-channel здесь означала бы гонку между флагом и close.
	var wg sync.WaitGroup
	stopProducers := make(chan struct{})
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stopProducers:
					return
				default:
					l.Log(testEvent(p*1000 + i))
				}
			}
		}(p)
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Stop(context.Background()))
	close(stopProducers)
	wg.Wait()

	// Повторный Stop безопасен
	require.NoError(t, l.Stop(context.Background()))
	assert.True(t, hashchain.VerifyChain(store.snapshot()).Valid)
}

func TestLogConfirmed_FailureReclaimsChainPosition(t *testing.T) {
	store := &memStore{failNext: 1}
	l := newTestLogger(store, Config{BufferSize: 10, StoreAttempts: 1})

	_, err := l.LogConfirmed(context.Background(), testEvent(0))
	require.Error(t, err)

	// Незаписанное событие не должно оставить дыру: следующее получает
	// ту же позицию, и цепочка проверяется без MissingEvent
	e, err := l.LogConfirmed(context.Background(), testEvent(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, hashchain.GenesisHash, e.PrevHash)

	events := store.snapshot()
	require.Len(t, events, 1)
	assert.True(t, hashchain.VerifyChain(events).Valid)
}

func TestLogBatch_FailedChunkReclaimsTailPositions(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 10, ChunkSize: 2, StoreAttempts: 1})

	events := make([]domain.AuditEvent, 6)
	for i := range events {
		events[i] = testEvent(i)
	}

	_, err := l.LogBatch(context.Background(), events[:2])
	require.NoError(t, err)

	store.failNext = 1
	_, err = l.LogBatch(context.Background(), events[2:])
	require.Error(t, err)

	// Позиции упавшего хвоста возвращены курсору — повтор продолжает
	// цепочку с sequence 3, без дыр
	res, err := l.LogBatch(context.Background(), events[2:])
	require.NoError(t, err)
	assert.Equal(t, 4, res.Committed)

	stored := store.snapshot()
	require.Len(t, stored, 6)
	for i, e := range stored {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.True(t, hashchain.VerifyChain(stored).Valid)
}

func TestHighWater_TriggersEarlyFlush(t *testing.T) {
	store := &memStore{}
	l := newTestLogger(store, Config{BufferSize: 100, FlushInterval: time.Hour, HighWater: 5})
	l.Start()
	defer l.Stop(context.Background())

	for i := 0; i < 5; i++ {
		l.Log(testEvent(i))
	}

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 5
	}, 2*time.Second, 10*time.Millisecond)
}

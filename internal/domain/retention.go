package domain

import "time"

// StorageTier Класс хранения. Переходы строго вперед: Hot -> Warm -> Cold -> Deleted.
type StorageTier string

const (
	TierHot     StorageTier = "HOT"
	TierWarm    StorageTier = "WARM"
	TierCold    StorageTier = "COLD"
	TierDeleted StorageTier = "DELETED"
)

// tierOrder фиксирует допустимое направление переходов
var tierOrder = map[StorageTier]int{
	TierHot:     0,
	TierWarm:    1,
	TierCold:    2,
	TierDeleted: 3,
}

// CanTransitionTo разрешает только движение вперед по жизненному циклу.
// Возврат в более "горячий" tier невозможен (state machine без регрессий).
func (t StorageTier) CanTransitionTo(next StorageTier) bool {
	return tierOrder[next] > tierOrder[t]
}

// RetentionPolicy — политика жизненного цикла событий.
// Изменение политики влияет ТОЛЬКО на будущие переходы: уже размещенные
// в warm/cold батчи остаются в своем tier'е.
type RetentionPolicy struct {
	HotDuration  time.Duration `json:"hot_duration"`  // сколько событие живет в Postgres
	WarmDuration time.Duration `json:"warm_duration"` // сколько архив лежит в warm-префиксе
	ColdDuration time.Duration `json:"cold_duration"` // после hot+warm+cold возможно удаление

	Compress bool `json:"compress"` // gzip-кодек при архивации
	Encrypt  bool `json:"encrypt"`  // шифрование страницы перед записью в object store

	ArchiveCadence time.Duration `json:"archive_cadence"` // период фоновой задачи (default 24h)

	VerifyBeforeArchive bool `json:"verify_before_archive"` // перепроверка hash chain перед выгрузкой
	WORMEnabled         bool `json:"worm_enabled"`          // запрет mutate/delete до истечения cold
	AutoDelete          bool `json:"auto_delete"`           // удалять cold-объекты после истечения
}

// ArchiveManifest — бухгалтерия одного прогона архивации.
// Манифест несет текущий tier своего объекта; переход tier'а — это
// изменение манифеста, а не содержимого архива.
type ArchiveManifest struct {
	ID        string      `json:"id"`
	ObjectKey string      `json:"object_key"` // ключ архива в object store
	Tier      StorageTier `json:"tier"`

	Cutoff    time.Time `json:"cutoff"`     // верхняя граница возраста (archive before=T)
	From      time.Time `json:"from"`       // самое старое событие в объекте
	To        time.Time `json:"to"`         // самое свежее событие в объекте
	CreatedAt time.Time `json:"created_at"` // момент прогона

	EventCount  int `json:"event_count"`
	FailedCount int `json:"failed_count"` // события со страниц, не попавших в архив

	RawBytes         int64   `json:"raw_bytes"`
	BytesWritten     int64   `json:"bytes_written"`
	CompressionRatio float64 `json:"compression_ratio"`
	Codec            string  `json:"codec"`
	Encrypted        bool    `json:"encrypted"`

	IntegrityVerified bool          `json:"integrity_verified"`
	Duration          time.Duration `json:"duration"`
	PageErrors        []string      `json:"page_errors,omitempty"`
}

// RetentionStats — сводка для дашборда ИБ-команды
type RetentionStats struct {
	Policy        RetentionPolicy `json:"policy"`
	HotEvents     int64           `json:"hot_events"`
	WarmArchives  int             `json:"warm_archives"`
	ColdArchives  int             `json:"cold_archives"`
	ArchiveRuns   int             `json:"archive_runs"`
	EventsArchived int64          `json:"events_archived"`
	BytesWritten  int64           `json:"bytes_written"`
	LastRunAt     time.Time       `json:"last_run_at"`
}

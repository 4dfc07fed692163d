package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации конвейера аудита.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (ingest + console API).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (hot tier).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и распределенные локи).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит RSA ключи для RS256 токенов консоли и учетку оператора.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`

	// Bootstrap-оператор: bcrypt-хэш пароля, не сам пароль
	OperatorUsername     string `mapstructure:"operator_username"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`

	PublicKey  []byte
	PrivateKey []byte
}

// PipelineConfig — параметры горячего пути приема.
type PipelineConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	HighWater     int           `mapstructure:"high_water"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	StoreAttempts int           `mapstructure:"store_attempts"`
}

// RetentionConfig — политика жизненного цикла по умолчанию + параметры джобы.
type RetentionConfig struct {
	HotDuration  time.Duration `mapstructure:"hot_duration"`
	WarmDuration time.Duration `mapstructure:"warm_duration"`
	ColdDuration time.Duration `mapstructure:"cold_duration"`

	Compress            bool `mapstructure:"compress"`
	Encrypt             bool `mapstructure:"encrypt"`
	VerifyBeforeArchive bool `mapstructure:"verify_before_archive"`
	WORMEnabled         bool `mapstructure:"worm_enabled"`
	AutoDelete          bool `mapstructure:"auto_delete"`

	ArchiveCadence time.Duration `mapstructure:"archive_cadence"`
	PageSize       int           `mapstructure:"page_size"`
	ArchiveDir     string        `mapstructure:"archive_dir"` // корень FS object store

	// Hex-ключ AES-256 для шифрования архивов (32 байта). Пусто — Noop.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// AlertingConfig — параметры движка правил.
type AlertingConfig struct {
	QueueSize int `mapstructure:"queue_size"`

	// Верхняя граница кардинальности оконных счетчиков (GROUP BY):
	// capped LRU, старейшая группа вытесняется
	MaxGroupCardinality int `mapstructure:"max_group_cardinality"`

	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	WebhookRPS     float64       `mapstructure:"webhook_rps"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Поиск файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: PIPELINE_BUFFER_SIZE=50000 -> pipeline.buffer_size
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла (отсутствие файла — не ошибка, работаем на ENV)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: либо PEM прямо в ENV (Docker/K8s), либо файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("pipeline.buffer_size", 10000)
	v.SetDefault("pipeline.flush_interval", 500*time.Millisecond)
	v.SetDefault("pipeline.high_water", 1000)
	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.store_attempts", 3)

	v.SetDefault("retention.hot_duration", 30*24*time.Hour)
	v.SetDefault("retention.warm_duration", 60*24*time.Hour)
	v.SetDefault("retention.cold_duration", 275*24*time.Hour)
	v.SetDefault("retention.compress", true)
	v.SetDefault("retention.verify_before_archive", true)
	v.SetDefault("retention.archive_cadence", 24*time.Hour)
	v.SetDefault("retention.page_size", 1000)
	v.SetDefault("retention.archive_dir", "./data/archive")

	v.SetDefault("alerting.queue_size", 10000)
	v.SetDefault("alerting.max_group_cardinality", 10000)
	v.SetDefault("alerting.webhook_timeout", 10*time.Second)
	v.SetDefault("alerting.webhook_rps", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ либо напрямую в ENV, либо файлом по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

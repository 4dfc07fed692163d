package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных конвейера в Redis
	RedisNamespace = "auditchain"
)

// Ключи состояния и локов
const (
	// RedisKeyArchiveLock — SetNX-лок планировщика архивации: в кластере
	// прогон делает ровно один инстанс
	RedisKeyArchiveLock = RedisNamespace + ":lock:archive"

	// RedisKeyEnabledRules — множество id включенных правил (прогрев кэша)
	RedisKeyEnabledRules = RedisNamespace + ":rules:enabled_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRuleUpdate — сигнал "правила изменились, перечитать из БД"
	RedisChanRuleUpdate = RedisNamespace + ":rules:update-signal"
)

// GetLockKey Генератор ключей для динамических блокировок
func GetLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:%s", RedisNamespace, resource)
}

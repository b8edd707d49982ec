package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "policygate"
)

// Ключи состояния
const (
	RedisKeyKillSwitchState      = RedisNamespace + ":kill-switch:state"
	RedisKeyLockKillSwitchWarmup = RedisNamespace + ":lock:warmup:kill-switch"
	RedisPrefixQuota             = RedisNamespace + ":quota:"
	RedisPrefixRateLimit         = RedisNamespace + ":rl:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch = RedisNamespace + ":kill-switch-signal"
)

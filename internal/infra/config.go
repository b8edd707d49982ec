package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Console     ServerConfig      `mapstructure:"console"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Audit       AuditConfig       `mapstructure:"audit"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Store       StoreConfig       `mapstructure:"store"`
	Connectors  ConnectorsConfig  `mapstructure:"connectors"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type GRPCConfig struct {
	Port int `mapstructure:"port"` // 0 — gRPC не поднимается
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL           string        `mapstructure:"url"`
	MaxConns      int32         `mapstructure:"max_conns"`
	MinConns      int32         `mapstructure:"min_conns"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	Migrate       bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, счетчики).
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig: статический RS256 ключ или JWKS.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // только для консоли
	JWKSURL        string        `mapstructure:"jwks_url"`
	Issuer         string        `mapstructure:"issuer"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte

	// учетная запись персонала, которую консоль заводит при первом запуске
	BootstrapUsername string `mapstructure:"bootstrap_username"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

type PolicyConfig struct {
	CapabilitiesFile       string        `mapstructure:"capabilities_file"`
	QuotaWindow            time.Duration `mapstructure:"quota_window"`
	ExemptionMaxTTL        time.Duration `mapstructure:"exemption_max_ttl"`
	DelegationMaxTTL       time.Duration `mapstructure:"delegation_max_ttl"`
	ExemptionSweepInterval time.Duration `mapstructure:"exemption_sweep_interval"`
	KillSwitchRefresh      time.Duration `mapstructure:"kill_switch_refresh"`
	PermitTTL              time.Duration `mapstructure:"permit_ttl"`
}

type AuditConfig struct {
	Async         bool          `mapstructure:"async"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	HashSalt      string        `mapstructure:"hash_salt"`
	Retention     time.Duration `mapstructure:"retention"` // 0 — не удалять
	RetentionTick time.Duration `mapstructure:"retention_tick"`
}

// RateLimitConfig — лимиты границы: маршрут и агент.
type RateLimitConfig struct {
	RouteLimit  int           `mapstructure:"route_limit"`
	RouteWindow time.Duration `mapstructure:"route_window"`
	AgentLimit  int           `mapstructure:"agent_limit"`
	AgentWindow time.Duration `mapstructure:"agent_window"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"` // 0 — без фоновой очистки
	// WaitTimeout — сколько повтор с тем же ключом ждет незавершенный первый запрос.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// StoreConfig выбирает реализацию хранилищ: memory или postgres.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Counters string `mapstructure:"counters"` // memory, redis или postgres
}

// ConnectorsConfig: target возможности -> адрес gRPC коннектора.
type ConnectorsConfig struct {
	Targets     map[string]string `mapstructure:"targets"`
	CallTimeout time.Duration     `mapstructure:"call_timeout"`
	RateLimit   float64           `mapstructure:"rate_limit"`
	Burst       int               `mapstructure:"burst"`
}

// InventoryConfig — начальные остатки для store.driver=memory.
type InventoryConfig struct {
	Stock map[string]int `mapstructure:"stock"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// файла нет — работаем на ENV и дефолтах
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала PEM из ENV (Docker/K8s), иначе файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит комбинации, с которыми сервис заведомо не сможет работать.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for store.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver))
	}
	switch c.Store.Counters {
	case "memory", "postgres":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for store.counters=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.counters must be memory, redis or postgres, got %q", c.Store.Counters))
	}
	if c.Store.Counters == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, errors.New("store.counters=postgres requires store.driver=postgres"))
	}
	if c.Policy.CapabilitiesFile == "" {
		errs = append(errs, errors.New("policy.capabilities_file is required"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("console.port", 8081)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("console.shutdown_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("metrics.port", 9100)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.query_timeout", 3*time.Second)
	v.SetDefault("database.retry_attempts", 3)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.timeout", 2*time.Second)

	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("policy.capabilities_file", "configs/capabilities.yaml")
	v.SetDefault("policy.quota_window", time.Hour)
	v.SetDefault("policy.exemption_max_ttl", 7*24*time.Hour)
	v.SetDefault("policy.delegation_max_ttl", 90*24*time.Hour)
	v.SetDefault("policy.exemption_sweep_interval", time.Minute)
	v.SetDefault("policy.kill_switch_refresh", 30*time.Second)
	v.SetDefault("policy.permit_ttl", 5*time.Minute)

	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 1*time.Second)
	v.SetDefault("audit.retention", 0)
	v.SetDefault("audit.retention_tick", time.Hour)

	v.SetDefault("ratelimit.route_limit", 120)
	v.SetDefault("ratelimit.route_window", time.Minute)
	v.SetDefault("ratelimit.agent_limit", 60)
	v.SetDefault("ratelimit.agent_window", time.Minute)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.purge_interval", 10*time.Minute)
	v.SetDefault("idempotency.wait_timeout", 15*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.counters", "memory")

	v.SetDefault("connectors.call_timeout", 10*time.Second)
	v.SetDefault("connectors.rate_limit", 100)
	v.SetDefault("connectors.burst", 20)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: PEM прямо из ENV или из файла.
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

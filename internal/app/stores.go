// Package app собирает общие для шлюза и консоли зависимости из конфигурации:
// хранилища (memory или postgres), Redis, валидатор токенов, журнал аудита.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/idempotency"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/inventory"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/repository/postgres"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AuditStore — приемник событий, пачечная запись для AgentFS, чтение и ретенция для консоли.
type AuditStore interface {
	audit.Sink
	audit.BatchStorage
	service.AuditLogProvider
}

// PolicyStore — kill-switch и исключения живут в одном хранилище.
type PolicyStore interface {
	killswitch.StateStore
	killswitch.ExemptionStore
}

// Stores — реализации хранилищ, выбранные store.driver.
type Stores struct {
	Proposals   proposal.Store
	Delegations service.DelegationStore
	Policy      PolicyStore
	Audit       AuditStore
	Idempotency idempotency.Store
	Counters    quota.CounterStore
	Inventory   inventory.Store
	Users       service.UserRepository

	db *postgres.DB
}

var (
	_ service.DelegationStore = (*delegation.MemoryStore)(nil)
	_ service.DelegationStore = (*postgres.DelegationRepo)(nil)
)

// OpenStores подключается к Postgres (и применяет миграции) либо собирает хранилища в памяти.
// rdb нужен только для store.counters=redis.
func OpenStores(ctx context.Context, cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) (*Stores, error) {
	s := &Stores{}
	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := db.Migrate(logger); err != nil {
				db.Close()
				return nil, err
			}
		}
		s.db = db
		s.Proposals = postgres.NewProposalRepo(db)
		s.Delegations = postgres.NewDelegationRepo(db)
		s.Policy = postgres.NewPolicyRepo(db)
		s.Audit = postgres.NewAuditRepo(db)
		s.Idempotency = postgres.NewIdempotencyRepo(db, cfg.Idempotency.TTL).WithWait(cfg.Idempotency.WaitTimeout)
		s.Inventory = postgres.NewInventoryRepo(db)
		s.Users = postgres.NewUserRepo(db)
	default:
		logger.Warn("using in-memory stores: state is lost on restart and not shared between processes")
		s.Proposals = proposal.NewMemoryStore()
		s.Delegations = delegation.NewMemoryStore()
		s.Policy = killswitch.NewMemoryStore()
		s.Audit = audit.NewMemorySink()
		s.Idempotency = idempotency.NewMemoryStore(cfg.Idempotency.TTL)
		s.Inventory = inventory.NewMemoryStore(cfg.Inventory.Stock)
		s.Users = service.NewMemoryUsers()
	}

	counters, err := s.counters(cfg, rdb)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Counters = counters
	return s, nil
}

func (s *Stores) counters(cfg *infra.Config, rdb *redis.Client) (quota.CounterStore, error) {
	switch cfg.Store.Counters {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("store.counters=redis requires redis.addr")
		}
		return quota.NewRedisStore(rdb, infra.RedisPrefixQuota, cfg.Redis.Timeout), nil
	case "postgres":
		if s.db == nil {
			return nil, fmt.Errorf("store.counters=postgres requires store.driver=postgres")
		}
		return postgres.NewCounterRepo(s.db), nil
	}
	return quota.NewMemoryStore(), nil
}

func (s *Stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// NewRedisClient возвращает nil, если redis.addr не задан: kill-switch тогда работает
// без Pub/Sub, лимитер границы — на локальных счетчиках.
func NewRedisClient(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	logger.Info("redis connected", zap.String("addr", cfg.Addr))
	return rdb, nil
}

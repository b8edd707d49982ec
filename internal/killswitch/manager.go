// Package killswitch управляет глобальной остановкой исполнений и исключениями из согласования.
package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StateStore — источник правды (Postgres).
type StateStore interface {
	LoadKillSwitch(ctx context.Context) (domain.KillSwitch, error)
	SaveKillSwitch(ctx context.Context, ks domain.KillSwitch) error
}

// Manager держит состояние в L1 (RAM) для горячего пути, L2 — зеркало в Redis,
// изменения расходятся сигналом Pub/Sub.
type Manager struct {
	mu    sync.RWMutex
	state domain.KillSwitch

	store  StateStore
	rdb    *redis.Client // может быть nil: один инстанс без Redis
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store StateStore, rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		rdb:    rdb,
		logger: logger.Named("kill-switch"),
		now:    time.Now,
	}
}

// Init загружает состояние из источника правды и прогревает зеркало в Redis.
func (m *Manager) Init(ctx context.Context) error {
	ks, err := m.store.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("kill-switch: load state: %w", err)
	}
	m.apply(ks)
	if m.rdb != nil {
		if err := m.warmMirror(ctx, ks); err != nil {
			m.logger.Warn("kill-switch mirror warm-up failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) apply(ks domain.KillSwitch) {
	m.mu.Lock()
	changed := m.state.Enabled != ks.Enabled
	m.state = ks
	m.mu.Unlock()
	if changed {
		m.logger.Warn("kill-switch state changed",
			zap.Bool("enabled", ks.Enabled),
			zap.String("updated_by", ks.UpdatedBy))
	}
}

// State — снимок текущего состояния (только RAM).
func (m *Manager) State() domain.KillSwitch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Enabled() bool { return m.State().Enabled }

// Set сохраняет новое состояние, обновляет L1 и рассылает сигнал остальным инстансам.
func (m *Manager) Set(ctx context.Context, enabled bool, updatedBy, rationale string) (domain.KillSwitch, error) {
	ks := domain.KillSwitch{
		Enabled:   enabled,
		UpdatedAt: m.now().UTC(),
		UpdatedBy: updatedBy,
		Rationale: rationale,
	}
	if err := m.store.SaveKillSwitch(ctx, ks); err != nil {
		return domain.KillSwitch{}, fmt.Errorf("kill-switch: save state: %w", err)
	}
	m.apply(ks)

	if m.rdb != nil {
		if err := m.writeMirror(ctx, ks); err != nil {
			m.logger.Warn("kill-switch mirror update failed", zap.Error(err))
		}
		payload := "global:" + strconv.FormatBool(enabled)
		if err := m.rdb.Publish(ctx, infra.RedisChanKillSwitch, payload).Err(); err != nil {
			// остальные инстансы догонят при периодической синхронизации
			m.logger.Warn("runtime signal delivery failed", zap.String("channel", infra.RedisChanKillSwitch), zap.Error(err))
		}
	}
	return ks, nil
}

// StartListener подписывается на сигналы. Состояние из сигнала применяется сразу,
// затем уточняется из зеркала (updatedBy, rationale).
func (m *Manager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch, m.Init, func(sig Signal) {
		if sig.ID != "global" {
			return
		}
		ks, err := m.readMirror(ctx)
		if err != nil || ks.Enabled != sig.Status {
			ks = m.State()
			ks.Enabled = sig.Status
		}
		m.apply(ks)
	})
}

// StartRefresher периодически перечитывает источник правды: лечит потерянные сигналы.
func (m *Manager) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks, err := m.store.LoadKillSwitch(ctx)
			if err != nil {
				m.logger.Error("kill-switch refresh failed", zap.Error(err))
				continue
			}
			m.apply(ks)
		}
	}
}

func (m *Manager) writeMirror(ctx context.Context, ks domain.KillSwitch) error {
	b, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, infra.RedisKeyKillSwitchState, b, 0).Err()
}

func (m *Manager) readMirror(ctx context.Context) (domain.KillSwitch, error) {
	var ks domain.KillSwitch
	b, err := m.rdb.Get(ctx, infra.RedisKeyKillSwitchState).Bytes()
	if err != nil {
		return ks, err
	}
	err = json.Unmarshal(b, &ks)
	return ks, err
}

// warmMirror — прогрев L2. Распределенная блокировка (SetNX), чтобы только один инстанс писал зеркало.
func (m *Manager) warmMirror(ctx context.Context, ks domain.KillSwitch) error {
	ok, err := m.rdb.SetNX(ctx, infra.RedisKeyLockKillSwitchWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return err // либо ошибка сети, либо другой уже греет кэш
	}
	return m.writeMirror(ctx, ks)
}

package killswitch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

// ExemptionFilter — выборка для консоли. Пустые поля не фильтруют.
type ExemptionFilter struct {
	CapabilityID string
	OwnerUID     string
	Status       domain.ExemptionStatus
}

// ExemptionStore — хранилище исключений.
type ExemptionStore interface {
	CreateExemption(ctx context.Context, e *domain.PolicyExemption) error
	// FindActiveExemption возвращает nil, nil если подходящего исключения нет.
	FindActiveExemption(ctx context.Context, capabilityID, ownerUID string, now time.Time) (*domain.PolicyExemption, error)
	ExpireExemption(ctx context.Context, id string) (*domain.PolicyExemption, error)
	ListExemptions(ctx context.Context, f ExemptionFilter) ([]domain.PolicyExemption, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (string, error)
}

// GrantRequest — заявка персонала на исключение.
type GrantRequest struct {
	CapabilityID  string    `json:"capabilityId"`
	OwnerUID      string    `json:"ownerUid"`
	Justification string    `json:"justification"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Exemptions struct {
	store    ExemptionStore
	recorder Recorder
	maxTTL   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewExemptions(store ExemptionStore, recorder Recorder, maxTTL time.Duration, logger *zap.Logger) *Exemptions {
	if maxTTL <= 0 {
		maxTTL = 30 * 24 * time.Hour
	}
	return &Exemptions{
		store:    store,
		recorder: recorder,
		maxTTL:   maxTTL,
		logger:   logger.Named("exemptions"),
		now:      time.Now,
	}
}

func (e *Exemptions) WithClock(now func() time.Time) *Exemptions {
	e.now = now
	return e
}

// Find возвращает действующее исключение для пары (capabilityId, ownerUid).
// Статус авторитетен: что бы ни вернуло хранилище, проверка повторяется здесь.
func (e *Exemptions) Find(ctx context.Context, capabilityID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	ex, err := e.store.FindActiveExemption(ctx, capabilityID, ownerUID, now)
	if err != nil {
		return nil, fmt.Errorf("exemptions: lookup: %w", err)
	}
	if !ex.ActiveAt(now) {
		return nil, nil
	}
	return ex, nil
}

// Grant выдает исключение. Только персонал; обоснование обязательно; срок ограничен.
func (e *Exemptions) Grant(ctx context.Context, staff domain.Actor, req GrantRequest) (*domain.PolicyExemption, error) {
	if !staff.IsStaff() {
		return nil, domain.Deny(domain.ReasonForbidden, "only staff may grant policy exemptions")
	}
	now := e.now().UTC()
	switch {
	case req.CapabilityID == "":
		return nil, domain.Invalid("capabilityId is required")
	case req.OwnerUID == "":
		return nil, domain.Invalid("ownerUid is required")
	case strings.TrimSpace(req.Justification) == "":
		return nil, domain.Invalid("justification is required")
	case !req.ExpiresAt.After(now):
		return nil, domain.Invalid("expiresAt must be in the future")
	case req.ExpiresAt.Sub(now) > e.maxTTL:
		return nil, domain.Invalid("expiresAt exceeds the maximum exemption lifetime of %s", e.maxTTL)
	}

	ex := &domain.PolicyExemption{
		ID:            uuid.NewString(),
		CapabilityID:  req.CapabilityID,
		OwnerUID:      req.OwnerUID,
		Justification: strings.TrimSpace(req.Justification),
		ApprovedBy:    staff.ID,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt.UTC(),
		Status:        domain.ExemptionActive,
	}
	if err := e.store.CreateExemption(ctx, ex); err != nil {
		return nil, fmt.Errorf("exemptions: create: %w", err)
	}
	e.record(ctx, staff, "exemption.granted", ex)
	return ex, nil
}

// Expire переводит исключение в expired; с этого момента оно ничего не разрешает.
func (e *Exemptions) Expire(ctx context.Context, staff domain.Actor, id string) (*domain.PolicyExemption, error) {
	if !staff.IsStaff() {
		return nil, domain.Deny(domain.ReasonForbidden, "only staff may expire policy exemptions")
	}
	ex, err := e.store.ExpireExemption(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("exemptions: expire %s: %w", id, err)
	}
	e.record(ctx, staff, "exemption.expired", ex)
	return ex, nil
}

func (e *Exemptions) List(ctx context.Context, f ExemptionFilter) ([]domain.PolicyExemption, error) {
	return e.store.ListExemptions(ctx, f)
}

// StartSweeper переводит просроченные по времени исключения в статус expired.
func (e *Exemptions) StartSweeper(ctx context.Context, interval time.Duration) {
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
			n, err := e.store.ExpireDue(ctx, e.now().UTC())
			if err != nil {
				e.logger.Error("exemption sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("expired exemptions swept", zap.Int64("count", n))
			}
		}
	}
}

func (e *Exemptions) record(ctx context.Context, staff domain.Actor, action string, ex *domain.PolicyExemption) {
	_, err := e.recorder.Record(ctx, audit.Entry{
		Actor:        staff,
		Action:       action,
		ResourceType: "policy_exemption",
		ResourceID:   ex.ID,
		Decision:     domain.Allow(staff.Type, domain.ReasonStaffOverride),
		Metadata: map[string]any{
			"capabilityId":  ex.CapabilityID,
			"ownerUid":      ex.OwnerUID,
			"justification": ex.Justification,
			"expiresAt":     ex.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		e.logger.Error("exemption audit failed", zap.String("action", action), zap.Error(err))
	}
}

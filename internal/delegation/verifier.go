// Package delegation проверяет полномочия субъекта: кто может запрашивать действие
// от имени владельца и в каких пределах.
package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

// Store — источник делегаций. Get возвращает domain.ErrNotFound для отсутствующих.
type Store interface {
	Get(ctx context.Context, id string) (*domain.Delegation, error)
}

// Recorder — запись решения в журнал аудита.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (string, error)
}

// Request — что требуется для действия. Ресурсы-кандидаты: route:<path>, owner:<uid>.
type Request struct {
	Scope              string
	ResourceCandidates []string
	TargetOwnerUID     string
	TargetTenantID     string

	// Тип и ID ресурса места вызова, для аудита.
	ResourceType string
	ResourceID   string
}

func (r Request) candidates() []string {
	if len(r.ResourceCandidates) > 0 {
		return r.ResourceCandidates
	}
	if r.TargetOwnerUID != "" {
		return []string{domain.OwnerResource(r.TargetOwnerUID)}
	}
	return nil
}

type Verifier struct {
	store    Store
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewVerifier(store Store, recorder Recorder, logger *zap.Logger) *Verifier {
	return &Verifier{
		store:    store,
		recorder: recorder,
		logger:   logger.Named("delegation"),
		now:      time.Now,
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// ResolveAuthority проверяет полномочия и пишет в аудит каждый отказ и каждый обход персоналом.
// Ошибка возвращается только при сбое хранилища; решение в этом случае — отказ INTERNAL.
func (v *Verifier) ResolveAuthority(ctx context.Context, actor domain.Actor, req Request) (domain.Decision, error) {
	dec, err := v.Evaluate(ctx, actor, req)
	if !dec.Allowed || dec.Reason == domain.ReasonStaffOverride {
		action := "authority.denied"
		if dec.Allowed {
			action = "authority.staff_override"
		}
		resourceType := req.ResourceType
		if resourceType == "" {
			resourceType = "authority"
		}
		if _, aerr := v.recorder.Record(ctx, audit.Entry{
			Actor:        actor,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   req.ResourceID,
			Decision:     dec,
			Metadata: map[string]any{
				"requiredScope": req.Scope,
				"candidates":    req.candidates(),
				"delegationId":  actor.DelegationID,
			},
		}); aerr != nil {
			return domain.Denied(actor.Type, domain.ReasonInternal, "audit unavailable"), errors.Join(err, aerr)
		}
	}
	return dec, err
}

// Evaluate — чистая проверка без записи в аудит. Используется там, где решение
// фиксирует сам вызывающий (создание предложения, оценка исполнения).
func (v *Verifier) Evaluate(ctx context.Context, actor domain.Actor, req Request) (domain.Decision, error) {
	switch actor.Type {
	case domain.ActorStaff:
		return domain.Allow(actor.Type, domain.ReasonStaffOverride), nil

	case domain.ActorOwner, domain.ActorPAT:
		if req.TargetOwnerUID != "" && req.TargetOwnerUID != actor.OwnerUID || ForeignOwner(req.ResourceCandidates, actor.OwnerUID) {
			return domain.Denied(actor.Type, domain.ReasonOwnerMismatch, "actor does not own the target resource"), nil
		}
		if tenantMismatch(actor.TenantID, req.TargetTenantID) {
			return domain.Denied(actor.Type, domain.ReasonTenantMismatch, "tenant mismatch"), nil
		}
		return domain.Allow(actor.Type, domain.ReasonAllowed), nil

	case domain.ActorDelegated, domain.ActorAgent:
		return v.evaluateDelegated(ctx, actor, req)
	}
	return domain.Denied(actor.Type, domain.ReasonUnauthenticated, "unknown actor type"), nil
}

func (v *Verifier) evaluateDelegated(ctx context.Context, actor domain.Actor, req Request) (domain.Decision, error) {
	deny := func(reason domain.ReasonCode, msg string) (domain.Decision, error) {
		v.logger.Warn("delegated request denied",
			zap.String("reason", string(reason)),
			zap.String("actor_id", actor.ID),
			zap.String("delegation_id", actor.DelegationID),
			zap.String("scope", req.Scope))
		return domain.Denied(actor.Type, reason, msg), nil
	}

	if actor.DelegationID == "" {
		return deny(domain.ReasonDelegationNotFound, "delegation not found")
	}
	d, err := v.store.Get(ctx, actor.DelegationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return deny(domain.ReasonDelegationNotFound, "delegation not found")
		}
		// сбой хранилища — отказ, никогда не разрешение
		return domain.Denied(actor.Type, domain.ReasonInternal, "delegation store unavailable"), err
	}
	// чужая делегация неотличима от отсутствующей
	if d.AgentClientID != actor.ID {
		return deny(domain.ReasonDelegationNotFound, "delegation not found")
	}

	now := v.now()
	switch {
	case d.Status != domain.DelegationActive:
		return deny(domain.ReasonDelegationInactive, "delegation is not active")
	case d.RevokedAt != nil && !d.RevokedAt.After(now):
		return deny(domain.ReasonDelegationRevoked, "delegation was revoked")
	case !now.Before(d.ExpiresAt):
		return deny(domain.ReasonDelegationExpired, "delegation has expired")
	case !ScopeGranted(d.Scopes, req.Scope):
		return deny(domain.ReasonDelegationScopeMissing, "delegation does not grant scope "+req.Scope)
	case !ResourceGranted(d.Resources, req.candidates()):
		return deny(domain.ReasonDelegationResourceMissing, "delegation does not cover the target resource")
	case d.OwnerUID != actor.OwnerUID:
		return deny(domain.ReasonOwnerMismatch, "delegation was granted by another owner")
	case req.TargetOwnerUID != "" && req.TargetOwnerUID != d.OwnerUID,
		ForeignOwner(req.ResourceCandidates, d.OwnerUID):
		// "*" в ресурсах делегации не снимает привязку к владельцу
		return deny(domain.ReasonOwnerMismatch, "delegation owner does not own the target resource")
	}

	tenant := actor.TenantID
	if d.TenantID != "" {
		tenant = d.TenantID
	}
	if tenantMismatch(tenant, req.TargetTenantID) {
		return deny(domain.ReasonTenantMismatch, "tenant mismatch")
	}
	return domain.Allow(actor.Type, domain.ReasonAllowed), nil
}

func tenantMismatch(actorTenant, targetTenant string) bool {
	return actorTenant != "" && targetTenant != "" && actorTenant != targetTenant
}

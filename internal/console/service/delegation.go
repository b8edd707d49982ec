package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

type DelegationStore interface {
	Get(ctx context.Context, id string) (*domain.Delegation, error)
	Create(ctx context.Context, d *domain.Delegation) error
	Revoke(ctx context.Context, id string, at time.Time) (*domain.Delegation, error)
	ListByOwner(ctx context.Context, ownerUID string) ([]domain.Delegation, error)
}

// GrantDelegationRequest — выдача агенту права действовать от имени владельца.
// ownerUid владелец может не указывать: подставится он сам.
type GrantDelegationRequest struct {
	OwnerUID      string    `json:"ownerUid,omitempty"`
	AgentClientID string    `json:"agentClientId"`
	TenantID      string    `json:"tenantId,omitempty"`
	Scopes        []string  `json:"scopes"`
	Resources     []string  `json:"resources"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (r GrantDelegationRequest) Validate() error {
	if strings.TrimSpace(r.AgentClientID) == "" {
		return domain.Invalid("agentClientId is required")
	}
	if len(r.Scopes) == 0 {
		return domain.Invalid("at least one scope is required")
	}
	for _, s := range r.Scopes {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t") {
			return domain.Invalid("invalid scope %q", s)
		}
	}
	if len(r.Resources) == 0 {
		return domain.Invalid("at least one resource is required")
	}
	for _, res := range r.Resources {
		if !domain.ValidResource(res) {
			return domain.Invalid("invalid resource %q: expected route:/<path>, owner:<uid> or *", res)
		}
	}
	if r.ExpiresAt.IsZero() {
		return domain.Invalid("expiresAt is required")
	}
	return nil
}

// DelegationService — владелец управляет делегациями на свой uid, персонал — на любой.
// Агенты делегациями не управляют.
type DelegationService struct {
	store    DelegationStore
	recorder Recorder
	maxTTL   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewDelegationService(store DelegationStore, recorder Recorder, maxTTL time.Duration, logger *zap.Logger) *DelegationService {
	return &DelegationService{
		store:    store,
		recorder: recorder,
		maxTTL:   maxTTL,
		logger:   logger.Named("delegations"),
		now:      time.Now,
	}
}

func (s *DelegationService) WithClock(now func() time.Time) *DelegationService {
	s.now = now
	return s
}

func (s *DelegationService) Grant(ctx context.Context, actor domain.Actor, req GrantDelegationRequest) (*domain.Delegation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	owner, tenant := req.OwnerUID, req.TenantID
	switch actor.Type {
	case domain.ActorStaff:
		if owner == "" {
			return nil, domain.Invalid("ownerUid is required")
		}
	case domain.ActorOwner:
		if owner == "" {
			owner = actor.OwnerUID
		}
		if owner != actor.OwnerUID {
			return nil, domain.Deny(domain.ReasonOwnerMismatch, "owners may only delegate their own authority")
		}
		if tenant == "" {
			tenant = actor.TenantID
		}
		if actor.TenantID != "" && tenant != actor.TenantID {
			return nil, domain.Deny(domain.ReasonTenantMismatch, "delegation tenant differs from the owner's tenant")
		}
	default:
		return nil, domain.Deny(domain.ReasonForbidden, "only owners and staff may grant delegations")
	}

	now := s.now().UTC()
	switch {
	case !req.ExpiresAt.After(now):
		return nil, domain.Invalid("expiresAt must be in the future")
	case s.maxTTL > 0 && req.ExpiresAt.Sub(now) > s.maxTTL:
		return nil, domain.Invalid("expiresAt exceeds the maximum delegation lifetime of %s", s.maxTTL)
	}

	d := &domain.Delegation{
		ID:            uuid.NewString(),
		OwnerUID:      owner,
		AgentClientID: strings.TrimSpace(req.AgentClientID),
		TenantID:      tenant,
		Scopes:        req.Scopes,
		Resources:     req.Resources,
		Status:        domain.DelegationActive,
		ExpiresAt:     req.ExpiresAt.UTC(),
		CreatedBy:     actor.ID,
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, wrapStore(fmt.Errorf("delegations: create: %w", err))
	}
	s.record(ctx, actor, "delegation.granted", d)
	return d, nil
}

// Revoke необратим: повторный отзыв — CONFLICT.
func (s *DelegationService) Revoke(ctx context.Context, actor domain.Actor, id string) (*domain.Delegation, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Deny(domain.ReasonNotFound, "delegation not found")
		}
		return nil, domain.Internal(err)
	}
	switch actor.Type {
	case domain.ActorStaff:
	case domain.ActorOwner:
		if d.OwnerUID != actor.OwnerUID {
			// чужие делегации не раскрываем
			return nil, domain.Deny(domain.ReasonNotFound, "delegation not found")
		}
	default:
		return nil, domain.Deny(domain.ReasonForbidden, "only owners and staff may revoke delegations")
	}

	revoked, err := s.store.Revoke(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Deny(domain.ReasonConflict, "delegation is already revoked")
		}
		return nil, wrapStore(fmt.Errorf("delegations: revoke %s: %w", id, err))
	}
	s.record(ctx, actor, "delegation.revoked", revoked)
	return revoked, nil
}

// List: владелец видит только свои делегации, персонал выбирает владельца явно.
func (s *DelegationService) List(ctx context.Context, actor domain.Actor, ownerUID string) ([]domain.Delegation, error) {
	switch actor.Type {
	case domain.ActorStaff:
		if ownerUID == "" {
			return nil, domain.Invalid("ownerUid is required")
		}
	case domain.ActorOwner:
		if ownerUID != "" && ownerUID != actor.OwnerUID {
			return nil, domain.Deny(domain.ReasonOwnerMismatch, "owners may only list their own delegations")
		}
		ownerUID = actor.OwnerUID
	default:
		return nil, domain.Deny(domain.ReasonForbidden, "only owners and staff may list delegations")
	}
	list, err := s.store.ListByOwner(ctx, ownerUID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return list, nil
}

func (s *DelegationService) record(ctx context.Context, actor domain.Actor, action string, d *domain.Delegation) {
	reason := domain.ReasonAllowed
	if actor.IsStaff() {
		reason = domain.ReasonStaffOverride
	}
	_, err := s.recorder.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: "delegation",
		ResourceID:   d.ID,
		Decision:     domain.Allow(actor.Type, reason),
		Metadata: map[string]any{
			"ownerUid":      d.OwnerUID,
			"agentClientId": d.AgentClientID,
			"scopes":        strings.Join(d.Scopes, " "),
			"expiresAt":     d.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Error("delegation audit failed", zap.String("action", action), zap.String("delegation_id", d.ID), zap.Error(err))
	}
}

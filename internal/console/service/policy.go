package service

import (
	"context"
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"go.uber.org/zap"
)

// KillSwitch — управление глобальным стопом (killswitch.Manager).
// Set сохраняет состояние и рассылает сигнал шлюзам через Redis.
type KillSwitch interface {
	State() domain.KillSwitch
	Set(ctx context.Context, enabled bool, updatedBy, rationale string) (domain.KillSwitch, error)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (string, error)
}

// KillSwitchRequest — переключение стопа. Обоснование обязательно в обе стороны.
type KillSwitchRequest struct {
	Enabled   *bool  `json:"enabled"`
	Rationale string `json:"rationale"`
}

func (r KillSwitchRequest) Validate() error {
	if r.Enabled == nil {
		return domain.Invalid("enabled is required")
	}
	if strings.TrimSpace(r.Rationale) == "" {
		return domain.Invalid("rationale is required")
	}
	return nil
}

// PolicyService — рычаги персонала: kill-switch и исключения из согласования.
type PolicyService struct {
	ks         KillSwitch
	exemptions *killswitch.Exemptions
	recorder   Recorder
	logger     *zap.Logger
}

func NewPolicyService(ks KillSwitch, exemptions *killswitch.Exemptions, recorder Recorder, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		ks:         ks,
		exemptions: exemptions,
		recorder:   recorder,
		logger:     logger.Named("policy"),
	}
}

func (s *PolicyService) KillSwitch(_ context.Context, actor domain.Actor) (domain.KillSwitch, error) {
	if !actor.IsStaff() {
		return domain.KillSwitch{}, domain.Deny(domain.ReasonForbidden, "staff only")
	}
	return s.ks.State(), nil
}

// SetKillSwitch меняет состояние и пишет действие персонала в журнал.
func (s *PolicyService) SetKillSwitch(ctx context.Context, staff domain.Actor, req KillSwitchRequest) (domain.KillSwitch, error) {
	if !staff.IsStaff() {
		return domain.KillSwitch{}, domain.Deny(domain.ReasonForbidden, "only staff may toggle the kill switch")
	}
	if err := req.Validate(); err != nil {
		return domain.KillSwitch{}, err
	}
	rationale := strings.TrimSpace(req.Rationale)
	ks, err := s.ks.Set(ctx, *req.Enabled, staff.ID, rationale)
	if err != nil {
		return domain.KillSwitch{}, domain.Internal(err)
	}

	action := "killswitch.disabled"
	if ks.Enabled {
		action = "killswitch.enabled"
	}
	s.logger.Warn("kill switch changed", zap.Bool("enabled", ks.Enabled), zap.String("by", staff.ID), zap.String("rationale", rationale))
	if _, err := s.recorder.Record(ctx, audit.Entry{
		Actor:        staff,
		Action:       action,
		ResourceType: "kill_switch",
		ResourceID:   "global",
		Decision:     domain.Allow(staff.Type, domain.ReasonStaffOverride),
		Metadata:     map[string]any{"rationale": rationale},
	}); err != nil {
		// состояние уже применено; откатывать стоп из-за журнала опаснее
		s.logger.Error("kill switch audit failed", zap.String("action", action), zap.Error(err))
	}
	return ks, nil
}

func (s *PolicyService) GrantExemption(ctx context.Context, staff domain.Actor, req killswitch.GrantRequest) (*domain.PolicyExemption, error) {
	ex, err := s.exemptions.Grant(ctx, staff, req)
	if err != nil {
		return nil, wrapStore(err)
	}
	return ex, nil
}

func (s *PolicyService) ExpireExemption(ctx context.Context, staff domain.Actor, id string) (*domain.PolicyExemption, error) {
	ex, err := s.exemptions.Expire(ctx, staff, id)
	if err != nil {
		return nil, wrapStore(err)
	}
	return ex, nil
}

func (s *PolicyService) ListExemptions(ctx context.Context, staff domain.Actor, f killswitch.ExemptionFilter) ([]domain.PolicyExemption, error) {
	if !staff.IsStaff() {
		return nil, domain.Deny(domain.ReasonForbidden, "staff only")
	}
	list, err := s.exemptions.List(ctx, f)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return list, nil
}

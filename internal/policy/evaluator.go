// Package policy — единая точка решения об исполнении возможности.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"go.uber.org/zap"
)

// Authority — проверка полномочий без записи в аудит (delegation.Verifier.Evaluate).
type Authority interface {
	Evaluate(ctx context.Context, actor domain.Actor, req delegation.Request) (domain.Decision, error)
}

type ExemptionFinder interface {
	Find(ctx context.Context, capabilityID, ownerUID string, now time.Time) (*domain.PolicyExemption, error)
}

type KillSwitch interface {
	Enabled() bool
}

// Context — состояние политики на момент оценки.
type Context struct {
	KillSwitch KillSwitch
	Exemptions ExemptionFinder
	Authority  Authority
}

var errNoAuthority = errors.New("policy: authority is not configured")

type Evaluator struct {
	quotaWindow time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewEvaluator(quotaWindow time.Duration, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	if quotaWindow <= 0 {
		quotaWindow = time.Hour
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Evaluator{quotaWindow: quotaWindow, metrics: m, logger: logger.Named("evaluator")}
}

// EvaluateExecution вызывается непосредственно перед побочным эффектом. Первая
// неуспешная проверка побеждает: тенант, kill-switch, полномочия, согласование, квота.
// Сам эффект не выполняет. Ошибка возвращается только вместе с отказом INTERNAL.
func (e *Evaluator) EvaluateExecution(
	ctx context.Context,
	capability domain.CapabilityDefinition,
	actor domain.Actor,
	proposal *domain.Proposal,
	counters quota.CounterStore,
	pc Context,
	now time.Time,
) (dec domain.Decision, err error) {
	start := time.Now()
	defer func() {
		result := "deny"
		if dec.Allowed {
			result = "allow"
		}
		e.metrics.Decisions.WithLabelValues("execution", string(dec.Reason)).Inc()
		e.metrics.EvaluationDuration.WithLabelValues(capability.ID, result).Observe(time.Since(start).Seconds())
		if !dec.Allowed {
			e.logger.Warn("execution denied",
				zap.String("reason", string(dec.Reason)),
				zap.String("capability_id", capability.ID),
				zap.String("actor_mode", string(actor.Type)),
				zap.Error(err))
		}
	}()

	deny := func(reason domain.ReasonCode, msg string) (domain.Decision, error) {
		return domain.Denied(actor.Type, reason, msg), nil
	}

	if proposal == nil {
		return deny(domain.ReasonInvalidArgument, "proposal is required")
	}
	if proposal.CapabilityID != capability.ID {
		return deny(domain.ReasonInvalidArgument, "proposal was created for a different capability")
	}

	// 1. Изоляция тенантов
	if actor.TenantID != "" && proposal.TenantID != "" && actor.TenantID != proposal.TenantID {
		return deny(domain.ReasonTenantMismatch, "tenant mismatch")
	}

	// 2. Kill-switch сильнее всего остального
	if pc.KillSwitch != nil && pc.KillSwitch.Enabled() {
		return deny(domain.ReasonKillSwitchEnabled, "execution is globally disabled")
	}

	// 3. Повторная проверка полномочий: делегацию могли отозвать после создания предложения
	if pc.Authority == nil {
		return domain.Denied(actor.Type, domain.ReasonInternal, "authority unavailable"), errNoAuthority
	}
	auth, err := pc.Authority.Evaluate(ctx, actor, delegation.Request{
		Scope:              capability.RequiredScope(),
		ResourceCandidates: proposal.ResourceCandidates,
		TargetOwnerUID:     proposal.OwnerUID,
		TargetTenantID:     proposal.TenantID,
		ResourceType:       proposal.ResourceType,
		ResourceID:         proposal.ResourceID,
	})
	if err != nil || !auth.Allowed {
		return auth, err
	}

	// 4. Согласование
	dec = domain.Allow(actor.Type, domain.ReasonAllowed)
	if auth.Reason == domain.ReasonStaffOverride {
		dec.Reason = domain.ReasonStaffOverride
	}
	required := capability.RequiresApproval || proposal.ApprovalRequired
	switch proposal.Status {
	case domain.ProposalRejected:
		return deny(domain.ReasonProposalRejected, "proposal was rejected")
	case domain.ProposalExecuted:
		return deny(domain.ReasonConflict, "proposal was already executed")
	case domain.ProposalApproved:
		dec.ApprovalState = domain.ApprovalGranted
		if !required {
			dec.ApprovalState = domain.ApprovalNotRequired
		}
	default:
		if !required {
			dec.ApprovalState = domain.ApprovalNotRequired
			break
		}
		if pc.Exemptions == nil {
			return deny(domain.ReasonApprovalRequired, "proposal requires approval")
		}
		ex, err := pc.Exemptions.Find(ctx, capability.ID, proposal.OwnerUID, now)
		if err != nil {
			return domain.Denied(actor.Type, domain.ReasonInternal, "exemption lookup failed"), err
		}
		if ex == nil {
			return deny(domain.ReasonApprovalRequired, "proposal requires approval")
		}
		dec.ApprovalState = domain.ApprovalExempt
		dec.ExemptionID = ex.ID
		dec.Reason = domain.ReasonExemptionApplied
	}

	// 5. Квота: исключение ее не снимает, сбой счетчика — отказ
	if capability.MaxCallsPerHour > 0 {
		c, err := counters.Increment(ctx, quota.Key(capability.ID, actor.Key()), e.quotaWindow, now)
		if err != nil {
			return domain.Denied(actor.Type, domain.ReasonInternal, "quota store unavailable"), err
		}
		dec.QuotaCount = c.Count
		dec.QuotaLimit = capability.MaxCallsPerHour
		if c.Count > int64(capability.MaxCallsPerHour) {
			denied := domain.Denied(actor.Type, domain.ReasonRateLimited, "hourly quota exhausted for capability "+capability.ID)
			denied.ApprovalState = dec.ApprovalState
			denied.QuotaCount = c.Count
			denied.QuotaLimit = capability.MaxCallsPerHour
			denied.RetryAfterSeconds = domain.RetryAfterSeconds(c.RetryAfter(now))
			return denied, nil
		}
	}

	return dec, nil
}

package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/digest"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/risk"
	"go.uber.org/zap"
)

const autoApprover = "policy:auto"

type Authority interface {
	Evaluate(ctx context.Context, actor domain.Actor, req delegation.Request) (domain.Decision, error)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (string, error)
}

// Draft — черновик действия, которое субъект хочет выполнить.
type Draft struct {
	Input            json.RawMessage `json:"input"`
	Rationale        string          `json:"rationale"`
	PreviewSummary   string          `json:"previewSummary"`
	PredictedEffects []string        `json:"predictedEffects,omitempty"`

	// Владелец и тенант цели. Пусто — владелец субъекта.
	OwnerUID string `json:"ownerUid,omitempty"`
	TenantID string `json:"tenantId,omitempty"`

	ResourceType       string   `json:"resourceType,omitempty"`
	ResourceID         string   `json:"resourceId,omitempty"`
	ResourceCandidates []string `json:"resourceCandidates,omitempty"`
}

func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.Rationale) == "":
		return domain.Invalid("rationale is required")
	case len(d.Rationale) > 2000:
		return domain.Invalid("rationale exceeds 2000 characters")
	case len(d.Input) == 0:
		return domain.Invalid("input is required")
	case !json.Valid(d.Input):
		return domain.Invalid("input must be valid JSON")
	}
	for _, r := range d.ResourceCandidates {
		if !domain.ValidResource(r) {
			return domain.Invalid("resource candidate %q must be route:<path>, owner:<uid> or *", r)
		}
	}
	return nil
}

// Result — решение и созданное предложение (nil при отказе).
type Result struct {
	Decision domain.Decision  `json:"decision"`
	Proposal *domain.Proposal `json:"proposal,omitempty"`
}

type Service struct {
	store     Store
	authority Authority
	analyzer  *risk.Analyzer
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store Store, authority Authority, analyzer *risk.Analyzer, recorder Recorder, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		authority: authority,
		analyzer:  analyzer,
		recorder:  recorder,
		logger:    logger.Named("proposals"),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create проверяет полномочия на скоуп возможности и только потом создает предложение.
// Исключения здесь не применяются: аудит предложения отражает реальное требование согласования.
func (s *Service) Create(ctx context.Context, c domain.CapabilityDefinition, actor domain.Actor, d Draft) (Result, error) {
	if err := d.Validate(); err != nil {
		return Result{}, err
	}
	owner := d.OwnerUID
	if owner == "" {
		owner = actor.OwnerUID
	}
	if owner == "" {
		return Result{}, domain.Invalid("ownerUid is required")
	}
	tenant := d.TenantID
	if tenant == "" {
		tenant = actor.TenantID
	}
	resourceType := d.ResourceType
	if resourceType == "" {
		resourceType = "proposal"
	}

	dec, err := s.authority.Evaluate(ctx, actor, delegation.Request{
		Scope:              c.RequiredScope(),
		ResourceCandidates: d.ResourceCandidates,
		TargetOwnerUID:     owner,
		TargetTenantID:     tenant,
		ResourceType:       resourceType,
		ResourceID:         d.ResourceID,
	})
	if err != nil || !dec.Allowed {
		if aerr := s.audit(ctx, actor, c, c.ActionName("proposal_denied"), resourceType, d.ResourceID, dec, "", map[string]any{
			"capabilityId": c.ID,
			"ownerUid":     owner,
		}); aerr != nil {
			return Result{Decision: dec}, domain.Internal(errors.Join(err, aerr))
		}
		if err != nil {
			return Result{Decision: dec}, domain.Internal(err)
		}
		return Result{Decision: dec}, nil
	}

	inputHash, err := digest.Raw(d.Input)
	if err != nil {
		return Result{}, domain.Invalid("input must be valid JSON")
	}
	assessment := s.analyzer.Assess(c, d.Input)
	now := s.now().UTC()

	p := &domain.Proposal{
		ID:               uuid.NewString(),
		CapabilityID:     c.ID,
		Status:           domain.ProposalDraft,
		Rationale:        strings.TrimSpace(d.Rationale),
		PreviewSummary:   d.PreviewSummary,
		PredictedEffects: d.PredictedEffects,
		Input:            d.Input,
		InputHash:        inputHash,
		RequestedBy:      actor.ID,
		RequesterMode:    actor.Type,
		OwnerUID:         owner,
		TenantID:         tenant,
		ResourceType:     resourceType,
		ResourceID:       d.ResourceID,
		ApprovalRequired: assessment.RequiresApproval,
		Risk:             assessment.Risk,
		CreatedAt:        now,
		UpdatedAt:        now,

		ResourceCandidates: d.ResourceCandidates,
	}

	next := domain.ProposalApproved
	dec.ApprovalState = domain.ApprovalNotRequired
	if assessment.RequiresApproval {
		next = domain.ProposalPendingApproval
		dec.ApprovalState = domain.ApprovalPending
	}
	if err := p.CanTransitionTo(next); err != nil {
		return Result{}, domain.Internal(err)
	}
	p.Status = next
	if next == domain.ProposalApproved {
		by := autoApprover
		p.ApprovedBy = &by
		p.ApprovedAt = &now
	}

	if err := s.store.Create(ctx, p); err != nil {
		return Result{}, domain.Internal(fmt.Errorf("proposals: create: %w", err))
	}

	meta := map[string]any{
		"capabilityId":     c.ID,
		"proposalId":       p.ID,
		"status":           string(p.Status),
		"approvalRequired": p.ApprovalRequired,
		"risk":             string(p.Risk),
	}
	if assessment.Escalated {
		meta["escalatedBy"] = assessment.Field
	}
	if err := s.audit(ctx, actor, c, c.ActionName("proposed"), resourceType, p.ID, dec, p.InputHash, meta); err != nil {
		return Result{}, domain.Internal(err)
	}

	s.logger.Info("proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("capability_id", c.ID),
		zap.String("status", string(p.Status)),
		zap.String("actor_mode", string(actor.Type)))
	return Result{Decision: dec, Proposal: p}, nil
}

// Get возвращает предложение, видимое субъекту. Чужое неотличимо от отсутствующего.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Proposal, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Deny(domain.ReasonNotFound, "proposal not found")
		}
		return nil, domain.Internal(err)
	}
	if !visible(actor, p) {
		return nil, domain.Deny(domain.ReasonNotFound, "proposal not found")
	}
	return p, nil
}

// ListPending — очередь согласования: персонал видит всё, владелец — свое.
func (s *Service) ListPending(ctx context.Context, actor domain.Actor, limit int) ([]domain.Proposal, error) {
	f := Filter{Status: domain.ProposalPendingApproval, Limit: limit}
	switch {
	case actor.IsStaff():
	case actor.Type == domain.ActorOwner || actor.Type == domain.ActorPAT:
		f.OwnerUID = actor.OwnerUID
		f.TenantID = actor.TenantID
	default:
		return nil, domain.Deny(domain.ReasonForbidden, "agents cannot review proposals")
	}
	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return list, nil
}

// Decide — явное решение согласующего. Агент не может согласовать даже свое собственное
// предложение; для высокого риска согласующий должен отличаться от инициатора.
func (s *Service) Decide(ctx context.Context, approver domain.Actor, id string, approve bool, comment string) (*domain.Proposal, error) {
	p, err := s.Get(ctx, approver, id)
	if err != nil {
		return nil, err
	}
	c := domain.CapabilityDefinition{ID: p.CapabilityID}

	next := domain.ProposalRejected
	if approve {
		next = domain.ProposalApproved
	}
	if denial := s.checkApprover(approver, p, next); denial != nil {
		dec := domain.Denied(approver.Type, denial.Reason, denial.Message)
		if aerr := s.audit(ctx, approver, c, c.ActionName("decision_denied"), "proposal", p.ID, dec, p.InputHash, map[string]any{
			"proposalId": p.ID,
			"requested":  string(next),
			"status":     string(p.Status),
		}); aerr != nil {
			return nil, domain.Internal(aerr)
		}
		return nil, denial
	}

	updated, err := s.store.Decide(ctx, id, next, approver.ID, strings.TrimSpace(comment), s.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Deny(domain.ReasonConflict, "proposal was decided concurrently")
		}
		return nil, domain.Internal(fmt.Errorf("proposals: decide %s: %w", id, err))
	}

	reason := domain.ReasonAllowed
	if approver.IsStaff() {
		reason = domain.ReasonStaffOverride
	}
	verb := "rejected"
	if approve {
		verb = "approved"
	}
	if err := s.audit(ctx, approver, c, c.ActionName(verb), "proposal", updated.ID, domain.Allow(approver.Type, reason), updated.InputHash, map[string]any{
		"proposalId": updated.ID,
		"comment":    comment,
		"risk":       string(updated.Risk),
	}); err != nil {
		return nil, domain.Internal(err)
	}
	return updated, nil
}

func (s *Service) checkApprover(approver domain.Actor, p *domain.Proposal, next domain.ProposalStatus) *domain.PolicyError {
	switch approver.Type {
	case domain.ActorStaff:
	case domain.ActorOwner, domain.ActorPAT:
		if approver.OwnerUID != p.OwnerUID {
			return domain.Deny(domain.ReasonOwnerMismatch, "approver does not own the proposal")
		}
	default:
		return domain.Deny(domain.ReasonForbidden, "agents cannot approve proposals")
	}
	if err := p.CanTransitionTo(next); err != nil || p.Status != domain.ProposalPendingApproval {
		if errors.Is(err, domain.ErrAlreadyProcessed) || p.Decided() {
			return domain.Deny(domain.ReasonConflict, "proposal was already decided")
		}
		return domain.Deny(domain.ReasonInvalidTransition, "proposal is not awaiting approval")
	}
	if p.Risk == domain.RiskHigh && approver.ID == p.RequestedBy {
		return domain.Deny(domain.ReasonApproverNotDistinct, "high-risk proposals need an approver distinct from the requester")
	}
	return nil
}

// ClaimExecution атомарно захватывает предложение под исполнение. Из pending_approval —
// только по исключению. Конкурирующий исполнитель получает CONFLICT.
func (s *Service) ClaimExecution(ctx context.Context, id string, exempt bool) (*domain.Proposal, error) {
	from := []domain.ProposalStatus{domain.ProposalApproved}
	if exempt {
		from = append(from, domain.ProposalPendingApproval)
	}
	p, err := s.store.MarkExecuted(ctx, id, from, s.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Deny(domain.ReasonConflict, "proposal is already being executed")
		}
		return nil, domain.Internal(fmt.Errorf("proposals: claim %s: %w", id, err))
	}
	return p, nil
}

// ReleaseExecution возвращает предложение в прежний статус после сбоя эффекта.
func (s *Service) ReleaseExecution(ctx context.Context, id string, prior domain.ProposalStatus) error {
	if err := s.store.ReleaseExecution(ctx, id, prior); err != nil {
		return fmt.Errorf("proposals: release %s: %w", id, err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, actor domain.Actor, c domain.CapabilityDefinition, action, resourceType, resourceID string, dec domain.Decision, inputHash string, meta map[string]any) error {
	_, err := s.recorder.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Decision:     dec,
		InputHash:    inputHash,
		Metadata:     meta,
	})
	return err
}

func visible(actor domain.Actor, p *domain.Proposal) bool {
	if actor.IsStaff() {
		return true
	}
	if actor.TenantID != "" && p.TenantID != "" && actor.TenantID != p.TenantID {
		return false
	}
	return actor.OwnerUID == p.OwnerUID
}

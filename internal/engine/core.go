// Package engine — конвейер шлюза: полномочия, предложение, оценка исполнения,
// побочный эффект через коннектор и обязательная запись в аудит.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/connectors"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/idempotency"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/metrics"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/policy"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/registry"
	"go.uber.org/zap"
)

const executeOperation = "proposals.execute"

// Deps — все зависимости ядра. Собираются в cmd.
type Deps struct {
	Registry    *registry.Registry
	Verifier    *delegation.Verifier
	Proposals   *proposal.Service
	Evaluator   *policy.Evaluator
	Policy      policy.Context
	Counters    quota.CounterStore
	Idempotency idempotency.Store
	Ledger      *audit.Ledger
	Connectors  *connectors.Router
	Metrics     *metrics.Metrics
	PermitTTL   time.Duration
}

type Core struct {
	registry   *registry.Registry
	verifier   *delegation.Verifier
	proposals  *proposal.Service
	evaluator  *policy.Evaluator
	policy     policy.Context
	counters   quota.CounterStore
	idem       idempotency.Store
	ledger     *audit.Ledger
	connectors *connectors.Router
	metrics    *metrics.Metrics
	permitTTL  time.Duration
	permits    *permitTable
	logger     *zap.Logger
	now        func() time.Time
}

func NewCore(d Deps, logger *zap.Logger) *Core {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.PermitTTL <= 0 {
		d.PermitTTL = 5 * time.Minute
	}
	return &Core{
		registry:   d.Registry,
		verifier:   d.Verifier,
		proposals:  d.Proposals,
		evaluator:  d.Evaluator,
		policy:     d.Policy,
		counters:   d.Counters,
		idem:       d.Idempotency,
		ledger:     d.Ledger,
		connectors: d.Connectors,
		metrics:    d.Metrics,
		permitTTL:  d.PermitTTL,
		permits:    newPermitTable(),
		logger:     logger.Named("core"),
		now:        time.Now,
	}
}

func (c *Core) WithClock(now func() time.Time) *Core {
	c.now = now
	return c
}

// ResolveRequest — запрос проверки полномочий от внешнего обработчика.
// Если задан CapabilityID, требуемый скоуп берется из реестра.
type ResolveRequest struct {
	CapabilityID       string   `json:"capabilityId,omitempty"`
	Scope              string   `json:"scope,omitempty"`
	ResourceCandidates []string `json:"resourceCandidates,omitempty"`
	OwnerUID           string   `json:"ownerUid,omitempty"`
	TenantID           string   `json:"tenantId,omitempty"`
	ResourceType       string   `json:"resourceType,omitempty"`
	ResourceID         string   `json:"resourceId,omitempty"`
}

func (r ResolveRequest) Validate() error {
	if r.CapabilityID == "" && r.Scope == "" {
		return domain.Invalid("capabilityId or scope is required")
	}
	for _, res := range r.ResourceCandidates {
		if !domain.ValidResource(res) {
			return domain.Invalid("resource candidate %q must be route:<path>, owner:<uid> or *", res)
		}
	}
	return nil
}

// ResolveAuthority — проверка делегации, скоупа и ресурса. Отказ возвращается и как
// решение, и как *domain.PolicyError.
func (c *Core) ResolveAuthority(ctx context.Context, actor domain.Actor, req ResolveRequest) (domain.Decision, error) {
	scope := req.Scope
	if req.CapabilityID != "" {
		capability, err := c.lookup(ctx, actor, req.CapabilityID, "authority")
		if err != nil {
			return domain.Denied(actor.Type, domain.ReasonOf(err), "unknown capability"), err
		}
		scope = capability.RequiredScope()
	}
	owner := req.OwnerUID
	if owner == "" && len(req.ResourceCandidates) == 0 {
		owner = actor.OwnerUID
	}

	dec, err := c.verifier.ResolveAuthority(ctx, actor, delegation.Request{
		Scope:              scope,
		ResourceCandidates: req.ResourceCandidates,
		TargetOwnerUID:     owner,
		TargetTenantID:     req.TenantID,
		ResourceType:       req.ResourceType,
		ResourceID:         req.ResourceID,
	})
	c.metrics.Decisions.WithLabelValues("authority", string(dec.Reason)).Inc()
	if err != nil {
		return dec, domain.Internal(err)
	}
	return dec, dec.Err()
}

// CreateProposal — создание предложения. Неизвестная возможность закрыта и попадает в аудит.
func (c *Core) CreateProposal(ctx context.Context, actor domain.Actor, capabilityID string, d proposal.Draft) (proposal.Result, error) {
	capability, err := c.lookup(ctx, actor, capabilityID, "proposal")
	if err != nil {
		return proposal.Result{Decision: domain.Denied(actor.Type, domain.ReasonOf(err), "unknown capability")}, err
	}
	res, err := c.proposals.Create(ctx, capability, actor, d)
	c.metrics.Decisions.WithLabelValues("proposal", string(domain.ReasonOf(errOr(err, res.Decision)))).Inc()
	if err != nil {
		return res, err
	}
	return res, res.Decision.Err()
}

func (c *Core) GetProposal(ctx context.Context, actor domain.Actor, id string) (*domain.Proposal, error) {
	return c.proposals.Get(ctx, actor, id)
}

// Authorize оценивает исполнение непосредственно перед побочным эффектом и, если оно
// разрешено, захватывает предложение. Отказ пишется в аудит сразу; разрешение — при Complete.
func (c *Core) Authorize(ctx context.Context, actor domain.Actor, proposalID string) (*Permit, error) {
	p, capability, err := c.load(ctx, actor, proposalID)
	if err != nil {
		return nil, err
	}
	return c.authorize(ctx, actor, p, capability)
}

func (c *Core) authorize(ctx context.Context, actor domain.Actor, p *domain.Proposal, capability domain.CapabilityDefinition) (*Permit, error) {
	now := c.now()
	dec, evalErr := c.evaluator.EvaluateExecution(ctx, capability, actor, p, c.counters, c.policy, now)
	if !dec.Allowed {
		if _, err := c.ledger.AppendExecutionAudit(ctx, actor, capability, p, audit.Outcome{}, dec); err != nil {
			return nil, domain.Internal(errors.Join(evalErr, err))
		}
		if evalErr != nil {
			return nil, domain.Internal(evalErr)
		}
		return nil, dec.Err()
	}

	prior := p.Status
	claimed, err := c.proposals.ClaimExecution(ctx, p.ID, dec.ApprovalState == domain.ApprovalExempt)
	if err != nil {
		// проиграли гонку за предложение или хранилище недоступно
		denied := domain.Denied(actor.Type, domain.ReasonOf(err), "proposal could not be claimed for execution")
		denied.ApprovalState = dec.ApprovalState
		if _, aerr := c.ledger.AppendExecutionAudit(ctx, actor, capability, p, audit.Outcome{}, denied); aerr != nil {
			return nil, domain.Internal(errors.Join(err, aerr))
		}
		return nil, err
	}

	permit := &Permit{
		Decision:   dec,
		Proposal:   claimed,
		Capability: capability,
		ExpiresAt:  now.Add(c.permitTTL),
		actor:      actor,
		prior:      prior,
		core:       c,
	}
	c.permits.put(permit)

	c.logger.Info("execution authorized",
		zap.String("permit_id", permit.ID),
		zap.String("proposal_id", p.ID),
		zap.String("capability_id", capability.ID),
		zap.String("reason", string(dec.Reason)),
		zap.String("approval_state", string(dec.ApprovalState)))
	return permit, nil
}

// CompleteRequest — отчет внешнего исполнителя о результате разрешения.
type CompleteRequest struct {
	PermitID string          `json:"permitId"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (r CompleteRequest) Validate() error {
	switch {
	case r.PermitID == "":
		return domain.Invalid("permitId is required")
	case r.Error == "" && len(r.Output) == 0:
		return domain.Invalid("output or error is required")
	case r.Error != "" && len(r.Output) > 0:
		return domain.Invalid("output and error are mutually exclusive")
	}
	return nil
}

// CompletePermit завершает разрешение, выданное тому же субъекту. Чужое неотличимо от отсутствующего.
func (c *Core) CompletePermit(ctx context.Context, actor domain.Actor, req CompleteRequest) (string, error) {
	p, ok := c.permits.get(req.PermitID)
	if !ok || p.actor.Key() != actor.Key() {
		return "", domain.Deny(domain.ReasonNotFound, "permit not found")
	}
	var execErr error
	if req.Error != "" {
		execErr = errors.New(req.Error)
	}
	return p.Complete(ctx, req.Output, execErr)
}

// ExecutionResult — ответ исполнения; именно он сохраняется для повтора по ключу идемпотентности.
type ExecutionResult struct {
	ProposalID   string          `json:"proposalId"`
	CapabilityID string          `json:"capabilityId"`
	Decision     domain.Decision `json:"decision"`
	AuditID      string          `json:"auditId"`
	Output       json.RawMessage `json:"output"`
	Replayed     bool            `json:"replayed"`
}

// Execute — authorize, вызов коннектора и Complete внутри хранилища идемпотентности.
// Повтор с тем же ключом получает сохраненный ответ без второго побочного эффекта.
func (c *Core) Execute(ctx context.Context, actor domain.Actor, proposalID, clientKey string) (ExecutionResult, error) {
	p, capability, err := c.load(ctx, actor, proposalID)
	if err != nil {
		return ExecutionResult{}, err
	}

	fingerprint, err := idempotency.Fingerprint(json.RawMessage(fmt.Sprintf(`{"proposalId":%q}`, p.ID)))
	if err != nil {
		return ExecutionResult{}, err
	}
	key := idempotency.Key{Operation: executeOperation, ActorUID: actor.Key(), ClientKey: clientKey}

	res, err := c.idem.CheckOrRecord(ctx, key, fingerprint, func(ctx context.Context) (json.RawMessage, error) {
		out, err := c.execute(ctx, actor, p, capability)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		if domain.ReasonOf(err) == domain.ReasonIdempotencyKeyConflict {
			c.recordIdempotency(ctx, actor, capability, p, "idempotency_conflict",
				domain.Denied(actor.Type, domain.ReasonIdempotencyKeyConflict, "idempotency key reused"))
		}
		return ExecutionResult{}, err
	}

	var out ExecutionResult
	if err := json.Unmarshal(res.Response, &out); err != nil {
		return ExecutionResult{}, domain.Internal(fmt.Errorf("engine: decode stored response: %w", err))
	}
	if res.Replayed {
		out.Replayed = true
		c.metrics.IdempotentReplays.Inc()
		c.recordIdempotency(ctx, actor, capability, p, "replayed", domain.Allow(actor.Type, domain.ReasonIdempotentReplay))
	}
	return out, nil
}

func (c *Core) execute(ctx context.Context, actor domain.Actor, p *domain.Proposal, capability domain.CapabilityDefinition) (ExecutionResult, error) {
	// коннектор выбираем до оценки: нет коннектора — квота не тратится
	provider, err := c.connectors.For(capability.Target)
	if err != nil {
		return ExecutionResult{}, domain.Internal(err)
	}
	permit, err := c.authorize(ctx, actor, p, capability)
	if err != nil {
		return ExecutionResult{}, err
	}

	output, callErr := provider.Call(ctx, capability.ID, p.Input)
	auditID, err := permit.Complete(ctx, output, callErr)
	if callErr != nil {
		c.logger.Warn("connector call failed",
			zap.String("proposal_id", p.ID),
			zap.String("capability_id", capability.ID),
			zap.Error(callErr))
		return ExecutionResult{}, connectorError(errors.Join(callErr, err))
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	if len(output) == 0 || !json.Valid(output) {
		output = json.RawMessage("null")
	}
	return ExecutionResult{
		ProposalID:   p.ID,
		CapabilityID: capability.ID,
		Decision:     permit.Decision,
		AuditID:      auditID,
		Output:       output,
	}, nil
}

// connectorError: троттлинг после всех попыток — RATE_LIMITED с подсказкой, остальное — INTERNAL.
func connectorError(err error) error {
	var te *connectors.ThrottleError
	if errors.As(err, &te) {
		return &domain.PolicyError{
			Reason:     domain.ReasonRateLimited,
			Message:    "connector is throttling requests",
			RetryAfter: te.RetryAfter,
			Err:        err,
		}
	}
	// бизнес-отказ коннектора сохраняет смысл: последняя единица уже занята и т.п.
	var re *connectors.RemoteError
	if errors.As(err, &re) {
		switch re.Code {
		case http.StatusConflict:
			return &domain.PolicyError{Reason: domain.ReasonConflict, Message: re.Message, Err: err}
		case http.StatusNotFound:
			return &domain.PolicyError{Reason: domain.ReasonNotFound, Message: re.Message, Err: err}
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return &domain.PolicyError{Reason: domain.ReasonInvalidArgument, Message: re.Message, Err: err}
		}
	}
	return &domain.PolicyError{Reason: domain.ReasonInternal, Message: "connector call failed", Err: err}
}

// load достает видимое субъекту предложение и его возможность.
func (c *Core) load(ctx context.Context, actor domain.Actor, proposalID string) (*domain.Proposal, domain.CapabilityDefinition, error) {
	p, err := c.proposals.Get(ctx, actor, proposalID)
	if err != nil {
		return nil, domain.CapabilityDefinition{}, err
	}
	capability, err := c.registry.Lookup(p.CapabilityID)
	if err != nil {
		// возможность исчезла из реестра после создания предложения
		capability = domain.CapabilityDefinition{ID: p.CapabilityID}
		dec := domain.Denied(actor.Type, domain.ReasonCapabilityUnknown, "capability is not registered")
		if _, aerr := c.ledger.AppendExecutionAudit(ctx, actor, capability, p, audit.Outcome{}, dec); aerr != nil {
			return nil, capability, domain.Internal(aerr)
		}
		return nil, capability, err
	}
	return p, capability, nil
}

func (c *Core) lookup(ctx context.Context, actor domain.Actor, capabilityID, stage string) (domain.CapabilityDefinition, error) {
	capability, err := c.registry.Lookup(capabilityID)
	if err == nil {
		return capability, nil
	}
	c.metrics.Decisions.WithLabelValues(stage, string(domain.ReasonCapabilityUnknown)).Inc()
	unknown := domain.CapabilityDefinition{ID: capabilityID}
	if _, aerr := c.ledger.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       unknown.ActionName(stage + "_denied"),
		ResourceType: "capability",
		ResourceID:   capabilityID,
		Decision:     domain.Denied(actor.Type, domain.ReasonCapabilityUnknown, "capability is not registered"),
		Metadata:     map[string]any{"capabilityId": capabilityID},
	}); aerr != nil {
		return unknown, domain.Internal(aerr)
	}
	return unknown, err
}

func (c *Core) recordIdempotency(ctx context.Context, actor domain.Actor, capability domain.CapabilityDefinition, p *domain.Proposal, verb string, dec domain.Decision) {
	if _, err := c.ledger.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       capability.ActionName(verb),
		ResourceType: "proposal",
		ResourceID:   p.ID,
		Decision:     dec,
		InputHash:    p.InputHash,
		Metadata:     map[string]any{"capabilityId": capability.ID, "proposalId": p.ID},
	}); err != nil {
		c.logger.Error("failed to audit idempotency outcome", zap.String("proposal_id", p.ID), zap.Error(err))
	}
}

// PendingPermits — число незавершенных разрешений.
func (c *Core) PendingPermits() int { return c.permits.len() }

func errOr(err error, dec domain.Decision) error {
	if err != nil {
		return err
	}
	return dec.Err()
}

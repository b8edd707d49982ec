package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/digest"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"go.uber.org/zap"
)

// Entry — решение, которое надо зафиксировать в журнале.
type Entry struct {
	Actor        domain.Actor
	Action       string
	ResourceType string
	ResourceID   string
	Decision     domain.Decision
	InputHash    string
	OutputHash   *string
	Metadata     map[string]any
}

// Outcome — результат побочного эффекта: ответ коннектора или ошибка.
type Outcome struct {
	Output json.RawMessage
	Err    error
}

// Ledger — единственная поверхность записи аудита. Каждое решение (allow или deny)
// порождает ровно одно событие с непустым reasonCode.
type Ledger struct {
	sink     Sink
	redactor *Redactor
	logger   *zap.Logger
	now      func() time.Time
}

func NewLedger(sink Sink, redactor *Redactor, logger *zap.Logger) *Ledger {
	if redactor == nil {
		redactor = NewRedactor("")
	}
	return &Ledger{
		sink:     sink,
		redactor: redactor,
		logger:   logger.Named("ledger"),
		now:      time.Now,
	}
}

// WithClock подменяет часы (для тестов).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record добавляет событие для произвольного решения (делегация, жизненный цикл предложения,
// деградация лимитера, действия персонала).
func (l *Ledger) Record(ctx context.Context, e Entry) (string, error) {
	reason := e.Decision.Reason
	if reason == "" {
		// пустой код недопустим: отказ без причины считаем внутренним
		if e.Decision.Allowed {
			reason = domain.ReasonAllowed
		} else {
			reason = domain.ReasonInternal
		}
	}
	result := ResultDeny
	if e.Decision.Allowed {
		result = ResultAllow
	}
	mode := e.Decision.ActorMode
	if mode == "" {
		mode = e.Actor.Type
	}
	resourceType := e.ResourceType
	if resourceType == "" {
		resourceType = "unknown"
	}

	event := AuditEvent{
		ID:           uuid.NewString(),
		RequestID:    infra.RequestIDFrom(ctx),
		ActorUID:     e.Actor.ID,
		ActorMode:    mode,
		OwnerUID:     e.Actor.OwnerUID,
		TenantID:     e.Actor.TenantID,
		Action:       e.Action,
		ResourceType: resourceType,
		ResourceID:   e.ResourceID,
		ReasonCode:   reason,
		Result:       result,
		InputHash:    e.InputHash,
		OutputHash:   e.OutputHash,
		Metadata:     l.redactor.Redact(e.Metadata),
		CreatedAt:    l.now().UTC(),
	}

	if err := l.sink.Append(ctx, event); err != nil {
		l.logger.Error("audit append failed",
			zap.String("action", event.Action),
			zap.String("reason", string(reason)),
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return "", fmt.Errorf("audit: append %s: %w", event.Action, err)
	}
	return event.ID, nil
}

// AppendExecutionAudit фиксирует результат оценки исполнения и, если он был, побочный эффект.
// Отказ записывается как capability.<id>.denied, разрешение — capability.<id>.executed.
func (l *Ledger) AppendExecutionAudit(
	ctx context.Context,
	actor domain.Actor,
	capability domain.CapabilityDefinition,
	proposal *domain.Proposal,
	outcome Outcome,
	decision domain.Decision,
) (string, error) {
	meta := map[string]any{
		"capabilityId": capability.ID,
		"risk":         string(capability.Risk),
	}
	entry := Entry{
		Actor:        actor,
		ResourceType: "proposal",
		Decision:     decision,
		Metadata:     meta,
	}
	if proposal != nil {
		meta["proposalId"] = proposal.ID
		entry.InputHash = proposal.InputHash
		entry.ResourceID = proposal.ID
		if proposal.ResourceType != "" {
			entry.ResourceType = proposal.ResourceType
			entry.ResourceID = proposal.ResourceID
		}
	}
	if decision.ApprovalState != "" {
		meta["approvalState"] = string(decision.ApprovalState)
	}
	if decision.ExemptionID != "" {
		meta["exemptionId"] = decision.ExemptionID
	}
	if decision.QuotaLimit > 0 {
		meta["quotaCount"] = decision.QuotaCount
		meta["quotaLimit"] = decision.QuotaLimit
	}

	if !decision.Allowed {
		entry.Action = capability.ActionName("denied")
		if decision.RetryAfterSeconds > 0 {
			meta["retryAfterSeconds"] = decision.RetryAfterSeconds
		}
		return l.Record(ctx, entry)
	}

	entry.Action = capability.ActionName("executed")
	var outHash string
	if outcome.Err != nil {
		meta["outcome"] = "error"
		outHash = digest.Error(outcome.Err)
	} else {
		meta["outcome"] = "success"
		h, err := digest.Raw(outcome.Output)
		if err != nil {
			// невалидный JSON от коннектора: хешируем как есть
			h = digest.Sum(outcome.Output)
		}
		outHash = h
	}
	entry.OutputHash = &outHash
	return l.Record(ctx, entry)
}

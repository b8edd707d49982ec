package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ProposalStatus — состояния конечного автомата предложения.
type ProposalStatus string

const (
	ProposalDraft           ProposalStatus = "draft"
	ProposalPendingApproval ProposalStatus = "pending_approval"
	ProposalApproved        ProposalStatus = "approved"
	ProposalRejected        ProposalStatus = "rejected"
	ProposalExecuted        ProposalStatus = "executed"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalDraft, ProposalPendingApproval, ProposalApproved, ProposalRejected, ProposalExecuted:
		return true
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrAlreadyProcessed  = errors.New("proposal already processed")
)

// Допустимые переходы. rejected и executed терминальны.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalDraft:           {ProposalPendingApproval, ProposalApproved},
	ProposalPendingApproval: {ProposalApproved, ProposalRejected, ProposalExecuted},
	ProposalApproved:        {ProposalExecuted},
}

// Proposal — запрос на выполнение возможности, проходящий согласование.
type Proposal struct {
	ID               string          `json:"id"`
	CapabilityID     string          `json:"capabilityId"`
	Status           ProposalStatus  `json:"status"`
	Rationale        string          `json:"rationale"`
	PreviewSummary   string          `json:"previewSummary"`
	PredictedEffects []string        `json:"predictedEffects,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	InputHash        string          `json:"inputHash"`

	RequestedBy   string    `json:"requestedBy"`
	RequesterMode ActorType `json:"requesterMode"`
	OwnerUID      string    `json:"ownerUid"`
	TenantID      string    `json:"tenantId,omitempty"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId,omitempty"`

	// Кандидаты ресурса из черновика: та же проверка полномочий повторяется при исполнении.
	ResourceCandidates []string `json:"resourceCandidates,omitempty"`

	// Зафиксированы на момент создания: решение о согласовании не пересматривается задним числом.
	ApprovalRequired bool     `json:"approvalRequired"`
	Risk             RiskTier `json:"risk"`

	ApprovedBy *string    `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanTransitionTo проверяет правила конечного автомата.
func (p *Proposal) CanTransitionTo(next ProposalStatus) error {
	allowed, ok := proposalTransitions[p.Status]
	if !ok {
		return ErrAlreadyProcessed
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Decided — предложение уже прошло решение оператора.
func (p *Proposal) Decided() bool {
	return p.Status == ProposalApproved || p.Status == ProposalRejected || p.Status == ProposalExecuted
}

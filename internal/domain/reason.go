package domain

import (
	"errors"
	"fmt"
	"time"
)

// ReasonCode — закрытый перечень причин решений. Общий для верификатора делегаций,
// оценщика политики исполнения и HTTP-границы.
type ReasonCode string

// Причины отказа.
const (
	ReasonUnauthenticated           ReasonCode = "UNAUTHENTICATED"
	ReasonForbidden                 ReasonCode = "FORBIDDEN"
	ReasonOwnerMismatch             ReasonCode = "OWNER_MISMATCH"
	ReasonTenantMismatch            ReasonCode = "TENANT_MISMATCH"
	ReasonDelegationNotFound        ReasonCode = "DELEGATION_NOT_FOUND"
	ReasonDelegationInactive        ReasonCode = "DELEGATION_INACTIVE"
	ReasonDelegationRevoked         ReasonCode = "DELEGATION_REVOKED"
	ReasonDelegationExpired         ReasonCode = "DELEGATION_EXPIRED"
	ReasonDelegationScopeMissing    ReasonCode = "DELEGATION_SCOPE_MISSING"
	ReasonDelegationResourceMissing ReasonCode = "DELEGATION_RESOURCE_MISSING"
	ReasonApprovalRequired          ReasonCode = "APPROVAL_REQUIRED"
	ReasonRateLimited               ReasonCode = "RATE_LIMITED"
	ReasonIdempotencyKeyConflict    ReasonCode = "IDEMPOTENCY_KEY_CONFLICT"
	ReasonConflict                  ReasonCode = "CONFLICT"
	ReasonInvalidArgument           ReasonCode = "INVALID_ARGUMENT"
	ReasonNotFound                  ReasonCode = "NOT_FOUND"
	ReasonInternal                  ReasonCode = "INTERNAL"

	ReasonKillSwitchEnabled   ReasonCode = "KILL_SWITCH_ENABLED"
	ReasonCapabilityUnknown   ReasonCode = "CAPABILITY_UNKNOWN"
	ReasonProposalRejected    ReasonCode = "PROPOSAL_REJECTED"
	ReasonApproverNotDistinct ReasonCode = "APPROVER_NOT_DISTINCT"
	ReasonInvalidTransition   ReasonCode = "INVALID_TRANSITION"
)

// Причины разрешения. В аудите reasonCode никогда не бывает пустым.
const (
	ReasonAllowed           ReasonCode = "ALLOWED"
	ReasonStaffOverride     ReasonCode = "STAFF_OVERRIDE"
	ReasonExemptionApplied  ReasonCode = "EXEMPTION_APPLIED"
	ReasonIdempotentReplay  ReasonCode = "IDEMPOTENT_REPLAY"
	ReasonRateLimitFallback ReasonCode = "RATE_LIMIT_FALLBACK"
)

var knownReasons = map[ReasonCode]bool{
	ReasonUnauthenticated: true, ReasonForbidden: true, ReasonOwnerMismatch: true,
	ReasonTenantMismatch: true, ReasonDelegationNotFound: true, ReasonDelegationInactive: true,
	ReasonDelegationRevoked: true, ReasonDelegationExpired: true, ReasonDelegationScopeMissing: true,
	ReasonDelegationResourceMissing: true, ReasonApprovalRequired: true, ReasonRateLimited: true,
	ReasonIdempotencyKeyConflict: true, ReasonConflict: true, ReasonInvalidArgument: true,
	ReasonNotFound: true, ReasonInternal: true, ReasonKillSwitchEnabled: true,
	ReasonCapabilityUnknown: true, ReasonProposalRejected: true, ReasonApproverNotDistinct: true,
	ReasonInvalidTransition: true, ReasonAllowed: true, ReasonStaffOverride: true,
	ReasonExemptionApplied: true, ReasonIdempotentReplay: true, ReasonRateLimitFallback: true,
}

// Valid сообщает, входит ли код в закрытый перечень.
func (r ReasonCode) Valid() bool { return knownReasons[r] }

func (r ReasonCode) String() string { return string(r) }

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// PolicyError — тегированная ошибка отказа. Reason определяет код и HTTP-статус на границе.
type PolicyError struct {
	Reason     ReasonCode
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// Deny создает отказ с кодом причины.
func Deny(reason ReasonCode, message string) *PolicyError {
	return &PolicyError{Reason: reason, Message: message}
}

// Invalid — отказ INVALID_ARGUMENT для некорректной формы запроса.
func Invalid(format string, args ...any) *PolicyError {
	return &PolicyError{Reason: ReasonInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Internal оборачивает инфраструктурную ошибку. Сообщение наружу не раскрывает причину.
func Internal(err error) *PolicyError {
	return &PolicyError{Reason: ReasonInternal, Message: "internal error", Err: err}
}

// ReasonOf извлекает код причины. Все, что не помечено, считается INTERNAL;
// ErrNotFound и ErrConflict маппятся в соответствующие коды.
func ReasonOf(err error) ReasonCode {
	if err == nil {
		return ReasonAllowed
	}
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	}
	return ReasonInternal
}

package domain

import (
	"math"
	"time"
)

// ApprovalState — как было пройдено согласование при оценке исполнения.
type ApprovalState string

const (
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalGranted     ApprovalState = "approved"
	ApprovalExempt      ApprovalState = "exempt"
	ApprovalPending     ApprovalState = "pending"
	ApprovalRejected    ApprovalState = "rejected"
)

// Decision — результат любой проверки: верификатора делегаций или оценщика исполнения.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Reason            ReasonCode    `json:"reasonCode"`
	Message           string        `json:"message,omitempty"`
	ActorMode         ActorType     `json:"actorMode"`
	ApprovalState     ApprovalState `json:"approvalState,omitempty"`
	ExemptionID       string        `json:"exemptionId,omitempty"`
	RetryAfterSeconds int           `json:"retryAfterSeconds,omitempty"`
	QuotaCount        int64         `json:"quotaCount,omitempty"`
	QuotaLimit        int           `json:"quotaLimit,omitempty"`
}

func Allow(mode ActorType, reason ReasonCode) Decision {
	return Decision{Allowed: true, Reason: reason, ActorMode: mode}
}

func Denied(mode ActorType, reason ReasonCode, message string) Decision {
	return Decision{Allowed: false, Reason: reason, ActorMode: mode, Message: message}
}

// Err превращает отказ в *PolicyError; для разрешения возвращает nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	pe := &PolicyError{Reason: d.Reason, Message: d.Message}
	if d.RetryAfterSeconds > 0 {
		pe.RetryAfter = time.Duration(d.RetryAfterSeconds) * time.Second
		pe.Details = map[string]any{"retryAfterSeconds": d.RetryAfterSeconds}
	}
	return pe
}

// RetryAfterSeconds округляет вверх, минимум одна секунда.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

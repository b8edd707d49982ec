// Package httpapi — граница HTTP: конверт ответа, строгий разбор запросов,
// сквозной request id и ключ идемпотентности.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"go.uber.org/zap"
)

type okEnvelope struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data"`
	RequestID string `json:"requestId"`
}

type errorEnvelope struct {
	OK        bool           `json:"ok"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId"`
	Details   map[string]any `json:"details,omitempty"`
}

// StatusFor — единственная таблица соответствия кода причины и HTTP-статуса.
func StatusFor(reason domain.ReasonCode) int {
	switch reason {
	case domain.ReasonUnauthenticated:
		return http.StatusUnauthorized
	case domain.ReasonForbidden,
		domain.ReasonOwnerMismatch,
		domain.ReasonTenantMismatch,
		domain.ReasonDelegationNotFound,
		domain.ReasonDelegationInactive,
		domain.ReasonDelegationRevoked,
		domain.ReasonDelegationExpired,
		domain.ReasonDelegationScopeMissing,
		domain.ReasonDelegationResourceMissing,
		domain.ReasonApprovalRequired,
		domain.ReasonKillSwitchEnabled,
		domain.ReasonCapabilityUnknown,
		domain.ReasonProposalRejected,
		domain.ReasonApproverNotDistinct:
		return http.StatusForbidden
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	case domain.ReasonIdempotencyKeyConflict, domain.ReasonConflict, domain.ReasonInvalidTransition:
		return http.StatusConflict
	case domain.ReasonInvalidArgument:
		return http.StatusBadRequest
	case domain.ReasonNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, okEnvelope{OK: true, Data: data, RequestID: infra.RequestIDFrom(r.Context())})
}

// WriteError отдает конверт ошибки. Для INTERNAL сообщение обобщенное, причина только в логе.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	reason := domain.ReasonOf(err)
	if isAllowReason(reason) {
		// разрешающий код в ошибке — программная ошибка вызывающего
		reason = domain.ReasonInternal
	}
	env := errorEnvelope{
		Code:      string(reason),
		RequestID: infra.RequestIDFrom(r.Context()),
	}

	var pe *domain.PolicyError
	switch {
	case reason == domain.ReasonInternal:
		env.Message = "internal error"
		LoggerFrom(r.Context()).Error("request failed", zap.Error(err))
	case errors.As(err, &pe):
		env.Message = pe.Message
		env.Details = pe.Details
		if pe.RetryAfter > 0 {
			secs := domain.RetryAfterSeconds(pe.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			if env.Details == nil {
				env.Details = map[string]any{}
			}
			env.Details["retryAfterSeconds"] = secs
		}
	case reason == domain.ReasonNotFound:
		env.Message = "not found"
	case reason == domain.ReasonConflict:
		env.Message = "conflict"
	default:
		env.Message = string(reason)
	}
	writeJSON(w, StatusFor(reason), env)
}

func isAllowReason(r domain.ReasonCode) bool {
	switch r {
	case domain.ReasonAllowed, domain.ReasonStaffOverride, domain.ReasonExemptionApplied,
		domain.ReasonIdempotentReplay, domain.ReasonRateLimitFallback:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

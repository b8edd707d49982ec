package audit

import (
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
)

// AuditEvent — запись журнала. Только добавляется; удаляет ее лишь задача ретенции.
type AuditEvent struct {
	ID        string           `json:"id"`
	RequestID string           `json:"requestId"`
	ActorUID  string           `json:"actorUid"`
	ActorMode domain.ActorType `json:"actorMode"`
	OwnerUID  string           `json:"ownerUid,omitempty"`
	TenantID  string           `json:"tenantId,omitempty"`

	Action       string            `json:"action"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId,omitempty"`
	ReasonCode   domain.ReasonCode `json:"reasonCode"`
	Result       Result            `json:"result"`

	InputHash  string         `json:"inputHash,omitempty"`
	OutputHash *string        `json:"outputHash,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"` // уже отредактированы
	CreatedAt  time.Time      `json:"createdAt"`
}

// Filter — выборка журнала для консоли.
type Filter struct {
	ActorUID     string
	Action       string
	ResourceType string
	ResourceID   string
	Result       Result
	Since        time.Time
	Limit        int
}

// Match применяется in-memory реализациями.
func (f Filter) Match(e AuditEvent) bool {
	switch {
	case f.ActorUID != "" && e.ActorUID != f.ActorUID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case f.Result != "" && e.Result != f.Result:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

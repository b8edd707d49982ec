package domain

import (
	"strings"
	"time"
)

type DelegationStatus string

const (
	DelegationActive   DelegationStatus = "active"
	DelegationInactive DelegationStatus = "inactive"
)

// Delegation — выданное владельцем агенту право действовать в пределах скоупов и ресурсов.
type Delegation struct {
	ID            string           `json:"id"`
	OwnerUID      string           `json:"ownerUid"`
	AgentClientID string           `json:"agentClientId"`
	TenantID      string           `json:"tenantId,omitempty"`
	Scopes        []string         `json:"scopes"`
	Resources     []string         `json:"resources"`
	Status        DelegationStatus `json:"status"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	RevokedAt     *time.Time       `json:"revokedAt,omitempty"`
	CreatedBy     string           `json:"createdBy"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Префиксы ресурсов делегации.
const (
	ResourceRoutePrefix = "route:"
	ResourceOwnerPrefix = "owner:"
	ResourceWildcard    = "*"
)

// ValidResource проверяет форму ресурса: route:<path>, owner:<uid> или "*".
func ValidResource(r string) bool {
	switch {
	case r == ResourceWildcard:
		return true
	case strings.HasPrefix(r, ResourceRoutePrefix):
		return len(r) > len(ResourceRoutePrefix) && strings.HasPrefix(r[len(ResourceRoutePrefix):], "/")
	case strings.HasPrefix(r, ResourceOwnerPrefix):
		return len(r) > len(ResourceOwnerPrefix)
	}
	return false
}

func OwnerResource(uid string) string { return ResourceOwnerPrefix + uid }

func RouteResource(path string) string { return ResourceRoutePrefix + path }

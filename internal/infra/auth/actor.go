package auth

import (
	"context"
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

type ctxKey string

const actorKey ctxKey = "actor"

// ResolveActor — единственное место, где проверенные claims превращаются в субъект.
// Обход проверок персоналом дальше определяется только по Actor.Type.
func ResolveActor(c *domain.CustomClaims) (domain.Actor, error) {
	if c == nil || strings.TrimSpace(c.UserID) == "" {
		return domain.Actor{}, domain.Deny(domain.ReasonUnauthenticated, "token has no subject")
	}
	t := domain.ActorType(c.ActorType)
	if !t.Valid() {
		return domain.Actor{}, domain.Deny(domain.ReasonUnauthenticated, "unknown actor type")
	}

	a := domain.Actor{
		Type:         t,
		ID:           c.UserID,
		OwnerUID:     c.OwnerUID,
		TenantID:     c.TenantID,
		DelegationID: c.DelegationID,
		Scopes:       make(map[string]bool, len(c.Scopes)),
	}
	for s, ok := range c.Scopes {
		if ok {
			a.Scopes[s] = true
		}
	}

	switch t {
	case domain.ActorOwner:
		// владелец действует от своего имени
		if a.OwnerUID == "" {
			a.OwnerUID = a.ID
		}
		if a.OwnerUID != a.ID {
			return domain.Actor{}, domain.Deny(domain.ReasonUnauthenticated, "owner token subject mismatch")
		}
	case domain.ActorPAT:
		if a.OwnerUID == "" {
			return domain.Actor{}, domain.Deny(domain.ReasonUnauthenticated, "personal access token without owner")
		}
	case domain.ActorAgent, domain.ActorDelegated:
		if a.DelegationID == "" || a.OwnerUID == "" {
			return domain.Actor{}, domain.Deny(domain.ReasonUnauthenticated, "agent token without delegation")
		}
	}
	return a, nil
}

func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom достает субъект, положенный middleware.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey).(domain.Actor)
	return a, ok
}

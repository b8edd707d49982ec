package handler

import (
	"net/http"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
)

// mustActor — маршруты висят за auth middleware, субъект всегда есть.
func mustActor(r *http.Request) domain.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

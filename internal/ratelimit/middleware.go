package ratelimit

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
)

type check struct {
	scope Scope
	key   string
}

// Middleware проверяет скоуп route для каждого запроса и скоуп agent для агентов.
// Подключается внутри chi.Group, чтобы шаблон маршрута был уже известен.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFrom(r.Context())
		subject := actor.Key()
		if !ok {
			subject = "ip:" + clientIP(r)
		}

		checks := []check{{ScopeRoute, r.Method + " " + routePattern(r) + "|" + subject}}
		if ok && actor.IsDelegated() {
			checks = append(checks, check{ScopeAgent, actor.ID})
		}

		for _, c := range checks {
			res, err := l.Allow(r.Context(), actor, c.scope, c.key)
			if err != nil {
				httpapi.WriteError(w, r, err)
				return
			}
			if !res.Allowed {
				httpapi.WriteError(w, r, &domain.PolicyError{
					Reason:     domain.ReasonRateLimited,
					Message:    "too many requests",
					RetryAfter: res.RetryAfter,
					Details:    map[string]any{"scope": string(c.scope), "limit": res.Limit},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// clientIP — RemoteAddr после middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

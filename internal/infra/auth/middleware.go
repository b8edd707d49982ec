package auth

import (
	"net/http"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
	"go.uber.org/zap"
)

// NewMiddleware проверяет токен и кладет в контекст субъект запроса.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httpapi.WriteError(w, r, domain.Deny(domain.ReasonUnauthenticated, "missing bearer token"))
				return
			}

			claims, err := v.VerifyToken(r.Context(), authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				// причину не раскрываем
				httpapi.WriteError(w, r, domain.Deny(domain.ReasonUnauthenticated, "invalid token"))
				return
			}
			actor, err := ResolveActor(claims)
			if err != nil {
				logger.Warn("actor resolution failed", zap.String("sub", claims.UserID), zap.Error(err))
				httpapi.WriteError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireStaff пропускает только персонал.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok {
			httpapi.WriteError(w, r, domain.Deny(domain.ReasonUnauthenticated, "authentication required"))
			return
		}
		if !actor.IsStaff() {
			httpapi.WriteError(w, r, domain.Deny(domain.ReasonForbidden, "staff only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

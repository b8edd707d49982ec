package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/handler"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"go.uber.org/zap"
)

// Limiter — лимитер границы (ratelimit.Limiter).
type Limiter interface {
	Middleware(next http.Handler) http.Handler
}

// Handlers — обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth        *handler.AuthHandler       // /auth/token
	Approvals   *handler.ApprovalHandler   // /v1/approvals (HITL)
	Policy      *handler.PolicyHandler     // /v1/kill-switch, /v1/exemptions
	Delegations *handler.DelegationHandler // /v1/delegations
	Audit       *handler.AuditHandler      // /v1/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// проверка RS256 токенов, выпущенных этой же консолью
	authValidator auth.TokenValidator
	limiter       Limiter
	h             Handlers
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, limiter Limiter, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		limiter:       limiter,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(httpapi.RequestID(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Защищенный периметр (RS256 токен, затем лимитер) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approvals.List) // очередь на согласование
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Approvals.GetDetails)
				r.Post("/decide", s.h.Approvals.Decide)
			})
		})

		r.Route("/v1/delegations", func(r chi.Router) {
			r.Get("/", s.h.Delegations.List)
			r.Post("/", s.h.Delegations.Grant)
			r.Post("/{id}/revoke", s.h.Delegations.Revoke)
		})

		// Рычаги персонала
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireStaff)

			r.Get("/v1/kill-switch", s.h.Policy.GetKillSwitch)
			r.Put("/v1/kill-switch", s.h.Policy.SetKillSwitch)

			r.Route("/v1/exemptions", func(r chi.Router) {
				r.Get("/", s.h.Policy.ListExemptions)
				r.Post("/", s.h.Policy.GrantExemption)
				r.Post("/{id}/expire", s.h.Policy.ExpireExemption)
			})

			// Аудит и логи
			r.Get("/v1/audit", s.h.Audit.GetLogs)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

package engine

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"go.uber.org/zap"
)

// Limiter — лимитер границы (ratelimit.Limiter).
type Limiter interface {
	Middleware(next http.Handler) http.Handler
}

// GatewayServer — HTTP API шлюза для внешних обработчиков.
type GatewayServer struct {
	router    *chi.Mux
	core      *Core
	validator auth.TokenValidator
	limiter   Limiter
	logger    *zap.Logger
}

func NewGatewayServer(core *Core, validator auth.TokenValidator, limiter Limiter, logger *zap.Logger) *GatewayServer {
	s := &GatewayServer{
		router:    chi.NewRouter(),
		core:      core,
		validator: validator,
		limiter:   limiter,
		logger:    logger.Named("gate-api"),
	}
	s.routes()
	return s
}

func (s *GatewayServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RealIP)
	r.Use(httpapi.RequestID(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 2. Защищенный периметр: токен, затем лимитер границы ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Post("/v1/authority/resolve", s.resolveAuthority)
		r.Route("/v1/proposals", func(r chi.Router) {
			r.Post("/", s.createProposal)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getProposal)
				r.Post("/evaluate", s.evaluate)
				r.Post("/execute", s.execute)
			})
		})
		r.Post("/v1/audit/executions", s.completeExecution)
	})
}

// ServeHTTP позволяет использовать GatewayServer как стандартный http.Handler
func (s *GatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *GatewayServer) resolveAuthority(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req ResolveRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	dec, err := s.core.ResolveAuthority(r.Context(), actor, req)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, dec)
}

type createProposalRequest struct {
	CapabilityID string `json:"capabilityId"`
	proposal.Draft
}

func (req createProposalRequest) Validate() error {
	if req.CapabilityID == "" {
		return domain.Invalid("capabilityId is required")
	}
	return req.Draft.Validate()
}

func (s *GatewayServer) createProposal(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req createProposalRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	res, err := s.core.CreateProposal(r.Context(), actor, req.CapabilityID, req.Draft)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusCreated, res)
}

func (s *GatewayServer) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.core.GetProposal(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, p)
}

// evaluate — оценка исполнения для обработчиков, выполняющих эффект сами.
// Выданное разрешение закрывается через /v1/audit/executions.
func (s *GatewayServer) evaluate(w http.ResponseWriter, r *http.Request) {
	permit, err := s.core.Authorize(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, permit)
}

type executeRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *GatewayServer) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	// тело необязательно: ключ может прийти только в заголовке
	if r.ContentLength != 0 {
		if err := httpapi.Decode(w, r, &req); err != nil {
			httpapi.WriteError(w, r, err)
			return
		}
	}
	key, err := httpapi.IdempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	res, err := s.core.Execute(r.Context(), mustActor(r), chi.URLParam(r, "id"), key)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, res)
}

func (s *GatewayServer) completeExecution(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	id, err := s.core.CompletePermit(r.Context(), mustActor(r), req)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusCreated, map[string]string{"auditId": id})
}

// mustActor — маршруты висят за auth middleware, субъект всегда есть.
func mustActor(r *http.Request) domain.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
)

// ApprovalService описываем, что нам нужно от очереди согласования (proposal.Service).
type ApprovalService interface {
	Get(ctx context.Context, actor domain.Actor, id string) (*domain.Proposal, error)
	ListPending(ctx context.Context, actor domain.Actor, limit int) ([]domain.Proposal, error)
	Decide(ctx context.Context, approver domain.Actor, id string, approve bool, comment string) (*domain.Proposal, error)
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, p)
}

// List — GET /v1/approvals?limit=...
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	list, err := h.service.ListPending(r.Context(), mustActor(r), limit)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, list)
}

type DecideRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment"`
}

func (req DecideRequest) Validate() error {
	if req.Approved == nil {
		return domain.Invalid("approved is required")
	}
	return nil
}

// Decide — согласующий берется из токена, не из тела запроса.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	p, err := h.service.Decide(r.Context(), mustActor(r), chi.URLParam(r, "id"), *req.Approved, req.Comment)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, p)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

func (h *PolicyHandler) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	ks, err := h.service.KillSwitch(r.Context(), mustActor(r))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, ks)
}

func (h *PolicyHandler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req service.KillSwitchRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	ks, err := h.service.SetKillSwitch(r.Context(), mustActor(r), req)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, ks)
}

// ListExemptions — GET /v1/exemptions?capabilityId=...&ownerUid=...&status=...
func (h *PolicyHandler) ListExemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := killswitch.ExemptionFilter{
		CapabilityID: q.Get("capabilityId"),
		OwnerUID:     q.Get("ownerUid"),
		Status:       domain.ExemptionStatus(q.Get("status")),
	}
	switch f.Status {
	case "", domain.ExemptionActive, domain.ExemptionExpired:
	default:
		httpapi.WriteError(w, r, domain.Invalid("status must be active or expired"))
		return
	}
	list, err := h.service.ListExemptions(r.Context(), mustActor(r), f)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, list)
}

func (h *PolicyHandler) GrantExemption(w http.ResponseWriter, r *http.Request) {
	var req killswitch.GrantRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	ex, err := h.service.GrantExemption(r.Context(), mustActor(r), req)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusCreated, ex)
}

func (h *PolicyHandler) ExpireExemption(w http.ResponseWriter, r *http.Request) {
	ex, err := h.service.ExpireExemption(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, ex)
}

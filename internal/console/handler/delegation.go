package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
)

type DelegationHandler struct {
	service *service.DelegationService
}

func NewDelegationHandler(s *service.DelegationService) *DelegationHandler {
	return &DelegationHandler{service: s}
}

// List — GET /v1/delegations?ownerUid=... (для владельца параметр необязателен)
func (h *DelegationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), mustActor(r), r.URL.Query().Get("ownerUid"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, list)
}

func (h *DelegationHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req service.GrantDelegationRequest
	if err := httpapi.Decode(w, r, &req); err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	d, err := h.service.Grant(r.Context(), mustActor(r), req)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusCreated, d)
}

func (h *DelegationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Revoke(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, d)
}

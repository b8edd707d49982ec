package handler

import (
	"net/http"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/httpapi"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?actorUid=...&action=...&resourceType=...&resourceId=...&result=...&since=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorUID:     q.Get("actorUid"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		Result:       audit.Result(q.Get("result")),
	}
	switch f.Result {
	case "", audit.ResultAllow, audit.ResultDeny:
	default:
		httpapi.WriteError(w, r, domain.Invalid("result must be allow or deny"))
		return
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpapi.WriteError(w, r, domain.Invalid("since must be an RFC3339 timestamp"))
			return
		}
		f.Since = since
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	f.Limit = limit

	logs, err := h.service.FetchLogs(r.Context(), mustActor(r), f)
	if err != nil {
		httpapi.WriteError(w, r, err)
		return
	}
	httpapi.WriteOK(w, r, http.StatusOK, logs)
}

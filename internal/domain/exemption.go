package domain

import "time"

type ExemptionStatus string

const (
	ExemptionActive  ExemptionStatus = "active"
	ExemptionExpired ExemptionStatus = "expired"
)

// PolicyExemption снимает только шлюз согласования для пары (capabilityId, ownerUid).
// Квоту, kill-switch, делегацию и тенант не отменяет.
type PolicyExemption struct {
	ID            string          `json:"id"`
	CapabilityID  string          `json:"capabilityId"`
	OwnerUID      string          `json:"ownerUid"`
	Justification string          `json:"justification"`
	ApprovedBy    string          `json:"approvedBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Status        ExemptionStatus `json:"status"`
}

// ActiveAt — статус авторитетен: expired запрещает даже при будущем expiresAt.
func (e *PolicyExemption) ActiveAt(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.Status == ExemptionActive && now.Before(e.ExpiresAt)
}

package domain

// RiskTier — уровень риска возможности.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ApprovalThreshold описывает динамическую эскалацию: числовое поле входа выше порога
// требует подтверждения независимо от RequiresApproval.
type ApprovalThreshold struct {
	Field string  `json:"field" yaml:"field"`
	Value float64 `json:"value" yaml:"value"`
}

// CapabilityDefinition — неизменяемое описание действия, которое проходит через шлюз.
type CapabilityDefinition struct {
	ID               string             `json:"id" yaml:"id"`
	Target           string             `json:"target" yaml:"target"`
	ReadOnly         bool               `json:"readOnly" yaml:"readOnly"`
	RequiresApproval bool               `json:"requiresApproval" yaml:"requiresApproval"`
	MaxCallsPerHour  int                `json:"maxCallsPerHour" yaml:"maxCallsPerHour"`
	Risk             RiskTier           `json:"risk" yaml:"risk"`
	Scope            string             `json:"scope,omitempty" yaml:"scope,omitempty"`
	Threshold        *ApprovalThreshold `json:"approvalThreshold,omitempty" yaml:"approvalThreshold,omitempty"`
}

// RequiredScope возвращает скоуп, которым должна обладать делегация. По умолчанию это ID.
func (c CapabilityDefinition) RequiredScope() string {
	if c.Scope != "" {
		return c.Scope
	}
	return c.ID
}

// ActionName строит имя действия аудита: capability.<id>.<verb>.
func (c CapabilityDefinition) ActionName(verb string) string {
	return "capability." + c.ID + "." + verb
}

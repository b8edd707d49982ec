package risk

import (
	"encoding/json"
	"testing"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAssess(t *testing.T) {
	withThreshold := domain.CapabilityDefinition{
		ID: "billing.refund.create", Risk: domain.RiskMedium,
		Threshold: &domain.ApprovalThreshold{Field: "refund.amount", Value: 100},
	}
	tests := []struct {
		name      string
		cap       domain.CapabilityDefinition
		input     string
		approval  bool
		risk      domain.RiskTier
		escalated bool
	}{
		{"no threshold", domain.CapabilityDefinition{Risk: domain.RiskLow}, `{"amount":1e9}`, false, domain.RiskLow, false},
		{"below", withThreshold, `{"refund":{"amount":99.5}}`, false, domain.RiskMedium, false},
		{"equal is not above", withThreshold, `{"refund":{"amount":100}}`, false, domain.RiskMedium, false},
		{"above", withThreshold, `{"refund":{"amount":250}}`, true, domain.RiskHigh, true},
		{"string amount", withThreshold, `{"refund":{"amount":"250.10"}}`, true, domain.RiskHigh, true},
		{"missing field", withThreshold, `{"refund":{}}`, false, domain.RiskMedium, false},
		{"not an object", withThreshold, `[1,2]`, false, domain.RiskMedium, false},
		{"malformed", withThreshold, `{`, false, domain.RiskMedium, false},
	}
	a := NewAnalyzer(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Assess(tt.cap, json.RawMessage(tt.input))
			assert.Equal(t, tt.approval, got.RequiresApproval)
			assert.Equal(t, tt.risk, got.Risk)
			assert.Equal(t, tt.escalated, got.Escalated)
		})
	}
}

func TestAssessNeverRelaxes(t *testing.T) {
	c := domain.CapabilityDefinition{
		ID: "studio.kiln.fire", RequiresApproval: true, Risk: domain.RiskHigh,
		Threshold: &domain.ApprovalThreshold{Field: "temperature", Value: 1300},
	}
	got := NewAnalyzer(zap.NewNop()).Assess(c, json.RawMessage(`{"temperature":900}`))
	assert.True(t, got.RequiresApproval)
	assert.Equal(t, domain.RiskHigh, got.Risk)
}

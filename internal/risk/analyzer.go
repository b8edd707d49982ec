// Package risk — динамическая эскалация согласования по содержимому запроса.
package risk

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
)

// Assessment — итог оценки. Эскалация только ужесточает политику возможности.
type Assessment struct {
	RequiresApproval bool
	Risk             domain.RiskTier
	Escalated        bool
	Field            string
	Value            float64
}

type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("analyzer")}
}

// Assess проверяет порог approvalThreshold: числовое поле входа выше порога требует
// согласования и поднимает риск до high. Поле адресуется через точку: "order.amount".
func (a *Analyzer) Assess(c domain.CapabilityDefinition, input json.RawMessage) Assessment {
	out := Assessment{RequiresApproval: c.RequiresApproval, Risk: c.Risk}
	if c.Threshold == nil || c.Threshold.Field == "" || len(input) == 0 {
		return out
	}

	var data any
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		// битый вход отсекается раньше, на разборе запроса
		a.logger.Error("failed to unmarshal request payload for risk analysis", zap.Error(err))
		return out
	}

	val, ok := lookupNumber(data, c.Threshold.Field)
	if !ok || val <= c.Threshold.Value {
		return out
	}

	a.logger.Warn("dynamic approval triggered",
		zap.String("capability_id", c.ID),
		zap.String("field", c.Threshold.Field),
		zap.Float64("value", val),
		zap.Float64("threshold", c.Threshold.Value),
	)
	out.RequiresApproval = true
	out.Risk = domain.RiskHigh
	out.Escalated = true
	out.Field = c.Threshold.Field
	out.Value = val
	return out
}

func lookupNumber(data any, path string) (float64, bool) {
	cur := data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		if cur, ok = m[part]; !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		// суммы иногда приходят строкой
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

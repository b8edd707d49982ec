package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MockConnector — коннектор для dev-режима и тестов: подтверждает действие,
// ничего не меняя во внешнем мире. Возможности с суффиксом .unstable всегда падают.
type MockConnector struct {
	Latency time.Duration
}

func (c *MockConnector) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.HasSuffix(capID, ".unstable") {
		return nil, fmt.Errorf("service internal error")
	}
	return json.Marshal(map[string]interface{}{
		"status":       "simulated_success",
		"capabilityId": capID,
		"payloadBytes": len(payload),
	})
}

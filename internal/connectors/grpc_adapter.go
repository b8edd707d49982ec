package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod — unary метод коннектора. Сообщения — google.protobuf.Struct:
// запрос {capabilityId, payload, metadata}, ответ {statusCode, errorMessage, result, retryAfterMs}.
const ExecuteMethod = "/connector.v1.ConnectorService/Execute"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// Call реализует Provider.
func (a *GRPCAdapter) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// 1. JSON -> Protobuf Struct
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"capabilityId": capID,
		"payload":      m,
		"metadata":     map[string]interface{}{"source": "policy-gate"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Свой предел времени у адаптера, даже если обертка задает свой
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 3. Статус внутри ответа
	fields := resp.GetFields()
	code := int(fields["statusCode"].GetNumberValue())
	switch {
	case code == 429:
		wait := time.Duration(fields["retryAfterMs"].GetNumberValue()) * time.Millisecond
		return nil, &ThrottleError{RetryAfter: wait, Cause: &RemoteError{Code: code, Message: fields["errorMessage"].GetStringValue()}}
	case code != 0:
		return nil, &RemoteError{Code: code, Message: fields["errorMessage"].GetStringValue()}
	}

	// 4. Результат обратно в JSON
	var result interface{} = map[string]interface{}{}
	if v, ok := fields["result"]; ok {
		result = v.AsInterface()
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}

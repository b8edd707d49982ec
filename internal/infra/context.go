package infra

import "context"

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const requestIDKey ctxKey = "request_id"

// WithRequestID кладет сквозной ID запроса в контекст.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom помогает безопасно достать ID в любом месте кода.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

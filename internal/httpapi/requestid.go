package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-ID"

type ctxKey string

const loggerKey ctxKey = "logger"

// RequestID инициализирует сквозной ID для каждого запроса и логгер с этим ID.
func RequestID(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Пытаемся достать ID из заголовка (если пришел от прокси)
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			ctx := infra.WithRequestID(r.Context(), id)
			ctx = context.WithValue(ctx, loggerKey, logger.With(zap.String("request_id", id)))

			// 2. Возвращаем клиенту, чтобы он знал ID своего запроса
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFrom возвращает логгер запроса или Nop.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

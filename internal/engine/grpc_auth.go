package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor проверяет токен в метаданных gRPC вызова и кладет субъект в контекст.
// Health-сервис пропускается без токена.
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc-auth")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		// 2. Сквозной request id, как на HTTP границе
		requestID := first(md, "x-request-id")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		ctx = infra.WithRequestID(ctx, requestID)

		// 3. Ищем токен (в gRPC заголовки в нижнем регистре)
		token := first(md, "authorization")
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := v.VerifyToken(ctx, token)
		if err != nil {
			logger.Warn("auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		actor, err := auth.ResolveActor(claims)
		if err != nil {
			var pe *domain.PolicyError
			msg := "invalid token"
			if errors.As(err, &pe) {
				msg = pe.Message
			}
			return nil, status.Error(codes.Unauthenticated, msg)
		}

		// Идем дальше по цепочке
		return handler(auth.WithActor(ctx, actor), req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

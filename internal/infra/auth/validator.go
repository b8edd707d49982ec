package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// TokenValidator — интерфейс, который должны реализовать и шлюз, и консоль
type TokenValidator interface {
	VerifyToken(ctx context.Context, tokenStr string) (*domain.CustomClaims, error)
}

// BaseValidator содержит общую логику проверки RS256 статическим ключом
type BaseValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
}

func NewBaseValidator(pubKey *rsa.PublicKey, issuer string) *BaseValidator {
	return &BaseValidator{publicKey: pubKey, issuer: issuer}
}

// VerifyToken проверяет JWT, подписанный асимметричным ключом RS256.
func (v *BaseValidator) VerifyToken(_ context.Context, tokenStr string) (*domain.CustomClaims, error) {
	return parseClaims(tokenStr, v.issuer, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
}

// JWKSValidator берет ключи из JWKS-эндпоинта и обновляет их в фоне.
type JWKSValidator struct {
	jwks   keyfunc.Keyfunc
	issuer string
}

// NewJWKSValidator запускает фоновое обновление набора ключей, привязанное к ctx.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer string) (*JWKSValidator, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client for %s: %w", jwksURL, err)
	}
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSValidator) VerifyToken(ctx context.Context, tokenStr string) (*domain.CustomClaims, error) {
	return parseClaims(tokenStr, v.issuer, v.jwks.KeyfuncCtx(ctx))
}

func parseClaims(tokenStr, issuer string, keyFunc jwt.Keyfunc) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, errors.New("empty token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &domain.CustomClaims{}, keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи (только для Console)
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

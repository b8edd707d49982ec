package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — полезная нагрузка RS256 токена. Из нее ResolveActor строит Actor.
type CustomClaims struct {
	UserID       string          `json:"user_id"`
	ActorType    string          `json:"actor_type"`
	OwnerUID     string          `json:"owner_uid,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	DelegationID string          `json:"delegation_id,omitempty"`
	Scopes       map[string]bool `json:"scopes"` // "*": true или "orders.create": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User — учетная запись консоли. Role соответствует ActorType (staff или owner).
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем на фронт
	Role         string          `json:"role"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

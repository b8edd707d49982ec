package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// UserRepository — учетные записи консоли (Postgres или память в dev-режиме).
type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
}

type AuthOptions struct {
	Issuer     string
	TTL        time.Duration
	BcryptCost int
}

type AuthService struct {
	repo       UserRepository
	privateKey *rsa.PrivateKey
	opts       AuthOptions
	logger     *zap.Logger
	now        func() time.Time
}

// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
var errInvalidCredentials = domain.Deny(domain.ReasonUnauthenticated, "invalid credentials")

func NewAuthService(repo UserRepository, privateKey *rsa.PrivateKey, opts AuthOptions, logger *zap.Logger) *AuthService {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.BcryptCost <= 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		repo:       repo,
		privateKey: privateKey,
		opts:       opts,
		logger:     logger.Named("auth"),
		now:        time.Now,
	}
}

func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// GenerateToken проверяет пароль и выпускает RS256 токен. Тип субъекта берется из роли.
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (источник правды — хранилище пользователей)
	user, err := s.repo.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, errInvalidCredentials
	case err != nil:
		return nil, domain.Internal(fmt.Errorf("auth: load user: %w", err))
	}

	// 2. Проверка пароля
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}

	role := domain.ActorType(user.Role)
	if role != domain.ActorStaff && role != domain.ActorOwner {
		s.logger.Warn("login rejected for non-console role", zap.String("user_id", user.ID), zap.String("role", user.Role))
		return nil, errInvalidCredentials
	}

	// 3. Claims: владелец действует от своего имени
	now := s.now()
	expiresAt := now.Add(s.opts.TTL)
	claims := &domain.CustomClaims{
		UserID:    user.ID,
		ActorType: string(role),
		TenantID:  user.TenantID,
		Scopes:    user.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.opts.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if role == domain.ActorOwner {
		claims.OwnerUID = user.ID
	}

	// 4. Подпись закрытым ключом (RS256)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("auth: sign token: %w", err))
	}
	s.logger.Info("token issued", zap.String("user_id", user.ID), zap.String("role", user.Role))

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.opts.TTL.Seconds()),
	}, nil
}

// Bootstrap заводит учетную запись, если логин еще свободен. Повторный вызов ничего не меняет.
func (s *AuthService) Bootstrap(ctx context.Context, username, password string, role domain.ActorType, tenantID string) error {
	if username == "" || password == "" {
		return errors.New("auth: bootstrap requires username and password")
	}
	_, err := s.repo.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("auth: bootstrap lookup: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	now := s.now().UTC()
	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         string(role),
		TenantID:     tenantID,
		Scopes:       map[string]bool{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("auth: bootstrap create: %w", err)
	}
	s.logger.Info("bootstrap user created", zap.String("username", username), zap.String("role", string(role)))
	return nil
}

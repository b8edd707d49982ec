package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signToken(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims domain.CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func claimsFor(actorType, uid string) domain.CustomClaims {
	return domain.CustomClaims{
		UserID:    uid,
		ActorType: actorType,
		Scopes:    map[string]bool{"orders.create": true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "policygate-console",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestBaseValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewBaseValidator(&key.PublicKey, "policygate-console")
	ctx := context.Background()

	claims, err := v.VerifyToken(ctx, "Bearer "+signToken(t, key, jwt.SigningMethodRS256, claimsFor("owner", "owner-1")))
	require.NoError(t, err)
	assert.Equal(t, "owner-1", claims.UserID)

	_, err = v.VerifyToken(ctx, signToken(t, other, jwt.SigningMethodRS256, claimsFor("owner", "owner-1")))
	assert.Error(t, err, "foreign key")

	_, err = v.VerifyToken(ctx, signToken(t, key, jwt.SigningMethodRS512, claimsFor("owner", "owner-1")))
	assert.Error(t, err, "only RS256")

	wrongIss := claimsFor("owner", "owner-1")
	wrongIss.Issuer = "someone-else"
	_, err = v.VerifyToken(ctx, signToken(t, key, jwt.SigningMethodRS256, wrongIss))
	assert.Error(t, err)

	noExp := claimsFor("owner", "owner-1")
	noExp.ExpiresAt = nil
	_, err = v.VerifyToken(ctx, signToken(t, key, jwt.SigningMethodRS256, noExp))
	assert.Error(t, err, "expiration is required")

	_, err = v.VerifyToken(ctx, "Bearer ")
	assert.Error(t, err)
}

func TestResolveActor(t *testing.T) {
	tests := []struct {
		name   string
		claims *domain.CustomClaims
		want   domain.ActorType
		owner  string
		denied bool
	}{
		{name: "nil", claims: nil, denied: true},
		{name: "unknown type", claims: &domain.CustomClaims{UserID: "u", ActorType: "root"}, denied: true},
		{name: "staff", claims: &domain.CustomClaims{UserID: "s-1", ActorType: "staff"}, want: domain.ActorStaff},
		{name: "owner defaults owner uid", claims: &domain.CustomClaims{UserID: "o-1", ActorType: "owner"}, want: domain.ActorOwner, owner: "o-1"},
		{name: "owner impersonation", claims: &domain.CustomClaims{UserID: "o-1", OwnerUID: "o-2", ActorType: "owner"}, denied: true},
		{name: "pat needs owner", claims: &domain.CustomClaims{UserID: "pat-1", ActorType: "pat"}, denied: true},
		{name: "pat", claims: &domain.CustomClaims{UserID: "pat-1", OwnerUID: "o-1", ActorType: "pat"}, want: domain.ActorPAT, owner: "o-1"},
		{name: "agent needs delegation", claims: &domain.CustomClaims{UserID: "a-1", OwnerUID: "o-1", ActorType: "agent"}, denied: true},
		{name: "delegated", claims: &domain.CustomClaims{UserID: "a-1", OwnerUID: "o-1", DelegationID: "d-1", ActorType: "delegated"}, want: domain.ActorDelegated, owner: "o-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ResolveActor(tt.claims)
			if tt.denied {
				assert.Equal(t, domain.ReasonUnauthenticated, domain.ReasonOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Type)
			assert.Equal(t, tt.owner, a.OwnerUID)
		})
	}
}

type staticValidator struct {
	claims *domain.CustomClaims
	err    error
}

func (s staticValidator) VerifyToken(context.Context, string) (*domain.CustomClaims, error) {
	return s.claims, s.err
}

func TestMiddlewarePutsActorInContext(t *testing.T) {
	c := claimsFor("delegated", "agent-1")
	c.OwnerUID = "owner-1"
	c.DelegationID = "del-1"

	var got domain.Actor
	h := NewMiddleware(staticValidator{claims: &c}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ActorDelegated, got.Type)
	assert.Equal(t, "del-1", got.DelegationID)
	assert.True(t, got.HasScope("orders.create"))
}

func TestMiddlewareRejects(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("must not be called") })

	rec := httptest.NewRecorder()
	NewMiddleware(staticValidator{}, zap.NewNop())(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	NewMiddleware(staticValidator{err: assert.AnError}, zap.NewNop())(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestRequireStaff(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), domain.Actor{Type: domain.ActorOwner, ID: "o-1"}))
	rec := httptest.NewRecorder()
	RequireStaff(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(WithActor(req.Context(), domain.Actor{Type: domain.ActorStaff, ID: "s-1"}))
	rec = httptest.NewRecorder()
	RequireStaff(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

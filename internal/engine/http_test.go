package engine

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const issuer = "policygate-test"

type envelope struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"requestId"`
	Details   map[string]any  `json:"details"`
}

type gate struct {
	*fixture
	srv *GatewayServer
	key *rsa.PrivateKey
}

func newGate(t *testing.T, limiter Limiter) *gate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := newFixture(t)
	return &gate{
		fixture: f,
		srv:     NewGatewayServer(f.core, auth.NewBaseValidator(&key.PublicKey, issuer), limiter, zap.NewNop()),
		key:     key,
	}
}

func (g *gate) token(t *testing.T, a domain.Actor) string {
	t.Helper()
	claims := domain.CustomClaims{
		UserID:       a.ID,
		ActorType:    string(a.Type),
		OwnerUID:     a.OwnerUID,
		TenantID:     a.TenantID,
		DelegationID: a.DelegationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.key)
	require.NoError(t, err)
	return s
}

func (g *gate) do(t *testing.T, a *domain.Actor, method, path string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	if a != nil {
		req.Header.Set("Authorization", "Bearer "+g.token(t, *a))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	g.srv.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func TestGatewayHealthIsPublic(t *testing.T) {
	g := newGate(t, nil)
	code, _ := g.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := g.do(t, nil, http.MethodGet, "/v1/proposals/p-1", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", env.Code)
	assert.NotEmpty(t, env.RequestID)
}

func TestGatewayProposalLifecycle(t *testing.T) {
	g := newGate(t, nil)

	code, env := g.do(t, &owner, http.MethodPost, "/v1/proposals", map[string]any{
		"capabilityId": glazeOrder.ID,
		"rationale":    "restock",
		"input":        map[string]any{"item": "shino", "qty": 1},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var created struct {
		Proposal domain.Proposal `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	id := created.Proposal.ID

	code, env = g.do(t, &owner, http.MethodGet, "/v1/proposals/"+id, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = g.do(t, &owner, http.MethodPost, "/v1/proposals/"+id+"/execute", nil, "x-idempotency-key", "run-1")
	require.Equal(t, http.StatusOK, code, env.Message)
	var res ExecutionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Replayed)

	code, env = g.do(t, &owner, http.MethodPost, "/v1/proposals/"+id+"/execute", map[string]string{"idempotencyKey": "run-1"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Replayed)

	code, env = g.do(t, &owner, http.MethodPost, "/v1/proposals/"+id+"/execute", map[string]string{"idempotencyKey": "run-2"}, "x-idempotency-key", "run-3")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)
}

func TestGatewayEvaluateThenReportExecution(t *testing.T) {
	g := newGate(t, nil)
	p := g.propose(t, agent, glazeOrder)

	code, env := g.do(t, &agent, http.MethodPost, "/v1/proposals/"+p.ID+"/evaluate", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var permit struct {
		PermitID string          `json:"permitId"`
		Decision domain.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &permit))
	assert.True(t, permit.Decision.Allowed)

	code, env = g.do(t, &agent, http.MethodPost, "/v1/audit/executions", map[string]any{
		"permitId": permit.PermitID,
		"output":   map[string]any{"orderId": "po-77"},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)

	code, env = g.do(t, &agent, http.MethodPost, "/v1/audit/executions", map[string]any{"permitId": permit.PermitID, "error": "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGatewayDenialEnvelope(t *testing.T) {
	g := newGate(t, nil)
	p := g.propose(t, agent, kilnFire)

	code, env := g.do(t, &agent, http.MethodPost, "/v1/proposals/"+p.ID+"/evaluate", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, env.OK)
	assert.Equal(t, "APPROVAL_REQUIRED", env.Code)

	code, env = g.do(t, &agent, http.MethodPost, "/v1/authority/resolve", map[string]any{"scope": "billing.refund.create"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "DELEGATION_SCOPE_MISSING", env.Code)

	code, env = g.do(t, &agent, http.MethodPost, "/v1/proposals", map[string]any{"capabilityId": glazeOrder.ID, "rationale": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)
}

func TestGatewayQuotaRetryAfter(t *testing.T) {
	g := newGate(t, nil)
	for i := 0; i < 2; i++ {
		p := g.propose(t, owner, glazeOrder)
		code, _ := g.do(t, &owner, http.MethodPost, "/v1/proposals/"+p.ID+"/execute", nil)
		require.Equal(t, http.StatusOK, code)
	}
	p := g.propose(t, owner, glazeOrder)
	code, env := g.do(t, &owner, http.MethodPost, "/v1/proposals/"+p.ID+"/execute", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", env.Code)
	assert.Greater(t, env.Details["retryAfterSeconds"], float64(0))
}

func TestGatewayBoundaryLimiter(t *testing.T) {
	limiter := ratelimit.New(quota.NewMemoryStore(), nil, map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeRoute: {Limit: 1, Window: time.Minute},
	}, nil, zap.NewNop())
	g := newGate(t, limiter)

	code, _ := g.do(t, &owner, http.MethodPost, "/v1/authority/resolve", map[string]any{"scope": "studio.glaze.order"})
	assert.Equal(t, http.StatusOK, code)
	code, env := g.do(t, &owner, http.MethodPost, "/v1/authority/resolve", map[string]any{"scope": "studio.glaze.order"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", env.Code)
}

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/handler"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/console/service"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "console-test"

var kilnFire = domain.CapabilityDefinition{ID: "studio.kiln.fire", Target: "kiln", RequiresApproval: true, Risk: domain.RiskHigh}

type envelope struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type console struct {
	srv         *ConsoleServer
	sink        *audit.MemorySink
	proposals   *proposal.Service
	killSwitch  *killswitch.Manager
	delegations *delegation.MemoryStore
	users       *service.MemoryUsers
}

func newConsole(t *testing.T) *console {
	t.Helper()
	logger := zap.NewNop()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	c := &console{
		sink:        audit.NewMemorySink(),
		delegations: delegation.NewMemoryStore(),
	}
	ledger := audit.NewLedger(c.sink, nil, logger)
	verifier := delegation.NewVerifier(c.delegations, ledger, logger)
	c.proposals = proposal.NewService(proposal.NewMemoryStore(), verifier, risk.NewAnalyzer(logger), ledger, logger)

	policyStore := killswitch.NewMemoryStore()
	c.killSwitch = killswitch.NewManager(policyStore, nil, logger)
	exemptions := killswitch.NewExemptions(policyStore, ledger, 0, logger)

	c.users = service.NewMemoryUsers()
	authSvc := service.NewAuthService(c.users, key, service.AuthOptions{Issuer: issuer, BcryptCost: bcrypt.MinCost}, logger)
	ctx := context.Background()
	require.NoError(t, authSvc.Bootstrap(ctx, "mira", "glaze-staff", domain.ActorStaff, ""))
	require.NoError(t, authSvc.Bootstrap(ctx, "otto", "glaze-owner", domain.ActorOwner, "t-1"))
	require.NoError(t, authSvc.Bootstrap(ctx, "ines", "glaze-owner-2", domain.ActorOwner, "t-1"))

	c.srv = NewConsoleServer(auth.NewBaseValidator(&key.PublicKey, issuer), nil, Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Approvals:   handler.NewApprovalHandler(c.proposals),
		Policy:      handler.NewPolicyHandler(service.NewPolicyService(c.killSwitch, exemptions, ledger, logger)),
		Delegations: handler.NewDelegationHandler(service.NewDelegationService(c.delegations, ledger, 30*24*time.Hour, logger)),
		Audit:       handler.NewAuditHandler(service.NewAuditService(c.sink, logger)),
	}, logger)
	return c
}

func (c *console) do(t *testing.T, token, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.srv.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

// login выпускает токен через /auth/token и возвращает субъект учетной записи.
func (c *console) login(t *testing.T, username, password string) (string, domain.Actor) {
	t.Helper()
	code, env := c.do(t, "", http.MethodPost, "/auth/token", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, code, env.Message)
	tok := decode[domain.TokenResponse](t, env)
	assert.Equal(t, "Bearer", tok.TokenType)

	u, err := c.users.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)
	a := domain.Actor{Type: domain.ActorType(u.Role), ID: u.ID, TenantID: u.TenantID}
	if a.Type == domain.ActorOwner {
		a.OwnerUID = u.ID
	}
	return tok.AccessToken, a
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthAndLogin(t *testing.T) {
	c := newConsole(t)

	code, _ := c.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := c.do(t, "", http.MethodGet, "/v1/approvals", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", env.Code)

	code, env = c.do(t, "", http.MethodPost, "/auth/token", map[string]string{"username": "otto", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid credentials", env.Message)

	code, env = c.do(t, "", http.MethodPost, "/auth/token", map[string]string{"username": "nobody", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid credentials", env.Message)

	code, env = c.do(t, "", http.MethodPost, "/auth/token", map[string]string{"username": "otto"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)

	token, _ := c.login(t, "otto", "glaze-owner")
	code, _ = c.do(t, token, http.MethodGet, "/v1/approvals", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestApprovalQueue(t *testing.T) {
	c := newConsole(t)
	ownerToken, owner := c.login(t, "otto", "glaze-owner")
	staffToken, _ := c.login(t, "mira", "glaze-staff")
	otherToken, _ := c.login(t, "ines", "glaze-owner-2")

	res, err := c.proposals.Create(context.Background(), kilnFire, owner, proposal.Draft{
		Input:     json.RawMessage(`{"program":"cone6"}`),
		Rationale: "bisque load is ready",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ProposalPendingApproval, res.Proposal.Status)
	id := res.Proposal.ID

	code, env := c.do(t, ownerToken, http.MethodGet, "/v1/approvals", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.Proposal](t, env), 1)

	// чужой владелец очередь не видит
	code, env = c.do(t, otherToken, http.MethodGet, "/v1/approvals", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]domain.Proposal](t, env))

	code, env = c.do(t, ownerToken, http.MethodGet, "/v1/approvals/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, decode[domain.Proposal](t, env).ID)

	// высокий риск: инициатор сам себе не согласующий
	code, env = c.do(t, ownerToken, http.MethodPost, "/v1/approvals/"+id+"/decide", map[string]any{"approved": true})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "APPROVER_NOT_DISTINCT", env.Code)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/approvals/"+id+"/decide", map[string]any{"comment": "missing verdict"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/approvals/"+id+"/decide", map[string]any{"approved": true, "comment": "kiln checked"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, domain.ProposalApproved, decode[domain.Proposal](t, env).Status)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/approvals/"+id+"/decide", map[string]any{"approved": false})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Code)

	code, env = c.do(t, ownerToken, http.MethodGet, "/v1/approvals", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]domain.Proposal](t, env))

	code, env = c.do(t, ownerToken, http.MethodGet, "/v1/approvals?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)
}

func TestKillSwitchIsStaffOnly(t *testing.T) {
	c := newConsole(t)
	ownerToken, _ := c.login(t, "otto", "glaze-owner")
	staffToken, _ := c.login(t, "mira", "glaze-staff")

	code, env := c.do(t, ownerToken, http.MethodGet, "/v1/kill-switch", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Code)

	code, env = c.do(t, staffToken, http.MethodPut, "/v1/kill-switch", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)
	assert.False(t, c.killSwitch.Enabled())

	code, env = c.do(t, staffToken, http.MethodPut, "/v1/kill-switch", map[string]any{"enabled": true, "rationale": "kiln room smoke alarm"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.True(t, decode[domain.KillSwitch](t, env).Enabled)
	assert.True(t, c.killSwitch.Enabled())

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/kill-switch", nil)
	require.Equal(t, http.StatusOK, code)
	ks := decode[domain.KillSwitch](t, env)
	assert.True(t, ks.Enabled)
	assert.Equal(t, "kiln room smoke alarm", ks.Rationale)

	events, err := c.sink.FetchLogs(context.Background(), audit.Filter{Action: "killswitch.enabled"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ReasonStaffOverride, events[0].ReasonCode)
}

func TestExemptionLifecycle(t *testing.T) {
	c := newConsole(t)
	staffToken, _ := c.login(t, "mira", "glaze-staff")
	ownerToken, owner := c.login(t, "otto", "glaze-owner")

	grant := map[string]any{
		"capabilityId":  kilnFire.ID,
		"ownerUid":      owner.ID,
		"justification": "supervised firing course",
		"expiresAt":     time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	}
	code, env := c.do(t, ownerToken, http.MethodPost, "/v1/exemptions", grant)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/exemptions", map[string]any{"capabilityId": kilnFire.ID, "ownerUid": owner.ID})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/exemptions", grant)
	require.Equal(t, http.StatusCreated, code, env.Message)
	ex := decode[domain.PolicyExemption](t, env)
	assert.Equal(t, domain.ExemptionActive, ex.Status)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/exemptions?status=active&ownerUid="+owner.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.PolicyExemption](t, env), 1)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/exemptions?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/exemptions/"+ex.ID+"/expire", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, domain.ExemptionExpired, decode[domain.PolicyExemption](t, env).Status)

	code, env = c.do(t, staffToken, http.MethodPost, "/v1/exemptions/missing/expire", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestDelegationManagement(t *testing.T) {
	c := newConsole(t)
	ownerToken, owner := c.login(t, "otto", "glaze-owner")
	otherToken, _ := c.login(t, "ines", "glaze-owner-2")
	staffToken, _ := c.login(t, "mira", "glaze-staff")
	expires := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)

	grant := map[string]any{
		"agentClientId": "glaze-bot",
		"scopes":        []string{"studio.glaze.order"},
		"resources":     []string{domain.OwnerResource(owner.ID)},
		"expiresAt":     expires,
	}
	code, env := c.do(t, ownerToken, http.MethodPost, "/v1/delegations", grant)
	require.Equal(t, http.StatusCreated, code, env.Message)
	d := decode[domain.Delegation](t, env)
	assert.Equal(t, owner.ID, d.OwnerUID)
	assert.Equal(t, "t-1", d.TenantID)
	assert.Equal(t, domain.DelegationActive, d.Status)
	assert.Equal(t, owner.ID, d.CreatedBy)

	foreign := map[string]any{
		"ownerUid":      "someone-else",
		"agentClientId": "glaze-bot",
		"scopes":        []string{"studio.glaze.order"},
		"resources":     []string{"*"},
		"expiresAt":     expires,
	}
	code, env = c.do(t, ownerToken, http.MethodPost, "/v1/delegations", foreign)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "OWNER_MISMATCH", env.Code)

	badResource := map[string]any{
		"agentClientId": "glaze-bot",
		"scopes":        []string{"studio.glaze.order"},
		"resources":     []string{"route:no-slash"},
		"expiresAt":     expires,
	}
	code, env = c.do(t, ownerToken, http.MethodPost, "/v1/delegations", badResource)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)

	code, env = c.do(t, ownerToken, http.MethodGet, "/v1/delegations", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.Delegation](t, env), 1)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/delegations", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/delegations?ownerUid="+owner.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.Delegation](t, env), 1)

	// чужой владелец не может отозвать и не узнает о существовании
	code, env = c.do(t, otherToken, http.MethodPost, "/v1/delegations/"+d.ID+"/revoke", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = c.do(t, ownerToken, http.MethodPost, "/v1/delegations/"+d.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.NotNil(t, decode[domain.Delegation](t, env).RevokedAt)

	code, env = c.do(t, ownerToken, http.MethodPost, "/v1/delegations/"+d.ID+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Code)

	stored, err := c.delegations.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.RevokedAt)
}

func TestAuditQuery(t *testing.T) {
	c := newConsole(t)
	ownerToken, owner := c.login(t, "otto", "glaze-owner")
	staffToken, _ := c.login(t, "mira", "glaze-staff")

	code, _ := c.do(t, ownerToken, http.MethodPost, "/v1/delegations", map[string]any{
		"agentClientId": "glaze-bot",
		"scopes":        []string{"studio.glaze.order"},
		"resources":     []string{"*"},
		"expiresAt":     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, code)

	code, env := c.do(t, ownerToken, http.MethodGet, "/v1/audit", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Code)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/audit?action=delegation.granted&result=allow&actorUid="+owner.ID, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	events := decode[[]audit.AuditEvent](t, env)
	require.Len(t, events, 1)
	assert.Equal(t, "delegation", events[0].ResourceType)
	assert.Equal(t, domain.ReasonAllowed, events[0].ReasonCode)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/audit?result=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = c.do(t, staffToken, http.MethodGet, "/v1/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", env.Code)
}

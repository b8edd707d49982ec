package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func activeDelegation() domain.Delegation {
	return domain.Delegation{
		ID:            "del-1",
		OwnerUID:      "owner-1",
		AgentClientID: "agent-1",
		Scopes:        []string{"studio.kiln.fire", "orders.create"},
		Resources:     []string{"owner:owner-1", "route:/v1/proposals"},
		Status:        domain.DelegationActive,
		ExpiresAt:     now.Add(24 * time.Hour),
	}
}

func agent() domain.Actor {
	return domain.Actor{Type: domain.ActorDelegated, ID: "agent-1", OwnerUID: "owner-1", DelegationID: "del-1"}
}

func newVerifier(ds ...domain.Delegation) (*Verifier, *audit.MemorySink) {
	sink := audit.NewMemorySink()
	ledger := audit.NewLedger(sink, nil, zap.NewNop())
	v := NewVerifier(NewMemoryStore(ds...), ledger, zap.NewNop()).WithClock(func() time.Time { return now })
	return v, sink
}

func TestResolveAuthorityDelegatedOrder(t *testing.T) {
	revokedAt := now.Add(-time.Minute)
	mutate := func(f func(d *domain.Delegation)) domain.Delegation {
		d := activeDelegation()
		f(&d)
		return d
	}

	tests := []struct {
		name   string
		dels   []domain.Delegation
		actor  domain.Actor
		req    Request
		reason domain.ReasonCode
	}{
		{
			name:   "allowed",
			dels:   []domain.Delegation{activeDelegation()},
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonAllowed,
		},
		{
			name:   "no delegation id",
			actor:  domain.Actor{Type: domain.ActorAgent, ID: "agent-1"},
			req:    Request{Scope: "studio.kiln.fire"},
			reason: domain.ReasonDelegationNotFound,
		},
		{
			name:   "missing",
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire"},
			reason: domain.ReasonDelegationNotFound,
		},
		{
			name:   "belongs to another agent",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.AgentClientID = "agent-2" })},
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationNotFound,
		},
		{
			name: "inactive wins over revoked",
			dels: []domain.Delegation{mutate(func(d *domain.Delegation) {
				d.Status = domain.DelegationInactive
				d.RevokedAt = &revokedAt
			})},
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationInactive,
		},
		{
			name:   "revoked",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.RevokedAt = &revokedAt })},
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationRevoked,
		},
		{
			name:   "expired at boundary",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.ExpiresAt = now })},
			actor:  agent(),
			req:    Request{Scope: "studio.kiln.fire", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationExpired,
		},
		{
			name:   "scope missing",
			dels:   []domain.Delegation{activeDelegation()},
			actor:  agent(),
			req:    Request{Scope: "orders.refund", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationScopeMissing,
		},
		{
			name:   "partial wildcard scope does not match",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.Scopes = []string{"orders.*"} })},
			actor:  agent(),
			req:    Request{Scope: "orders.create", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonDelegationScopeMissing,
		},
		{
			name:   "resource missing",
			dels:   []domain.Delegation{activeDelegation()},
			actor:  agent(),
			req:    Request{Scope: "orders.create", ResourceCandidates: []string{"route:/v1/refunds"}},
			reason: domain.ReasonDelegationResourceMissing,
		},
		{
			name:   "owner mismatch with wildcard resource",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.Resources = []string{"*"} })},
			actor:  agent(),
			req:    Request{Scope: "orders.create", TargetOwnerUID: "owner-2"},
			reason: domain.ReasonOwnerMismatch,
		},
		{
			name:   "delegation of another owner",
			dels:   []domain.Delegation{activeDelegation()},
			actor:  domain.Actor{Type: domain.ActorDelegated, ID: "agent-1", OwnerUID: "owner-9", DelegationID: "del-1"},
			req:    Request{Scope: "orders.create", TargetOwnerUID: "owner-1"},
			reason: domain.ReasonOwnerMismatch,
		},
		{
			name:   "wildcard resource does not cover a foreign owner candidate",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.Resources = []string{"*"} })},
			actor:  agent(),
			req:    Request{Scope: "orders.create", ResourceCandidates: []string{"owner:owner-2"}},
			reason: domain.ReasonOwnerMismatch,
		},
		{
			name:   "route scoped delegation",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.Resources = []string{"route:/v1/glaze/orders"} })},
			actor:  agent(),
			req:    Request{Scope: "orders.create", TargetOwnerUID: "owner-1", ResourceCandidates: []string{"route:/v1/glaze/orders"}},
			reason: domain.ReasonAllowed,
		},
		{
			name:   "tenant mismatch",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.TenantID = "tenant-a" })},
			actor:  agent(),
			req:    Request{Scope: "orders.create", TargetOwnerUID: "owner-1", TargetTenantID: "tenant-b"},
			reason: domain.ReasonTenantMismatch,
		},
		{
			name:   "wildcard scope",
			dels:   []domain.Delegation{mutate(func(d *domain.Delegation) { d.Scopes = []string{"*"} })},
			actor:  agent(),
			req:    Request{Scope: "anything.at.all", ResourceCandidates: []string{"route:/v1/proposals"}},
			reason: domain.ReasonAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, sink := newVerifier(tt.dels...)
			dec, err := v.ResolveAuthority(context.Background(), tt.actor, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, dec.Reason)
			assert.Equal(t, tt.reason == domain.ReasonAllowed, dec.Allowed)

			events := sink.Events()
			if dec.Allowed {
				assert.Empty(t, events, "non-staff allows are audited by the caller")
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, "authority.denied", events[0].Action)
			assert.Equal(t, tt.reason, events[0].ReasonCode)
			assert.Equal(t, audit.ResultDeny, events[0].Result)
		})
	}
}

func TestResolveAuthorityStaffBypassIsAudited(t *testing.T) {
	v, sink := newVerifier()
	staff := domain.Actor{Type: domain.ActorStaff, ID: "staff-1", TenantID: "tenant-a"}

	dec, err := v.ResolveAuthority(context.Background(), staff, Request{
		Scope: "studio.kiln.fire", TargetOwnerUID: "owner-9", TargetTenantID: "tenant-b", ResourceType: "kiln_batch",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ReasonStaffOverride, dec.Reason)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "authority.staff_override", events[0].Action)
	assert.Equal(t, domain.ActorStaff, events[0].ActorMode)
	assert.Equal(t, "kiln_batch", events[0].ResourceType)
	assert.Equal(t, audit.ResultAllow, events[0].Result)
}

func TestResolveAuthorityOwnerAndPAT(t *testing.T) {
	v, sink := newVerifier()
	ctx := context.Background()

	owner := domain.Actor{Type: domain.ActorOwner, ID: "owner-1", OwnerUID: "owner-1", TenantID: "tenant-a"}
	dec, err := v.ResolveAuthority(ctx, owner, Request{Scope: "orders.create", TargetOwnerUID: "owner-1"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	pat := domain.Actor{Type: domain.ActorPAT, ID: "pat-1", OwnerUID: "owner-1"}
	dec, err = v.ResolveAuthority(ctx, pat, Request{Scope: "orders.create", TargetOwnerUID: "owner-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOwnerMismatch, dec.Reason)

	dec, err = v.ResolveAuthority(ctx, owner, Request{Scope: "orders.create", TargetOwnerUID: "owner-1", TargetTenantID: "tenant-b"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTenantMismatch, dec.Reason)

	dec, err = v.ResolveAuthority(ctx, domain.Actor{Type: "robot", ID: "x"}, Request{Scope: "orders.create"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUnauthenticated, dec.Reason)

	dec, err = v.ResolveAuthority(ctx, owner, Request{Scope: "orders.create", ResourceCandidates: []string{"owner:owner-2"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOwnerMismatch, dec.Reason)

	dec, err = v.ResolveAuthority(ctx, owner, Request{Scope: "orders.create", ResourceCandidates: []string{"owner:owner-1", "route:/v1/proposals"}})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	assert.Len(t, sink.Events(), 4)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*domain.Delegation, error) {
	return nil, errors.New("connection refused")
}

func TestResolveAuthorityStoreFailureFailsClosed(t *testing.T) {
	sink := audit.NewMemorySink()
	v := NewVerifier(brokenStore{}, audit.NewLedger(sink, nil, zap.NewNop()), zap.NewNop())

	dec, err := v.ResolveAuthority(context.Background(), agent(), Request{Scope: "orders.create"})
	require.Error(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonInternal, dec.Reason)
	require.Len(t, sink.Events(), 1)
}

func TestMemoryStoreRevoke(t *testing.T) {
	s := NewMemoryStore(activeDelegation())
	ctx := context.Background()

	d, err := s.Revoke(ctx, "del-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationActive, d.Status)
	require.NotNil(t, d.RevokedAt)

	_, err = s.Revoke(ctx, "del-1", now)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = s.Revoke(ctx, "missing", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestForeignOwner(t *testing.T) {
	assert.False(t, ForeignOwner(nil, "owner-1"))
	assert.False(t, ForeignOwner([]string{"owner:owner-1", "route:/v1/kilns", "*"}, "owner-1"))
	assert.True(t, ForeignOwner([]string{"route:/v1/kilns", "owner:owner-2"}, "owner-1"))
}

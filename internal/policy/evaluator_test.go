package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/killswitch"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)

var kilnFire = domain.CapabilityDefinition{
	ID: "studio.kiln.fire", Target: "kiln-controller", RequiresApproval: true, Risk: domain.RiskHigh,
}

var orderCreate = domain.CapabilityDefinition{
	ID: "orders.create", Target: "orders", MaxCallsPerHour: 2, Risk: domain.RiskLow,
}

type staticSwitch bool

func (s staticSwitch) Enabled() bool { return bool(s) }

type fixture struct {
	eval       *Evaluator
	counters   *quota.MemoryStore
	exStore    *killswitch.MemoryStore
	exemptions *killswitch.Exemptions
	delegs     *delegation.MemoryStore
	verifier   *delegation.Verifier
}

func newFixture() *fixture {
	delegs := delegation.NewMemoryStore(domain.Delegation{
		ID: "del-1", OwnerUID: "owner-1", AgentClientID: "agent-1",
		Scopes:    []string{"studio.kiln.fire", "orders.create"},
		Resources: []string{"owner:owner-1"},
		Status:    domain.DelegationActive, ExpiresAt: now.Add(time.Hour),
	}, domain.Delegation{
		ID: "del-narrow", OwnerUID: "owner-1", AgentClientID: "agent-1",
		Scopes: []string{"orders.create"}, Resources: []string{"*"},
		Status: domain.DelegationActive, ExpiresAt: now.Add(time.Hour),
	})
	ledger := audit.NewLedger(audit.NewMemorySink(), nil, zap.NewNop())
	exStore := killswitch.NewMemoryStore()
	return &fixture{
		eval:       NewEvaluator(time.Hour, nil, zap.NewNop()),
		counters:   quota.NewMemoryStore(),
		exStore:    exStore,
		exemptions: killswitch.NewExemptions(exStore, ledger, 0, zap.NewNop()).WithClock(func() time.Time { return now }),
		delegs:     delegs,
		verifier:   delegation.NewVerifier(delegs, ledger, zap.NewNop()).WithClock(func() time.Time { return now }),
	}
}

func (f *fixture) ctx(killed bool) Context {
	return Context{KillSwitch: staticSwitch(killed), Exemptions: f.exemptions, Authority: f.verifier}
}

func (f *fixture) evaluate(t *testing.T, c domain.CapabilityDefinition, a domain.Actor, p *domain.Proposal, pc Context) domain.Decision {
	t.Helper()
	dec, err := f.eval.EvaluateExecution(context.Background(), c, a, p, f.counters, pc, now)
	require.NoError(t, err)
	assert.Equal(t, a.Type, dec.ActorMode)
	assert.NotEmpty(t, dec.Reason)
	return dec
}

func agentActor(delegationID string) domain.Actor {
	return domain.Actor{Type: domain.ActorDelegated, ID: "agent-1", OwnerUID: "owner-1", DelegationID: delegationID}
}

var owner = domain.Actor{Type: domain.ActorOwner, ID: "owner-1", OwnerUID: "owner-1"}

func proposal(c domain.CapabilityDefinition, status domain.ProposalStatus) *domain.Proposal {
	return &domain.Proposal{
		ID: "p-1", CapabilityID: c.ID, Status: status, OwnerUID: "owner-1",
		ApprovalRequired: c.RequiresApproval, Risk: c.Risk,
	}
}

func TestScopeMissingDenies(t *testing.T) {
	f := newFixture()
	dec := f.evaluate(t, kilnFire, agentActor("del-narrow"), proposal(kilnFire, domain.ProposalApproved), f.ctx(false))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonDelegationScopeMissing, dec.Reason)
}

func TestPendingWithoutExemptionRequiresApproval(t *testing.T) {
	f := newFixture()
	dec := f.evaluate(t, kilnFire, owner, proposal(kilnFire, domain.ProposalPendingApproval), f.ctx(false))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonApprovalRequired, dec.Reason)
}

func TestExemptionAllowsUntilStatusExpired(t *testing.T) {
	f := newFixture()
	staff := domain.Actor{Type: domain.ActorStaff, ID: "staff-1"}
	ex, err := f.exemptions.Grant(context.Background(), staff, killswitch.GrantRequest{
		CapabilityID: kilnFire.ID, OwnerUID: "owner-1", Justification: "kiln vendor test", ExpiresAt: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	p := proposal(kilnFire, domain.ProposalPendingApproval)
	dec := f.evaluate(t, kilnFire, owner, p, f.ctx(false))
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ApprovalExempt, dec.ApprovalState)
	assert.Equal(t, domain.ReasonExemptionApplied, dec.Reason)
	assert.Equal(t, ex.ID, dec.ExemptionID)

	_, err = f.exemptions.Expire(context.Background(), staff, ex.ID)
	require.NoError(t, err)

	dec = f.evaluate(t, kilnFire, owner, p, f.ctx(false))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonApprovalRequired, dec.Reason)
}

func TestExemptionForOtherOwnerDoesNotApply(t *testing.T) {
	f := newFixture()
	f.exStore.SetExemption(domain.PolicyExemption{
		ID: "ex-9", CapabilityID: kilnFire.ID, OwnerUID: "owner-2",
		Status: domain.ExemptionActive, ExpiresAt: now.Add(time.Hour),
	})
	dec := f.evaluate(t, kilnFire, owner, proposal(kilnFire, domain.ProposalPendingApproval), f.ctx(false))
	assert.Equal(t, domain.ReasonApprovalRequired, dec.Reason)
}

func TestQuotaAllowsTwoThenLimits(t *testing.T) {
	f := newFixture()
	p := proposal(orderCreate, domain.ProposalApproved)
	a := agentActor("del-1")

	for i := 0; i < 2; i++ {
		dec := f.evaluate(t, orderCreate, a, p, f.ctx(false))
		require.True(t, dec.Allowed, "call %d", i+1)
		assert.Equal(t, domain.ApprovalNotRequired, dec.ApprovalState)
	}
	dec := f.evaluate(t, orderCreate, a, p, f.ctx(false))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
	assert.Greater(t, dec.RetryAfterSeconds, 0)
	assert.EqualValues(t, 3, dec.QuotaCount)
	assert.Equal(t, 2, dec.QuotaLimit)

	var pe *domain.PolicyError
	require.ErrorAs(t, dec.Err(), &pe)
	assert.Equal(t, time.Hour, pe.RetryAfter)
}

func TestExemptionDoesNotLiftQuota(t *testing.T) {
	f := newFixture()
	c := kilnFire
	c.MaxCallsPerHour = 1
	f.exStore.SetExemption(domain.PolicyExemption{
		ID: "ex-1", CapabilityID: c.ID, OwnerUID: "owner-1",
		Status: domain.ExemptionActive, ExpiresAt: now.Add(time.Hour),
	})
	p := proposal(c, domain.ProposalPendingApproval)

	assert.True(t, f.evaluate(t, c, owner, p, f.ctx(false)).Allowed)
	dec := f.evaluate(t, c, owner, p, f.ctx(false))
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
	assert.Equal(t, domain.ApprovalExempt, dec.ApprovalState)
}

func TestCrossTenantDenied(t *testing.T) {
	f := newFixture()
	a := owner
	a.TenantID = "tenant-a"
	p := proposal(orderCreate, domain.ProposalApproved)
	p.TenantID = "tenant-b"

	dec := f.evaluate(t, orderCreate, a, p, f.ctx(true))
	assert.Equal(t, domain.ReasonTenantMismatch, dec.Reason, "tenant check runs before the kill switch")
}

func TestKillSwitchOverridesApprovalAndExemption(t *testing.T) {
	f := newFixture()
	f.exStore.SetExemption(domain.PolicyExemption{
		ID: "ex-1", CapabilityID: kilnFire.ID, OwnerUID: "owner-1",
		Status: domain.ExemptionActive, ExpiresAt: now.Add(time.Hour),
	})
	for _, status := range []domain.ProposalStatus{domain.ProposalApproved, domain.ProposalPendingApproval} {
		dec := f.evaluate(t, kilnFire, owner, proposal(kilnFire, status), f.ctx(true))
		assert.Equal(t, domain.ReasonKillSwitchEnabled, dec.Reason)
	}

	dec := f.evaluate(t, orderCreate, owner, proposal(orderCreate, domain.ProposalApproved), f.ctx(true))
	assert.Equal(t, domain.ReasonKillSwitchEnabled, dec.Reason)
	c, err := f.counters.Increment(context.Background(), quota.Key(orderCreate.ID, owner.Key()), time.Hour, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Count, "denied evaluation does not consume quota")
}

func TestRevokedDelegationDeniedAtExecution(t *testing.T) {
	f := newFixture()
	_, err := f.delegs.Revoke(context.Background(), "del-1", now.Add(-time.Second))
	require.NoError(t, err)

	dec := f.evaluate(t, orderCreate, agentActor("del-1"), proposal(orderCreate, domain.ProposalApproved), f.ctx(false))
	assert.Equal(t, domain.ReasonDelegationRevoked, dec.Reason)
}

func TestTerminalStatuses(t *testing.T) {
	f := newFixture()
	dec := f.evaluate(t, kilnFire, owner, proposal(kilnFire, domain.ProposalRejected), f.ctx(false))
	assert.Equal(t, domain.ReasonProposalRejected, dec.Reason)

	dec = f.evaluate(t, kilnFire, owner, proposal(kilnFire, domain.ProposalExecuted), f.ctx(false))
	assert.Equal(t, domain.ReasonConflict, dec.Reason)
}

func TestEscalatedProposalNeedsApproval(t *testing.T) {
	f := newFixture()
	p := proposal(orderCreate, domain.ProposalPendingApproval)
	p.ApprovalRequired = true
	dec := f.evaluate(t, orderCreate, owner, p, f.ctx(false))
	assert.Equal(t, domain.ReasonApprovalRequired, dec.Reason)
}

func TestStaffOverride(t *testing.T) {
	f := newFixture()
	staff := domain.Actor{Type: domain.ActorStaff, ID: "staff-1"}
	dec := f.evaluate(t, kilnFire, staff, proposal(kilnFire, domain.ProposalApproved), f.ctx(false))
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ReasonStaffOverride, dec.Reason)
	assert.Equal(t, domain.ActorStaff, dec.ActorMode)
}

func TestInvalidInputs(t *testing.T) {
	f := newFixture()
	dec := f.evaluate(t, kilnFire, owner, nil, f.ctx(false))
	assert.Equal(t, domain.ReasonInvalidArgument, dec.Reason)

	dec = f.evaluate(t, kilnFire, owner, proposal(orderCreate, domain.ProposalApproved), f.ctx(false))
	assert.Equal(t, domain.ReasonInvalidArgument, dec.Reason)
}

type brokenCounters struct{}

func (brokenCounters) Increment(context.Context, string, time.Duration, time.Time) (quota.Counter, error) {
	return quota.Counter{}, errors.New("connection reset")
}

func TestQuotaStoreFailureFailsClosed(t *testing.T) {
	f := newFixture()
	dec, err := f.eval.EvaluateExecution(context.Background(), orderCreate, owner,
		proposal(orderCreate, domain.ProposalApproved), brokenCounters{}, f.ctx(false), now)
	require.Error(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonInternal, dec.Reason)
}

func TestMissingAuthorityFailsClosed(t *testing.T) {
	f := newFixture()
	dec, err := f.eval.EvaluateExecution(context.Background(), orderCreate, owner,
		proposal(orderCreate, domain.ProposalApproved), f.counters, Context{}, now)
	require.Error(t, err)
	assert.Equal(t, domain.ReasonInternal, dec.Reason)
}

func TestReverificationUsesProposalResourceCandidates(t *testing.T) {
	f := newFixture()
	route := domain.RouteResource("/v1/orders")
	require.NoError(t, f.delegs.Create(context.Background(), &domain.Delegation{
		ID: "del-route", OwnerUID: "owner-1", AgentClientID: "agent-1",
		Scopes: []string{orderCreate.ID}, Resources: []string{route},
		Status: domain.DelegationActive, ExpiresAt: now.Add(time.Hour),
	}))

	p := proposal(orderCreate, domain.ProposalApproved)
	p.ResourceCandidates = []string{route}
	dec := f.evaluate(t, orderCreate, agentActor("del-route"), p, f.ctx(false))
	assert.True(t, dec.Allowed)

	// без кандидатов остается только owner:owner-1, которого делегация не покрывает
	p.ResourceCandidates = nil
	dec = f.evaluate(t, orderCreate, agentActor("del-route"), p, f.ctx(false))
	assert.Equal(t, domain.ReasonDelegationResourceMissing, dec.Reason)
}

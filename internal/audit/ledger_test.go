package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/digest"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, *MemorySink) {
	sink := NewMemorySink()
	l := NewLedger(sink, NewRedactor("pepper"), zap.NewNop()).WithClock(func() time.Time { return fixedNow })
	return l, sink
}

var kilnFire = domain.CapabilityDefinition{ID: "studio.kiln.fire", Target: "studio", Risk: domain.RiskHigh}

func TestAppendExecutionAuditSuccess(t *testing.T) {
	l, sink := newTestLedger()
	ctx := infra.WithRequestID(context.Background(), "req-1")
	actor := domain.Actor{Type: domain.ActorDelegated, ID: "agent-7", OwnerUID: "owner-1", TenantID: "t1"}
	p := &domain.Proposal{ID: "p-1", InputHash: "in-hash", ResourceType: "kiln_batch", ResourceID: "batch-9"}
	dec := domain.Decision{Allowed: true, Reason: domain.ReasonAllowed, ActorMode: domain.ActorDelegated, ApprovalState: domain.ApprovalGranted}

	id, err := l.AppendExecutionAudit(ctx, actor, kilnFire, p, Outcome{Output: json.RawMessage(`{"b":2,"a":1}`)}, dec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "capability.studio.kiln.fire.executed", e.Action)
	assert.Equal(t, ResultAllow, e.Result)
	assert.Equal(t, domain.ReasonAllowed, e.ReasonCode)
	assert.Equal(t, domain.ActorDelegated, e.ActorMode)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "kiln_batch", e.ResourceType)
	assert.Equal(t, "batch-9", e.ResourceID)
	assert.Equal(t, "in-hash", e.InputHash)
	assert.Equal(t, fixedNow, e.CreatedAt)

	want, _ := digest.Raw(json.RawMessage(`{"a":1,"b":2}`))
	require.NotNil(t, e.OutputHash)
	assert.Equal(t, want, *e.OutputHash)
	assert.Equal(t, "success", e.Metadata["outcome"])
	assert.Equal(t, "approved", e.Metadata["approvalState"])
}

func TestAppendExecutionAuditFailureHashesError(t *testing.T) {
	l, sink := newTestLedger()
	dec := domain.Allow(domain.ActorOwner, domain.ReasonAllowed)
	_, err := l.AppendExecutionAudit(context.Background(), domain.Actor{Type: domain.ActorOwner, ID: "u1"}, kilnFire,
		&domain.Proposal{ID: "p-2"}, Outcome{Err: errors.New("connector down")}, dec)
	require.NoError(t, err)

	e := sink.Events()[0]
	require.NotNil(t, e.OutputHash)
	assert.Equal(t, digest.Error(errors.New("connector down")), *e.OutputHash)
	assert.Equal(t, "error", e.Metadata["outcome"])
	assert.Equal(t, "proposal", e.ResourceType)
	assert.Equal(t, "p-2", e.ResourceID)
}

func TestAppendExecutionAuditDenied(t *testing.T) {
	l, sink := newTestLedger()
	dec := domain.Decision{Reason: domain.ReasonRateLimited, ActorMode: domain.ActorPAT, RetryAfterSeconds: 30}
	_, err := l.AppendExecutionAudit(context.Background(), domain.Actor{Type: domain.ActorPAT, ID: "pat-1"}, kilnFire, nil, Outcome{}, dec)
	require.NoError(t, err)

	e := sink.Events()[0]
	assert.Equal(t, "capability.studio.kiln.fire.denied", e.Action)
	assert.Equal(t, ResultDeny, e.Result)
	assert.Equal(t, domain.ReasonRateLimited, e.ReasonCode)
	assert.Nil(t, e.OutputHash)
	assert.Equal(t, 30, e.Metadata["retryAfterSeconds"])
}

func TestRecordNeverWritesEmptyReason(t *testing.T) {
	l, sink := newTestLedger()
	_, err := l.Record(context.Background(), Entry{Actor: domain.Actor{Type: domain.ActorOwner, ID: "u"}, Action: "x"})
	require.NoError(t, err)
	_, err = l.Record(context.Background(), Entry{Actor: domain.Actor{Type: domain.ActorOwner, ID: "u"}, Action: "y", Decision: domain.Decision{Allowed: true}})
	require.NoError(t, err)

	events := sink.Events()
	assert.Equal(t, domain.ReasonInternal, events[0].ReasonCode)
	assert.Equal(t, domain.ReasonAllowed, events[1].ReasonCode)
	assert.Equal(t, domain.ActorOwner, events[0].ActorMode)
	assert.Equal(t, "unknown", events[0].ResourceType)
}

type failingSink struct{}

func (failingSink) Append(context.Context, AuditEvent) error { return errors.New("disk full") }

func TestRecordSurfacesSinkFailure(t *testing.T) {
	l := NewLedger(failingSink{}, nil, zap.NewNop())
	_, err := l.Record(context.Background(), Entry{Action: "capability.x.y.executed"})
	require.ErrorContains(t, err, "disk full")
}

func TestRedactorHashesSensitiveKeys(t *testing.T) {
	r := NewRedactor("salt", "kiln_code")
	in := map[string]any{
		"email":      "someone@example.com",
		"count":      3,
		"nested":     map[string]any{"apiKey": "abc", "ok": true},
		"kiln_code":  "1234",
		"capability": "orders.create",
	}
	out := r.Redact(in)

	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "orders.create", out["capability"])
	assert.Contains(t, out["email"], "redacted:")
	assert.NotContains(t, out["email"], "example.com")
	assert.Contains(t, out["kiln_code"], "redacted:")
	nested := out["nested"].(map[string]any)
	assert.Contains(t, nested["apiKey"], "redacted:")
	assert.Equal(t, true, nested["ok"])
	assert.Equal(t, "someone@example.com", in["email"], "input must not be mutated")
	assert.Nil(t, r.Redact(nil))
}

func TestMemorySinkFetchAndPurge(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	old := AuditEvent{ID: "1", ActorUID: "a", Action: "x", Result: ResultDeny, CreatedAt: fixedNow.Add(-48 * time.Hour)}
	recent := AuditEvent{ID: "2", ActorUID: "a", Action: "y", Result: ResultAllow, CreatedAt: fixedNow}
	require.NoError(t, sink.Append(ctx, old))
	require.NoError(t, sink.Append(ctx, recent))

	got, err := sink.FetchLogs(ctx, Filter{ActorUID: "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)

	got, err = sink.FetchLogs(ctx, Filter{Result: ResultDeny})
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := sink.PurgeBefore(ctx, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, sink.Events(), 1)
}

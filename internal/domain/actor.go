package domain

import "sort"

// ActorType — тег варианта субъекта запроса.
type ActorType string

const (
	ActorStaff     ActorType = "staff"
	ActorOwner     ActorType = "owner"
	ActorPAT       ActorType = "pat"
	ActorAgent     ActorType = "agent"
	ActorDelegated ActorType = "delegated"
)

func (t ActorType) Valid() bool {
	switch t {
	case ActorStaff, ActorOwner, ActorPAT, ActorAgent, ActorDelegated:
		return true
	}
	return false
}

// Actor — субъект одного запроса. Строится ResolveActor из проверенного токена,
// в базе в таком виде не хранится.
type Actor struct {
	Type         ActorType       `json:"actorType"`
	ID           string          `json:"actorId"`
	OwnerUID     string          `json:"ownerUid"`
	TenantID     string          `json:"tenantId,omitempty"`
	Scopes       map[string]bool `json:"-"`
	DelegationID string          `json:"delegationId,omitempty"`
}

func (a Actor) IsStaff() bool { return a.Type == ActorStaff }

// IsDelegated — агент действует от имени владельца через делегацию.
func (a Actor) IsDelegated() bool { return a.Type == ActorDelegated || a.Type == ActorAgent }

// Key — ключ субъекта для квот и лимитов.
func (a Actor) Key() string { return string(a.Type) + ":" + a.ID }

func (a Actor) HasScope(scope string) bool {
	return a.Scopes["*"] || a.Scopes[scope]
}

// ScopeList возвращает отсортированный список скоупов (для логов и ответов).
func (a Actor) ScopeList() []string {
	out := make([]string, 0, len(a.Scopes))
	for s, ok := range a.Scopes {
		if ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

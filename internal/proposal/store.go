// Package proposal ведет предложения через конечный автомат согласования.
package proposal

import (
	"context"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// Filter — выборка очереди согласования. Пустой OwnerUID — все владельцы.
type Filter struct {
	Status   domain.ProposalStatus
	OwnerUID string
	TenantID string
	Limit    int
}

// Store — хранилище предложений. Все переходы статуса атомарны (compare-and-set по статусу).
type Store interface {
	Create(ctx context.Context, p *domain.Proposal) error
	// Get возвращает domain.ErrNotFound для отсутствующих.
	Get(ctx context.Context, id string) (*domain.Proposal, error)
	// Decide переводит pending_approval в approved/rejected. Если статус уже другой — domain.ErrConflict.
	Decide(ctx context.Context, id string, next domain.ProposalStatus, approver, comment string, at time.Time) (*domain.Proposal, error)
	// MarkExecuted захватывает предложение для исполнения из одного из статусов from.
	MarkExecuted(ctx context.Context, id string, from []domain.ProposalStatus, at time.Time) (*domain.Proposal, error)
	// ReleaseExecution возвращает executed в статус to после сбоя побочного эффекта.
	ReleaseExecution(ctx context.Context, id string, to domain.ProposalStatus) error
	List(ctx context.Context, f Filter) ([]domain.Proposal, error)
}

// Package inventory — захват последней единицы товара: из двух конкурентных
// покупателей один получает единицу, второй — CONFLICT.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// Reservation — подтвержденный захват единицы.
type Reservation struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	HolderUID  string    `json:"holderUid"`
	Remaining  int       `json:"remaining"`
	ReservedAt time.Time `json:"reservedAt"`
}

// Store атомарно уменьшает остаток. Пустой остаток — domain.ErrConflict,
// неизвестный SKU — domain.ErrNotFound.
type Store interface {
	Reserve(ctx context.Context, r Reservation) (Reservation, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Reserve захватывает одну единицу sku для holder.
func (s *Service) Reserve(ctx context.Context, sku, holder string) (Reservation, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" || holder == "" {
		return Reservation{}, domain.Invalid("sku and holder are required")
	}
	r, err := s.store.Reserve(ctx, Reservation{
		ID:         uuid.NewString(),
		SKU:        sku,
		HolderUID:  holder,
		ReservedAt: s.now().UTC(),
	})
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, domain.ErrConflict):
		return Reservation{}, domain.Deny(domain.ReasonConflict, "no units left for "+sku)
	case errors.Is(err, domain.ErrNotFound):
		return Reservation{}, domain.Deny(domain.ReasonNotFound, "unknown sku "+sku)
	}
	return Reservation{}, domain.Internal(fmt.Errorf("inventory: reserve %s: %w", sku, err))
}

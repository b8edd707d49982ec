package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/inventory"
)

type InventoryRepo struct {
	db *DB
}

func NewInventoryRepo(db *DB) *InventoryRepo { return &InventoryRepo{db: db} }

// Reserve списывает одну единицу в SERIALIZABLE транзакции вместе с записью о захвате.
func (r *InventoryRepo) Reserve(ctx context.Context, res inventory.Reservation) (inventory.Reservation, error) {
	err := r.db.Serializable(ctx, "inventory.reserve", func(ctx context.Context, tx pgx.Tx) error {
		var left int
		err := tx.QueryRow(ctx, `SELECT available FROM inventory WHERE sku = $1`, res.SKU).Scan(&left)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: read stock %s: %w", res.SKU, err)
		}
		if left <= 0 {
			return domain.ErrConflict
		}
		if _, err := tx.Exec(ctx, `UPDATE inventory SET available = available - 1 WHERE sku = $1`, res.SKU); err != nil {
			return fmt.Errorf("postgres: decrement stock %s: %w", res.SKU, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO inventory_reservations (id, sku, holder_uid, reserved_at) VALUES ($1, $2, $3, $4)`,
			res.ID, res.SKU, res.HolderUID, res.ReservedAt); err != nil {
			return fmt.Errorf("postgres: record reservation: %w", err)
		}
		res.Remaining = left - 1
		return nil
	})
	return res, err
}

// SetStock — начальная загрузка остатков.
func (r *InventoryRepo) SetStock(ctx context.Context, sku string, available int) error {
	return r.db.guard.Do(ctx, "inventory.set_stock", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO inventory (sku, available) VALUES ($1, $2)
			ON CONFLICT (sku) DO UPDATE SET available = EXCLUDED.available`, sku, available)
		return err
	})
}

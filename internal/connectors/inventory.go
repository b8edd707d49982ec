package connectors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/inventory"
)

// Reserver — захват единицы товара (inventory.Service).
type Reserver interface {
	Reserve(ctx context.Context, sku, holder string) (inventory.Reservation, error)
}

// InventoryConnector исполняет возможности с target "inventory" внутри процесса.
// Вход: {"sku": "...", "holderUid": "..."}. Пустой остаток — RemoteError 409.
type InventoryConnector struct {
	reserver Reserver
}

func NewInventoryConnector(r Reserver) *InventoryConnector {
	return &InventoryConnector{reserver: r}
}

type reserveInput struct {
	SKU       string `json:"sku"`
	HolderUID string `json:"holderUid"`
}

func (c *InventoryConnector) Call(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var in reserveInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, &RemoteError{Code: http.StatusBadRequest, Message: "payload must be a JSON object with sku and holderUid"}
	}
	r, err := c.reserver.Reserve(ctx, in.SKU, in.HolderUID)
	if err != nil {
		switch domain.ReasonOf(err) {
		case domain.ReasonConflict:
			return nil, &RemoteError{Code: http.StatusConflict, Message: "no units left for " + in.SKU}
		case domain.ReasonNotFound:
			return nil, &RemoteError{Code: http.StatusNotFound, Message: "unknown sku " + in.SKU}
		case domain.ReasonInvalidArgument:
			return nil, &RemoteError{Code: http.StatusBadRequest, Message: "sku and holderUid are required"}
		}
		return nil, err
	}
	return json.Marshal(r)
}

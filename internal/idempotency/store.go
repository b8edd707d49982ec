// Package idempotency хранит ответы идемпотентных операций: повтор с тем же ключом
// и тем же телом получает сохраненный ответ без повторного побочного эффекта.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/digest"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// Key — кортеж (операция, субъект, клиентский ключ).
type Key struct {
	Operation string
	ActorUID  string
	ClientKey string
}

// ID — внутренний идентификатор записи, производный от всего кортежа.
func (k Key) ID() string {
	return digest.Sum([]byte(k.Operation + "\x00" + k.ActorUID + "\x00" + k.ClientKey))
}

type Record struct {
	ID          string          `json:"id"`
	ActorUID    string          `json:"actorUid"`
	Operation   string          `json:"operation"`
	Fingerprint string          `json:"requestFingerprint"`
	Response    json.RawMessage `json:"responseData"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

type Result struct {
	Response json.RawMessage
	Replayed bool
}

// ComputeFunc выполняет операцию. Ошибка не сохраняется: повтор выполнит ее заново.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// Store — create-if-absent. Два конкурентных вызова с одним ключом дают ровно одно
// исполнение; второй получает повтор или конфликт.
type Store interface {
	CheckOrRecord(ctx context.Context, key Key, fingerprint string, compute ComputeFunc) (Result, error)
}

// Fingerprint — отпечаток нормализованного тела запроса.
func Fingerprint(payload json.RawMessage) (string, error) {
	h, err := digest.Raw(payload)
	if err != nil {
		return "", domain.Invalid("request payload is not valid JSON")
	}
	return h, nil
}

// ErrKeyConflict — тот же ключ с другим телом.
func ErrKeyConflict() error {
	return domain.Deny(domain.ReasonIdempotencyKeyConflict, "idempotency key was already used with a different request payload")
}

package httpapi

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

const (
	HeaderIdempotencyKey = "x-idempotency-key"
	maxIdempotencyKeyLen = 128
)

// IdempotencyKey выбирает ключ из заголовка x-idempotency-key или поля тела idempotencyKey.
// Оба пустые — ключа нет. Оба заданы и различаются — INVALID_ARGUMENT.
func IdempotencyKey(r *http.Request, bodyKey string) (string, error) {
	header := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	bodyKey = strings.TrimSpace(bodyKey)

	key := header
	switch {
	case header != "" && bodyKey != "" && header != bodyKey:
		return "", domain.Invalid("idempotency key in header and body differ")
	case header == "":
		key = bodyKey
	}
	if key == "" {
		return "", nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", domain.Invalid("idempotency key exceeds %d characters", maxIdempotencyKeyLen)
	}
	for _, c := range key {
		if c > unicode.MaxASCII || !unicode.IsPrint(c) || c == ' ' {
			return "", domain.Invalid("idempotency key must be printable ASCII without spaces")
		}
	}
	return key, nil
}

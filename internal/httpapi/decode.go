package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

const maxBodyBytes = 1 << 20

// Validator реализуют типы запросов; ошибка валидации превращается в INVALID_ARGUMENT.
type Validator interface {
	Validate() error
}

// Decode строго разбирает тело: неизвестные поля, хвостовые данные и превышение
// размера отклоняются до того, как запрос дойдет до политики.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return domain.Invalid("request body is empty")
		case errors.As(err, &maxErr):
			return domain.Invalid("request body exceeds %d bytes", maxErr.Limit)
		default:
			return domain.Invalid("malformed request body: %v", err)
		}
	}
	if dec.More() {
		return domain.Invalid("request body must contain a single JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return domain.Invalid("request body must contain a single JSON object")
	}

	if v, ok := dst.(Validator); ok {
		if err := v.Validate(); err != nil {
			var pe *domain.PolicyError
			if errors.As(err, &pe) {
				return err
			}
			return domain.Invalid("%v", err)
		}
	}
	return nil
}

package service

import (
	"errors"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// wrapStore оставляет отказы политики и ErrNotFound/ErrConflict как есть,
// прочие ошибки хранилища превращает в INTERNAL.
func wrapStore(err error) error {
	var pe *domain.PolicyError
	switch {
	case errors.As(err, &pe), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		return err
	}
	return domain.Internal(err)
}

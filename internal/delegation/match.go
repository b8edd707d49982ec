package delegation

import (
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
)

// ScopeGranted — точное совпадение или "*". Частичные шаблоны (orders.*) не поддерживаются
// и ничего не разрешают.
func ScopeGranted(granted []string, required string) bool {
	if required == "" {
		return false
	}
	for _, s := range granted {
		if s == "*" || s == required {
			return true
		}
	}
	return false
}

// ResourceGranted — делегация с "*" покрывает все; иначе нужен хотя бы один кандидат,
// совпадающий с ресурсом делегации целиком.
func ResourceGranted(granted []string, candidates []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, r := range granted {
		if r == domain.ResourceWildcard {
			return true
		}
		set[r] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// ForeignOwner — среди кандидатов есть owner:<uid> другого владельца.
func ForeignOwner(candidates []string, owner string) bool {
	for _, c := range candidates {
		if uid, ok := strings.CutPrefix(c, domain.ResourceOwnerPrefix); ok && uid != owner {
			return true
		}
	}
	return false
}

package audit

import (
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/digest"
)

var defaultSensitiveKeys = []string{
	"password", "secret", "token", "authorization", "apikey", "api_key",
	"email", "phone", "card", "ssn", "cookie",
}

// Redactor заменяет чувствительные значения метаданных солеными хешами.
type Redactor struct {
	salt string
	keys []string
}

func NewRedactor(salt string, extraKeys ...string) *Redactor {
	keys := append([]string{}, defaultSensitiveKeys...)
	for _, k := range extraKeys {
		keys = append(keys, strings.ToLower(k))
	}
	return &Redactor{salt: salt, keys: keys}
}

func (r *Redactor) sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range r.keys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact возвращает копию метаданных; исходная карта не меняется.
func (r *Redactor) Redact(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch {
		case r.sensitive(k):
			out[k] = "redacted:" + digest.Salted(r.salt, stringify(v))[:16]
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = r.Redact(nested)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	h, err := digest.Value(v)
	if err != nil {
		return ""
	}
	return h
}

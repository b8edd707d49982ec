// Package digest нормализует JSON и считает sha256-отпечатки входов, выходов и запросов.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Canonical возвращает нормальную форму JSON: ключи отсортированы, числа сохранены
// в исходной записи, пробелы удалены. Пустой вход нормализуется в null.
func Canonical(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("digest: decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("digest: trailing data after json value")
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Raw — sha256 hex от нормальной формы.
func Raw(raw json.RawMessage) (string, error) {
	c, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	return Sum(c), nil
}

// Value маршалит произвольное значение и хеширует нормальную форму.
func Value(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("digest: marshal: %w", err)
	}
	return Raw(b)
}

// Error хеширует ошибку как {"error": "..."}; используется для outputHash неуспешных исполнений.
func Error(err error) string {
	h, _ := Value(map[string]string{"error": err.Error()})
	return h
}

func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Salted — хеш с солью, для редактирования чувствительных значений.
func Salted(salt, value string) string {
	return Sum([]byte(salt + "|" + value))
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []any:
		buf.WriteByte('[')
		for i, vv := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("digest: unsupported json type %T", v)
	}
	return nil
}

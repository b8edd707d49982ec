package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Идентификатор возможности: точечное пространство имен, минимум два сегмента.
var capabilityIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)+$`)

// ErrUnknownCapability — отказ по умолчанию (fail closed) для неизвестного ID.
var ErrUnknownCapability = domain.Deny(domain.ReasonCapabilityUnknown, "capability is not registered")

// Registry — неизменяемая таблица возможностей. Строится один раз при старте,
// далее только читается, поэтому блокировки не нужны.
type Registry struct {
	byID map[string]domain.CapabilityDefinition
}

// New валидирует определения и строит реестр.
func New(defs []domain.CapabilityDefinition) (*Registry, error) {
	r := &Registry{byID: make(map[string]domain.CapabilityDefinition, len(defs))}
	var errs []error
	for _, d := range defs {
		if err := validate(d); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("capability %q: duplicate id", d.ID))
			continue
		}
		r.byID[d.ID] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func validate(d domain.CapabilityDefinition) error {
	if !capabilityIDPattern.MatchString(d.ID) {
		return fmt.Errorf("capability %q: id must be a dotted namespace", d.ID)
	}
	if d.Target == "" {
		return fmt.Errorf("capability %q: target is required", d.ID)
	}
	if !d.Risk.Valid() {
		return fmt.Errorf("capability %q: unknown risk tier %q", d.ID, d.Risk)
	}
	if d.MaxCallsPerHour < 0 {
		return fmt.Errorf("capability %q: maxCallsPerHour must be >= 0", d.ID)
	}
	if d.Threshold != nil && d.Threshold.Field == "" {
		return fmt.Errorf("capability %q: approvalThreshold.field is required", d.ID)
	}
	return nil
}

// Lookup возвращает определение. Неизвестный ID — всегда отказ.
func (r *Registry) Lookup(id string) (domain.CapabilityDefinition, error) {
	if r == nil {
		return domain.CapabilityDefinition{}, ErrUnknownCapability
	}
	d, ok := r.byID[id]
	if !ok {
		return domain.CapabilityDefinition{}, ErrUnknownCapability
	}
	return d, nil
}

// List возвращает определения в порядке ID.
func (r *Registry) List() []domain.CapabilityDefinition {
	out := make([]domain.CapabilityDefinition, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int { return len(r.byID) }

type file struct {
	Capabilities []domain.CapabilityDefinition `yaml:"capabilities"`
}

// Parse читает YAML со строгой проверкой полей.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	return New(f.Capabilities)
}

// Load загружает таблицу возможностей из файла.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.Named("registry").Info("capability registry loaded",
		zap.String("path", path), zap.Int("count", r.Len()))
	return r, nil
}

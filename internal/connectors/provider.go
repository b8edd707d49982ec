// Package connectors — мост от шлюза к внешним системам, выполняющим побочный эффект.
package connectors

import (
	"context"
	"fmt"
)

// Provider выполняет действие возможности во внешней системе.
type Provider interface {
	Call(ctx context.Context, capID string, payload []byte) ([]byte, error)
}

// Router выбирает коннектор по target возможности.
type Router struct {
	byTarget map[string]Provider
	fallback Provider
}

func NewRouter(fallback Provider) *Router {
	return &Router{byTarget: make(map[string]Provider), fallback: fallback}
}

// Register — вызывается только при сборке, до начала обслуживания запросов.
func (r *Router) Register(target string, p Provider) *Router {
	r.byTarget[target] = p
	return r
}

func (r *Router) For(target string) (Provider, error) {
	if p, ok := r.byTarget[target]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoConnector, target)
}

package strategy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/yanun0323/errors"
)

var (
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrAlreadyRegistered  = errors.New("strategy already registered")
	ErrInvalidStrategyArg = errors.New("invalid strategy parameter")
)

// Factory builds a strategy from its configuration parameters.
type Factory func(params map[string]any) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(PullbackName, NewPullbackFromParams)
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "name: %s", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Create(name string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "name: %s, available: %v", name, r.Available())
	}
	s, err := f(params)
	if err != nil {
		return nil, errors.Wrapf(err, "create strategy %s", name)
	}
	return s, nil
}

// Available lists the registered names sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, errors.Wrapf(ErrInvalidStrategyArg, "%s: %v is not an integer", key, v)
		}
		return int(n), nil
	default:
		return 0, errors.Wrapf(ErrInvalidStrategyArg, "%s: unsupported type %T", key, v)
	}
}

func stringParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Wrap(ErrInvalidStrategyArg, fmt.Sprintf("%s: expected string, got %T", key, v))
	}
	return s, nil
}

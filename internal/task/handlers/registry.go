// Package handlers is the catalogue of named operations that config
// schedules and the HTTP API can submit by name.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"taskd/internal/task/engine"
)

var ErrUnknownHandler = errors.New("unknown handler")

// Args are free-form handler arguments decoded from JSON or YAML.
type Args map[string]any

// Factory builds an operation from args. Argument errors are reported here,
// at submit time, not when the task runs.
type Factory func(args Args) (engine.Operation, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in handlers. client is used
// by http.get; nil means a client with a 30s timeout.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := &Registry{factories: map[string]Factory{}}
	_ = r.Register("noop", noopFactory)
	_ = r.Register("sleep", sleepFactory)
	_ = r.Register("fail", failFactory)
	_ = r.Register("echo", echoFactory)
	_ = r.Register("http.get", httpGetFactory(client))
	return r
}

// Register adds a handler. Names are case-insensitive and must be unique.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || f == nil {
		return errors.New("handler name and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("handler %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build resolves name and builds its operation.
func (r *Registry) Build(name string, args Args) (engine.Operation, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	op, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", key, err)
	}
	return op, nil
}

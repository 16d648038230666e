// Package processor maps route names to the handlers that perform task work.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownRoute matches any *UnknownRouteError via errors.Is.
var ErrUnknownRoute = errors.New("unknown route")

// UnknownRouteError is returned by Lookup when no handler is registered for a route.
type UnknownRouteError struct {
	Route string
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("unknown route %q", e.Route)
}

// Is reports whether target is ErrUnknownRoute.
func (e *UnknownRouteError) Is(target error) bool {
	return target == ErrUnknownRoute
}

// Handler performs the work for one route. The returned value must be JSON
// serializable; it becomes the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry maps route names to handlers. It is safe for concurrent use but is
// normally populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under route, replacing any previous handler.
func (r *Registry) Register(route string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[route] = h
}

// Lookup returns the handler for route or an *UnknownRouteError.
func (r *Registry) Lookup(route string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[route]
	if !ok {
		return nil, &UnknownRouteError{Route: route}
	}
	return h, nil
}

// Has reports whether route is registered.
func (r *Registry) Has(route string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[route]
	return ok
}

// Routes returns the registered route names sorted for stable output.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		routes = append(routes, name)
	}
	sort.Strings(routes)
	return routes
}

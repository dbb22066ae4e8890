package router

import (
	"errors"
	"fmt"

	"github.com/chatshaper/chatshaper/pkg/config"
)

var (
	// ErrNoProviders is returned when no provider can serve the wire format.
	ErrNoProviders = errors.New("no usable provider")
	// ErrNoUsableTargets is returned when a route names no provider that can
	// serve the wire format.
	ErrNoUsableTargets = errors.New("no usable route targets")
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
// A provider is only offered for requests in its own wire format, since
// bodies are relayed without translation.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
	usable    func(name string) bool
}

// Option configures a Router.
type Option func(*Router)

// WithUsable restricts routing to providers for which usable reports true,
// such as those that hold a key pool.
func WithUsable(usable func(name string) bool) Option {
	return func(r *Router) {
		if usable != nil {
			r.usable = usable
		}
	}
}

// New creates a Router from the given configuration. The provider and route
// tables are indexed once; later changes to cfg are not observed. The first
// route for a model alias wins.
func New(cfg *config.Config, opts ...Option) *Router {
	r := &Router{
		providers: cfg.Providers,
		byName:    make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
		usable:    func(string) bool { return true },
	}
	for _, p := range cfg.Providers {
		r.byName[p.Name] = p
	}
	for _, rc := range cfg.Router.Routes {
		if _, dup := r.routes[rc.Model]; !dup {
			r.routes[rc.Model] = rc.Targets
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WireType returns the request format a provider accepts. Providers without
// a type speak the OpenAI format.
func WireType(p config.ProviderConfig) string {
	if p.Type == "" {
		return config.ProviderOpenAI
	}
	return p.Type
}

// Resolve returns the ordered routes for requestedModel in wireType format.
// A configured alias yields its usable targets in order, with an empty target
// model meaning the requested one. Any other model goes to the first usable
// provider under its own name.
func (r *Router) Resolve(requestedModel, wireType string) ([]Route, error) {
	targets, ok := r.routes[requestedModel]
	if !ok {
		for _, p := range r.providers {
			if r.serves(p, wireType) {
				return []Route{{Provider: p, Model: requestedModel}}, nil
			}
		}
		return nil, fmt.Errorf("%s request for %q: %w", wireType, requestedModel, ErrNoProviders)
	}

	var routes []Route
	for _, target := range targets {
		provider, ok := r.byName[target.Provider]
		if !ok || !r.serves(provider, wireType) {
			continue
		}
		model := target.Model
		if model == "" {
			model = requestedModel
		}
		routes = append(routes, Route{Provider: provider, Model: model})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route %q: %w", requestedModel, ErrNoUsableTargets)
	}
	return routes, nil
}

func (r *Router) serves(p config.ProviderConfig, wireType string) bool {
	return WireType(p) == wireType && r.usable(p.Name)
}

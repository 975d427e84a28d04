package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"payment-core/internal/models"
)

// ConfigSource loads gateway configuration. It is owned by the admin side and read only here.
type ConfigSource interface {
	GetGatewayConfig(ctx context.Context, code string) (*models.GatewayConfig, error)
}

// Deps are the shared collaborators handed to every adapter builder
type Deps struct {
	HTTPClient *http.Client
	Tokens     TokenCache
	Logger     *logrus.Entry
	Now        func() time.Time
}

// Builder constructs an adapter from its configuration
type Builder func(cfg *models.GatewayConfig, deps Deps) (Adapter, error)

// DefaultBuilders returns the builders of every supported gateway keyed by code
func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		CodeOnline:   func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewOnlineGateway(cfg, deps) },
		CodeBkash:    func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewBkashGateway(cfg, deps) },
		CodeNagad:    func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewNagadGateway(cfg, deps) },
		CodeUpay:     func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewUpayGateway(cfg, deps) },
		CodeStripe:   func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewStripeGateway(cfg, deps) },
		CodeRazorpay: func(cfg *models.GatewayConfig, deps Deps) (Adapter, error) { return NewRazorpayGateway(cfg, deps) },
	}
}

// Registry resolves adapters by gateway code, building and caching them on first use
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	builders map[string]Builder
	source   ConfigSource
	deps     Deps
}

// NewRegistry creates a registry backed by a config source
func NewRegistry(source ConfigSource, builders map[string]Builder, deps Deps) *Registry {
	if builders == nil {
		builders = DefaultBuilders()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Tokens == nil {
		deps.Tokens = NewMemoryTokenCache()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		builders: builders,
		source:   source,
		deps:     deps,
	}
}

// Register installs a prebuilt adapter, bypassing configuration
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Code()] = adapter
}

// Get returns the adapter for a gateway code. Configuration is checked on every call so a
// deactivated gateway stops accepting traffic without a restart.
func (r *Registry) Get(ctx context.Context, code string) (Adapter, error) {
	r.mu.RLock()
	adapter, cached := r.adapters[code]
	r.mu.RUnlock()

	if r.source == nil {
		if !cached {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, code)
		}
		return adapter, nil
	}

	cfg, err := r.source.GetGatewayConfig(ctx, code)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, code)
		}
		return nil, fmt.Errorf("failed to load gateway config %s: %w", code, err)
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrGatewayInactive, code)
	}
	if cached {
		return adapter, nil
	}

	build, ok := r.builders[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, code)
	}
	adapter, err = build(cfg, r.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gateway: %w", code, err)
	}

	r.mu.Lock()
	if existing, ok := r.adapters[code]; ok {
		adapter = existing
	} else {
		r.adapters[code] = adapter
	}
	r.mu.Unlock()

	return adapter, nil
}

// Invalidate drops a cached adapter so the next call rebuilds it from fresh configuration
func (r *Registry) Invalidate(code string) {
	r.mu.Lock()
	delete(r.adapters, code)
	r.mu.Unlock()
	r.deps.Logger.WithField("gateway", code).Info("Gateway adapter cache invalidated")
}

// Clear drops every cached adapter
func (r *Registry) Clear() {
	r.mu.Lock()
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()
}

// SupportedCodes lists the gateway codes the registry can build
func (r *Registry) SupportedCodes() []string {
	codes := make([]string, 0, len(r.builders))
	for code := range r.builders {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedProvider is returned when no provider or adapter is registered under a name.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// PaymentRequest asks a gateway to prepare a payment for a pending order.
type PaymentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentSession is what the storefront needs to complete payment with the gateway.
type PaymentSession struct {
	Provider     string
	ID           string
	ClientSecret string
	RedirectURL  string
}

// Provider starts payments with a gateway. The gateway later reports the outcome by webhook.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error)
}

// Manager routes payment creation to the provider chosen at checkout.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when checkout does not name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normalizeProvider(provider)
	}
}

// NewManager constructs a Manager over the supplied providers keyed by name.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	copyMap := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := normalizeProvider(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		copyMap[key] = provider
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderStripe]; ok {
		m.defaultProvider = ProviderStripe
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Supports reports whether payments can be started for the provider.
func (m *Manager) Supports(provider string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[m.resolve(provider)]
	return ok
}

// CreatePayment delegates to the named provider, or the default when name is empty.
func (m *Manager) CreatePayment(ctx context.Context, provider string, req PaymentRequest) (PaymentSession, error) {
	if m == nil {
		return PaymentSession{}, ErrUnsupportedProvider
	}
	key := m.resolve(provider)
	p, ok := m.providers[key]
	if !ok {
		return PaymentSession{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	session, err := p.CreatePayment(ctx, req)
	if err != nil {
		return PaymentSession{}, err
	}
	session.Provider = key
	return session, nil
}

func (m *Manager) resolve(provider string) string {
	if key := normalizeProvider(provider); key != "" {
		return key
	}
	return m.defaultProvider
}

// Registry resolves webhook adapters by the provider segment of the webhook URL.
type Registry struct {
	adapters map[string]WebhookAdapter
}

// NewRegistry indexes adapters by their lowercase provider name.
func NewRegistry(adapters ...WebhookAdapter) (*Registry, error) {
	reg := &Registry{adapters: make(map[string]WebhookAdapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		key := normalizeProvider(adapter.Provider())
		if key == "" {
			return nil, errors.New("payments: adapter provider name is required")
		}
		if _, dup := reg.adapters[key]; dup {
			return nil, fmt.Errorf("payments: duplicate adapter for %q", key)
		}
		reg.adapters[key] = adapter
	}
	return reg, nil
}

// Adapter returns the adapter for provider.
func (r *Registry) Adapter(provider string) (WebhookAdapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[normalizeProvider(provider)]; ok {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

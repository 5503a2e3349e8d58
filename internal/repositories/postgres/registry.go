package postgres

import (
	"context"
	"errors"

	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

// Registry exposes the Postgres-backed repositories behind repositories.Registry.
type Registry struct {
	provider *ppostgres.Provider

	catalog   *CatalogRepository
	orders    *OrderRepository
	events    *PaymentEventRepository
	workItems *WorkItemRepository
	players   *PlayerRepository
	audit     *AuditLogRepository
	health    repositories.HealthRepository

	closers []func(context.Context) error
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithHealthRepository attaches the readiness check repository.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// WithCloser registers an additional resource released by Close, before the pool.
func WithCloser(fn func(context.Context) error) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.closers = append(r.closers, fn)
		}
	}
}

// NewRegistry builds every repository over the shared provider.
func NewRegistry(provider *ppostgres.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry requires provider")
	}
	reg := &Registry{provider: provider}
	reg.catalog, _ = NewCatalogRepository(provider)
	reg.orders, _ = NewOrderRepository(provider)
	reg.events, _ = NewPaymentEventRepository(provider)
	reg.workItems, _ = NewWorkItemRepository(provider)
	reg.players, _ = NewPlayerRepository(provider)
	reg.audit, _ = NewAuditLogRepository(provider)
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg, nil
}

// Close releases registered resources and the connection pool.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.provider.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }
func (r *Registry) CatalogWriter() repositories.CatalogWriter { return r.catalog }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository { return r.events }
func (r *Registry) WorkItems() repositories.WorkItemRepository { return r.workItems }
func (r *Registry) Players() repositories.PlayerDirectory { return r.players }
func (r *Registry) PlayerLinker() repositories.PlayerLinker { return r.players }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

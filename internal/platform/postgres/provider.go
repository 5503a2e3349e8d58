package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minestore/api/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type initResult struct {
	pool *pgxpool.Pool
	err  error
}

// Provider lazily initialises a shared connection pool.
type Provider struct {
	cfg            config.DatabaseConfig
	connectTimeout time.Duration
	configure      []func(*pgxpool.Config)
	txOpts         []TxOption

	stateMu sync.Mutex
	initCh  chan initResult
	pool    *pgxpool.Pool

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithConnectTimeout overrides the timeout used when establishing the pool.
func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithPoolConfig registers a hook that may adjust the parsed pool config (tracers, hooks).
func WithPoolConfig(fn func(*pgxpool.Config)) ProviderOption {
	return func(p *Provider) {
		if fn != nil {
			p.configure = append(p.configure, fn)
		}
	}
}

// WithDefaultTxOptions sets options applied to every RunInTx call on the provider.
func WithDefaultTxOptions(opts ...TxOption) ProviderOption {
	return func(p *Provider) {
		p.txOpts = append(p.txOpts, opts...)
	}
}

// WithPool injects an existing pool, primarily for tests.
func WithPool(pool *pgxpool.Pool) ProviderOption {
	return func(p *Provider) {
		p.pool = pool
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:            cfg,
		connectTimeout: defaultConnectTimeout,
	}
	if cfg.ConnectTimeout > 0 {
		provider.connectTimeout = cfg.ConnectTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Pool returns the lazily initialised connection pool.
func (p *Provider) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if ctx == nil {
		return nil, errors.New("postgres: context is required")
	}

	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.stateMu.Lock()
		if p.pool != nil {
			pool := p.pool
			p.stateMu.Unlock()
			return pool, nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-waitCh:
				if res.err != nil {
					return nil, res.err
				}
				return res.pool, nil
			}
		}

		waitCh := make(chan initResult, 1)
		p.initCh = waitCh
		p.stateMu.Unlock()

		pool, err := p.createPool(ctx)

		p.stateMu.Lock()
		p.initCh = nil
		if err == nil {
			p.pool = pool
		}
		p.stateMu.Unlock()

		waitCh <- initResult{pool: pool, err: err}
		close(waitCh)
		if err != nil {
			return nil, err
		}
		if p.closed.Load() {
			pool.Close()
			return nil, ErrProviderClosed
		}
		return pool, nil
	}
}

func (p *Provider) createPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(p.cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(p.cfg.MaxConns)
	}
	if p.cfg.MinConns > 0 {
		poolCfg.MinConns = int32(p.cfg.MinConns)
	}
	if p.cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = p.cfg.MaxConnLifetime
	}
	for _, fn := range p.configure {
		fn(poolCfg)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, WrapError("postgres.connect", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, WrapError("postgres.ping", err)
	}
	return pool, nil
}

// DB returns the transaction bound to ctx, or the pool when none is active.
func (p *Provider) DB(ctx context.Context) (Querier, error) {
	if tx, ok := TxFromContext(ctx); ok {
		return tx, nil
	}
	return p.Pool(ctx)
}

// Ping verifies connectivity for readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return WrapError("postgres.ping", pool.Ping(ctx))
}

// RunInTx executes fn inside a transaction. Repository calls made with the context passed to fn
// join the transaction; nested calls reuse the outer one.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return RunInTx(ctx, pool, fn, p.txOpts...)
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		p.stateMu.Lock()
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-waitCh:
				continue
			}
		}
		p.closed.Store(true)
		pool := p.pool
		p.pool = nil
		p.stateMu.Unlock()

		if pool != nil {
			pool.Close()
		}
		return nil
	}
}

package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/minestore/api/internal/handlers"
	"github.com/minestore/api/internal/platform/auth"
	"github.com/minestore/api/internal/platform/config"
	"github.com/minestore/api/internal/platform/idempotency"
	"github.com/minestore/api/internal/platform/observability"
	"github.com/minestore/api/internal/services"
)

const meterName = "github.com/minestore/api"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Pricing     services.PricingEngine
	Orders      services.OrderService
	Coordinator services.LifecycleCoordinator
	Generator   services.FulfillmentGenerator
	Queue       services.FulfillmentQueueService
	Webhooks    services.WebhookService
	Maintenance services.MaintenanceService
	Audit       services.AuditLogService
	System      services.SystemService
}

// Container wires repositories, services, and the HTTP router for runtime use.
type Container struct {
	Config         config.Config
	Infrastructure *Infrastructure
	Services       Services
	Router         http.Handler
}

// Option customises container construction, mainly so tests can avoid network-backed auth.
type Option func(*containerOptions)

type containerOptions struct {
	logger           *zap.Logger
	build            services.BuildInfo
	clock            func() time.Time
	customerVerifier auth.TokenVerifier
	operatorAuth     func(http.Handler) http.Handler
	idempotencyStore idempotency.Store
	nonceStore       auth.NonceStore
}

// WithLogger sets the base logger. Services receive named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the metadata reported by the health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCustomerVerifier replaces the Firebase token verifier.
func WithCustomerVerifier(verifier auth.TokenVerifier) Option {
	return func(o *containerOptions) {
		o.customerVerifier = verifier
	}
}

// WithOperatorAuth replaces the OIDC middleware guarding /internal.
func WithOperatorAuth(mw func(http.Handler) http.Handler) Option {
	return func(o *containerOptions) {
		o.operatorAuth = mw
	}
}

// WithIdempotencyStore replaces the Redis-backed idempotency store.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *containerOptions) {
		o.idempotencyStore = store
	}
}

// WithNonceStore replaces the Redis-backed executor nonce store.
func WithNonceStore(store auth.NonceStore) Option {
	return func(o *containerOptions) {
		o.nonceStore = store
	}
}

// NewContainer constructs the services and router over infra.
func NewContainer(ctx context.Context, cfg config.Config, infra *Infrastructure, opts ...Option) (*Container, error) {
	if infra == nil || infra.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.build.StartedAt.IsZero() {
		options.build.StartedAt = options.clock().UTC()
	}

	svc, err := buildServices(cfg, infra, options)
	if err != nil {
		return nil, err
	}
	router, err := buildRouter(ctx, cfg, infra, svc, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:         cfg,
		Infrastructure: infra,
		Services:       svc,
		Router:         router,
	}, nil
}

// Close releases resources such as repository clients and publishers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Infrastructure == nil {
		return nil
	}
	return c.Infrastructure.Close(ctx)
}

func buildServices(cfg config.Config, infra *Infrastructure, opts containerOptions) (Services, error) {
	var svc Services
	reg := infra.Registry
	clock := opts.clock
	named := func(name string) func(context.Context, string, map[string]any) {
		return observability.ServiceLogger(opts.logger.Named(name))
	}

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      clock,
		Logger:     named("audit"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Catalog:         reg.Catalog(),
		Currency:        cfg.Store.Currency,
		MaxLineQuantity: cfg.Store.MaxLineQuantity,
		Clock:           clock,
		Logger:          named("pricing"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	generator, err := services.NewFulfillmentGenerator(services.FulfillmentGeneratorDeps{
		Players:     reg.Players(),
		MaxAttempts: cfg.Fulfillment.MaxAttempts,
		Clock:       clock,
		Logger:      named("fulfillment"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment generator: %w", err)
	}
	svc.Generator = generator

	coordinator, err := services.NewLifecycleCoordinator(services.LifecycleCoordinatorDeps{
		Orders:        reg.Orders(),
		PaymentEvents: reg.PaymentEvents(),
		WorkItems:     reg.WorkItems(),
		Generator:     generator,
		UnitOfWork:    reg,
		Clock:         clock,
		Events:        infra.Events,
		Views:         infra.Views,
		Audit:         auditSvc,
		Logger:        named("lifecycle"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build lifecycle coordinator: %w", err)
	}
	svc.Coordinator = coordinator

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		PaymentEvents: reg.PaymentEvents(),
		Catalog:       reg.Catalog(),
		Pricing:       pricing,
		Coordinator:   coordinator,
		Payments:      infra.Gateways,
		UnitOfWork:    reg,
		Clock:         clock,
		Events:        infra.Events,
		Views:         infra.Views,
		ExpiryBatch:   cfg.Fulfillment.SweepBatchSize,
		Logger:        named("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	queue, err := services.NewFulfillmentQueueService(services.FulfillmentQueueServiceDeps{
		WorkItems:     reg.WorkItems(),
		Audit:         auditSvc,
		Clock:         clock,
		DefaultLease:  cfg.Fulfillment.ClaimLease,
		MaxClaimBatch: cfg.Fulfillment.ClaimBatchLimit,
		ReleaseBatch:  cfg.Fulfillment.SweepBatchSize,
		Logger:        named("queue"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment queue: %w", err)
	}
	svc.Queue = queue

	if infra.Adapters != nil {
		webhooks, err := services.NewWebhookService(services.WebhookServiceDeps{
			Adapters:    infra.Adapters,
			Coordinator: coordinator,
			Archiver:    infra.Archiver,
			Clock:       clock,
			Logger:      named("webhooks"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build webhook service: %w", err)
		}
		svc.Webhooks = webhooks
	}

	maintenance, err := services.NewMaintenanceService(services.MaintenanceServiceDeps{
		Orders:     orders,
		Queue:      queue,
		PendingTTL: cfg.Store.PendingTTL,
		Clock:      clock,
		Logger:     named("maintenance"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build maintenance service: %w", err)
	}
	svc.Maintenance = maintenance

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Critical:         []string{"postgres"},
			Clock:            clock,
			Build:            opts.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

func buildRouter(ctx context.Context, cfg config.Config, infra *Infrastructure, svc Services, opts containerOptions) (http.Handler, error) {
	logger := opts.logger
	authLogger := auth.Logger(observability.ServiceLogger(logger.Named("auth")))

	metrics, err := observability.NewVerificationMetrics(otel.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("build verification metrics: %w", err)
	}

	verifier := opts.customerVerifier
	if verifier == nil && strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebase
	}
	authenticator := auth.NewAuthenticator(verifier, auth.WithCustomerMetrics(metrics))

	operatorAuth := opts.operatorAuth
	if operatorAuth == nil {
		cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(authLogger))
		validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(authLogger), auth.WithOIDCMetrics(metrics))
		operatorAuth = validator.RequireOperator(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)
	}

	nonces := opts.nonceStore
	if nonces == nil {
		if infra.Redis != nil {
			nonces, err = auth.NewRedisNonceStore(infra.Redis, "minestore:executor-nonce:")
			if err != nil {
				return nil, err
			}
		} else {
			nonces = auth.NewInMemoryNonceStore()
		}
	}
	signer, err := auth.NewExecutorSigner(cfg.Security.HMAC.Secrets, nonces,
		auth.WithExecutorLogger(authLogger),
		auth.WithExecutorMetrics(metrics),
		auth.WithExecutorHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithExecutorWindow(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("build executor signer: %w", err)
	}

	store := opts.idempotencyStore
	if store == nil {
		if infra.Redis != nil {
			store, err = idempotency.NewRedisStore(infra.Redis, "minestore:idempotency:")
			if err != nil {
				return nil, err
			}
		} else {
			store = idempotency.NewMemoryStore()
		}
	}
	idempotencyMW := idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithClock(opts.clock),
		idempotency.WithLogger(idempotency.Logger(observability.ServiceLogger(logger.Named("idempotency")))),
	)

	checkout := handlers.NewCheckoutHandlers(svc.Pricing, svc.Orders,
		handlers.WithCheckoutIdempotency(idempotencyMW),
		handlers.WithQuoteRateLimit(60, time.Minute, opts.clock),
	)
	orders := handlers.NewOrderHandlers(svc.Orders)
	webhooks := handlers.NewWebhookHandlers(svc.Webhooks, opts.clock, handlers.WithWebhookMaxBody(cfg.Webhooks.MaxBodyBytes))
	executor := handlers.NewExecutorHandlers(svc.Queue)
	admin := handlers.NewAdminHandlers(handlers.AdminHandlerDeps{
		Queue:       svc.Queue,
		Orders:      svc.Orders,
		Maintenance: svc.Maintenance,
		Audit:       svc.Audit,
		Coordinator: svc.Coordinator,
	})
	health := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(opts.build),
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthClock(opts.clock),
	)

	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithPublicRoutes(checkout.PublicRoutes),
		handlers.WithCustomerMiddlewares(authenticator.RequireCustomer, observability.ActorCaptureMiddleware),
		handlers.WithCheckoutRoutes(checkout.Routes),
		handlers.WithOrderRoutes(orders.Routes),
		handlers.WithWebhookRoutes(webhooks.Routes),
		handlers.WithExecutorMiddlewares(signer.RequireExecutor, observability.ActorCaptureMiddleware),
		handlers.WithExecutorRoutes(executor.Routes),
		handlers.WithInternalMiddlewares(operatorAuth, observability.ActorCaptureMiddleware),
		handlers.WithInternalRoutes(admin.Routes),
	)
	return router, nil
}

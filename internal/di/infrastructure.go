package di

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/minestore/api/internal/payments"
	"github.com/minestore/api/internal/platform/config"
	"github.com/minestore/api/internal/platform/events"
	pfirestore "github.com/minestore/api/internal/platform/firestore"
	"github.com/minestore/api/internal/platform/observability"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	pstorage "github.com/minestore/api/internal/platform/storage"
	"github.com/minestore/api/internal/repositories"
	fsrepo "github.com/minestore/api/internal/repositories/firestore"
	pgrepo "github.com/minestore/api/internal/repositories/postgres"
	"github.com/minestore/api/internal/services"
)

const (
	closeTimeout       = 5 * time.Second
	paypalVerifyClient = 10 * time.Second
)

// Infrastructure owns the external clients shared by the services. Close releases them in
// reverse construction order.
type Infrastructure struct {
	Registry repositories.Registry
	Postgres *ppostgres.Provider
	Redis    redis.UniversalClient
	Events   services.OrderEventPublisher
	Views    services.OrderViewProjector
	Archiver services.PayloadArchiver
	Gateways services.PaymentSessionStarter
	Adapters services.WebhookAdapterRegistry
	Checks   []repositories.DependencyCheck

	closers []func(context.Context) error
}

// AddCloser registers fn to run on Close.
func (i *Infrastructure) AddCloser(fn func(context.Context) error) {
	if fn != nil {
		i.closers = append(i.closers, fn)
	}
}

// Close releases every client. Errors are joined.
func (i *Infrastructure) Close(ctx context.Context) error {
	if i == nil {
		return nil
	}
	var errs []error
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildInfrastructure connects Postgres, Redis, the optional Firestore read model, the event
// publisher, the webhook archive bucket, and the payment gateways described by cfg. Extra checks
// join the readiness report.
func BuildInfrastructure(ctx context.Context, cfg config.Config, logger *zap.Logger, extra ...repositories.DependencyCheck) (*Infrastructure, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	infra := &Infrastructure{}
	fail := func(err error) (*Infrastructure, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = infra.Close(closeCtx)
		return nil, err
	}

	provider := ppostgres.NewProvider(cfg.Database)
	if _, err := provider.Pool(ctx); err != nil {
		return fail(fmt.Errorf("connect postgres: %w", err))
	}
	infra.Postgres = provider
	infra.AddCloser(provider.Close)
	infra.Checks = append(infra.Checks, repositories.DependencyCheck{
		Name:    "postgres",
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	})

	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.TLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	infra.Redis = redisClient
	infra.AddCloser(func(context.Context) error { return redisClient.Close() })
	infra.Checks = append(infra.Checks, repositories.DependencyCheck{
		Name:    "redis",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	if cfg.ReadModel.Enabled {
		fsProvider := pfirestore.NewProvider(cfg.ReadModel)
		client, err := fsProvider.Client(ctx)
		if err != nil {
			return fail(fmt.Errorf("connect firestore: %w", err))
		}
		infra.AddCloser(fsProvider.Close)
		views, err := fsrepo.NewOrderViewRepository(fsProvider)
		if err != nil {
			return fail(err)
		}
		infra.Views = views
		infra.Checks = append(infra.Checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}

	publisher, err := buildPublisher(ctx, cfg.Events, infra)
	if err != nil {
		return fail(err)
	}
	infra.Events = publisher

	if bucket := strings.TrimSpace(cfg.Webhooks.ArchiveBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("connect storage: %w", err))
		}
		infra.AddCloser(func(context.Context) error { return storageClient.Close() })
		archiver, err := pstorage.NewArchiver(storageClient, bucket)
		if err != nil {
			return fail(err)
		}
		infra.Archiver = archiver
	}

	gateways, adapters, err := buildPayments(cfg.Payments, logger.Named("payments"))
	if err != nil {
		return fail(err)
	}
	infra.Gateways = gateways
	infra.Adapters = adapters

	infra.Checks = append(infra.Checks, extra...)
	health, err := repositories.NewDependencyHealthRepository(infra.Checks)
	if err != nil {
		return fail(err)
	}
	registry, err := pgrepo.NewRegistry(provider, pgrepo.WithHealthRepository(health))
	if err != nil {
		return fail(err)
	}
	infra.Registry = registry

	return infra, nil
}

func buildPublisher(ctx context.Context, cfg config.EventsConfig, infra *Infrastructure) (services.OrderEventPublisher, error) {
	switch cfg.Driver {
	case config.EventsDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		topic := client.Topic(cfg.Topic)
		infra.AddCloser(func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		return events.NewPubSubPublisher(topic)
	case config.EventsDriverKafka:
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		infra.AddCloser(func(context.Context) error { return publisher.Close() })
		return publisher, nil
	default:
		return nil, nil
	}
}

func buildPayments(cfg config.PaymentsConfig, logger *zap.Logger) (*payments.Manager, *payments.Registry, error) {
	providers := make(map[string]payments.Provider)
	var adapters []payments.WebhookAdapter
	serviceLogger := observability.ServiceLogger(logger)

	if strings.TrimSpace(cfg.StripeAPIKey) != "" {
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.StripeAPIKey,
			Logger: payments.StripeLogger(serviceLogger),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers[payments.ProviderStripe] = provider
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) != "" {
		adapter, err := payments.NewStripeAdapter(cfg.StripeWebhookSecret, cfg.StripeTolerance)
		if err != nil {
			return nil, nil, fmt.Errorf("build stripe webhook adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if strings.TrimSpace(cfg.PayPalWebhookID) != "" {
		verifier, err := payments.NewPayPalAPIVerifier(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalSecret, &http.Client{Timeout: paypalVerifyClient})
		if err != nil {
			return nil, nil, fmt.Errorf("build paypal verifier: %w", err)
		}
		adapter, err := payments.NewPayPalAdapter(cfg.PayPalWebhookID, verifier)
		if err != nil {
			return nil, nil, fmt.Errorf("build paypal webhook adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if strings.TrimSpace(cfg.CoinbaseWebhookSecret) != "" {
		adapter, err := payments.NewCoinbaseAdapter(cfg.CoinbaseWebhookSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("build coinbase webhook adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	manager, err := payments.NewManager(providers)
	if err != nil {
		return nil, nil, err
	}
	registry, err := payments.NewRegistry(adapters...)
	if err != nil {
		return nil, nil, err
	}
	return manager, registry, nil
}

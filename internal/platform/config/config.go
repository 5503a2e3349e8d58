package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	domain "github.com/minestore/api/internal/domain"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultDBMaxConns          = 10
	defaultDBMinConns          = 1
	defaultDBConnLifetime      = 30 * time.Minute
	defaultDBConnectTimeout    = 10 * time.Second
	defaultReadModelCollection = "orderViews"
	defaultEventsDriver        = EventsDriverNone
	defaultEventsTopic         = "order-events"
	defaultRedisAddr           = "localhost:6379"
	defaultStripeTolerance     = 5 * time.Minute
	defaultPayPalBaseURL       = "https://api-m.paypal.com"
	defaultWebhookMaxBody      = 1 << 20
	defaultStoreCurrency       = "USD"
	defaultPendingTTL          = 24 * time.Hour
	defaultMaxLineQuantity     = 100
	defaultMaxAttempts         = 3
	defaultClaimLease          = 2 * time.Minute
	defaultClaimBatchLimit     = 25
	defaultSweepInterval       = time.Minute
	defaultSweepBatchSize      = 200
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
)

// Event publisher drivers.
const (
	EventsDriverNone   = "none"
	EventsDriverPubSub = "pubsub"
	EventsDriverKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ReadModel   ReadModelConfig
	Firebase    FirebaseConfig
	Events      EventsConfig
	Redis       RedisConfig
	Payments    PaymentsConfig
	Webhooks    WebhookConfig
	Store       StoreConfig
	Fulfillment FulfillmentConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig configures the Postgres system of record.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// ReadModelConfig configures the Firestore order projection.
type ReadModelConfig struct {
	Enabled      bool
	ProjectID    string
	EmulatorHost string
	Collection   string
}

// FirebaseConfig stores Firebase project settings for customer authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// EventsConfig selects and configures the order event publisher.
type EventsConfig struct {
	Driver       string
	ProjectID    string
	Topic        string
	KafkaBrokers []string
}

// RedisConfig configures the shared nonce and idempotency store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
}

// PaymentsConfig collects gateway credentials.
type PaymentsConfig struct {
	StripeAPIKey          string
	StripeWebhookSecret   string
	StripeTolerance       time.Duration
	PayPalClientID        string
	PayPalSecret          string
	PayPalWebhookID       string
	PayPalBaseURL         string
	CoinbaseWebhookSecret string
}

// WebhookConfig controls inbound gateway delivery handling.
type WebhookConfig struct {
	ArchiveBucket string
	MaxBodyBytes  int64
}

// StoreConfig holds storefront-wide ordering rules.
type StoreConfig struct {
	Currency        string
	PendingTTL      time.Duration
	// MaxLineQuantity caps the quantity of one cart line. Every unit becomes a work item when
	// the order completes.
	MaxLineQuantity int
}

// FulfillmentConfig controls the command work queue.
type FulfillmentConfig struct {
	MaxAttempts     int
	ClaimLease      time.Duration
	ClaimBatchLimit int
	SweepInterval   time.Duration
	SweepBatchSize  int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for operator routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures executor request signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Payments.StripeWebhookSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective environment map using the same precedence as Load
// (.env < process environment < explicit map) so callers can bootstrap dependencies such as the
// secret fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions(opts)

	values, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, the process environment, and
// secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions(opts)

	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			DSN:             stringWithDefault(lookup, "API_DATABASE_URL", ""),
			MaxConns:        intWithDefault(lookup, "API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        intWithDefault(lookup, "API_DATABASE_MIN_CONNS", defaultDBMinConns),
			MaxConnLifetime: durationWithDefault(lookup, "API_DATABASE_MAX_CONN_LIFETIME", defaultDBConnLifetime),
			ConnectTimeout:  durationWithDefault(lookup, "API_DATABASE_CONNECT_TIMEOUT", defaultDBConnectTimeout),
			AutoMigrate:     boolWithDefault(lookup, "API_DATABASE_AUTO_MIGRATE", true),
		},
		ReadModel: ReadModelConfig{
			Enabled:      boolWithDefault(lookup, "API_READMODEL_ENABLED", false),
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
			Collection:   stringWithDefault(lookup, "API_READMODEL_COLLECTION", defaultReadModelCollection),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Events: EventsConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_EVENTS_DRIVER", defaultEventsDriver)),
			ProjectID:    stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			Topic:        stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", defaultRedisAddr),
			Username: stringWithDefault(lookup, "API_REDIS_USERNAME", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
			TLS:      boolWithDefault(lookup, "API_REDIS_TLS", false),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:          stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:   stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeTolerance:       durationWithDefault(lookup, "API_PSP_STRIPE_TOLERANCE", defaultStripeTolerance),
			PayPalClientID:        stringWithDefault(lookup, "API_PSP_PAYPAL_CLIENT_ID", ""),
			PayPalSecret:          stringWithDefault(lookup, "API_PSP_PAYPAL_SECRET", ""),
			PayPalWebhookID:       stringWithDefault(lookup, "API_PSP_PAYPAL_WEBHOOK_ID", ""),
			PayPalBaseURL:         stringWithDefault(lookup, "API_PSP_PAYPAL_BASE_URL", defaultPayPalBaseURL),
			CoinbaseWebhookSecret: stringWithDefault(lookup, "API_PSP_COINBASE_WEBHOOK_SECRET", ""),
		},
		Webhooks: WebhookConfig{
			ArchiveBucket: stringWithDefault(lookup, "API_WEBHOOKS_ARCHIVE_BUCKET", ""),
			MaxBodyBytes:  int64(intWithDefault(lookup, "API_WEBHOOKS_MAX_BODY_BYTES", defaultWebhookMaxBody)),
		},
		Store: StoreConfig{
			Currency:        strings.ToUpper(stringWithDefault(lookup, "API_STORE_CURRENCY", defaultStoreCurrency)),
			PendingTTL:      durationWithDefault(lookup, "API_ORDERS_PENDING_TTL", defaultPendingTTL),
			MaxLineQuantity: intWithDefault(lookup, "API_STORE_MAX_LINE_QUANTITY", defaultMaxLineQuantity),
		},
		Fulfillment: FulfillmentConfig{
			MaxAttempts:     intWithDefault(lookup, "API_FULFILLMENT_MAX_ATTEMPTS", defaultMaxAttempts),
			ClaimLease:      durationWithDefault(lookup, "API_FULFILLMENT_CLAIM_LEASE", defaultClaimLease),
			ClaimBatchLimit: intWithDefault(lookup, "API_FULFILLMENT_CLAIM_LIMIT", defaultClaimBatchLimit),
			SweepInterval:   durationWithDefault(lookup, "API_FULFILLMENT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:  intWithDefault(lookup, "API_FULFILLMENT_SWEEP_BATCH", defaultSweepBatchSize),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.ReadModel.ProjectID == "" {
		cfg.ReadModel.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = secret
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Payments.PayPalSecret", &cfg.Payments.PayPalSecret},
		{"Payments.CoinbaseWebhookSecret", &cfg.Payments.CoinbaseWebhookSecret},
	}
	for _, target := range secretFields {
		secret, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = secret
		resolved[target.name] = secret
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		invalid = append(invalid, "Database.DSN")
	}
	if cfg.Database.MaxConns <= 0 || cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		invalid = append(invalid, "Database.MaxConns")
	}
	if cfg.ReadModel.Enabled && cfg.ReadModel.ProjectID == "" {
		invalid = append(invalid, "ReadModel.ProjectID")
	}
	switch cfg.Events.Driver {
	case EventsDriverNone:
	case EventsDriverPubSub:
		if cfg.Events.ProjectID == "" {
			invalid = append(invalid, "Events.ProjectID")
		}
		if cfg.Events.Topic == "" {
			invalid = append(invalid, "Events.Topic")
		}
	case EventsDriverKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			invalid = append(invalid, "Events.KafkaBrokers")
		}
		if cfg.Events.Topic == "" {
			invalid = append(invalid, "Events.Topic")
		}
	default:
		invalid = append(invalid, "Events.Driver")
	}
	if !hasTwoDecimalScale(cfg.Store.Currency) {
		invalid = append(invalid, "Store.Currency")
	}
	if cfg.Store.PendingTTL <= 0 {
		invalid = append(invalid, "Store.PendingTTL")
	}
	if cfg.Store.MaxLineQuantity < 1 || cfg.Store.MaxLineQuantity > math.MaxInt32 {
		invalid = append(invalid, "Store.MaxLineQuantity")
	}
	if cfg.Fulfillment.MaxAttempts < 1 {
		invalid = append(invalid, "Fulfillment.MaxAttempts")
	}
	if cfg.Fulfillment.ClaimLease <= 0 {
		invalid = append(invalid, "Fulfillment.ClaimLease")
	}
	if cfg.Fulfillment.ClaimBatchLimit < 1 {
		invalid = append(invalid, "Fulfillment.ClaimBatchLimit")
	}
	if cfg.Webhooks.MaxBodyBytes <= 0 {
		invalid = append(invalid, "Webhooks.MaxBodyBytes")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// Amounts are stored with two minor digits, so only currencies with that scale are accepted.
func hasTwoDecimalScale(code string) bool {
	scale, err := domain.CurrencyScale(code)
	return err == nil && scale == 2
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}

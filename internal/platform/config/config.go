package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultEnvironment       = "local"
	defaultLocalStoreBackend = "memory"
	defaultLocalStoreDir     = ".storefront"
	defaultBaseCurrency      = "NGN"
	defaultPaymentTimeout    = 30 * time.Minute
	defaultCheckoutProvider  = "stripe"
	defaultSessionCookie     = "sf_session"
	defaultSessionIdleTTL    = 24 * time.Hour
	defaultSessionSweep      = 10 * time.Minute
	defaultOrdersTopic       = "orders"
)

// Local store backends accepted by LocalStoreConfig.Backend.
const (
	LocalStoreMemory = "memory"
	LocalStoreFile   = "file"
	LocalStoreRedis  = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PSP         PSPConfig
	PubSub      PubSubConfig
	LocalStore  LocalStoreConfig
	Currency    CurrencyConfig
	Checkout    CheckoutConfig
	Session     SessionConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig points at the bucket holding product images.
type StorageConfig struct {
	ImagesBucket  string
	PublicBaseURL string
}

// PSPConfig collects payment provider credentials.
type PSPConfig struct {
	StripeAPIKey         string
	StripeWebhookSecret  string
	StripeAccountID      string
	StripePublishableKey string
}

// PubSubConfig controls order event publishing. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID   string
	OrdersTopic string
}

// LocalStoreConfig selects the durable store backing carts, rate caches and preferences.
type LocalStoreConfig struct {
	Backend       string
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// CurrencyConfig configures the conversion cache.
type CurrencyConfig struct {
	Base  string
	Watch bool
}

// CheckoutConfig configures the checkout orchestrator.
type CheckoutConfig struct {
	Provider       string
	PaymentTimeout time.Duration
	SuccessURL     string
	CancelURL      string
}

// SessionConfig configures browser session tracking.
type SessionConfig struct {
	CookieName    string
	IdleTTL       time.Duration
	SweepInterval time.Duration
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

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit key/value pairs which take precedence over the system environment.
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

// EnvironmentValues returns the effective environment after applying the same precedence as
// Load (dotenv < OS env < explicit map) so callers can build dependencies before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for k, v := range dotEnvValues {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load assembles the application configuration from defaults, .env overrides, environment
// variables and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "STOREFRONT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "STOREFRONT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ImagesBucket:  stringWithDefault(lookup, "STOREFRONT_STORAGE_IMAGES_BUCKET", ""),
			PublicBaseURL: stringWithDefault(lookup, "STOREFRONT_STORAGE_PUBLIC_BASE_URL", "https://storage.googleapis.com"),
		},
		PSP: PSPConfig{
			StripeAPIKey:         stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:  stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:      stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_ACCOUNT_ID", ""),
			StripePublishableKey: stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_PUBLISHABLE_KEY", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:   stringWithDefault(lookup, "STOREFRONT_PUBSUB_PROJECT_ID", ""),
			OrdersTopic: stringWithDefault(lookup, "STOREFRONT_PUBSUB_ORDERS_TOPIC", defaultOrdersTopic),
		},
		LocalStore: LocalStoreConfig{
			Backend:       strings.ToLower(stringWithDefault(lookup, "STOREFRONT_LOCALSTORE_BACKEND", defaultLocalStoreBackend)),
			Dir:           stringWithDefault(lookup, "STOREFRONT_LOCALSTORE_DIR", defaultLocalStoreDir),
			RedisAddr:     stringWithDefault(lookup, "STOREFRONT_LOCALSTORE_REDIS_ADDR", ""),
			RedisPassword: stringWithDefault(lookup, "STOREFRONT_LOCALSTORE_REDIS_PASSWORD", ""),
			RedisDB:       intWithDefault(lookup, "STOREFRONT_LOCALSTORE_REDIS_DB", 0),
		},
		Currency: CurrencyConfig{
			Base:  strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_CURRENCY_BASE", defaultBaseCurrency)),
			Watch: boolWithDefault(lookup, "STOREFRONT_CURRENCY_WATCH", false),
		},
		Checkout: CheckoutConfig{
			Provider:       strings.ToLower(stringWithDefault(lookup, "STOREFRONT_CHECKOUT_PROVIDER", defaultCheckoutProvider)),
			PaymentTimeout: durationWithDefault(lookup, "STOREFRONT_CHECKOUT_PAYMENT_TIMEOUT", defaultPaymentTimeout),
			SuccessURL:     stringWithDefault(lookup, "STOREFRONT_CHECKOUT_SUCCESS_URL", ""),
			CancelURL:      stringWithDefault(lookup, "STOREFRONT_CHECKOUT_CANCEL_URL", ""),
		},
		Session: SessionConfig{
			CookieName:    stringWithDefault(lookup, "STOREFRONT_SESSION_COOKIE", defaultSessionCookie),
			IdleTTL:       durationWithDefault(lookup, "STOREFRONT_SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SweepInterval: durationWithDefault(lookup, "STOREFRONT_SESSION_SWEEP_INTERVAL", defaultSessionSweep),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.PSP.StripeAPIKey,
		&cfg.PSP.StripeWebhookSecret,
		&cfg.LocalStore.RedisPassword,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
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
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if len(cfg.Currency.Base) != 3 {
		missing = append(missing, "Currency.Base")
	}

	switch cfg.LocalStore.Backend {
	case LocalStoreMemory:
	case LocalStoreFile:
		if strings.TrimSpace(cfg.LocalStore.Dir) == "" {
			missing = append(missing, "LocalStore.Dir")
		}
	case LocalStoreRedis:
		if strings.TrimSpace(cfg.LocalStore.RedisAddr) == "" {
			missing = append(missing, "LocalStore.RedisAddr")
		}
	default:
		missing = append(missing, "LocalStore.Backend")
	}

	switch cfg.Checkout.Provider {
	case "stripe":
		if cfg.PSP.StripeAPIKey == "" {
			missing = append(missing, "PSP.StripeAPIKey")
		}
		if cfg.Checkout.SuccessURL == "" {
			missing = append(missing, "Checkout.SuccessURL")
		}
		if cfg.Checkout.CancelURL == "" {
			missing = append(missing, "Checkout.CancelURL")
		}
	case "fake":
		if cfg.Environment != defaultEnvironment {
			missing = append(missing, "Checkout.Provider")
		}
	default:
		missing = append(missing, "Checkout.Provider")
	}
	if cfg.Checkout.PaymentTimeout <= 0 {
		missing = append(missing, "Checkout.PaymentTimeout")
	}
	if strings.TrimSpace(cfg.Session.CookieName) == "" {
		missing = append(missing, "Session.CookieName")
	}
	if cfg.Session.IdleTTL <= 0 {
		missing = append(missing, "Session.IdleTTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
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

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

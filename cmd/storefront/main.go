package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/handlers"
	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/auth"
	"github.com/threadline/storefront/internal/platform/config"
	pfirestore "github.com/threadline/storefront/internal/platform/firestore"
	"github.com/threadline/storefront/internal/platform/jobs"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/platform/observability"
	"github.com/threadline/storefront/internal/platform/secrets"
	platformstorage "github.com/threadline/storefront/internal/platform/storage"
	"github.com/threadline/storefront/internal/repositories"
	firestoreRepo "github.com/threadline/storefront/internal/repositories/firestore"
	"github.com/threadline/storefront/internal/services"
	"github.com/threadline/storefront/internal/session"
)

const metricNamespace = "github.com/threadline/storefront"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(secretProject(envValues)),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if !strings.EqualFold(cfg.Currency.Base, string(domain.BaseCurrency)) {
		logger.Fatal("unsupported base currency", zap.String("configured", cfg.Currency.Base), zap.String("supported", string(domain.BaseCurrency)))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	store, storeCheck, closeStore, err := newLocalStore(cfg.LocalStore, cfg.Session.IdleTTL)
	if err != nil {
		logger.Fatal("failed to initialise local store", zap.Error(err))
	}
	defer closeStore()

	rateRepo, err := firestoreRepo.NewRateRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise rate repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}

	var orderEvents services.OrderEventPublisher
	var pubsubTopic *pubsub.Topic
	if topicName := strings.TrimSpace(cfg.PubSub.OrdersTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		pubsubTopic = pubsubClient.Topic(topicName)
		defer pubsubTopic.Stop()
		publisher, err := jobs.NewPubSubOrderPublisher(pubsubTopic)
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		orderEvents = publisher
	}

	var imageHost handlers.ImageHost
	if bucket := strings.TrimSpace(cfg.Storage.ImagesBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		host, err := platformstorage.NewImageHost(storageClient, bucket, cfg.Storage.PublicBaseURL)
		if err != nil {
			logger.Fatal("failed to initialise image host", zap.Error(err))
		}
		imageHost = host
	}

	var verifier auth.TokenVerifier
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		verifier = firebaseVerifier
	} else {
		logger.Warn("auth: firebase project not configured; admin routes will reject every request")
	}
	authenticator := auth.NewAuthenticator(verifier)

	gateway, webhookParser, err := newPaymentGateway(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}
	if cfg.Checkout.Provider == "fake" {
		if cfg.Checkout.SuccessURL == "" {
			cfg.Checkout.SuccessURL = "http://localhost:" + cfg.Server.Port + "/checkout/success"
		}
		if cfg.Checkout.CancelURL == "" {
			cfg.Checkout.CancelURL = "http://localhost:" + cfg.Server.Port + "/checkout"
		}
	}

	rates, err := services.NewCurrencyCache(services.CurrencyCacheDeps{
		Local:  localstore.NewSlot[domain.ConversionRateTable](store, localstore.KeyConversionRate),
		Remote: rateRepo,
		Logger: serviceLogger(logger.Named("currency")),
	})
	if err != nil {
		logger.Fatal("failed to initialise currency cache", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
		Events: orderEvents,
		Clock:  time.Now,
		Logger: serviceLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	checkoutMetrics, err := services.NewCheckoutMetrics(otel.GetMeterProvider().Meter(metricNamespace))
	if err != nil {
		logger.Warn("checkout metrics unavailable", zap.Error(err))
	}

	registry, err := session.NewRegistry(session.RegistryDeps{
		Store:    store,
		Rates:    rates,
		Orders:   orderService,
		Payments: gateway,
		Checkout: session.CheckoutSettings{
			PaymentTimeout:   cfg.Checkout.PaymentTimeout,
			SuccessURL:       cfg.Checkout.SuccessURL,
			CancelURL:        cfg.Checkout.CancelURL,
			VerifyReferences: cfg.Checkout.Provider == "stripe",
		},
		Metrics:       checkoutMetrics,
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
		Clock:         time.Now,
		Logger:        serviceLogger(logger.Named("session")),
	})
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	backgroundCtx = observability.WithLogger(backgroundCtx, logger)
	registry.Start(backgroundCtx)

	var watchWG sync.WaitGroup
	if cfg.Currency.Watch {
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			watchLogger := logger.Named("currency")
			if err := rates.Watch(backgroundCtx); err != nil && !errors.Is(err, context.Canceled) {
				watchLogger.Error("rate subscription stopped", zap.Error(err))
				return
			}
			watchLogger.Info("rate subscription stopped")
		}()
	}

	healthRepo, err := newHealthRepository(firestoreClient, pubsubTopic, storeCheck)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if healthRepo != nil {
		healthOpts = append(healthOpts, handlers.WithHealthRepository(healthRepo))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	rateHandlers := handlers.NewRateHandlers(rates)
	cartHandlers := handlers.NewCartHandlers(registry, rates)
	sessionHandlers := handlers.NewSessionHandlers(registry)
	checkoutHandlers := handlers.NewCheckoutHandlers(registry)
	webhookHandlers := handlers.NewWebhookHandlers(webhookParser, registry, serviceLogger(logger.Named("webhooks")))
	imageHandlers := handlers.NewAdminImageHandlers(imageHost)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		authenticator.Identify,
		observability.RequestLoggerMiddleware(),
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithSessionMiddlewares(session.Middleware(session.CookieOptions{
		Name:   cfg.Session.CookieName,
		MaxAge: cfg.Session.IdleTTL,
		Secure: cfg.Environment != "local",
	})))
	opts = append(opts, handlers.WithAdminMiddlewares(auth.RequireRole(auth.RoleAdmin)))
	opts = append(opts, handlers.WithCartRoutes(cartHandlers.Routes))
	opts = append(opts, handlers.WithRateRoutes(rateHandlers.Routes))
	opts = append(opts, handlers.WithSessionRoutes(sessionHandlers.Routes))
	opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(func(r chi.Router) {
		rateHandlers.AdminRoutes(r)
		imageHandlers.Routes(r)
	}))

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening", zap.String("provider", gateway.Name()), zap.String("localstore", cfg.LocalStore.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	registry.Stop()
	stopBackground()
	watchWG.Wait()
}

// serviceLogger bridges the services' event hook onto zap. A "severity" field selects the level.
func serviceLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		severity := ""
		for k, v := range fields {
			if k == "severity" {
				severity, _ = v.(string)
				continue
			}
			zFields = append(zFields, zap.Any(k, v))
		}
		switch strings.ToUpper(severity) {
		case "ERROR":
			logger.Error(event, zFields...)
		case "WARNING", "WARN":
			logger.Warn(event, zFields...)
		case "INFO":
			logger.Info(event, zFields...)
		default:
			logger.Debug(event, zFields...)
		}
	}
}

func newLocalStore(cfg config.LocalStoreConfig, ttl time.Duration) (localstore.Store, func(context.Context) error, func(), error) {
	switch cfg.Backend {
	case config.LocalStoreFile:
		store, err := localstore.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {}, nil
	case config.LocalStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := localstore.NewRedisStore(client, ttl)
		return store, store.Ping, func() { _ = client.Close() }, nil
	default:
		return localstore.NewMemoryStore(), nil, func() {}, nil
	}
}

func newPaymentGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, handlers.WebhookParser, error) {
	switch cfg.Checkout.Provider {
	case "fake":
		logger.Warn("payments: using the fake gateway; no real charges are made")
		return payments.NewFakeGateway(), nil, nil
	default:
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			AccountID:     cfg.PSP.StripeAccountID,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Logger:        payments.StripeLogger(serviceLogger(logger)),
			Clock:         time.Now,
		})
		if err != nil {
			return nil, nil, err
		}
		if strings.TrimSpace(cfg.PSP.StripeWebhookSecret) == "" {
			logger.Warn("payments: stripe webhook secret not configured; webhooks are disabled")
			return provider, nil, nil
		}
		return provider, provider, nil
	}
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic, storeCheck func(context.Context) error) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	if storeCheck != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "localstore",
			Timeout: 500 * time.Millisecond,
			Check:   storeCheck,
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["STOREFRONT_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["STOREFRONT_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func secretProject(env map[string]string) string {
	for _, key := range []string{"STOREFRONT_SECRET_PROJECT_ID", "STOREFRONT_FIREBASE_PROJECT_ID", "STOREFRONT_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
	}
	return ""
}

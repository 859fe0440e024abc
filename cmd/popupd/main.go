package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/contacts"
	"github.com/hanko-field/popups/internal/handlers"
	"github.com/hanko-field/popups/internal/pageview"
	"github.com/hanko-field/popups/internal/platform/config"
	"github.com/hanko-field/popups/internal/platform/cookiestore"
	pfirestore "github.com/hanko-field/popups/internal/platform/firestore"
	"github.com/hanko-field/popups/internal/platform/jobs"
	"github.com/hanko-field/popups/internal/platform/observability"
	"github.com/hanko-field/popups/internal/platform/redisstore"
	"github.com/hanko-field/popups/internal/platform/secrets"
	platformstorage "github.com/hanko-field/popups/internal/platform/storage"
	"github.com/hanko-field/popups/internal/targeting"
	"github.com/hanko-field/popups/internal/tracking"
)

const popupSourceCacheTTL = time.Minute

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("popupd", os.Getenv("POPUPS_BUILD_VERSION"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("popupd")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Cookies.HashKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	site, err := targeting.LoadSiteConfig(cfg.Popups.SiteConfigPath)
	if err != nil {
		logger.Fatal("failed to load site popup configuration", zap.String("path", cfg.Popups.SiteConfigPath), zap.Error(err))
	}

	var readiness []handlers.HealthOption

	// Firestore holds custom popup definitions and leads. Without a project both stay in memory.
	var firestoreProvider *pfirestore.Provider
	if strings.TrimSpace(cfg.Firestore.ProjectID) != "" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			if err := firestoreProvider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		collection := cfg.Firestore.PopupsCollection
		readiness = append(readiness, handlers.WithHealthCheck("firestore", func(ctx context.Context) error {
			return firestoreProvider.Ping(ctx, collection)
		}))
	} else {
		logger.Warn("firestore project not configured; leads are kept in memory")
	}

	var (
		leadPublisher  contacts.Publisher
		eventPublisher tracking.Publisher
	)
	if strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		pubsubClient, err := jobs.NewClient(ctx, cfg.PubSub.ProjectID, cfg.PubSub.EmulatorHost)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		leads := mustPublisher(logger, pubsubClient, cfg.PubSub.LeadsTopic)
		defer leads.Stop()
		events := mustPublisher(logger, pubsubClient, cfg.PubSub.EventsTopic)
		defer events.Stop()
		leadPublisher, eventPublisher = leads, events
	} else {
		logger.Warn("pubsub project not configured; leads and events are not published")
	}

	var downloads contacts.DownloadSigner
	if keyFile := strings.TrimSpace(cfg.Storage.SignerKeyFile); keyFile != "" {
		signer, err := loadSigner(ctx, fetcher, keyFile)
		if err != nil {
			logger.Fatal("failed to parse storage signer key", zap.Error(err))
		}
		client, err := platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("failed to initialise signed url client", zap.Error(err))
		}
		downloads = client
	}

	var devices *redisstore.Store
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient := redisstore.NewClient(addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		devices, err = redisstore.New(redisClient, redisstore.Options{SessionTTL: cfg.Redis.SessionTTL})
		if err != nil {
			logger.Fatal("failed to initialise redis store", zap.Error(err))
		}
		readiness = append(readiness, handlers.WithHealthCheck("redis", devices.Ping))
	}

	sources := []targeting.Source{targeting.NewStaticSource(site.Custom)}
	if firestoreProvider != nil {
		remote := targeting.NewFirestoreSource(firestoreProvider, cfg.Firestore.PopupsCollection)
		sources = append(sources, targeting.NewCachedSource(remote, popupSourceCacheTTL, nil))
	}
	resolver := targeting.NewResolver(logger.Named("targeting"), sources...)
	catalog := targeting.NewCatalog(site, resolver, targeting.NewLocalizer(cfg.Popups.Locales))

	var leadRepo contacts.Repository
	if firestoreProvider != nil {
		leadRepo = contacts.NewFirestoreRepository(firestoreProvider, cfg.Firestore.LeadsCollection)
	} else {
		leadRepo = contacts.NewMemoryRepository()
	}
	contactService, err := contacts.NewService(contacts.ServiceDeps{
		Repository:  leadRepo,
		Publisher:   leadPublisher,
		Downloads:   downloads,
		Limiter:     contacts.NewLimiter(cfg.RateLimits.SubmitPerMinute, cfg.RateLimits.SubmitBurst, nil),
		Logger:      logger,
		DownloadTTL: cfg.Storage.SignedURLTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise contact service", zap.Error(err))
	}

	trackerOpts := []tracking.Option{tracking.WithLogger(logger)}
	if eventPublisher != nil {
		trackerOpts = append(trackerOpts, tracking.WithPublisher(eventPublisher))
	}
	tracker, err := tracking.New(trackerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise tracker", zap.Error(err))
	}

	registry, err := pageview.NewRegistry(pageview.Deps{
		Submitter:     contactService,
		Tracker:       tracker,
		Logger:        logger,
		TTL:           cfg.Popups.PageViewTTL,
		ReapInterval:  cfg.Popups.ReapInterval,
		SequencerPoll: cfg.Popups.SequencerPoll,
		TrackTimeout:  cfg.Popups.TrackTimeout,
		SubmitTimeout: cfg.Popups.SubmitTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise page view registry", zap.Error(err))
	}

	cookies, err := cookiestore.NewManager(cookiestore.Config{
		HashKey:       []byte(cfg.Cookies.HashKey),
		BlockKey:      []byte(cfg.Cookies.BlockKey),
		DurableName:   cfg.Cookies.DurableName,
		SessionName:   cfg.Cookies.SessionName,
		CookieDomain:  cfg.Cookies.Domain,
		CookieSecure:  cfg.Cookies.Secure,
		DurableMaxAge: cfg.Cookies.DurableMaxAge,
	})
	if err != nil {
		logger.Fatal("failed to initialise cookie store", zap.Error(err))
	}
	visitors := handlers.NewCookieVisitors(cookies, devices)

	healthHandlers := handlers.NewHealthHandlers(append(readiness,
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
	)...)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		handlers.VisitorMiddleware(visitors),
		observability.RecoveryMiddleware(logger),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
		handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, nil),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPopupRoutes(handlers.NewPopupHandlers(catalog).Routes),
		handlers.WithPageViewRoutes(handlers.NewPageViewHandlers(catalog, registry, visitors).Routes),
	)
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
		serverLogger.Info("popupd listening",
			zap.Bool("welcome", site.Welcome.Enabled),
			zap.Bool("exit", site.Exit.Enabled),
			zap.Int("custom_popups", len(site.Custom)),
		)
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
	registry.Close()
}

func mustPublisher(logger *zap.Logger, client *pubsub.Client, topic string) *jobs.Publisher {
	publisher, err := jobs.NewPublisher(client.Topic(topic))
	if err != nil {
		logger.Fatal("failed to initialise pubsub publisher", zap.String("topic", topic), zap.Error(err))
	}
	return publisher
}

// loadSigner reads the service account key from Secret Manager when ref is a secret reference and
// from disk otherwise.
func loadSigner(ctx context.Context, fetcher *secrets.Fetcher, ref string) (*platformstorage.ServiceAccountSigner, error) {
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}
	if strings.HasPrefix(ref, "secret://") {
		raw, err := fetcher.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		return platformstorage.NewServiceAccountSignerFromJSON([]byte(raw))
	}
	return platformstorage.NewServiceAccountSignerFromFile(ref)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["POPUPS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["POPUPS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("POPUPS_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("POPUPS_FIRESTORE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	} else {
		opts = append(opts, secrets.WithOffline())
	}
	if path := lookup("POPUPS_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

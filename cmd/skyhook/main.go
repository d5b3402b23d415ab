package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skyhookhq/skyhook/pkg/audit"
	"github.com/skyhookhq/skyhook/pkg/auth"
	"github.com/skyhookhq/skyhook/pkg/config"
	"github.com/skyhookhq/skyhook/pkg/httputil"
	"github.com/skyhookhq/skyhook/pkg/middleware"
	"github.com/skyhookhq/skyhook/pkg/observability"
	"github.com/skyhookhq/skyhook/pkg/secrets"
	"github.com/skyhookhq/skyhook/pkg/sso"
	"github.com/skyhookhq/skyhook/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("service", cfg.Observability.ServiceName).Info("starting skyhook auth service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.TracingEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Insecure:       cfg.Observability.TracingInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize tracing")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownTracing(shutdownCtx, tp, logger)
	}()

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer cm.Close()
	cm.StartHealthCheckRoutine(ctx, 30*time.Second)

	if err := postgres.RunMigrations(ctx, cm.Primary(), logger); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	redisClient, err := postgres.NewRedisClient(postgres.RedisConfig{
		URL:        cfg.Redis.URL,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRetries: cfg.Redis.MaxRetries,
		PoolSize:   cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()
	rdb := redisClient.GetClient()

	registry := prometheus.NewRegistry()
	metrics := observability.NewAuthMetrics()
	if cfg.Observability.MetricsEnabled {
		metrics.MustRegister(registry)
	}

	codec, err := secrets.NewCodec(cfg.Auth.SecretKey)
	if err != nil {
		logger.WithError(err).Error("invalid secret key")
		os.Exit(1)
	}
	csrf, err := auth.NewCSRFManager(cfg.Auth.SecretKey, cfg.Auth.SecureCookies)
	if err != nil {
		logger.WithError(err).Error("invalid secret key")
		os.Exit(1)
	}

	trail := audit.NewTrail(os.Stdout, cm.Primary())
	store := sso.NewStore(cm)
	sessions := auth.NewSessionStore(rdb, cfg.Auth.SessionTTL, cfg.Auth.SecureCookies)
	replay := sso.NewRedisReplayGuard(rdb)
	authnRequests := sso.NewRedisAuthnRequestStore(rdb)

	handlers := sso.NewHandlers(sso.HandlersConfig{
		Store:     store,
		Discovery: sso.NewDiscovery(store, logger),
		SAML:      sso.NewSAMLDriver(authnRequests, replay, cfg.Server.BaseURL, cfg.Auth.LoginAttemptTTL, logger),
		OIDC: sso.NewOIDCDriver(codec, replay, cfg.Server.BaseURL,
			cfg.Auth.LoginAttemptTTL, cfg.Auth.ProviderTimeout, cfg.Auth.SecureCookies, logger),
		Machine:   sso.NewLoginStateMachine(store, sso.NewProvisioner(cm), logger),
		Sessions:  sessions,
		CSRF:      csrf,
		Codec:     codec,
		Redirects: sso.NewRedirectValidator(append(cfg.Auth.AllowedRedirectOrigins, cfg.Server.BaseURL), ""),
		OTP:       sso.NewOTPIssuer(rdb, &logEmailSender{logger: logger}, cfg.Auth.LoginAttemptTTL, logger),
		Metrics:   metrics,
		Audit:     trail,
		Logger:    logger,
	})

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	rateLimit := middleware.NewAuthRateLimit(
		middleware.DefaultAuthRoutes(func(policy *middleware.RateLimitPolicy, route string) middleware.Limiter {
			return middleware.NewRedisRateLimiter(rdb, policy, "skyhook:ratelimit:"+route)
		}),
		metrics, logger,
	)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		rateLimit.Handler,
		httputil.MaxBytesMiddleware(1<<20),
	)

	var handler http.Handler = chain(router)
	if cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "skyhook-auth")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(cm.Primary(), rdb))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	healthServer := &http.Server{
		Addr:        cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	janitor := sso.NewJanitor(store, trail, logger)
	if err := janitor.Start(); err != nil {
		logger.WithError(err).Error("failed to start janitor")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		janitor.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// logEmailSender stands in until the mail service integration lands; it
// writes the code to the structured log instead of dispatching mail.
// TODO: replace with the notifications service client.
type logEmailSender struct {
	logger *observability.Logger
}

func (s *logEmailSender) SendOTP(_ context.Context, email, code string) error {
	s.logger.WithFields(map[string]interface{}{
		"email": email,
		"code":  code,
	}).Info("login verification code issued")
	return nil
}

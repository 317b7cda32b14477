package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/app"
	"github.com/noah-isme/payconfirm/internal/attempt"
	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/config"
	"github.com/noah-isme/payconfirm/internal/health"
	"github.com/noah-isme/payconfirm/internal/notify"
	"github.com/noah-isme/payconfirm/internal/obs"
	"github.com/noah-isme/payconfirm/internal/payment"
	"github.com/noah-isme/payconfirm/internal/ratelimit"
	"github.com/noah-isme/payconfirm/internal/reconcile"
	"github.com/noah-isme/payconfirm/internal/security"
	"github.com/noah-isme/payconfirm/internal/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payconfirm-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, "payconfirm-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	engine := reconcile.NewEngine(deps.Ledger, notify.Confirmations{
		Notifier: deps.ConfirmationNotifier(),
		Logger:   logger.With().Str("component", "confirmations").Logger(),
	}, logger.With().Str("component", "reconcile").Logger())
	engine.MaxRetries = cfg.ReconcileMaxRetries
	engine.RetryBase = cfg.ReconcileRetryBase
	engine.NotifyTimeout = cfg.NotifyTimeout

	if cfg.PaymentMerchantKey == "" {
		logger.Warn().Msg("payment_merchant_key_not_set")
	}
	webhookHandler := payment.Webhook{
		Verifier:    signature.Verifier{Secret: cfg.PaymentSalt},
		MerchantKey: cfg.PaymentMerchantKey,
		Tracker:     attempt.NewTracker(deps.Attempts, cfg.WebhookMaxAttempts),
		Engine:      engine,
		Validate:    deps.Validator,
		Logger:      logger.With().Str("component", "webhook").Logger(),
	}
	redirectHandler := payment.Redirect{
		Engine:     engine,
		SuccessURL: cfg.RedirectSuccessURL,
		FailureURL: cfg.RedirectFailureURL,
		Logger:     logger.With().Str("component", "redirect").Logger(),
	}
	notificationHandler := payment.Notification{
		Notifier: deps.ConfirmationNotifier(),
		Validate: deps.Validator,
		Logger:   logger.With().Str("component", "sendnotification").Logger(),
	}
	txnHandler := payment.Transactions{Store: deps.Ledger, Validate: deps.Validator}

	webhookLimit, publicLimit := rateLimiters(deps, logger)

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:              cfg.SecurityHeaders,
		EnableHSTS:          cfg.AppEnv == "production",
		HSTSMaxAge:          31536000,
		TrustForwardedProto: cfg.TrustForwardedTLS,
	}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		common.JSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}

	healthHandler := health.Handler{Checks: readinessChecks(deps)}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Group(func(g chi.Router) {
		g.Use(publicLimit.Middleware)
		g.Get("/payment-success", redirectHandler.Handle)
		g.Post("/payment-success", redirectHandler.Handle)
		g.Post("/sendnotification", notificationHandler.Handle)
	})

	r.Route("/api/v1", func(v chi.Router) {
		v.With(webhookLimit.Middleware).Post("/payments/webhook", webhookHandler.Handle)
		v.Group(func(g chi.Router) {
			g.Use(publicLimit.Middleware)
			g.Post("/transactions", txnHandler.Create)
			g.Get("/transactions/{txnid}", txnHandler.Get)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("ledger", cfg.LedgerDriver).Str("attempts", cfg.AttemptStore).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	logger.Info().Msg("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}

func rateLimiters(deps *app.Dependencies, logger zerolog.Logger) (ratelimit.Handler, ratelimit.Handler) {
	cfg := deps.Config
	onError := func(err error) {
		logger.Warn().Err(err).Msg("rate_limit_unavailable")
	}

	var webhook, public ratelimit.Limiter
	if deps.Redis != nil {
		webhook = ratelimit.SlidingWindow{Client: deps.Redis, Prefix: "rl:"}
		fixed, err := ratelimit.NewRedisFixedWindow(deps.Redis, "rl-public")
		if err != nil {
			logger.Error().Err(err).Msg("initialise public rate limiter")
			public = ratelimit.NewMemoryFixedWindow("rl-public")
		} else {
			public = fixed
		}
	} else {
		webhook = ratelimit.NewMemoryFixedWindow("rl-webhook")
		public = ratelimit.NewMemoryFixedWindow("rl-public")
	}

	return ratelimit.Handler{
			Limiter: webhook,
			Config:  ratelimit.Config{Key: ratelimit.KeyByIP("webhook"), Window: time.Minute, Max: cfg.RateLimitWebhookPerMin},
			OnError: onError,
		}, ratelimit.Handler{
			Limiter: public,
			Config:  ratelimit.Config{Key: ratelimit.KeyByIP("public"), Window: time.Minute, Max: cfg.RateLimitPublicPerMin},
			OnError: onError,
		}
}

func readinessChecks(deps *app.Dependencies) []health.Check {
	var checks []health.Check
	if deps.DB != nil {
		checks = append(checks, health.Check{Name: "db", Checker: deps.DB, Timeout: deps.Config.HealthDBTimeout})
	}
	if deps.Redis != nil {
		checks = append(checks, health.Check{
			Name:    "redis",
			Checker: health.CheckerFunc(func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() }),
			Timeout: deps.Config.HealthRedisTimeout,
		})
	}
	return checks
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

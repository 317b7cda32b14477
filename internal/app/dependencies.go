package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/attempt"
	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/config"
	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/ledger/memory"
	"github.com/noah-isme/payconfirm/internal/ledger/postgres"
	"github.com/noah-isme/payconfirm/internal/notify"
	"github.com/noah-isme/payconfirm/internal/obs"
	"github.com/noah-isme/payconfirm/internal/payment"
	"github.com/noah-isme/payconfirm/internal/resilience"
)

// Dependencies holds the services shared by the api and worker processes.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Ledger     ledger.Store
	Attempts   attempt.Store
	Validator  *validator.Validate
	TaskClient *asynq.Client
}

// Build opens the stores selected by cfg. Callers must Close the result.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	deps := &Dependencies{Config: cfg, Logger: logger, Validator: payment.NewValidator()}

	if cfg.NeedsDatabase() {
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := OpenDatabase(ctx, cfg, appName)
		if err != nil {
			return nil, err
		}
		deps.DB = pool
	}
	if cfg.RedisURL != "" {
		rdb, err := OpenRedis(ctx, cfg, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = rdb
	}

	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		deps.Ledger = postgres.NewStore(deps.DB)
	default:
		logger.Warn().Msg("ledger_in_memory")
		deps.Ledger = memory.NewStore()
	}

	switch cfg.AttemptStore {
	case config.DriverPostgres:
		deps.Attempts = postgres.NewAttemptStore(deps.DB)
	case config.DriverRedis:
		if deps.Redis == nil {
			deps.Close()
			return nil, errors.New("attempt store: redis not configured")
		}
		deps.Attempts = attempt.RedisStore{Client: deps.Redis}
	default:
		deps.Attempts = attempt.NewMemoryStore()
	}

	if cfg.NotifyMode == config.NotifyQueue {
		opt, err := RedisConnOpt(cfg)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.TaskClient = asynq.NewClient(opt)
	}
	return deps, nil
}

// OpenDatabase connects a traced pgx pool and pings it.
func OpenDatabase(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
	if cfg.DBMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.DBMaxConns)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenRedis connects an instrumented redis client and pings it.
func OpenRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisConnOpt converts REDIS_URL into asynq connection options.
func RedisConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url for queue: %w", err)
	}
	return opt, nil
}

// ChannelNotifier sends over email and the downstream webhook, each behind
// its own breaker.
func (d *Dependencies) ChannelNotifier() notify.Notifier {
	cfg := d.Config
	var mail common.EmailSender = common.NopEmailSender{}
	if cfg.SMTPHost != "" && cfg.SMTPUsername != "" {
		mail = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom())
	} else if cfg.NotifyEmailEnabled {
		d.Logger.Warn().Msg("smtp_not_configured")
	}
	channels := notify.Fanout{
		notify.Guarded{
			Channel:  "email",
			Notifier: notify.EmailNotifier{Mail: mail, Enabled: cfg.NotifyEmailEnabled},
			Breaker:  d.breaker("notify-email"),
		},
	}
	if cfg.NotifyWebhookURL != "" {
		logger := d.Logger.With().Str("component", "notify_webhook").Logger()
		channels = append(channels, notify.Guarded{
			Channel: "webhook",
			Notifier: notify.WebhookNotifier{
				URL:    cfg.NotifyWebhookURL,
				Secret: cfg.NotifyWebhookSecret,
				HTTP: &resilience.HTTPClient{
					Client:      notify.HttpClient(int(cfg.OutboundTimeout/time.Millisecond), false),
					BaseBackoff: cfg.RetryBase,
					MaxAttempts: cfg.RetryMaxAttempts,
					Jitter:      cfg.RetryJitterPercent,
					Timeout:     cfg.OutboundTimeout,
					Target:      "notify-webhook",
					Logger:      &logger,
				},
			},
			Breaker: d.breaker("notify-webhook"),
		})
	}
	return channels
}

// ConfirmationNotifier is the notifier used on the request path: inline
// delivery or hand-off to the worker depending on NOTIFY_MODE.
func (d *Dependencies) ConfirmationNotifier() notify.Notifier {
	if d.Config.NotifyMode == config.NotifyQueue && d.TaskClient != nil {
		return notify.QueueNotifier{
			Client:   d.TaskClient,
			Queue:    d.Config.NotifyQueueName,
			MaxRetry: d.Config.NotifyMaxRetry,
			Timeout:  d.Config.NotifyTimeout,
		}
	}
	return d.ChannelNotifier()
}

func (d *Dependencies) breaker(target string) *resilience.Breaker {
	cfg := d.Config
	return resilience.NewBreaker(cfg.CircuitNotifyMinReq, cfg.CircuitNotifyFailureRate, cfg.CircuitNotifyOpenFor).
		WithTarget(target).
		WithLogger(d.Logger)
}

// Close releases every connection Build opened.
func (d *Dependencies) Close() {
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

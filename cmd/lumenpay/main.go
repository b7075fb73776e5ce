package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenpay/lumenpay/internal/admin"
	"github.com/lumenpay/lumenpay/internal/alert"
	"github.com/lumenpay/lumenpay/internal/api"
	"github.com/lumenpay/lumenpay/internal/config"
	"github.com/lumenpay/lumenpay/internal/dispatch"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/indexer"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/ledger/horizon"
	"github.com/lumenpay/lumenpay/internal/lifecycle"
	"github.com/lumenpay/lumenpay/internal/permission"
	"github.com/lumenpay/lumenpay/internal/ratelimit"
	"github.com/lumenpay/lumenpay/internal/reconciliation"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/lumenpay/lumenpay/internal/store"
	"github.com/lumenpay/lumenpay/internal/store/memstore"
	"github.com/lumenpay/lumenpay/internal/store/postgres"
	redispkg "github.com/lumenpay/lumenpay/internal/store/redis"
	"github.com/lumenpay/lumenpay/internal/tracing"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
	"github.com/lumenpay/lumenpay/internal/walletindex"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 5 * time.Second
	poolStatsInterval = 15 * time.Second
)

// stores groups the repositories of the selected backend.
type stores struct {
	payments store.PaymentRepository
	cursors  store.CursorRepository
	wallets  store.WalletRepository
	contacts store.ContactRepository
	db       *postgres.DB
}

func (s *stores) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lumenpay exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("lumenpay shut down gracefully")
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	network := cfg.Stellar.Network
	logger.Info("starting lumenpay",
		"network", network,
		"horizon_url", cfg.Stellar.HorizonURL,
		"store_backend", cfg.Store.Backend,
		"redis_enabled", cfg.Redis.Enabled,
		"indexer_enabled", cfg.Indexer.Enabled,
		"api_port", cfg.Server.APIPort,
		"admin_port", cfg.Server.AdminPort,
		"seed_wallets", len(cfg.Wallets),
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "lumenpay",
		Network:     network.String(),
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redispkg.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis")
	}

	breaker := ledger.NewBreaker(ledger.BreakerConfig{
		OnStateChange: func(from, to ledger.BreakerState) {
			logger.Warn("ledger circuit breaker state changed", "from", from, "to", to)
		},
	})
	ledgerClient := ledger.NewGuarded(
		horizon.NewClient(cfg.Stellar.HorizonURL, cfg.Stellar.Timeout),
		network.String(), cfg.Stellar.RPS, cfg.Stellar.Burst, breaker,
	)

	alerter := buildAlerter(cfg, logger)

	wallets := walletindex.New(st.wallets, network, walletindex.Config{
		ExpectedWallets: 1_000_000,
		CacheCapacity:   cfg.Wallet.CacheCapacity,
		CacheTTL:        cfg.Wallet.CacheTTL,
	})
	if err := syncWallets(ctx, wallets, network, cfg.Wallets, logger); err != nil {
		return err
	}
	n, err := wallets.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load wallet index: %w", err)
	}
	logger.Info("wallet index loaded", "wallets", n)

	subscribers := []dispatch.Subscriber{
		dispatch.NewContactsRecorder(st.contacts),
		dispatch.NewAlertSubscriber(alerter),
	}
	if cfg.Notify.WebhookURL != "" {
		subscribers = append(subscribers, dispatch.NewNotifier(cfg.Notify.WebhookURL))
	}
	if redisClient != nil {
		subscribers = append(subscribers, dispatch.NewStreamPublisher(redisClient, dispatch.DefaultStream))
	}
	dispatcher := dispatch.New(dispatch.Config{}, logger, subscribers...)

	submitPolicy := retry.Policy{
		MaxAttempts:    cfg.Submit.MaxAttempts,
		BaseDelay:      cfg.Submit.BackoffInitial,
		MaxDelay:       cfg.Submit.BackoffMax,
		AttemptTimeout: cfg.Stellar.Timeout,
	}
	builder := txbuilder.New(ledgerClient, cfg.Assets, network, txbuilder.WithRetryPolicy(submitPolicy))

	payments := lifecycle.New(lifecycle.Deps{
		Payments:    st.payments,
		Builder:     builder,
		Wallets:     wallets,
		Permissions: permission.NewKYCChecker(cfg.Assets, st.payments),
		Ledger:      ledgerClient,
		Events:      dispatcher,
	}, lifecycle.Config{
		Network:       network,
		SubmitPolicy:  submitPolicy,
		ConfirmWindow: cfg.Confirm.Window,
	}, logger)

	confirmer := reconciliation.NewService(st.payments, payments, network, reconciliation.DefaultPageSize, logger)

	var ix *indexer.Indexer
	if cfg.Indexer.Enabled {
		ix = indexer.New(indexer.Deps{
			Ledger:   ledgerClient,
			Cursors:  st.cursors,
			Payments: st.payments,
			Wallets:  wallets,
			Events:   dispatcher,
			Alerter:  alerter,
		}, indexer.Config{
			Network:      network,
			Source:       cfg.Indexer.Source,
			Interval:     cfg.Indexer.Interval,
			BatchSize:    cfg.Indexer.BatchSize,
			FetchTimeout: cfg.Indexer.FetchTimeout,
		}, logger)
	}

	limiter, nonces, sweepers := buildLimiters(cfg, redisClient)
	apiServer := api.NewServer(payments, limiter, nonces, api.Config{IdempotencyTTL: cfg.API.IdempotencyTTL}, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, "api", cfg.Server.APIPort, apiServer.Handler(), logger)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, "health", cfg.Server.HealthPort, healthHandler(logger), logger)
	})
	g.Go(func() error {
		return confirmer.RunPeriodic(gCtx, cfg.Confirm.Interval)
	})
	g.Go(func() error {
		return wallets.RunPeriodic(gCtx, cfg.Wallet.ReloadInterval, func(err error) {
			logger.Warn("wallet index reload failed", "error", err)
		})
	})
	if ix != nil {
		g.Go(func() error {
			return ix.Run(gCtx)
		})
	}

	if cfg.Server.AdminPort > 0 {
		opts := []admin.ServerOption{admin.WithConfirmer(confirmer), admin.WithContacts(st.contacts)}
		if ix != nil {
			opts = append(opts, admin.WithIndexer(ix))
		}
		adminServer := admin.NewServer(network, wallets, st.wallets, logger, opts...)
		adminLimiter := admin.NewRateLimitMiddleware(logger)
		sweepers = append(sweepers, adminLimiter)
		handler := admin.AuditMiddleware(logger, adminLimiter.Wrap(adminServer.Handler()))
		g.Go(func() error {
			return runHTTPServer(gCtx, "admin", cfg.Server.AdminPort, handler, logger)
		})
	}

	if len(sweepers) > 0 {
		g.Go(func() error {
			return ratelimit.RunSweeper(gCtx, sweepers...)
		})
	}

	if st.db != nil {
		st.db.StartPoolStatsPump(gCtx, poolStatsInterval)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store.Backend == "memory" {
		logger.Warn("using in-memory store; records are lost on restart")
		ms := memstore.New()
		return &stores{
			payments: ms.Payments(),
			cursors:  ms.Cursors(),
			wallets:  ms.Wallets(),
			contacts: ms.Contacts(),
		}, nil
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.RunMigrations(ctx, postgres.MigrationsFS(cfg.DB.MigrationsDir)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	return &stores{
		payments: postgres.NewPaymentRepo(db),
		cursors:  postgres.NewCursorRepo(db),
		wallets:  postgres.NewWalletRepo(db),
		contacts: postgres.NewContactRepo(db),
		db:       db,
	}, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.GenericWebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.GenericWebhookURL))
	}
	if len(channels) == 0 {
		return alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func buildLimiters(cfg *config.Config, client *redis.Client) (ratelimit.Limiter, ratelimit.NonceStore, []ratelimit.Sweeper) {
	rule := ratelimit.Rule{Limit: cfg.API.InitiatePerMinute, Window: time.Minute}
	if client != nil {
		return ratelimit.NewRedisLimiter(client, rule), ratelimit.NewRedisNonceStore(client), nil
	}
	limiter := ratelimit.NewMemoryLimiter(rule)
	nonces := ratelimit.NewMemoryNonceStore()
	return limiter, nonces, []ratelimit.Sweeper{limiter, nonces}
}

// walletLinker is satisfied by *walletindex.Index.
type walletLinker interface {
	Link(ctx context.Context, w *model.Wallet) error
}

func syncWallets(ctx context.Context, linker walletLinker, network model.Network, seeds []config.WalletSeed, logger *slog.Logger) error {
	for _, seed := range seeds {
		w := &model.Wallet{
			Address:  seed.Address,
			UserID:   seed.UserID,
			KYCLevel: seed.KYCLevel,
			Network:  network,
			IsActive: true,
		}
		if err := linker.Link(ctx, w); err != nil {
			return fmt.Errorf("link wallet %s: %w", seed.Address, err)
		}
	}
	if len(seeds) > 0 {
		logger.Info("synced wallets from env", "network", network, "count", len(seeds))
	}
	return nil
}

func healthHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

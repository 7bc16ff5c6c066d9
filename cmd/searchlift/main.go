package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/searchlift/searchlift/internal/adapter/cache"
	"github.com/searchlift/searchlift/internal/adapter/searchconsole"
	"github.com/searchlift/searchlift/internal/config"
	httptransport "github.com/searchlift/searchlift/internal/http"
	"github.com/searchlift/searchlift/internal/http/handler"
	apimiddleware "github.com/searchlift/searchlift/internal/middleware"
	"github.com/searchlift/searchlift/internal/repository"
	"github.com/searchlift/searchlift/internal/secrets"
	"github.com/searchlift/searchlift/internal/server"
	"github.com/searchlift/searchlift/internal/service/connection"
	"github.com/searchlift/searchlift/internal/service/indexation"
	"github.com/searchlift/searchlift/internal/service/opportunity"
	"github.com/searchlift/searchlift/internal/telemetry"
	"github.com/searchlift/searchlift/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newCipher,
			newStateStore,
			newConnectionRepo,
			newSiteRepo,
			newIndexationRepo,
			newQueueRepo,
			newQuotaLedger,
			newStoreLinkRepo,
			newProviderClient,
			newVault,
			newConnectionService,
			newScheduler,
			newScorer,
			newRateLimiter,
			handler.NewConsoleHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newCipher(cfg config.Config) (*secrets.Cipher, error) {
	return secrets.NewCipher(cfg.TokenCipherKey)
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newConnectionRepo(pool *pgxpool.Pool, node *snowflake.Node) repository.ConnectionRepo {
	return repository.NewPostgresConnectionRepo(pool, node)
}

func newSiteRepo(pool *pgxpool.Pool, node *snowflake.Node) repository.SiteRepo {
	return repository.NewPostgresSiteRepo(pool, node)
}

func newIndexationRepo(pool *pgxpool.Pool, node *snowflake.Node) repository.IndexationRepo {
	return repository.NewPostgresIndexationRepo(pool, node)
}

func newQueueRepo(pool *pgxpool.Pool, node *snowflake.Node) repository.QueueRepo {
	return repository.NewPostgresQueueRepo(pool, node)
}

func newQuotaLedger(pool *pgxpool.Pool, cfg config.Config) repository.QuotaLedger {
	return repository.NewPostgresQuotaLedger(pool, cfg.DailyQuotaLimit)
}

func newStoreLinkRepo(pool *pgxpool.Pool) repository.StoreLinkRepo {
	return repository.NewPostgresStoreLinkRepo(pool)
}

func newProviderClient(cfg config.Config) searchconsole.Client {
	endpoints := searchconsole.DefaultEndpoints()
	if cfg.ProviderAuthURL != "" {
		endpoints.AuthURL = cfg.ProviderAuthURL
	}
	return searchconsole.NewHTTPClient(nil, cfg.ProviderClientID, cfg.ProviderClientSecret, cfg.OAuthRedirectURL, endpoints)
}

func newVault(connections repository.ConnectionRepo, provider searchconsole.Client, cipher *secrets.Cipher, logger *zap.Logger) *vault.Vault {
	return vault.New(connections, provider, cipher, logger)
}

func newConnectionService(
	states repository.StateStore,
	connections repository.ConnectionRepo,
	sites repository.SiteRepo,
	storeLinks repository.StoreLinkRepo,
	provider searchconsole.Client,
	cipher *secrets.Cipher,
	cfg config.Config,
	logger *zap.Logger,
) *connection.Service {
	return connection.NewService(states, connections, sites, storeLinks, provider, cipher, cfg, logger)
}

func newScheduler(
	sites repository.SiteRepo,
	urls repository.IndexationRepo,
	queue repository.QueueRepo,
	ledger repository.QuotaLedger,
	tokens *vault.Vault,
	provider searchconsole.Client,
	cfg config.Config,
	logger *zap.Logger,
) *indexation.Scheduler {
	return indexation.NewScheduler(sites, urls, queue, ledger, tokens, provider, cfg.MaxQueueAttempts, cfg.StaleVerdictAge, logger)
}

func newScorer(sites repository.SiteRepo, tokens *vault.Vault, provider searchconsole.Client, logger *zap.Logger) *opportunity.Scorer {
	return opportunity.NewScorer(sites, tokens, provider, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/rayonlabs/squad-api/internal/adapter/cache"
	"github.com/rayonlabs/squad-api/internal/adapter/moderation"
	oauthadapter "github.com/rayonlabs/squad-api/internal/adapter/oauth"
	"github.com/rayonlabs/squad-api/internal/bootstrap"
	"github.com/rayonlabs/squad-api/internal/config"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	httptransport "github.com/rayonlabs/squad-api/internal/http"
	"github.com/rayonlabs/squad-api/internal/http/handler"
	httpmiddleware "github.com/rayonlabs/squad-api/internal/http/middleware"
	"github.com/rayonlabs/squad-api/internal/jwt"
	apimiddleware "github.com/rayonlabs/squad-api/internal/middleware"
	"github.com/rayonlabs/squad-api/internal/repository"
	"github.com/rayonlabs/squad-api/internal/secret"
	"github.com/rayonlabs/squad-api/internal/server"
	"github.com/rayonlabs/squad-api/internal/service/action"
	authservice "github.com/rayonlabs/squad-api/internal/service/auth"
	"github.com/rayonlabs/squad-api/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newTracer,
			newSnowflake,
			newPGXPool,
			newDB,
			newAgentRepository,
			newRedisClient,
			newStateStore,
			newCipher,
			newProviderClient,
			newClassifier,
			newTokenService,
			newGateway,
			newVerifier,
			httpmiddleware.NewAgentAuth,
			handler.NewXHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureDevAgent, startHTTPServer),
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
	logger = logger.With(zap.String("service", cfg.ServiceName))
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

func newTracer(provider *telemetry.Provider) trace.Tracer {
	return provider.Tracer()
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DBAutoMigrate {
		if err := repository.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}

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

func newDB(pool *pgxpool.Pool) repository.DB {
	return pool
}

func newAgentRepository(db repository.DB, cfg config.Config) repository.AgentRepository {
	return repository.NewPostgresAgentRepo(db, cfg.DBQueryTimeout)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisURL != "" {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
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

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newCipher(cfg config.Config) (authservice.Cipher, error) {
	c, err := secret.NewCipher(cfg.CipherKey, secret.PurposeX)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return c, nil
}

func newProviderClient(cfg config.Config, node *snowflake.Node, logger *zap.Logger) oauthadapter.ProviderClient {
	client := oauthadapter.NewHTTPProviderClient(domainoauth.ProviderConfig{
		ClientID:     cfg.XClientID,
		ClientSecret: cfg.XClientSecret,
		RedirectURI:  cfg.XRedirectURI,
		Scopes:       cfg.XScopes,
		AuthURL:      cfg.XAuthURL,
		TokenURL:     cfg.XTokenURL,
		APIBaseURL:   cfg.XAPIBaseURL,
		UploadURL:    cfg.XUploadURL,
	}, &http.Client{Timeout: cfg.XHTTPTimeout})

	if !cfg.XLiveMode {
		logger.Warn("x live mode disabled, actions are simulated")
		return oauthadapter.NewDryRunClient(client, node, logger)
	}
	return client
}

func newClassifier(cfg config.Config, logger *zap.Logger) (*moderation.HTTPClassifier, error) {
	key := cfg.ClassifierSigningKey
	if key == "" {
		key = cfg.AgentTokenSecret
	}
	signer, err := jwt.NewSigner([]byte(key), cfg.AgentTokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("classifier signer: %w", err)
	}
	return moderation.NewHTTPClassifier(moderation.Config{
		HateSpeechURL: cfg.HateSpeechURL,
		NSFWURL:       cfg.NSFWURL,
		Subject:       cfg.ClassifierSubject,
		Timeout:       cfg.ModerationTimeout,
	}, signer, nil, logger), nil
}

func newTokenService(
	stateStore repository.StateStore,
	providerClient oauthadapter.ProviderClient,
	agents repository.AgentRepository,
	cipher authservice.Cipher,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.Logger,
) authservice.TokenService {
	return authservice.NewTokenService(stateStore, providerClient, agents, cipher, cfg, tracer, logger)
}

func newGateway(
	tokens authservice.TokenService,
	providerClient oauthadapter.ProviderClient,
	classifier *moderation.HTTPClassifier,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.Logger,
) action.Gateway {
	return action.NewGateway(tokens, providerClient, classifier, classifier, cfg, tracer, logger)
}

func newVerifier(cfg config.Config) *jwt.Verifier {
	return jwt.NewVerifier([]byte(cfg.AgentTokenSecret), cfg.AgentTokenIssuer)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM, apimiddleware.ClientIP)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
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
				defer close(done)
				_ = srv.Run(runCtx)
			}()

			logger.Info("squad x api started", zap.String("addr", srv.Addr()), zap.Bool("x_live_mode", cfg.XLiveMode))
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

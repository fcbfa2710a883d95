package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/gatekeep/adapters/events"
	"github.com/layer-3/gatekeep/adapters/identity"
	"github.com/layer-3/gatekeep/adapters/store"
	"github.com/layer-3/gatekeep/adapters/tokenizer"
	"github.com/layer-3/gatekeep/gateway"
	"github.com/layer-3/gatekeep/internal/config"
	"github.com/layer-3/gatekeep/internal/logging"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/ports"
	"github.com/layer-3/gatekeep/registry"
	"github.com/layer-3/gatekeep/service"
	transporthttp "github.com/layer-3/gatekeep/transport/http"
	"github.com/layer-3/gatekeep/transport/ws"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the push gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"GATEKEEP_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	m := metrics.New()

	g, ctx := errgroup.WithContext(ctx)

	var (
		redisClient *redis.Client
		err         error
	)
	if cfg.Revocation.Backend == config.BackendRedis || cfg.Bus.Backend == config.BusRedisStream {
		redisClient, err = newRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var revocations ports.RevocationStore
	switch cfg.Revocation.Backend {
	case config.BackendRedis:
		revocations = store.NewRedisStore(redisClient)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The degraded policy covers an unreachable store; keep serving.
			log.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	default:
		mem := store.NewMemoryStore()
		if cfg.Revocation.JanitorInterval > 0 {
			g.Go(func() error {
				mem.RunJanitor(ctx, cfg.Revocation.JanitorInterval)
				return nil
			})
		}
		revocations = mem
	}

	keys, err := signingKey(cfg.Token)
	if err != nil {
		return err
	}
	tk := tokenizer.NewJWTTokenizer(keys,
		tokenizer.WithIssuer(cfg.Token.Issuer),
		tokenizer.WithLeeway(cfg.Token.Leeway),
	)

	idp, err := identityProvider(cfg, tk, revocations)
	if err != nil {
		return err
	}

	publisher, subscriber, err := bus(cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer publisher.Close()
	eventPub := events.NewWatermillPublisher(publisher, m)

	sessions, err := service.NewSessionManager(tk, revocations, idp, service.Config{
		AccessTTL:    cfg.Token.AccessTTL,
		RefreshTTL:   cfg.Token.RefreshTTL,
		StoreTimeout: cfg.Revocation.Timeout,
		MaxInflight:  cfg.Revocation.MaxInflight,
		Degraded:     service.DegradedPolicy(cfg.Revocation.DegradedMode),
	},
		service.WithLogger(log.With("component", "sessions")),
		service.WithMetrics(m),
		service.WithEventPublisher(eventPub),
	)
	if err != nil {
		return err
	}

	gw := gateway.New(sessions, registry.New(cfg.Gateway.Shards), gateway.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		IdleTimeout:       cfg.Gateway.IdleTimeout,
	},
		gateway.WithLogger(log.With("component", "gateway")),
		gateway.WithMetrics(m),
		gateway.WithEventPublisher(eventPub),
	)

	sub, err := events.NewSubscriber(subscriber, gw, log.With("component", "bus"), m)
	if err != nil {
		return err
	}

	router := transporthttp.SetupRouter(transporthttp.Deps{
		Sessions: sessions,
		Gateway:  gw,
		WebSocket: ws.NewHandler(gw, ws.Config{
			SendQueue:    cfg.Gateway.SendQueue,
			WriteTimeout: cfg.Gateway.WriteTimeout,
			PingInterval: cfg.Gateway.HeartbeatInterval,
		}, log.With("component", "ws")),
		Metrics: m,
		Cookies: transporthttp.CookieConfig{
			Secure: cfg.HTTP.CookieSecure,
			Domain: cfg.HTTP.CookieDomain,
		},
		Log: log.With("component", "http"),
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return sub.Run(ctx) })
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func signingKey(cfg config.TokenConfig) (*tokenizer.KeyProvider, error) {
	if cfg.KeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return tokenizer.ParseECDSAKeyPEM(pemBytes)
	}
	return tokenizer.NewHMACKeyFromBase64(cfg.Secret)
}

func identityProvider(cfg *config.Config, tk ports.Tokenizer, revocations ports.RevocationStore) (ports.IdentityProvider, error) {
	users := make(map[string]identity.User, len(cfg.Identity.Users))
	for id, u := range cfg.Identity.Users {
		users[id] = identity.User{PasswordHash: u.PasswordHash, Claims: u.Claims}
	}
	passwords, err := identity.NewPasswordDirectory(users)
	if err != nil {
		return nil, err
	}

	d := &identity.Dispatch{Password: passwords}
	if cfg.Identity.Wallet {
		d.Wallet = identity.NewWallet(tk, revocations, cfg.Token.ChallengeTTL)
	}
	return d, nil
}

// bus returns the publisher and subscriber for cross-node events. Redis
// stream subscribers run without a consumer group so every node sees every
// message. Streams are trimmed to bus.max_len.
func bus(cfg *config.Config, client redis.UniversalClient, log *slog.Logger) (message.Publisher, message.Subscriber, error) {
	logger := watermill.NewSlogLogger(log.With("component", "watermill"))

	if cfg.Bus.Backend != config.BusRedisStream {
		ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
		return ch, ch, nil
	}

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:        client,
		DefaultMaxlen: cfg.Bus.MaxLen,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}
	return publisher, subscriber, nil
}

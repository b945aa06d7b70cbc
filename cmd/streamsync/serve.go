package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/boot"
	"github.com/memohai/streamsync/internal/cloudflare"
	"github.com/memohai/streamsync/internal/config"
	"github.com/memohai/streamsync/internal/db"
	"github.com/memohai/streamsync/internal/directus"
	"github.com/memohai/streamsync/internal/handlers"
	"github.com/memohai/streamsync/internal/logger"
	"github.com/memohai/streamsync/internal/mirror"
	"github.com/memohai/streamsync/internal/queue"
	"github.com/memohai/streamsync/internal/reconcile"
	"github.com/memohai/streamsync/internal/server"
	"github.com/memohai/streamsync/internal/version"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background uploader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				fx.Provide(
					provideConfig,
					boot.ProvideRuntimeConfig,
					provideLogger,

					provideDBConn,
					provideQueue,
					fx.Annotate(provideDirectusClient, fx.As(new(assets.Store))),
					provideStreamClient,
					provideMirrorService,
					provideReconcileService,

					provideServerHandler(provideEventsHandler),
					provideServerHandler(provideUploadsHandler),
					provideServerHandler(providePingHandler),

					provideServer,
				),
				fx.Invoke(
					reportIntegration,
					startQueue,
					startReconcile,
					startServer,
				),
				fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

// provideDBConn returns a nil pool when no DSN is configured.
func provideDBConn(lc fx.Lifecycle, rc *boot.RuntimeConfig) (*pgxpool.Pool, error) {
	if rc.PostgresDSN == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, rc.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideQueue(log *slog.Logger, rc *boot.RuntimeConfig, pool *pgxpool.Pool) *queue.Queue {
	opts := queue.Options{Workers: rc.QueueWorkers, Buffer: rc.QueueBuffer}
	if pool != nil {
		opts.Locker = db.NewAdvisoryLocker(log, pool)
	}
	return queue.New(log, opts)
}

func provideDirectusClient(log *slog.Logger, rc *boot.RuntimeConfig) *directus.Client {
	return directus.NewClient(log, rc.DirectusURL, rc.DirectusToken, rc.DirectusTimeout)
}

func provideStreamClient(log *slog.Logger, rc *boot.RuntimeConfig) *cloudflare.Client {
	return cloudflare.NewClient(log, cloudflare.Options{
		BaseURL:   rc.CloudflareBaseURL,
		AccountID: rc.Integration.AccountID,
		Token:     rc.Integration.Token,
		Timeout:   rc.CloudflareTimeout,
		RateLimit: rc.RateLimit,
	})
}

func provideMirrorService(log *slog.Logger, rc *boot.RuntimeConfig, store assets.Store, stream *cloudflare.Client, q *queue.Queue) *mirror.Service {
	return mirror.NewService(log, rc.Integration, store, stream, q, rc.ChunkSize)
}

func provideReconcileService(log *slog.Logger, rc *boot.RuntimeConfig, svc *mirror.Service, store assets.Store) *reconcile.Service {
	return reconcile.NewService(log, svc, store, rc.ReconcileSchedule, rc.ReconcilePageSize)
}

func provideEventsHandler(log *slog.Logger, svc *mirror.Service) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, svc)
}

func provideUploadsHandler(log *slog.Logger, q *queue.Queue) *handlers.UploadsHandler {
	return handlers.NewUploadsHandler(log, q)
}

func providePingHandler(log *slog.Logger, rc *boot.RuntimeConfig) *handlers.PingHandler {
	return handlers.NewPingHandler(log, rc.Integration.Enabled())
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.RuntimeConfig.WebhookSecret, params.ServerHandlers...)
}

func reportIntegration(log *slog.Logger, rc *boot.RuntimeConfig) {
	if !rc.Integration.Enabled() {
		log.Error("cloudflare stream integration disabled", slog.String("reason", rc.Integration.Reason))
		return
	}
	log.Info("cloudflare stream integration enabled", slog.String("account_id", rc.Integration.AccountID))
}

func startQueue(lc fx.Lifecycle, q *queue.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			q.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return q.Stop(ctx)
		},
	})
}

func startReconcile(lc fx.Lifecycle, svc *reconcile.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Start()
		},
		OnStop: func(ctx context.Context) error {
			return svc.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting streamsync %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

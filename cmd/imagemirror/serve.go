package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/imagemirror/internal/channel/adapters/discord"
	"github.com/memohai/imagemirror/internal/config"
	"github.com/memohai/imagemirror/internal/handlers"
	"github.com/memohai/imagemirror/internal/logger"
	"github.com/memohai/imagemirror/internal/media"
	"github.com/memohai/imagemirror/internal/mirror"
	"github.com/memohai/imagemirror/internal/schedule"
	"github.com/memohai/imagemirror/internal/server"
)

type configPath string

func runServe(path string) {
	fx.New(
		fx.Supply(configPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideFetcher,
			mirror.NewLedger,
			provideAdapter,
			provideEngine,
			provideReporter,
			provideServerHandler(handlers.NewHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startDiscord,
			startReporter,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path), nil)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideFetcher(log *slog.Logger, cfg config.Config) *media.Fetcher {
	return media.NewFetcher(log, media.FetcherConfig{
		MaxBytes: cfg.Mirror.MaxUploadBytes,
		Delay:    cfg.Mirror.DownloadDelay(),
		Timeout:  cfg.Mirror.FetchTimeout(),
	})
}

func provideAdapter(log *slog.Logger, cfg config.Config) *discord.Adapter {
	return discord.NewAdapter(log, cfg.Discord.Token)
}

func provideEngine(log *slog.Logger, cfg config.Config, adapter *discord.Adapter, fetcher *media.Fetcher, ledger *mirror.Ledger) *mirror.Engine {
	if len(cfg.Mirror.SourceChannelIDs) == 0 {
		log.Warn("no source channels configured, nothing will be mirrored")
	}
	return mirror.NewEngine(log, adapter, fetcher, ledger, mirror.Options{
		SourceChannelIDs:   cfg.Mirror.SourceChannelIDs,
		TargetChannelID:    cfg.Mirror.TargetChannelID,
		SkipUnchangedEdits: cfg.Mirror.SkipUnchangedEdits,
	})
}

func provideReporter(log *slog.Logger, cfg config.Config, engine *mirror.Engine) (*schedule.Reporter, error) {
	return schedule.NewReporter(log, engine, cfg.Stats.Schedule)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Health.Addr(), params.ServerHandlers...)
}

// startDiscord connects the gateway with a context that outlives OnStart, so
// in-flight handlers are only cancelled on shutdown.
func startDiscord(lc fx.Lifecycle, logger *slog.Logger, adapter *discord.Adapter, engine *mirror.Engine) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := adapter.Connect(ctx, engine); err != nil {
				cancel()
				return err
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			if err := adapter.Close(); err != nil {
				logger.Warn("discord close failed", slog.Any("error", err))
			}
			return nil
		},
	})
}

func startReporter(lc fx.Lifecycle, reporter *schedule.Reporter) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return reporter.Start() },
		OnStop:  func(_ context.Context) error { reporter.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting imagemirror", slog.String("version", versionInfo()), slog.String("addr", srv.Addr()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/cache"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/media"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		_ = store.Close(db)
		return err
	}
	repos := store.New(db)

	// History reads go through Redis when it is configured.
	var messages server.Messages = repos.Messages
	var redisCache *cache.Cache
	if cfg.Cache.Enabled() {
		redisCache, err = cache.Connect(ctx, cfg.Cache)
		if err != nil {
			logger.Warn("redis unavailable, serving history without cache", "addr", cfg.Cache.Addr, "error", err)
		} else {
			messages = cache.NewMessages(repos.Messages, redisCache, logger)
			logger.Info("history cache enabled", "addr", cfg.Cache.Addr)
		}
	}

	objects, err := media.NewDiskStore(cfg.Media)
	if err != nil {
		_ = store.Close(db)
		return err
	}

	hub := server.NewHub(logger)
	svc := server.Services{Users: repos.Users, Rooms: repos.Rooms, Messages: messages}
	gateway := upload.NewGateway(cfg.Upload, repos.Users, repos.Rooms, messages, objects, hub, logger)
	api := server.NewAPI(cfg.Server, hub, svc, gateway, objects, logger)
	if redisCache != nil {
		api.WithCache(redisCache)
	}

	httpServer := server.CreateServer(cfg.Server.Port, server.SetupRoutes(api, objects.Dir()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer, logger)
	}()

	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				var errs []error
				errs = append(errs, server.ShutdownServer(ctx, httpServer, logger))
				errs = append(errs, hub.Shutdown(cfg.Server.ShutdownTimeout))
				if redisCache != nil {
					errs = append(errs, redisCache.Close())
				}
				errs = append(errs, store.Close(db))
				return errors.Join(errs...)
			},
		},
	)

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			_ = hub.Shutdown(cfg.Server.ShutdownTimeout)
			_ = store.Close(db)
			return err
		}
		return exitWith(logger, <-wait)
	case code := <-wait:
		return exitWith(logger, code)
	}
}

func exitWith(logger *slog.Logger, code int) error {
	logger.Info("server exited", "code", code)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

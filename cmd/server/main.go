package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/ratelimit-go/internal/container"
	"github.com/serroba/ratelimit-go/internal/events"
	"github.com/serroba/ratelimit-go/internal/ratelimit"
	"go.uber.org/zap"
)

func registerPackages(injector *do.Injector, options *container.Options) {
	do.ProvideValue(injector, options)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.PostgresPackage(injector)
	container.StorePackage(injector)
	container.PublisherPackage(injector)
	container.RateLimitPackage(injector)
	container.HTTPPackage(injector)
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, options *container.Options) {
		injector := do.New()
		registerPackages(injector, options)

		logger := do.MustInvoke[*zap.Logger](injector)

		var server *http.Server

		hooks.OnStart(func() {
			router := do.MustInvoke[*chi.Mux](injector)

			// Invoke API to trigger route registration
			_ = do.MustInvoke[huma.API](injector)

			janitor := do.MustInvoke[*ratelimit.Janitor](injector)
			if err := janitor.Start(context.Background()); err != nil {
				logger.Fatal("failed to start janitor", zap.Error(err))
			}

			server = &http.Server{
				Addr:              fmt.Sprintf(":%d", options.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger.Info("server starting", zap.Int("port", options.Port))

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("server failed", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			logger.Info("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if server != nil {
				if err := server.Shutdown(ctx); err != nil {
					logger.Error("server shutdown error", zap.Error(err))
				}
			}

			if err := do.MustInvoke[*ratelimit.Janitor](injector).Shutdown(); err != nil {
				logger.Error("janitor shutdown error", zap.Error(err))
			}

			do.MustInvoke[*ratelimit.FixedWindowLimiter](injector).Close()

			if err := do.MustInvoke[*events.Publisher](injector).Shutdown(); err != nil {
				logger.Error("publisher shutdown error", zap.Error(err))
			}

			do.MustInvoke[*pgxpool.Pool](injector).Close()

			if err := do.MustInvoke[*redis.Client](injector).Close(); err != nil {
				logger.Error("redis shutdown error", zap.Error(err))
			}

			logger.Info("shutdown complete")
		})
	})

	cli.Run()
}

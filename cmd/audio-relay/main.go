package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"audio-relay-go/internal/client"
	"audio-relay-go/internal/config"
	"audio-relay-go/internal/handler"
	"audio-relay-go/internal/logging"
	"audio-relay-go/internal/metrics"
	"audio-relay-go/internal/middleware"
	"audio-relay-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "audio-relay: load .env: %v\n", err)
	}

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("audio-relay"),
		kong.Description("Relays recorded audio uploads to a webhook and returns its reply."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			func() clockwork.Clock { return clockwork.NewRealClock() },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewWebhookClient,
			func(c *client.WebhookClient) service.Sender { return c },
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
			handler.NewStaticHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			handler.RegisterMetrics,
			warnConfigPermissions,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(cfg, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Uploads of a few megabytes over slow links need a generous read window.
	e.Server.ReadTimeout = 60 * time.Second
	// The reply is written only after the webhook answers, so the write
	// window has to cover the whole webhook timeout.
	e.Server.WriteTimeout = cfg.Webhook.Timeout() + 30*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Correlation())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, metricsPath(cfg)))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.Server.CORS.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	if cfg.Server.RateLimit.Enabled {
		rps := cfg.Server.RateLimit.RequestsPerSecond
		// The default burst is int(rps), which rejects everything below 1 rps.
		store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(rps),
			Burst: max(1, int(rps)),
		})
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", rps)
	}

	return e
}

// metricsPath is the scrape path to label separately, or empty when metrics are off.
func metricsPath(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"webhook_url", cfg.Webhook.URL,
				"webhook_timeout", cfg.Webhook.Timeout().String(),
				"static_dir", cfg.Static.Dir,
				"config", cfg.FilePath(),
				"metrics", cfg.Metrics.Enabled,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"sp-rest-proxy-go/internal/auth"
	"sp-rest-proxy-go/internal/client"
	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/console"
	"sp-rest-proxy-go/internal/digest"
	"sp-rest-proxy-go/internal/gateway"
	"sp-rest-proxy-go/internal/handler"
	"sp-rest-proxy-go/internal/metrics"
	"sp-rest-proxy-go/internal/middleware"
	"sp-rest-proxy-go/internal/model"
	"sp-rest-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("sp-rest-proxy"),
		kong.Description("Authenticating reverse proxy for SharePoint REST, CSOM and SOAP APIs."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	// The mode decides which components exist, so it is read before the graph is built.
	cfg, err := config.Load(&cli)
	kctx.FatalIfErrorf(err)

	fx.New(
		fx.Supply(cfg, handler.Version(version)),
		fx.Provide(newLogger, metrics.New, newEcho),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		modeOptions(cfg.Gateway.Mode),
		fx.Invoke(warnConfigPermissions, registerMetrics, startServer),
	).Run()
}

// modeOptions returns the components for one gateway mode.
func modeOptions(mode string) fx.Option {
	site := fx.Provide(newDigestStore, newAuthProvider, client.NewClient, newProxyService)

	switch mode {
	case config.ModeGatewayServer:
		return fx.Options(
			fx.Provide(newGatewayServer, newConsole),
			fx.Invoke(registerGatewayServer),
		)
	case config.ModeGatewayClient:
		return fx.Options(
			site,
			fx.Invoke(registerGatewayClient),
		)
	default:
		return fx.Options(
			site,
			fx.Provide(newConsole),
			fx.Invoke(registerStandalone),
		)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: large downloads and gateway round trips can
	// legitimately outlast any fixed bound. The upstream client timeout
	// and IdleTimeout cover stuck connections.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	bodyLimit := max(cfg.Server.RawBodyMaxBytes, cfg.Server.JSONBodyMaxBytes)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", bodyLimit)))
	e.Use(middleware.SecurityHeaders(cfg.Gateway.Path))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newDigestStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) digest.Store {
	if cfg.Digest.Backend != "redis" {
		return digest.NewMemoryStore()
	}

	store := digest.NewRedisStore(digest.RedisOptions{
		Addr:      cfg.Digest.RedisAddr,
		Password:  cfg.Digest.RedisPassword,
		DB:        cfg.Digest.RedisDB,
		KeyPrefix: cfg.Digest.KeyPrefix,
	})
	logger.Info("digest cache backed by redis", "addr", cfg.Digest.RedisAddr)
	lc.Append(fx.StopHook(store.Close))
	return store
}

func newAuthProvider(cfg *config.Config) (auth.Provider, error) {
	return auth.NewStatic(cfg)
}

func newProxyService(c *client.Client, provider auth.Provider, cfg *config.Config, logger *slog.Logger) (*service.Proxy, error) {
	return service.NewProxy(c, model.ProxyContext{
		SiteURL:      cfg.Site.URL,
		ProxyHostURL: cfg.Server.PublicURL,
		Username:     provider.Username(),
	}, service.SettingsFromConfig(cfg), logger)
}

func newGatewayServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *gateway.Server {
	gw := gateway.NewServer(cfg, logger, m)
	lc.Append(fx.StopHook(gw.Close))
	return gw
}

// newConsole returns nil when the console is disabled, which ProxyHandler treats as off.
func newConsole(cfg *config.Config) *console.Provider {
	if !cfg.Console.Enabled {
		return nil
	}
	return console.NewProvider(cfg.Console.Root, version)
}

func registerStandalone(e *echo.Echo, cfg *config.Config, v handler.Version, svc *service.Proxy, con *console.Provider, logger *slog.Logger) {
	proxy := handler.NewProxyHandler(svc, handler.ProxyOptions{
		Console:       con,
		BodyLimit:     svc.BodyLimit(),
		FailureStatus: cfg.Upstream.FailureStatus,
	}, logger)
	handler.RegisterRoutes(e, proxy, handler.NewHealthHandler(cfg, v, nil))
}

func registerGatewayServer(e *echo.Echo, cfg *config.Config, v handler.Version, gw *gateway.Server, con *console.Provider, logger *slog.Logger) {
	e.GET(cfg.Gateway.Path, gw.Accept)

	var dispatcher handler.Dispatcher = handler.DispatchFunc(gw.RoundTrip)
	if cfg.Site.URL != "" {
		dispatcher = handler.LocalConfig(model.ProxyContext{
			SiteURL:  cfg.Site.URL,
			Username: cfg.Auth.Username,
		}, dispatcher)
	} else {
		logger.Info("site.url not set; /config is answered by the gateway client")
	}

	proxy := handler.NewProxyHandler(dispatcher, handler.ProxyOptions{
		Console:       con,
		BodyLimit:     max(cfg.Server.RawBodyMaxBytes, cfg.Server.JSONBodyMaxBytes),
		FailureStatus: cfg.Upstream.FailureStatus,
	}, logger)
	handler.RegisterRoutes(e, proxy, handler.NewHealthHandler(cfg, v, gw.Connected))
	logger.Info("gateway server enabled", "path", cfg.Gateway.Path)
}

// registerGatewayClient runs the tunnel for the process lifetime. The local
// listener only serves status endpoints.
func registerGatewayClient(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, v handler.Version, svc *service.Proxy, logger *slog.Logger) {
	handler.RegisterHealthRoutes(e, handler.NewHealthHandler(cfg, v, nil))

	gc := gateway.NewClient(cfg, svc, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting gateway client", "server_url", cfg.Gateway.ServerURL)
			go func() {
				defer close(done)
				if err := gc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("gateway client stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
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
				"protocol", cfg.Server.Protocol,
				"public_url", cfg.Server.PublicURL,
				"mode", cfg.Gateway.Mode,
			)
			go func() {
				var err error
				if cfg.Server.Protocol == "https" {
					err = e.Server.ServeTLS(ln, cfg.Server.TLSCert, cfg.Server.TLSKey)
				} else {
					err = e.Server.Serve(ln)
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
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

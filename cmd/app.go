package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/david-kiko/data/kb"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// BodyLimit caps request bodies, in echo's size notation ("1M").
	BodyLimit string
	// RebuildInterval enables periodic background rebuilds. Zero disables.
	RebuildInterval time.Duration
	// RebuildOnStart runs one rebuild as soon as the server is listening.
	RebuildOnStart bool
	Logger         *slog.Logger
	Metrics        kb.AppMetrics
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		BodyLimit:         "1M",
		Logger:            slog.Default(),
	}
}

func (c AppConfig) withDefaults() AppConfig {
	d := DefaultAppConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.BodyLimit == "" {
		c.BodyLimit = d.BodyLimit
	}
	if c.RebuildInterval < 0 {
		c.RebuildInterval = 0
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// App serves the pipeline over HTTP and owns the background rebuild loop.
type App struct {
	pipeline *kb.Pipeline
	echo     *echo.Echo
	config   AppConfig
	logger   *slog.Logger
	metrics  kb.AppMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	rebuilds *rebuildLoop
}

func NewApp(pipeline *kb.Pipeline, cfg AppConfig) *App {
	cfg = cfg.withDefaults()
	metrics := cfg.Metrics
	if metrics == nil && pipeline != nil {
		metrics = pipeline.Metrics
	}
	if metrics == nil {
		metrics = kb.NoopAppMetrics{}
	}

	a := &App{
		pipeline: pipeline,
		echo:     echo.New(),
		config:   cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		errCh:    make(chan error, 1),
	}
	a.echo.HideBanner = true
	a.echo.HidePort = true
	a.echo.Use(
		middleware.Recover(),
		middleware.RequestID(),
		middleware.BodyLimit(cfg.BodyLimit),
		a.requestLog(),
	)
	a.registerRoutes()
	return a
}

// requestLog records route metrics and logs one line per request. The
// level follows the status class.
func (a *App) requestLog() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogRoutePath: true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := v.RoutePath
			if route == "" {
				route = v.URIPath
			}
			status := v.Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := v.Latency.Milliseconds()
			a.metrics.RecordRequest(v.Method, route, status, latencyMS)

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", route),
				slog.Int("status", status),
				slog.Int64("latency_ms", latencyMS),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			a.logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Logger:     a.logger,
		AppMetrics: a.metrics,
	}
	if a.pipeline != nil {
		deps.Search = a.pipeline.Search
		deps.Rebuild = a.pipeline.Rebuild
		deps.LatestBuild = a.pipeline.LatestBuild
		deps.Builds = a.pipeline.Builds
		deps.ListPaths = a.pipeline.ListPaths
	}
	Register(a.echo, deps)
}

// Handler exposes the router for in-process tests.
func (a *App) Handler() http.Handler {
	return a.echo
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return errors.New("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.config.Address, err)
	}
	a.listener = ln
	a.echo.Server = &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}

	if a.pipeline != nil && (a.config.RebuildInterval > 0 || a.config.RebuildOnStart) {
		a.rebuilds = startRebuildLoop(a.config.RebuildInterval, a.config.RebuildOnStart, a.rebuildOnce)
	}

	srv := a.echo.Server
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.errCh <- err
	}()
	return nil
}

// Address reports the bound address, with unspecified hosts rewritten to
// loopback so it can be dialled.
func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	tcp, ok := a.listener.Addr().(*net.TCPAddr)
	if !ok {
		return a.listener.Addr().String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

func (a *App) Wait() error {
	return <-a.errCh
}

// Stop drains the rebuild loop before shutting the server down. A nil ctx
// uses ShutdownTimeout.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	loop := a.rebuilds
	a.listener = nil
	a.rebuilds = nil
	a.mu.Unlock()

	if ln == nil {
		return nil
	}
	loop.stop()

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}
	return a.echo.Shutdown(ctx)
}

func (a *App) rebuildOnce(ctx context.Context) {
	report, err := a.pipeline.Rebuild(ctx)
	switch {
	case errors.Is(err, kb.ErrRebuildLeaseConflict):
		a.logger.InfoContext(ctx, "scheduled rebuild skipped", "reason", err.Error())
	case errors.Is(err, context.Canceled):
	case err != nil:
		a.logger.ErrorContext(ctx, "scheduled rebuild failed", "error", err)
	default:
		a.logger.InfoContext(ctx, "scheduled rebuild completed",
			"build_id", report.BuildID,
			"paths", report.Paths,
			"fragments", report.Fragments,
		)
	}
}

type rebuildLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startRebuildLoop calls run every interval until stopped. With immediate
// set, the first run starts right away. A zero interval with immediate set
// runs once.
func startRebuildLoop(interval time.Duration, immediate bool, run func(context.Context)) *rebuildLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &rebuildLoop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		if immediate {
			run(ctx)
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
	return l
}

// stop cancels the loop and waits for an in-flight run. Safe on nil.
func (l *rebuildLoop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

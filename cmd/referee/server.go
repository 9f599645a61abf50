package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/referee-bot/referee/automod"
	"github.com/referee-bot/referee/automod/cachestore"
	"github.com/referee-bot/referee/automod/countstore"
	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/signal"
	"github.com/referee-bot/referee/automod/warningstore"
	"github.com/referee-bot/referee/util/cliutil"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

type Server struct {
	Engine *automod.Engine
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
	db     *gorm.DB
	config Config
}

type Config struct {
	Logger      *slog.Logger
	DatabaseURL string
	MaxDBConns  int
	// enables tracing of database queries
	TraceDB  bool
	RedisURL string
	// JSON file with roles and members, to seed the guild at startup
	GuildFile   string
	BotPosition int
	SenderID    string

	MarkerRoleName      string
	RestrictionRoleName string
	WarningLifetime     time.Duration
	EscalationBase      time.Duration
	EscalationFactor    float64
	MaxPunishment       time.Duration
	// max automated punishments per day; zero for no limit
	PunishmentQuota int
	// zero disables warning dedupe
	DedupeWindow time.Duration
	// max marker system mutations per second; zero for no limit
	MarkerRateLimit float64
	SlackWebhookURL string

	Bind        string
	SweepPeriod time.Duration
}

func NewServer(ctx context.Context, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var store warningstore.WarningStore
	var db *gorm.DB
	if config.DatabaseURL == "" || strings.HasPrefix(config.DatabaseURL, "mem://") {
		logger.Warn("using in-process warning store; warnings will not survive restart")
		store = warningstore.NewMemWarningStore()
	} else {
		var err error
		db, err = cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConns)
		if err != nil {
			return nil, err
		}
		if config.TraceDB {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return nil, fmt.Errorf("configuring database tracing: %w", err)
			}
		}
		gs, err := warningstore.NewGormWarningStore(db)
		if err != nil {
			return nil, fmt.Errorf("initializing warning store: %w", err)
		}
		store = gs
	}

	var g guild.Guild
	var counters countstore.CountStore
	var nameCache cachestore.CacheStore
	var dedupe cachestore.CacheStore
	if config.RedisURL != "" {
		rg, err := guild.NewRedisGuild(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis guild: %w", err)
		}
		rg.BotPosition = config.BotPosition
		if config.GuildFile != "" {
			if err := rg.LoadFromFileJSON(ctx, config.GuildFile); err != nil {
				return nil, fmt.Errorf("seeding redis guild: %w", err)
			}
			logger.Info("loaded guild from JSON", "path", config.GuildFile)
		}
		g = rg

		cnt, err := countstore.NewRedisCountStore(config.RedisURL, "referee/count/")
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %w", err)
		}
		counters = cnt

		csh, err := cachestore.NewRedisCacheStore(config.RedisURL, "referee/cache/", 30*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %w", err)
		}
		nameCache = csh

		if config.DedupeWindow > 0 {
			dd, err := cachestore.NewRedisCacheStore(config.RedisURL, "referee/dedupe/", config.DedupeWindow)
			if err != nil {
				return nil, fmt.Errorf("initializing redis dedupe cache: %w", err)
			}
			dedupe = dd
		}
	} else {
		mg := guild.NewMemGuild()
		mg.BotPosition = config.BotPosition
		if config.GuildFile != "" {
			if err := mg.LoadFromFileJSON(config.GuildFile); err != nil {
				return nil, fmt.Errorf("initializing in-process guild: %w", err)
			}
			logger.Info("loaded guild from JSON", "path", config.GuildFile)
		}
		g = mg
		counters = countstore.NewMemCountStore()
		nameCache = cachestore.NewMemCacheStore(5_000, 30*time.Minute)
		if config.DedupeWindow > 0 {
			dedupe = cachestore.NewMemCacheStore(5_000, config.DedupeWindow)
		}
	}

	dir := guild.NewCacheDirectory(g, nameCache)

	engConfig := automod.DefaultEngineConfig()
	if config.MarkerRoleName != "" {
		engConfig.MarkerRoleName = config.MarkerRoleName
	}
	if config.WarningLifetime > 0 {
		engConfig.WarningLifetime = config.WarningLifetime
	}

	esc := automod.NewEscalator(g, logger)
	esc.Policy = automod.EscalationPolicy{
		BaseUnit:    config.EscalationBase,
		Factor:      config.EscalationFactor,
		MaxDuration: config.MaxPunishment,
	}
	if esc.Policy.Factor <= 0 {
		esc.Policy.Factor = automod.DefaultEscalationPolicy().Factor
	}
	if config.RestrictionRoleName != "" {
		esc.RoleName = config.RestrictionRoleName
	}
	esc.WarningLifetime = engConfig.WarningLifetime
	esc.Counters = counters
	esc.QuotaPerDay = config.PunishmentQuota
	esc.Notifiers = []automod.Notifier{&automod.LogNotifier{Logger: logger}}
	if config.SlackWebhookURL != "" {
		logger.Info("configuring slack punishment notifications")
		esc.Notifiers = append(esc.Notifiers, &automod.SlackNotifier{SlackWebhookURL: config.SlackWebhookURL})
	}

	senderID := config.SenderID
	if senderID == "" {
		senderID = signal.DefaultSenderID
	}

	var limiter *rate.Limiter
	if config.MarkerRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MarkerRateLimit), 1)
	}

	eng := &automod.Engine{
		Logger:    logger,
		Store:     store,
		Directory: dir,
		Markers:   g,
		Signals:   signal.NewAdapter(dir, senderID, logger),
		Escalator: esc,
		Dedupe:    dedupe,
		Limiter:   limiter,
		Config:    engConfig,
	}

	srv := newServer(eng, logger)
	srv.db = db
	srv.config = config
	srv.httpd.Addr = config.Bind
	return srv, nil
}

// registers collectors on the default registry, so must only be built once per process
var promMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("referee")
})

// wires HTTP routes around an already-configured engine
func newServer(eng *automod.Engine, logger *slog.Logger) *Server {
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		Engine: eng,
		echo:   e,
		logger: logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(promMiddleware())
	e.Use(otelecho.Middleware("referee"))
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/notifications", srv.HandleNotification)
	e.POST("/warnings", srv.HandleIssueWarning)
	e.GET("/warnings", srv.HandleListAllWarnings)
	e.GET("/subjects", srv.HandleListSubjects)
	e.GET("/warnings/active", srv.HandleListAllActive)
	e.GET("/warnings/:subject", srv.HandleListWarnings)
	e.GET("/warnings/:subject/active", srv.HandleListActiveWarnings)
	e.POST("/warnings/:subject/clear", srv.HandleClearWarnings)
	e.POST("/members/:subject/check", srv.HandleCheckMember)
	e.POST("/sweep", srv.HandleSweep)

	return srv
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}
	if code >= 500 {
		srv.logger.Warn("referee-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, GenericError{Error: http.StatusText(code), Message: fmt.Sprintf("%s", err)})
	}
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Runs the HTTP API and the sweep loop until the context is cancelled, then shuts both down.
func (srv *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		srv.logger.Info("starting server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return srv.Engine.RunSweepLoop(ctx, srv.config.SweepPeriod)
	})
	eg.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})

	err := eg.Wait()
	srv.logger.Info("graceful shutdown complete")
	return err
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.httpd.Shutdown(ctx)
	if srv.Engine.Escalator != nil {
		// release any active restrictions rather than leave them asserted
		srv.Engine.Escalator.Shutdown()
	}
	if cerr := srv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Closes the warning database, if there is one. Safe to call more than once.
func (srv *Server) Close() error {
	if srv.db == nil {
		return nil
	}
	sqlDB, err := srv.db.DB()
	if err != nil {
		return err
	}
	srv.db = nil
	return sqlDB.Close()
}

package main

import (
	"context"
	stdlog "log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/concrnt/socialnode/ap"
	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/api"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/fqid"
	apmiddleware "github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	app := &cli.App{
		Name:    "socialnode",
		Usage:   "federated social node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the yaml config",
				EnvVars: []string{"SOCIALNODE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"SOCIALNODE_DEBUG"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.Bool("debug") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand,
			migrateCommand,
			nodeCommand,
			authorCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("socialnode exited")
	}
}

func configFrom(cctx *cli.Context) (Config, error) {
	return loadConfig(configPaths(cctx.String("config")))
}

// openDB accepts a postgres DSN, or sqlite://path for single-host setups.
func openDB(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	dialector := postgres.Open(dsn)
	dbName := "postgres"
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		dialector = sqlite.Open(path)
		dbName = "sqlite"
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithDBName(dbName))); err != nil {
		return nil, errors.Wrap(err, "failed to setup tracing plugin")
	}
	return db, nil
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "create or update the database schema",
	Action: func(cctx *cli.Context) error {
		config, err := configFrom(cctx)
		if err != nil {
			return err
		}
		db, err := openDB(config.Server.Dsn)
		if err != nil {
			return err
		}
		log.Info().Msg("start migrate")
		return store.Migrate(db)
	},
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "run the node",
	Action: serve,
}

func serve(cctx *cli.Context) error {
	config, err := configFrom(cctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("buildMachine", buildMachine).
		Str("buildTime", buildTime).
		Str("goVersion", goVersion).
		Str("baseURL", config.Node.BaseURL).
		Msg("socialnode starting")

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "socialnode"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"socialnode"}

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true

	host := config.Node.BaseURL
	if u, err := url.Parse(config.Node.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, host+"/socialnode", version)
		if err != nil {
			return err
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(host, skipper))
	}

	db, err := openDB(config.Server.Dsn)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to connect database")
	}
	defer sqlDB.Close()

	log.Info().Msg("start migrate")
	if err := store.Migrate(db); err != nil {
		return errors.Wrap(err, "migrate")
	}

	var mc *memcache.Client
	if config.Server.MemcachedAddr != "" {
		mc = memcache.New(config.Server.MemcachedAddr)
		defer mc.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: config.Server.RedisAddr,
		DB:   config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		return errors.Wrap(err, "failed to setup tracing plugin")
	}
	defer rdb.Close()

	storeService := store.NewStore(db)
	if _, err := storeService.EnsureInstanceKey(cctx.Context); err != nil {
		return err
	}

	minter := fqid.NewMinter(config.Node.BaseURL)
	codec := bridge.NewService(storeService, minter, config.Node, mc)
	client := apclient.NewClient(nil, storeService, config.Node)
	fanout := worker.NewFanout(storeService, codec, client, rdb, config.Node)

	apHandler := ap.NewHandler(ap.NewService(storeService, codec, config.NodeInfo))
	apiHandler := api.NewHandler(api.NewService(storeService, codec, fanout, client))

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(echoprometheus.NewMiddleware("socialnode"))
	e.Use(middleware.Recover())
	e.Use(apmiddleware.Authenticate(storeService))
	e.Binder = &apmiddleware.Binder{}

	apHandler.Register(e)
	apiHandler.Register(e)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = storeService.Ping(ctx)
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	jobs := worker.NewWorker(rdb, storeService, client, config.Node).Run(ctx)
	defer jobs.Stop()

	go func() {
		addr := ":" + config.Server.Port
		log.Info().Str("addr", addr).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("an error occurred when starting server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return e.Shutdown(shutdownCtx)
}

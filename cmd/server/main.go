package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/coinex/internal/api"
	"github.com/xtrntr/coinex/internal/auth"
	"github.com/xtrntr/coinex/internal/config"
	"github.com/xtrntr/coinex/internal/db"
	"github.com/xtrntr/coinex/internal/events"
	"github.com/xtrntr/coinex/internal/exchange"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/logging"
	"github.com/xtrntr/coinex/internal/memdb"
	"github.com/xtrntr/coinex/internal/notify"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/seed"
	"github.com/xtrntr/coinex/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "coinex"
	app.Usage = "coin exchange server"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "optional dotenv file loaded before reading the environment",
		},
	}
	app.Commands = []cli.Command{
		serveCMD,
		migrateCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serveCMD = cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP, WebSocket and matching server",
		Action: serveAction,
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "migrate",
				Usage: "apply the schema before serving (postgres only)",
			},
			cli.BoolFlag{
				Name:  "seed",
				Usage: "load the demo coins and traders before serving",
			},
		},
		Description: `Serve the API on /api, live updates on /ws and metrics on /metrics`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "apply the PostgreSQL schema",
		Action:      migrateAction,
		Description: `Apply the embedded schema; safe to run repeatedly`,
	}
)

func setup(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.GlobalString("env-file"))
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func migrateAction(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	log.Info("Schema applied")
	return nil
}

func serveAction(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	base := log.WithField("cmd", "serve")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, c.Bool("migrate"))
	if err != nil {
		return err
	}
	defer closeStore()

	bus, err := openBus(ctx, cfg, base)
	if err != nil {
		return err
	}
	defer bus.Close()

	authService := auth.NewAuthService(st, cfg.JWTSecret, cfg.JWTTTL)
	l := ledger.New(st, base)

	if c.Bool("seed") || cfg.StoreDriver == config.StoreDriverMemory {
		if err := seed.New(st, authService, l, base).Run(ctx, seed.Demo()); err != nil {
			return err
		}
	}

	quoteCoinID, err := resolveQuoteCoin(ctx, st, cfg)
	if err != nil {
		return err
	}

	hub := notify.NewHub(authService, st, base)
	defer hub.Close()

	svc := orders.NewService(st, bus, hub, l, orders.Config{
		SettlementEnabled: cfg.SettlementEnabled,
		QuoteCoinID:       quoteCoinID,
	}, base)

	var settler exchange.Settler
	if cfg.SettlementEnabled {
		settler = l
	}
	engine := exchange.NewEngine(st, svc, settler, hub, exchange.Config{
		AllowSelfTrade:    cfg.AllowSelfTrade,
		SettlementEnabled: cfg.SettlementEnabled,
		QuoteCoinID:       quoteCoinID,
	}, base)
	dispatcher := exchange.NewDispatcher(ctx, engine, st, cfg.DispatchQueueSize, base)
	intake := events.NewIntake(bus, dispatcher, base)

	handler := api.NewHandler(st, svc, l, authService, base)
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(handler, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return intake.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cerr := dispatcher.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
		log.WithError(cerr).Error("Dispatcher stopped with error")
	}
	return err
}

func newRouter(handler *api.Handler, hub *notify.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/api", handler.Routes())
	r.Get("/ws", hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return memdb.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
	}
	return database, database.Close, nil
}

func openBus(ctx context.Context, cfg *config.Config, log *logrus.Entry) (events.Bus, error) {
	switch cfg.BusDriver {
	case config.BusDriverKafka:
		return events.NewKafkaBus(events.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroup}, log)
	case config.BusDriverLocal:
		return events.NewLocalBus(cfg.DispatchQueueSize, log), nil
	default:
		return events.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	}
}

// resolveQuoteCoin returns the id of the settlement quote coin, or 0 when
// settlement is off
func resolveQuoteCoin(ctx context.Context, st store.Store, cfg *config.Config) (int64, error) {
	if !cfg.SettlementEnabled {
		return 0, nil
	}
	coin, err := st.GetCoinBySymbol(ctx, cfg.SettlementQuote)
	if err != nil {
		return 0, fmt.Errorf("settlement quote coin %s: %w", cfg.SettlementQuote, err)
	}
	return coin.ID, nil
}

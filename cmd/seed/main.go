package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/xtrntr/coinex/internal/auth"
	"github.com/xtrntr/coinex/internal/config"
	"github.com/xtrntr/coinex/internal/db"
	"github.com/xtrntr/coinex/internal/exchange"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/logging"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/seed"
)

// trades are matched in-process, so nothing listens for the signal
type nopPublisher struct{}

func (nopPublisher) PublishNewOrder(context.Context, int64) error { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyOrderUpdate(int64, models.OrderSnapshot)      {}
func (nopNotifier) NotifyTransaction(int64, int64, models.Transaction) {}

func main() {
	app := cli.NewApp()
	app.Name = "coinex-seed"
	app.Usage = "seed the database with demo coins, traders and trades"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "optional dotenv file loaded before reading the environment",
		},
		cli.BoolFlag{
			Name:  "trades",
			Usage: "also place and match demo trades",
		},
	}
	app.Action = seedAction

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func seedAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logger.WithField("cmd", "seed")
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.JWTTTL)
	l := ledger.New(database, log)
	seeder := seed.New(database, authService, l, log)

	data := seed.Demo()
	if err := seeder.Run(ctx, data); err != nil {
		return err
	}
	if !c.Bool("trades") {
		log.Info("Seeded coins and traders")
		return nil
	}

	quote, err := database.GetCoinBySymbol(ctx, cfg.SettlementQuote)
	if err != nil {
		return fmt.Errorf("settlement quote coin %s: %w", cfg.SettlementQuote, err)
	}
	svc := orders.NewService(database, nopPublisher{}, nopNotifier{}, l, orders.Config{
		SettlementEnabled: true,
		QuoteCoinID:       quote.ID,
	}, log)
	engine := exchange.NewEngine(database, svc, l, nopNotifier{}, exchange.Config{
		SettlementEnabled: true,
		QuoteCoinID:       quote.ID,
	}, log)

	if err := seeder.Trades(ctx, data, svc, engine); err != nil {
		return err
	}
	log.Info("Seeded coins, traders and trades")
	return nil
}

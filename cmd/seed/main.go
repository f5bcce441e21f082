package main

import (
	"context"
	"errors"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/exchange"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/logging"
	"github.com/xtrntr/p2pexchange/internal/models"
)

const demoPassword = "password123"

type demoUser struct {
	id    string
	quote string
	asset string
}

var demoUsers = []demoUser{
	{"trader1", "10000", "0"},
	{"trader2", "0", "500"},
	{"trader3", "5000", "250"},
}

var demoOrders = []exchange.NewOrder{
	{UserID: "trader2", Side: models.SideSell, Amount: dec("100"), Price: dec("2"), MaxLimit: dec("50")},
	{UserID: "trader2", Side: models.SideSell, Amount: dec("200"), Price: dec("2.1"), MinLimit: dec("10")},
	{UserID: "trader3", Side: models.SideSell, Amount: dec("150"), Price: dec("1.95")},
	{UserID: "trader1", Side: models.SideBuy, Amount: dec("300"), Price: dec("1.9"), MinLimit: dec("20"), MaxLimit: dec("100")},
	{UserID: "trader3", Side: models.SideBuy, Amount: dec("80"), Price: dec("1.85")},
}

// Seed the store with demo users, balances, orders and one fill
func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		os.Stderr.WriteString("seeding needs the postgres store\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := seed(context.Background(), cfg, logger); err != nil {
		logger.Fatal("failed to seed", zap.Error(err))
	}
}

func seed(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	database, err := db.NewDB(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	// First check if we already have orders
	active, err := database.ActiveOrders(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		logger.Info("store already has active orders; no need to seed", zap.Int("orders", len(active)))
		return nil
	}

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	ex, err := exchange.NewExchange(database, gate.New(), settings, exchange.WithLogger(logger))
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)

	for _, u := range demoUsers {
		if _, err := authService.Register(ctx, u.id, demoPassword); err != nil && !errors.Is(err, auth.ErrUserExists) {
			return err
		}
		if _, err := ex.Credit(ctx, u.id, models.Quote, dec(u.quote)); err != nil {
			return err
		}
		if _, err := ex.Credit(ctx, u.id, models.Asset, dec(u.asset)); err != nil {
			return err
		}
	}

	var first models.Order
	for i, req := range demoOrders {
		order, err := ex.CreateOrder(ctx, req)
		if err != nil {
			return err
		}
		if i == 0 {
			first = order
		}
	}

	// trader1 buys part of trader2's first listing
	if _, err := ex.Fill(ctx, first.ID, "trader1", dec("40")); err != nil {
		return err
	}

	logger.Info("seeded demo data",
		zap.Int("users", len(demoUsers)),
		zap.Int("orders", len(demoOrders)),
		zap.String("password", demoPassword))
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

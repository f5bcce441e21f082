package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/api"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/db/memdb"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/exchange"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/logging"
	"github.com/xtrntr/p2pexchange/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Main entry point: sets up storage, exchange, and HTTP server
func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		// No logger yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	hub := api.NewHub(store, logger.Named("ws"), collector, cfg.AllowedOrigins())
	defer hub.Close()

	publishers := events.Multi{hub}
	if cfg.NatsURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NatsURL, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer natsPub.Close()
		publishers = append(publishers, natsPub)
		logger.Info("publishing events to nats", zap.String("url", cfg.NatsURL))
	}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
		defer kafkaPub.Close()
		publishers = append(publishers, kafkaPub)
		logger.Info("publishing events to kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	}

	ex, err := exchange.NewExchange(store, gate.New(), settings,
		exchange.WithPublisher(publishers),
		exchange.WithMetrics(collector),
		exchange.WithLogger(logger.Named("exchange")),
	)
	if err != nil {
		return err
	}
	rules := ex.Settings()
	logger.Info("exchange ready",
		zap.Stringer("commission_rate", rules.CommissionRate),
		zap.String("commission_mode", string(rules.CommissionMode)))

	authService := auth.NewAuthService(store, cfg.JWTSecret, cfg.TokenTTL)
	handler := api.NewHandler(ex, authService, logger.Named("api"), cfg.Admins())
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        collector.Handler(),
		Hub:            hub,
	})

	// Start periodic order book broadcast
	go hub.Run(ctx, cfg.BroadcastInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreDriver),
			zap.String("commission_mode", string(settings.CommissionMode)),
			zap.Stringer("commission_rate", settings.CommissionRate))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store; state is lost on exit")
		return memdb.New(), nil
	}

	database, err := db.NewDB(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close(ctx)
			return nil, err
		}
	}
	return database, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ms-reservations/internal/config"
	"ms-reservations/internal/database"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/inventory"
	"ms-reservations/internal/lock"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/notify"
	order_db "ms-reservations/internal/order/db"
	"ms-reservations/internal/scheduler"
	"ms-reservations/internal/sse"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// expiry-worker runs the expiry queue consumer and the stale order sweeper
// without the HTTP API. Run it when EXPIRY_WORKER_ENABLED is false on the
// API replicas.
func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := logger.New(cfg.Log.Dir, cfg.Log.Service+"-worker")
	defer log.Close()

	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient, err := database.ConnectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()

	notifier, closeNotifier, err := notify.FromConfig(cfg, log)
	if err != nil {
		log.Fatal("NOTIFY", err.Error())
	}
	defer closeNotifier()

	// Status events reach API replicas over the relay channel; nothing
	// subscribes locally.
	relay := sse.NewRedisRelay(redisClient, cfg.Redis.StatusTopic, sse.NewStatusEmitter(), log)

	queue := scheduler.New(redisClient, cfg.Redis.KeyPrefix, log,
		scheduler.WithConcurrency(cfg.Reservation.WorkerConcurrency),
		scheduler.WithPollInterval(cfg.Reservation.PollInterval),
		scheduler.WithVisibility(cfg.Reservation.Visibility),
		scheduler.WithHandlerTimeout(cfg.Reservation.OperationTimeout),
	)

	worker := expiry.NewWorker(expiry.Worker{
		Orders:    &order_db.DB{Bun: bunDB},
		Inventory: inventory.NewStore(bunDB),
		UoW:       database.NewUnitOfWork(bunDB),
		Notifier:  notifier,
		Status:    relay,
		Lock:      lock.NewRedis(redisClient),
		Logger:    log,
		Config: expiry.Config{
			Window:     cfg.Reservation.Window,
			SweepGrace: cfg.Reservation.SweepGrace,
			SweepBatch: cfg.Reservation.SweepBatch,
			LockKey:    cfg.Redis.KeyPrefix + ":sweep_lock",
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx, worker.Handle)
	})
	g.Go(func() error {
		worker.RunSweeper(gctx, cfg.Reservation.SweepInterval)
		return nil
	})

	log.Info("APP", "Expiry worker started, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Expiry worker stopped with error: %v", err))
		os.Exit(1)
	}
	log.Info("APP", "Expiry worker shutdown complete")
}
